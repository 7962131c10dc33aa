// Package transport maintains one websocket connection per exchange and hands
// raw frames to the decoding pipeline.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

const (
	defaultHeartbeat     = 30 * time.Second
	maxReconnectInterval = 20 * time.Second
	readLimit            = 4 * 1024 * 1024
	writeTimeout         = 5 * time.Second
	connectTimeout       = 10 * time.Second
)

// Config describes one exchange connection.
type Config struct {
	Exchange schema.Exchange
	URL      string

	// SubscribeFrames is re-evaluated on every (re)connect so subscriptions
	// survive reconnects.
	SubscribeFrames func() ([][]byte, error)

	// Handler receives every raw frame in read order.
	Handler func(frame []byte)

	// OnDisconnect fires when a connection is lost, before the reconnect
	// backoff. Workers treat it as a sequence break.
	OnDisconnect func(err error)

	// Heartbeat bounds the silence between frames; exceeding it drops the
	// connection as a heartbeat_timeout.
	Heartbeat time.Duration

	// PingInterval/PingPayload drive app-level keepalives (OKX "ping",
	// Deribit public/test). Zero interval disables them.
	PingInterval time.Duration
	PingPayload  []byte

	Log zerolog.Logger
}

// Source owns the dial/read/reconnect loop for one exchange feed.
type Source struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// NewSource constructs a stopped source.
func NewSource(cfg Config) *Source {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return &Source{cfg: cfg, ready: make(chan struct{}), done: make(chan struct{})}
}

// Start dials in the background and returns once the first connection is
// established (or the timeout expires; the loop keeps retrying either way).
func (s *Source) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		s.connectLoop()
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(connectTimeout):
		return errs.New(string(s.cfg.Exchange), errs.CodeUnavailable,
			errs.WithMessage("timeout waiting for websocket connection"))
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Stop closes the connection and waits for the loop to exit.
func (s *Source) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	<-s.done
}

func (s *Source) connectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, s.cfg.URL, nil)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.cfg.Log.Warn().Err(err).Str("exchange", string(s.cfg.Exchange)).Msg("websocket dial failed")
			if !s.sleepBackoff(bo) {
				return
			}
			continue
		}
		conn.SetReadLimit(readLimit)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		bo.Reset()

		if err := s.sendSubscriptions(conn); err != nil {
			s.cfg.Log.Error().Err(err).Str("exchange", string(s.cfg.Exchange)).Msg("subscribe failed")
		}

		readErr := s.serveConn(conn)

		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if s.ctx.Err() != nil {
			return
		}
		s.cfg.Log.Warn().Err(readErr).Str("exchange", string(s.cfg.Exchange)).Msg("websocket connection lost")
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(readErr)
		}
		if !s.sleepBackoff(bo) {
			return
		}
	}
}

// serveConn pumps frames until the connection breaks or goes silent.
func (s *Source) serveConn(conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if s.cfg.PingInterval > 0 {
		go s.pingLoop(connCtx, conn)
	}

	for {
		readCtx, readCancel := context.WithTimeout(connCtx, s.cfg.Heartbeat)
		_, frame, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && connCtx.Err() == nil {
				return errs.New(string(s.cfg.Exchange), errs.CodeHeartbeatTimeout,
					errs.WithMessage(fmt.Sprintf("no frame in %s", s.cfg.Heartbeat)))
			}
			return err
		}
		s.cfg.Handler(frame)
	}
}

func (s *Source) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, s.cfg.PingPayload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Source) sendSubscriptions(conn *websocket.Conn) error {
	frames, err := s.cfg.SubscribeFrames()
	if err != nil {
		return err
	}
	for _, frame := range frames {
		writeCtx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return fmt.Errorf("write subscribe frame: %w", err)
		}
	}
	return nil
}

func (s *Source) sleepBackoff(bo *backoff.ExponentialBackOff) bool {
	sleep := bo.NextBackOff()
	if sleep == backoff.Stop {
		sleep = maxReconnectInterval
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}
