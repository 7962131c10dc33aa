package manager

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/depthstream/depthstream/internal/ratelimit"
	"github.com/depthstream/depthstream/internal/schema"
	"github.com/depthstream/depthstream/internal/snapshot"
	"github.com/depthstream/depthstream/internal/telemetry"
	"github.com/depthstream/depthstream/internal/tracker"
)

const updateChanCapacity = 1024

// worker owns one symbol's machine. It is the machine's single writer.
type worker struct {
	exchange      schema.Exchange
	marketType    schema.MarketType
	symbol        string
	snapshotDepth int

	machine *tracker.Machine
	updates chan *schema.Update
	// disconnects carries transport-loss signals, treated as sequence breaks.
	disconnects chan struct{}

	fetcher snapshot.Fetcher
	publish func(*schema.Orderbook)
	metrics *telemetry.Metrics
	log     zerolog.Logger

	resyncDelay    time.Duration
	resyncDelayMax time.Duration
	maxResyncs     int
	startupJitter  bool

	// applyHook runs before each live apply; tests use it to inject faults.
	applyHook func(symbol string, u *schema.Update)
}

func (w *worker) run(ctx context.Context) {
	if w.startupJitter {
		if !sleepCtx(ctx, ratelimit.StartupJitter()) {
			return
		}
	}
	w.machine.Subscribe()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.resyncDelay
	bo.MaxInterval = w.resyncDelayMax

	for {
		if ctx.Err() != nil {
			return
		}
		switch w.machine.Phase() {
		case schema.PhaseAwaitSnapshot:
			if w.awaitSnapshot(ctx) {
				bo.Reset()
			}
		case schema.PhaseReady:
			w.serveReady(ctx)
		case schema.PhaseResync:
			if w.machine.ConsecutiveResyncs() >= w.maxResyncs {
				w.fail()
				continue
			}
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				delay = w.resyncDelayMax
			}
			if !w.idle(ctx, delay) {
				return
			}
			w.machine.Resynced()
		case schema.PhaseFailed:
			// stay alive to drain routed updates; only shutdown ends it
			w.idle(ctx, time.Hour)
		default:
			w.machine.Subscribe()
		}
	}
}

// awaitSnapshot requests a REST snapshot while feeding arriving updates into
// the machine's buffer. Returns true when the book reached READY.
func (w *worker) awaitSnapshot(ctx context.Context) bool {
	type result struct {
		snap *snapshot.Snapshot
		err  error
	}
	resCh := make(chan result, 1)
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		snap, err := w.fetcher.Fetch(fetchCtx, w.exchange, w.marketType, w.symbol, w.snapshotDepth)
		resCh <- result{snap, err}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-w.disconnects:
			// pre-sync buffer contents are now suspect
			w.machine.Reset()
		case u := <-w.updates:
			w.dispatch(u)
			if w.machine.Phase() == schema.PhaseReady {
				// a stream snapshot completed the sync; the REST reply is moot
				return true
			}
		case res := <-resCh:
			if res.err != nil {
				if ctx.Err() != nil {
					return false
				}
				w.log.Warn().Err(res.err).Msg("snapshot fetch failed")
				w.machine.Fail()
				w.diagnostic("snapshot unavailable after bounded retries")
				return false
			}
			prev := w.machine.Status().Stats
			books, err := w.machine.InstallSnapshot(res.snap.Bids, res.snap.Asks, res.snap.UpdateID, res.snap.FetchedAt)
			for _, book := range books {
				w.publish(book)
			}
			w.metrics.RecordStatsDelta(ctx, w.exchange, w.symbol, prev, w.machine.Status().Stats)
			if err != nil {
				w.log.Warn().Err(err).Uint64("snapshot_id", res.snap.UpdateID).Msg("snapshot alignment failed")
				return false
			}
			return true
		}
	}
}

// serveReady applies live updates until the machine leaves READY.
func (w *worker) serveReady(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.disconnects:
			w.log.Warn().Msg("transport lost, restarting sync")
			w.machine.Reset()
			return
		case u := <-w.updates:
			w.dispatch(u)
			if w.machine.Phase() != schema.PhaseReady {
				return
			}
		}
	}
}

// dispatch feeds one update through the machine, publishing whatever it
// emits. A panic inside the apply path is contained to this symbol: the
// machine restarts from AWAIT_SNAPSHOT.
func (w *worker) dispatch(u *schema.Update) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("symbol", w.symbol).Msg("apply panicked, restarting symbol")
			w.machine.Reset()
		}
	}()

	prev := w.machine.Status().Stats
	if w.applyHook != nil {
		w.applyHook(w.symbol, u)
	}
	books, err := w.machine.HandleUpdate(u)
	for _, book := range books {
		w.publish(book)
	}
	w.metrics.RecordStatsDelta(context.Background(), w.exchange, w.symbol, prev, w.machine.Status().Stats)
	if err != nil {
		w.log.Warn().Err(err).Str("symbol", w.symbol).Msg("update rejected")
	}
}

// idle waits while still draining the inbound queue so routers never block.
func (w *worker) idle(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case u := <-w.updates:
			w.dispatch(u)
		case <-w.disconnects:
		case <-timer.C:
			return true
		}
	}
}

func (w *worker) fail() {
	w.machine.Fail()
	w.diagnostic("max consecutive resyncs exceeded")
}

func (w *worker) diagnostic(reason string) {
	w.log.Error().
		Str("event_id", uuid.NewString()).
		Str("exchange", string(w.exchange)).
		Str("symbol", w.symbol).
		Str("reason", reason).
		Msg("symbol failed")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
