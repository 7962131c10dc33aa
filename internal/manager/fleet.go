// Package manager coordinates the per-symbol sync workers.
package manager

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/publish"
	"github.com/depthstream/depthstream/internal/schema"
	"github.com/depthstream/depthstream/internal/snapshot"
	"github.com/depthstream/depthstream/internal/telemetry"
	"github.com/depthstream/depthstream/internal/tracker"
)

// Symbol declares one (exchange, symbol) pair to maintain.
type Symbol struct {
	Exchange      schema.Exchange
	MarketType    schema.MarketType
	Symbol        string
	DepthLimit    int
	SnapshotDepth int
}

// Options carries fleet-wide dependencies and tunables.
type Options struct {
	Fetcher snapshot.Fetcher
	Sink    publish.Sink
	Metrics *telemetry.Metrics
	Log     zerolog.Logger

	QueueCapacity  int
	DrainGrace     time.Duration
	BufferCapacity int
	ResyncDelay    time.Duration
	ResyncDelayMax time.Duration
	MaxResyncs     int
	StartupJitter  bool
}

type key struct {
	exchange schema.Exchange
	symbol   string
}

// Fleet owns every symbol's state machine and the goroutine that drives it.
// Updates are routed by (exchange, symbol); each worker is its machine's only
// writer.
type Fleet struct {
	opts    Options
	queue   *publish.Queue
	workers map[key]*worker
	log     zerolog.Logger

	cancel  context.CancelFunc
	wg      conc.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	lastQueueDropped atomic.Uint64
	routeDropped     atomic.Uint64
}

// New builds a stopped fleet for the given symbols.
func New(symbols []Symbol, opts Options) (*Fleet, error) {
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 5 * time.Second
	}
	if opts.ResyncDelay <= 0 {
		opts.ResyncDelay = time.Second
	}
	if opts.ResyncDelayMax <= 0 {
		opts.ResyncDelayMax = time.Minute
	}
	if opts.MaxResyncs <= 0 {
		opts.MaxResyncs = 10
	}

	f := &Fleet{
		opts:    opts,
		queue:   publish.NewQueue(opts.QueueCapacity, opts.Sink, opts.Log),
		workers: make(map[key]*worker, len(symbols)),
		log:     opts.Log,
	}
	for _, s := range symbols {
		k := key{exchange: s.Exchange, symbol: s.Symbol}
		if _, dup := f.workers[k]; dup {
			return nil, errs.New(string(s.Exchange), errs.CodeInvalid,
				errs.WithSymbol(s.Symbol), errs.WithMessage("duplicate symbol"))
		}
		machine, err := tracker.NewMachine(s.Exchange, s.MarketType, s.Symbol, s.DepthLimit, opts.BufferCapacity)
		if err != nil {
			return nil, err
		}
		f.workers[k] = &worker{
			exchange:       s.Exchange,
			marketType:     s.MarketType,
			symbol:         s.Symbol,
			snapshotDepth:  s.SnapshotDepth,
			machine:        machine,
			updates:        make(chan *schema.Update, updateChanCapacity),
			disconnects:    make(chan struct{}, 1),
			fetcher:        opts.Fetcher,
			publish:        f.publishBook,
			metrics:        opts.Metrics,
			log:            opts.Log.With().Str("exchange", string(s.Exchange)).Str("symbol", s.Symbol).Logger(),
			resyncDelay:    opts.ResyncDelay,
			resyncDelayMax: opts.ResyncDelayMax,
			maxResyncs:     opts.MaxResyncs,
			startupJitter:  opts.StartupJitter,
		}
	}
	return f, nil
}

// Start spins up the outbound queue and one goroutine per symbol.
func (f *Fleet) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("fleet already started"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Go(func() {
		if err := f.queue.Run(runCtx, f.opts.DrainGrace); err != nil {
			f.log.Error().Err(err).Msg("outbound queue stopped")
		}
	})
	for _, w := range f.workers {
		f.wg.Go(func() { w.run(runCtx) })
	}
	return nil
}

// Stop shuts the fleet down: workers finish their in-flight update, the
// outbound queue drains within the grace period, and the sink closes. No
// publish happens after Stop returns.
func (f *Fleet) Stop() {
	if !f.started.Load() || !f.stopped.CompareAndSwap(false, true) {
		return
	}
	f.cancel()
	f.wg.Wait()
}

// Route delivers a decoded update to its owning worker. It never blocks: a
// full worker queue drops the update, which surfaces later as a sequence gap.
func (f *Fleet) Route(u *schema.Update) {
	w, ok := f.workers[key{exchange: u.Exchange, symbol: u.Symbol}]
	if !ok {
		return
	}
	select {
	case w.updates <- u:
	default:
		f.routeDropped.Add(1)
		f.log.Warn().Str("symbol", u.Symbol).Msg("worker inbound queue full, update dropped")
	}
}

// NotifyDisconnect tells every worker on the exchange that its transport
// dropped; each restarts its sync from a fresh snapshot.
func (f *Fleet) NotifyDisconnect(exchange schema.Exchange) {
	for k, w := range f.workers {
		if k.exchange != exchange {
			continue
		}
		select {
		case w.disconnects <- struct{}{}:
		default:
		}
	}
}

// Get returns an immutable snapshot of the symbol's latest book, or nil.
func (f *Fleet) Get(exchange schema.Exchange, symbol string) *schema.Orderbook {
	w, ok := f.workers[key{exchange: exchange, symbol: symbol}]
	if !ok {
		return nil
	}
	return w.machine.Latest()
}

// Stats returns every symbol's status, ordered by exchange then symbol.
func (f *Fleet) Stats() []schema.SymbolStatus {
	out := make([]schema.SymbolStatus, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w.machine.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// PublishDropped returns outbound coalesce/evict drops plus routing drops.
func (f *Fleet) PublishDropped() uint64 {
	return f.queue.Dropped() + f.routeDropped.Load()
}

func (f *Fleet) publishBook(book *schema.Orderbook) {
	f.queue.Publish(book)
	dropped := f.queue.Dropped()
	if last := f.lastQueueDropped.Swap(dropped); dropped > last {
		f.opts.Metrics.RecordPublishDropped(context.Background(), int64(dropped-last))
	}
}

// SetApplyHook installs a pre-apply callback on one symbol's worker. Tests
// use it to inject faults into the apply path.
func (f *Fleet) SetApplyHook(exchange schema.Exchange, symbol string, hook func(symbol string, u *schema.Update)) {
	if w, ok := f.workers[key{exchange: exchange, symbol: symbol}]; ok {
		w.applyHook = hook
	}
}
