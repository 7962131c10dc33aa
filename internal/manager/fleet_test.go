package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/depthstream/depthstream/internal/publish"
	"github.com/depthstream/depthstream/internal/schema"
	"github.com/depthstream/depthstream/internal/snapshot"
)

// fakeFetcher serves canned snapshots and counts calls per symbol.
type fakeFetcher struct {
	mu       sync.Mutex
	updateID uint64
	fail     bool
	calls    map[string]int
}

func newFakeFetcher(updateID uint64) *fakeFetcher {
	return &fakeFetcher{updateID: updateID, calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(_ context.Context, _ schema.Exchange, _ schema.MarketType, symbol string, _ int) (*snapshot.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++
	if f.fail {
		return nil, errors.New("upstream down")
	}
	bid, _ := schema.NewPriceLevel("100", "1")
	ask, _ := schema.NewPriceLevel("101", "1")
	return &snapshot.Snapshot{
		Bids:      []schema.PriceLevel{bid},
		Asks:      []schema.PriceLevel{ask},
		UpdateID:  f.updateID,
		FetchedAt: time.Now(),
	}, nil
}

func (f *fakeFetcher) callsFor(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

func (f *fakeFetcher) setUpdateID(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateID = id
}

func testSymbols(names ...string) []Symbol {
	out := make([]Symbol, 0, len(names))
	for _, name := range names {
		out = append(out, Symbol{
			Exchange:      schema.ExchangeBinance,
			MarketType:    schema.MarketSpot,
			Symbol:        name,
			DepthLimit:    50,
			SnapshotDepth: 100,
		})
	}
	return out
}

func newTestFleet(t *testing.T, fetcher snapshot.Fetcher, sink publish.Sink, symbols []Symbol) *Fleet {
	t.Helper()
	f, err := New(symbols, Options{
		Fetcher:        fetcher,
		Sink:           sink,
		Log:            zerolog.Nop(),
		QueueCapacity:  64,
		DrainGrace:     2 * time.Second,
		BufferCapacity: 100,
		ResyncDelay:    10 * time.Millisecond,
		ResyncDelayMax: 50 * time.Millisecond,
		MaxResyncs:     5,
	})
	if err != nil {
		t.Fatalf("new fleet: %v", err)
	}
	return f
}

func liveUpdate(symbol string, first, last uint64, bidPrice, bidQty string) *schema.Update {
	u := &schema.Update{
		Exchange:      schema.ExchangeBinance,
		MarketType:    schema.MarketSpot,
		Symbol:        symbol,
		FirstUpdateID: first,
		LastUpdateID:  last,
		EventTime:     time.Now(),
	}
	if bidPrice != "" {
		level, _ := schema.NewPriceLevel(bidPrice, bidQty)
		u.BidDeltas = []schema.PriceLevel{level}
	}
	return u
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func phaseOf(f *Fleet, symbol string) schema.Phase {
	for _, st := range f.Stats() {
		if st.Symbol == symbol {
			return st.Phase
		}
	}
	return ""
}

func TestFleetSyncsAndPublishes(t *testing.T) {
	fetcher := newFakeFetcher(1000)
	sink := publish.NewMemorySink()
	f := newTestFleet(t, fetcher, sink, testSymbols("BTC-USDT"))

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	waitFor(t, func() bool { return phaseOf(f, "BTC-USDT") == schema.PhaseReady })

	f.Route(liveUpdate("BTC-USDT", 1001, 1001, "100", "2"))
	f.Route(liveUpdate("BTC-USDT", 1002, 1002, "99.5", "1"))

	waitFor(t, func() bool {
		book := f.Get(schema.ExchangeBinance, "BTC-USDT")
		return book != nil && book.LastUpdateID == 1002
	})
	waitFor(t, func() bool { return len(sink.Messages()) >= 3 })

	book := f.Get(schema.ExchangeBinance, "BTC-USDT")
	if got := book.Bids[0].Quantity.String(); got != "2" {
		t.Fatalf("best bid qty = %s", got)
	}
	for _, st := range f.Stats() {
		if st.Stats.UpdatesApplied != 2 {
			t.Fatalf("updates_applied = %d", st.Stats.UpdatesApplied)
		}
	}
}

func TestGapRecoveryEndToEnd(t *testing.T) {
	fetcher := newFakeFetcher(500)
	sink := publish.NewMemorySink()
	f := newTestFleet(t, fetcher, sink, testSymbols("BTC-USDT"))

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()
	waitFor(t, func() bool { return phaseOf(f, "BTC-USDT") == schema.PhaseReady })

	// gap: 503 does not continue 500
	fetcher.setUpdateID(600)
	f.Route(liveUpdate("BTC-USDT", 503, 505, "100", "3"))

	waitFor(t, func() bool {
		book := f.Get(schema.ExchangeBinance, "BTC-USDT")
		return book != nil && book.LastUpdateID == 600
	})
	if fetcher.callsFor("BTC-USDT") < 2 {
		t.Fatalf("no snapshot refetch after gap")
	}
	for _, st := range f.Stats() {
		if st.Stats.GapsDetected != 1 || st.Stats.Resyncs != 1 {
			t.Fatalf("gaps=%d resyncs=%d", st.Stats.GapsDetected, st.Stats.Resyncs)
		}
	}
}

func TestPanicIsolatedToOneSymbol(t *testing.T) {
	fetcher := newFakeFetcher(1000)
	sink := publish.NewMemorySink()
	f := newTestFleet(t, fetcher, sink, testSymbols("AAA-USDT", "BBB-USDT", "CCC-USDT"))

	var once sync.Once
	f.SetApplyHook(schema.ExchangeBinance, "AAA-USDT", func(_ string, u *schema.Update) {
		if u.FirstUpdateID == 1001 {
			once.Do(func() { panic("injected apply fault") })
		}
	})

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()
	for _, symbol := range []string{"AAA-USDT", "BBB-USDT", "CCC-USDT"} {
		waitFor(t, func() bool { return phaseOf(f, symbol) == schema.PhaseReady })
	}

	f.Route(liveUpdate("AAA-USDT", 1001, 1001, "100", "2"))
	f.Route(liveUpdate("BBB-USDT", 1001, 1001, "100", "2"))
	f.Route(liveUpdate("CCC-USDT", 1001, 1001, "100", "2"))
	f.Route(liveUpdate("BBB-USDT", 1002, 1002, "100", "3"))

	// B and C proceed untouched
	waitFor(t, func() bool {
		b := f.Get(schema.ExchangeBinance, "BBB-USDT")
		c := f.Get(schema.ExchangeBinance, "CCC-USDT")
		return b != nil && b.LastUpdateID == 1002 && c != nil && c.LastUpdateID == 1001
	})

	// A restarted from a fresh snapshot and serves again
	waitFor(t, func() bool { return fetcher.callsFor("AAA-USDT") >= 2 })
	waitFor(t, func() bool { return phaseOf(f, "AAA-USDT") == schema.PhaseReady })

	// outbound ordering for B is by ascending update id
	var lastSeen uint64
	for _, msg := range sink.Messages() {
		if msg.Topic != "orderbook.binance.spot.BBB-USDT" {
			continue
		}
		var decoded struct {
			LastUpdateID uint64 `json:"last_update_id"`
		}
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.LastUpdateID < lastSeen {
			t.Fatalf("out-of-order publish: %d after %d", decoded.LastUpdateID, lastSeen)
		}
		lastSeen = decoded.LastUpdateID
	}
}

func TestStopDrainsAndSilences(t *testing.T) {
	fetcher := newFakeFetcher(1000)
	sink := publish.NewMemorySink()
	symbols := testSymbols(
		"S0-USDT", "S1-USDT", "S2-USDT", "S3-USDT", "S4-USDT",
		"S5-USDT", "S6-USDT", "S7-USDT", "S8-USDT", "S9-USDT",
	)
	f := newTestFleet(t, fetcher, sink, symbols)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, s := range symbols {
		symbol := s.Symbol
		waitFor(t, func() bool { return phaseOf(f, symbol) == schema.PhaseReady })
	}
	for _, s := range symbols {
		f.Route(liveUpdate(s.Symbol, 1001, 1001, "100", "2"))
	}

	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return within the grace period")
	}

	count := len(sink.Messages())
	// every symbol published at least its snapshot; nothing trickles in later
	if count < len(symbols) {
		t.Fatalf("only %d messages before shutdown", count)
	}
	time.Sleep(50 * time.Millisecond)
	if len(sink.Messages()) != count {
		t.Fatal("publish happened after Stop returned")
	}
}

func TestSnapshotFailureMarksSymbolFailed(t *testing.T) {
	fetcher := newFakeFetcher(0)
	fetcher.fail = true
	sink := publish.NewMemorySink()
	f := newTestFleet(t, fetcher, sink, testSymbols("BTC-USDT"))

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	waitFor(t, func() bool { return phaseOf(f, "BTC-USDT") == schema.PhaseFailed })
	if book := f.Get(schema.ExchangeBinance, "BTC-USDT"); book != nil {
		t.Fatal("failed symbol has no book")
	}
}
