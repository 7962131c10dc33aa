package book

import (
	"testing"
	"time"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

func levels(t *testing.T, pairs ...string) []schema.PriceLevel {
	t.Helper()
	if len(pairs)%2 != 0 {
		t.Fatal("pairs must alternate price, quantity")
	}
	out := make([]schema.PriceLevel, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		level, err := schema.NewPriceLevel(pairs[i], pairs[i+1])
		if err != nil {
			t.Fatalf("bad level %s/%s: %v", pairs[i], pairs[i+1], err)
		}
		out = append(out, level)
	}
	return out
}

func TestInstallSortsAndDropsZeroQuantity(t *testing.T) {
	l := New(schema.ExchangeBinance, schema.MarketSpot, "BTC-USDT", 10)
	err := l.Install(
		levels(t, "100.1", "2", "100.5", "0", "100.3", "1"),
		levels(t, "101.0", "3", "100.9", "1"),
		42, time.Unix(1700000000, 0),
	)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	snap := l.Snapshot()
	if got := snap.Bids[0].Price.String(); got != "100.3" {
		t.Fatalf("best bid = %s, want 100.3", got)
	}
	if len(snap.Bids) != 2 {
		t.Fatalf("zero-quantity level survived install: %v", snap.Bids)
	}
	if got := snap.Asks[0].Price.String(); got != "100.9" {
		t.Fatalf("best ask = %s, want 100.9", got)
	}
	if snap.LastUpdateID != 42 {
		t.Fatalf("last update id = %d", snap.LastUpdateID)
	}
}

func TestApplyUpsertRemoveAndTruncate(t *testing.T) {
	l := New(schema.ExchangeOKX, schema.MarketSpot, "BTC-USDT", 3)
	if err := l.Install(
		levels(t, "100", "1", "99", "1", "98", "1"),
		levels(t, "101", "1", "102", "1", "103", "1"),
		1, time.Now(),
	); err != nil {
		t.Fatalf("install: %v", err)
	}

	u := &schema.Update{
		Exchange:     schema.ExchangeOKX,
		Symbol:       "BTC-USDT",
		LastUpdateID: 2,
		BidDeltas:    levels(t, "100", "5", "99.5", "2", "97", "9"),
		AskDeltas:    levels(t, "101", "0"),
	}
	if err := l.Apply(u); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap := l.Snapshot()
	if got := snap.Bids[0].Quantity.String(); got != "5" {
		t.Fatalf("upsert lost: best bid qty %s", got)
	}
	if len(snap.Bids) != 3 {
		t.Fatalf("depth limit not enforced: %d bids", len(snap.Bids))
	}
	if got := snap.Bids[1].Price.String(); got != "99.5" {
		t.Fatalf("expected inserted 99.5 at index 1, got %s", got)
	}
	if got := snap.Asks[0].Price.String(); got != "102" {
		t.Fatalf("101 not removed, best ask %s", got)
	}
}

func TestApplyRemoveAbsentPriceIsNoop(t *testing.T) {
	l := New(schema.ExchangeBinance, schema.MarketSpot, "ETH-USDT", 10)
	if err := l.Install(levels(t, "100", "1"), levels(t, "101", "1"), 1, time.Now()); err != nil {
		t.Fatalf("install: %v", err)
	}
	u := &schema.Update{LastUpdateID: 2, BidDeltas: levels(t, "55", "0")}
	if err := l.Apply(u); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(l.Snapshot().Bids) != 1 {
		t.Fatal("no-op removal changed the book")
	}
}

func TestApplyDetectsCrossedBook(t *testing.T) {
	l := New(schema.ExchangeBinanceFutures, schema.MarketPerpetual, "BTC-USDT", 10)
	if err := l.Install(levels(t, "100", "1"), levels(t, "101", "1"), 1, time.Now()); err != nil {
		t.Fatalf("install: %v", err)
	}
	u := &schema.Update{LastUpdateID: 2, BidDeltas: levels(t, "101.5", "1")}
	err := l.Apply(u)
	if !errs.IsCode(err, errs.CodeCrossedBook) {
		t.Fatalf("expected crossed_book, got %v", err)
	}
}

func TestSnapshotIsDetachedCopy(t *testing.T) {
	l := New(schema.ExchangeBinance, schema.MarketSpot, "BTC-USDT", 10)
	if err := l.Install(levels(t, "100", "1"), levels(t, "101", "1"), 1, time.Now()); err != nil {
		t.Fatalf("install: %v", err)
	}
	snap := l.Snapshot()
	u := &schema.Update{LastUpdateID: 2, BidDeltas: levels(t, "100", "7")}
	if err := l.Apply(u); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := snap.Bids[0].Quantity.String(); got != "1" {
		t.Fatalf("snapshot mutated by later apply: qty %s", got)
	}
}
