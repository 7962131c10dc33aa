package publish

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/depthstream/depthstream/internal/schema"
)

func testBook(t *testing.T, symbol string, updateID uint64) *schema.Orderbook {
	t.Helper()
	bid, err := schema.NewPriceLevel("100.5", "1.25")
	if err != nil {
		t.Fatalf("level: %v", err)
	}
	ask, err := schema.NewPriceLevel("100.6", "2")
	if err != nil {
		t.Fatalf("level: %v", err)
	}
	return &schema.Orderbook{
		Exchange:     schema.ExchangeBinance,
		MarketType:   schema.MarketSpot,
		Symbol:       symbol,
		Timestamp:    time.Unix(1700000000, 0),
		LastUpdateID: updateID,
		Bids:         []schema.PriceLevel{bid},
		Asks:         []schema.PriceLevel{ask},
	}
}

func TestEncodeBookWireFormat(t *testing.T) {
	payload, err := EncodeBook(testBook(t, "BTC-USDT", 42))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded struct {
		Exchange     string     `json:"exchange"`
		MarketType   string     `json:"market_type"`
		Symbol       string     `json:"symbol"`
		Timestamp    string     `json:"timestamp"`
		LastUpdateID uint64     `json:"last_update_id"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if decoded.Exchange != "binance" || decoded.Symbol != "BTC-USDT" || decoded.LastUpdateID != 42 {
		t.Fatalf("header fields: %+v", decoded)
	}
	if decoded.Bids[0][0] != "100.5" || decoded.Bids[0][1] != "1.25" {
		t.Fatalf("bid pair: %v", decoded.Bids)
	}
	parsed, err := time.Parse(time.RFC3339Nano, decoded.Timestamp)
	if err != nil || !parsed.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp %q: %v", decoded.Timestamp, err)
	}
}

func TestEncodeBookEmptySidesAreArrays(t *testing.T) {
	book := testBook(t, "BTC-USDT", 1)
	book.Asks = nil
	payload, err := EncodeBook(book)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if string(decoded["asks"]) != "[]" {
		t.Fatalf("asks = %s, want []", decoded["asks"])
	}
}

func TestQueueDeliversInOrder(t *testing.T) {
	sink := NewMemorySink()
	q := NewQueue(8, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, time.Second) }()

	q.Publish(testBook(t, "BTC-USDT", 1))
	q.Publish(testBook(t, "ETH-USDT", 2))

	waitFor(t, func() bool { return len(sink.Messages()) == 2 })
	msgs := sink.Messages()
	if msgs[0].Topic != "orderbook.binance.spot.BTC-USDT" {
		t.Fatalf("topic = %s", msgs[0].Topic)
	}
	if msgs[1].Topic != "orderbook.binance.spot.ETH-USDT" {
		t.Fatalf("topic = %s", msgs[1].Topic)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestQueueCoalescesSameSymbol(t *testing.T) {
	sink := NewMemorySink()
	q := NewQueue(8, sink, zerolog.Nop())

	// no consumer yet: the second publish supersedes the first
	q.Publish(testBook(t, "BTC-USDT", 1))
	q.Publish(testBook(t, "BTC-USDT", 2))
	if q.Len() != 1 {
		t.Fatalf("queue length = %d", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d", q.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, time.Second) }()

	waitFor(t, func() bool { return len(sink.Messages()) == 1 })
	var decoded struct {
		LastUpdateID uint64 `json:"last_update_id"`
	}
	if err := json.Unmarshal(sink.Messages()[0].Payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.LastUpdateID != 2 {
		t.Fatalf("delivered id = %d, want the newer state", decoded.LastUpdateID)
	}

	cancel()
	<-done
}

func TestQueueEvictsOldestTopicWhenFull(t *testing.T) {
	sink := NewMemorySink()
	q := NewQueue(2, sink, zerolog.Nop())

	q.Publish(testBook(t, "AAA-USDT", 1))
	q.Publish(testBook(t, "BBB-USDT", 2))
	q.Publish(testBook(t, "CCC-USDT", 3))

	if q.Len() != 2 {
		t.Fatalf("queue length = %d", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d", q.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, time.Second) }()
	waitFor(t, func() bool { return len(sink.Messages()) == 2 })
	if sink.Messages()[0].Topic != "orderbook.binance.spot.BBB-USDT" {
		t.Fatalf("oldest topic not evicted: %s", sink.Messages()[0].Topic)
	}
	cancel()
	<-done
}

func TestShutdownDrainsAndStopsPublishing(t *testing.T) {
	sink := NewMemorySink()
	q := NewQueue(8, sink, zerolog.Nop())

	q.Publish(testBook(t, "BTC-USDT", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Run(ctx, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.Messages()) != 1 {
		t.Fatalf("pending book not drained, got %d messages", len(sink.Messages()))
	}

	// publishes after shutdown are ignored
	q.Publish(testBook(t, "BTC-USDT", 2))
	if q.Len() != 0 {
		t.Fatal("queue accepted a book after shutdown")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
