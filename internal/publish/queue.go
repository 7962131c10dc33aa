// Package publish moves emitted orderbooks to the downstream bus through a
// bounded, per-symbol coalescing queue.
package publish

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/depthstream/depthstream/internal/schema"
)

// DefaultCapacity bounds the outbound queue.
const DefaultCapacity = 1024

// Sink delivers one encoded message to the outside world.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Queue holds at most one pending book per topic (last-wins) and at most
// capacity topics overall. Capacity is counted in distinct topics, not
// messages: overflow is only possible when more symbols are active than
// capacity allows, and then the oldest topic's pending book is sacrificed.
// Size capacity above the configured symbol count to keep the most recent
// state of every symbol retained. Publish never blocks the caller.
type Queue struct {
	capacity int
	sink     Sink
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*schema.Orderbook
	order   []string
	notify  chan struct{}
	closed  bool

	dropped atomic.Uint64
}

// NewQueue constructs a queue in front of sink.
func NewQueue(capacity int, sink Sink, log zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		sink:     sink,
		log:      log,
		pending:  make(map[string]*schema.Orderbook, capacity),
		notify:   make(chan struct{}, 1),
	}
}

// Publish enqueues a book without blocking. A newer book for the same topic
// replaces the pending one; a full queue evicts its oldest topic.
func (q *Queue) Publish(book *schema.Orderbook) {
	topic := book.Topic()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if _, exists := q.pending[topic]; exists {
		// the queued state is superseded
		q.pending[topic] = book
		q.dropped.Add(1)
	} else {
		if len(q.order) >= q.capacity {
			oldest := q.order[0]
			q.order = q.order[1:]
			delete(q.pending, oldest)
			q.dropped.Add(1)
		}
		q.pending[topic] = book
		q.order = append(q.order, topic)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run delivers queued books until ctx is cancelled, then drains what remains
// within grace before closing the sink. No publish happens after Run returns.
func (q *Queue) Run(ctx context.Context, grace time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return q.shutdown(grace)
		case <-q.notify:
		}
		q.deliverAll(ctx)
	}
}

// Dropped returns how many books were coalesced or evicted before delivery.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Len returns the number of pending topics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *Queue) shutdown(grace time.Duration) error {
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	q.deliverAll(drainCtx)

	q.mu.Lock()
	q.closed = true
	remaining := len(q.order)
	q.mu.Unlock()
	if remaining > 0 {
		q.log.Warn().Int("pending", remaining).Msg("outbound queue drain incomplete")
	}
	return q.sink.Close()
}

func (q *Queue) deliverAll(ctx context.Context) {
	for {
		book, ok := q.pop()
		if !ok {
			return
		}
		payload, err := EncodeBook(book)
		if err != nil {
			q.log.Error().Err(err).Str("symbol", book.Symbol).Msg("encode orderbook")
			continue
		}
		if err := q.sink.Publish(ctx, book.Topic(), payload); err != nil {
			q.log.Error().Err(err).Str("topic", book.Topic()).Msg("publish orderbook")
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (q *Queue) pop() (*schema.Orderbook, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil, false
	}
	topic := q.order[0]
	q.order = q.order[1:]
	book := q.pending[topic]
	delete(q.pending, topic)
	return book, true
}

// wireBook is the canonical outbound payload. Prices and quantities are
// decimal strings; the timestamp is ISO-8601 UTC.
type wireBook struct {
	Exchange     schema.Exchange     `json:"exchange"`
	MarketType   schema.MarketType   `json:"market_type"`
	Symbol       string              `json:"symbol"`
	Timestamp    string              `json:"timestamp"`
	LastUpdateID uint64              `json:"last_update_id"`
	Bids         []schema.PriceLevel `json:"bids"`
	Asks         []schema.PriceLevel `json:"asks"`
}

// EncodeBook renders the canonical JSON message for a book. Empty sides
// encode as [] rather than null.
func EncodeBook(book *schema.Orderbook) ([]byte, error) {
	bids, asks := book.Bids, book.Asks
	if bids == nil {
		bids = []schema.PriceLevel{}
	}
	if asks == nil {
		asks = []schema.PriceLevel{}
	}
	return json.Marshal(wireBook{
		Exchange:     book.Exchange,
		MarketType:   book.MarketType,
		Symbol:       book.Symbol,
		Timestamp:    book.Timestamp.UTC().Format(time.RFC3339Nano),
		LastUpdateID: book.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	})
}
