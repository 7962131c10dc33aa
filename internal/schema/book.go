// Package schema defines the canonical market-data types shared across the collector.
package schema

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Exchange identifies an upstream venue feed.
type Exchange string

const (
	ExchangeBinance        Exchange = "binance"
	ExchangeBinanceFutures Exchange = "binance-futures"
	ExchangeOKX            Exchange = "okx"
	ExchangeDeribit        Exchange = "deribit"
)

// Valid reports whether the exchange tag is one the collector knows how to sync.
func (e Exchange) Valid() bool {
	switch e {
	case ExchangeBinance, ExchangeBinanceFutures, ExchangeOKX, ExchangeDeribit:
		return true
	default:
		return false
	}
}

// MarketType distinguishes the instrument class of a feed.
type MarketType string

const (
	MarketSpot      MarketType = "spot"
	MarketPerpetual MarketType = "perpetual"
	MarketOption    MarketType = "option"
)

// PriceLevel is a single (price, quantity) entry. A zero quantity carried in an
// update is the remove sentinel.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// NewPriceLevel parses a price/quantity string pair into an exact decimal level.
func NewPriceLevel(price, quantity string) (PriceLevel, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return PriceLevel{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(strings.TrimSpace(quantity))
	if err != nil {
		return PriceLevel{}, fmt.Errorf("parse quantity %q: %w", quantity, err)
	}
	return PriceLevel{Price: p, Quantity: q}, nil
}

// MarshalJSON renders the level as the wire pair ["price","quantity"].
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price.String(), l.Quantity.String()})
}

// UnmarshalJSON parses the wire pair ["price","quantity"].
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	parsed, err := NewPriceLevel(pair[0], pair[1])
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Orderbook is an immutable snapshot of a maintained book. Bids are sorted
// descending, asks ascending, both truncated to DepthLimit.
type Orderbook struct {
	Exchange     Exchange     `json:"exchange"`
	MarketType   MarketType   `json:"market_type"`
	Symbol       string       `json:"symbol"`
	Timestamp    time.Time    `json:"timestamp"`
	LastUpdateID uint64       `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	DepthLimit   int          `json:"-"`
}

// Topic returns the outbound subject for this book.
func (b *Orderbook) Topic() string {
	return fmt.Sprintf("orderbook.%s.%s.%s", b.Exchange, b.MarketType, b.Symbol)
}

// BestBid returns the top bid level, if any.
func (b *Orderbook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b *Orderbook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Clone produces a deep copy safe to hand to concurrent readers.
func (b *Orderbook) Clone() *Orderbook {
	if b == nil {
		return nil
	}
	out := *b
	out.Bids = append([]PriceLevel(nil), b.Bids...)
	out.Asks = append([]PriceLevel(nil), b.Asks...)
	return &out
}
