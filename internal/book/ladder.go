// Package book maintains sorted bid/ask ladders with exact decimal arithmetic.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

// Ladder is the mutable per-symbol book. It is owned by a single worker; the
// only concurrent access path is the immutable Snapshot copies it hands out.
type Ladder struct {
	exchange   schema.Exchange
	marketType schema.MarketType
	symbol     string
	depthLimit int

	bids side
	asks side

	lastUpdateID uint64
	timestamp    time.Time
}

// New constructs an empty ladder bounded to depthLimit levels per side.
func New(exchange schema.Exchange, marketType schema.MarketType, symbol string, depthLimit int) *Ladder {
	return &Ladder{
		exchange:   exchange,
		marketType: marketType,
		symbol:     symbol,
		depthLimit: depthLimit,
		bids:       side{desc: true},
		asks:       side{desc: false},
	}
}

// Install replaces the full book contents from a snapshot. Zero-quantity
// levels in the snapshot are skipped.
func (l *Ladder) Install(bids, asks []schema.PriceLevel, updateID uint64, ts time.Time) error {
	l.bids.replace(bids)
	l.asks.replace(asks)
	l.bids.truncate(l.depthLimit)
	l.asks.truncate(l.depthLimit)
	l.lastUpdateID = updateID
	l.timestamp = ts
	return l.checkCrossed()
}

// Apply mutates the ladder with the update's deltas, truncates both sides to
// the depth limit, and re-checks the crossed-book invariant. The caller is
// responsible for sequence validation before calling Apply.
func (l *Ladder) Apply(u *schema.Update) error {
	for _, delta := range u.BidDeltas {
		l.bids.apply(delta)
	}
	for _, delta := range u.AskDeltas {
		l.asks.apply(delta)
	}
	l.bids.truncate(l.depthLimit)
	l.asks.truncate(l.depthLimit)
	l.lastUpdateID = u.LastUpdateID
	if !u.EventTime.IsZero() {
		l.timestamp = u.EventTime
	}
	return l.checkCrossed()
}

// Checksum computes the OKX CRC32 over the current top-of-book levels.
func (l *Ladder) Checksum() int32 {
	return Checksum(l.bids.levels, l.asks.levels)
}

// LastUpdateID returns the id of the latest applied update.
func (l *Ladder) LastUpdateID() uint64 { return l.lastUpdateID }

// Snapshot produces an immutable copy of the current book state.
func (l *Ladder) Snapshot() *schema.Orderbook {
	return &schema.Orderbook{
		Exchange:     l.exchange,
		MarketType:   l.marketType,
		Symbol:       l.symbol,
		Timestamp:    l.timestamp,
		LastUpdateID: l.lastUpdateID,
		Bids:         append([]schema.PriceLevel(nil), l.bids.levels...),
		Asks:         append([]schema.PriceLevel(nil), l.asks.levels...),
		DepthLimit:   l.depthLimit,
	}
}

func (l *Ladder) checkCrossed() error {
	if len(l.bids.levels) == 0 || len(l.asks.levels) == 0 {
		return nil
	}
	bestBid := l.bids.levels[0].Price
	bestAsk := l.asks.levels[0].Price
	if bestBid.Cmp(bestAsk) >= 0 {
		return errs.New(string(l.exchange), errs.CodeCrossedBook,
			errs.WithSymbol(l.symbol),
			errs.WithMessage("best bid "+bestBid.String()+" >= best ask "+bestAsk.String()))
	}
	return nil
}

// side keeps one book side sorted: bids descending, asks ascending. Prices are
// unique keys; all stored quantities are positive.
type side struct {
	desc   bool
	levels []schema.PriceLevel
}

func (s *side) replace(levels []schema.PriceLevel) {
	s.levels = s.levels[:0]
	for _, level := range levels {
		if level.Quantity.Sign() <= 0 {
			continue
		}
		s.levels = append(s.levels, level)
	}
	sort.Slice(s.levels, func(i, j int) bool {
		cmp := s.levels[i].Price.Cmp(s.levels[j].Price)
		if s.desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

// apply upserts the level, or removes the price when quantity is zero.
// Removing an absent price is a no-op.
func (s *side) apply(level schema.PriceLevel) {
	idx, found := s.search(level.Price)
	if level.Quantity.Sign() <= 0 {
		if found {
			s.levels = append(s.levels[:idx], s.levels[idx+1:]...)
		}
		return
	}
	if found {
		s.levels[idx].Quantity = level.Quantity
		return
	}
	s.levels = append(s.levels, schema.PriceLevel{})
	copy(s.levels[idx+1:], s.levels[idx:])
	s.levels[idx] = level
}

// search returns the sorted insertion index for price and whether an exact
// match exists there.
func (s *side) search(price decimal.Decimal) (int, bool) {
	idx := sort.Search(len(s.levels), func(i int) bool {
		cmp := s.levels[i].Price.Cmp(price)
		if s.desc {
			return cmp <= 0
		}
		return cmp >= 0
	})
	if idx < len(s.levels) && s.levels[idx].Price.Cmp(price) == 0 {
		return idx, true
	}
	return idx, false
}

func (s *side) truncate(limit int) {
	if limit > 0 && len(s.levels) > limit {
		s.levels = s.levels[:limit]
	}
}
