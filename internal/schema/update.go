package schema

import "time"

// Update is a normalized incremental depth update decoded from an exchange
// websocket frame. FirstUpdateID/LastUpdateID bound the inclusive id range the
// update covers; venues with a single sequence number set both to the same
// value. PrevUpdateID carries Binance-derivatives pu / OKX prevSeqId / Deribit
// prev_change_id when HasPrev is set.
type Update struct {
	Exchange   Exchange
	MarketType MarketType
	Symbol     string

	FirstUpdateID uint64
	LastUpdateID  uint64
	PrevUpdateID  uint64
	HasPrev       bool

	BidDeltas []PriceLevel
	AskDeltas []PriceLevel

	Checksum    int32
	HasChecksum bool

	// IsSnapshot marks stream-delivered full snapshots (OKX books action
	// "snapshot", Deribit type "snapshot"); deltas then carry the full book.
	IsSnapshot bool

	EventTime time.Time
}
