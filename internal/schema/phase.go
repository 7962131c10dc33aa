package schema

import "time"

// Phase is the per-symbol synchronization lifecycle state.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseAwaitSnapshot Phase = "AWAIT_SNAPSHOT"
	PhaseSyncing       Phase = "SYNCING"
	PhaseReady         Phase = "READY"
	PhaseResync        Phase = "RESYNC"
	PhaseFailed        Phase = "FAILED"
)

// Stats accumulates per-symbol sync counters. Mutated only by the owning
// worker; consumers receive copies.
type Stats struct {
	UpdatesApplied      uint64 `json:"updates_applied"`
	GapsDetected        uint64 `json:"gaps_detected"`
	Resyncs             uint64 `json:"resyncs"`
	ChecksumFailures    uint64 `json:"checksum_failures"`
	BufferDropped       uint64 `json:"buffer_dropped"`
	BufferHighWatermark int    `json:"buffer_high_watermark"`

	// Binance-derivatives continuity accepts two rules; counting them apart
	// shows which dominates in practice.
	PuMatches      uint64 `json:"pu_matches"`
	OverlapAccepts uint64 `json:"overlap_accepts"`
}

// SymbolStatus is the operator-facing view of one symbol's sync state.
type SymbolStatus struct {
	Exchange      Exchange   `json:"exchange"`
	MarketType    MarketType `json:"market_type"`
	Symbol        string     `json:"symbol"`
	Phase         Phase      `json:"phase"`
	LastUpdateID  uint64     `json:"last_update_id"`
	BufferSize    int        `json:"buffer_size"`
	LastEventTime time.Time  `json:"last_event_time"`
	Stats         Stats      `json:"stats"`
}
