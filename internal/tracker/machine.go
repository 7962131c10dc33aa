package tracker

import (
	"sync"
	"time"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/book"
	"github.com/depthstream/depthstream/internal/schema"
)

// DefaultBufferCap bounds the pre-snapshot update buffer.
const DefaultBufferCap = 1000

// Machine is the sync state machine for one (exchange, symbol). All mutating
// methods must be called from the single owning worker goroutine; Latest and
// Status are safe for concurrent readers.
type Machine struct {
	exchange   schema.Exchange
	marketType schema.MarketType
	symbol     string
	depthLimit int
	bufferCap  int
	rule       rule

	mu     sync.RWMutex
	phase  schema.Phase
	buffer []*schema.Update
	ladder *book.Ladder
	// snapshotID is the update id the installed snapshot represents.
	snapshotID uint64
	// anchored is set once an update has applied on top of the snapshot. Until
	// then the first live update may straddle the snapshot id instead of
	// continuing it exactly.
	anchored      bool
	stats         schema.Stats
	lastEventTime time.Time
	latest        *schema.Orderbook
	// consecutiveResyncs counts RESYNC entries since the last stable READY.
	consecutiveResyncs int
}

// NewMachine constructs a machine in IDLE.
func NewMachine(exchange schema.Exchange, marketType schema.MarketType, symbol string, depthLimit, bufferCap int) (*Machine, error) {
	r, err := ruleForExchange(exchange)
	if err != nil {
		return nil, err
	}
	if bufferCap <= 0 {
		bufferCap = DefaultBufferCap
	}
	return &Machine{
		exchange:   exchange,
		marketType: marketType,
		symbol:     symbol,
		depthLimit: depthLimit,
		bufferCap:  bufferCap,
		rule:       r,
		phase:      schema.PhaseIdle,
	}, nil
}

// Subscribe moves IDLE to AWAIT_SNAPSHOT. The caller then requests a snapshot.
func (m *Machine) Subscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == schema.PhaseIdle {
		m.phase = schema.PhaseAwaitSnapshot
	}
}

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() schema.Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// HandleUpdate feeds one decoded update into the machine and returns the
// orderbooks to publish. A sequence_gap, checksum_mismatch or crossed_book
// error means the machine entered RESYNC and the caller must schedule a new
// snapshot after the retry delay.
func (m *Machine) HandleUpdate(u *schema.Update) ([]*schema.Orderbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !u.EventTime.IsZero() {
		m.lastEventTime = u.EventTime
	}

	// stream-delivered full snapshots short-circuit the REST path
	if u.IsSnapshot {
		return m.installStreamSnapshotLocked(u)
	}

	switch m.phase {
	case schema.PhaseAwaitSnapshot, schema.PhaseResync:
		m.bufferLocked(u)
		return nil, nil
	case schema.PhaseReady:
		return m.applyLiveLocked(u)
	default:
		// IDLE and FAILED ignore traffic
		return nil, nil
	}
}

// InstallSnapshot installs a REST snapshot and drains the buffered updates.
// It returns every book state to publish: the snapshot itself plus one per
// drained update that applied. An alignment failure (snapshot already behind
// the buffered stream) discards the snapshot, keeps the buffer, and moves the
// machine to RESYNC.
func (m *Machine) InstallSnapshot(bids, asks []schema.PriceLevel, updateID uint64, ts time.Time) ([]*schema.Orderbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != schema.PhaseAwaitSnapshot {
		return nil, errs.New(string(m.exchange), errs.CodeInvalid,
			errs.WithSymbol(m.symbol),
			errs.WithMessage("snapshot installed in phase "+string(m.phase)))
	}
	m.phase = schema.PhaseSyncing

	// drop buffered updates the snapshot already covers
	pending := m.buffer[:0]
	for _, buffered := range m.buffer {
		if !m.rule.discard(buffered, updateID) {
			pending = append(pending, buffered)
		}
	}
	m.buffer = pending

	if len(m.buffer) > 0 && !m.rule.aligns(m.buffer[0], updateID) {
		// the stream has moved past this snapshot; retry with a fresher one
		m.enterResyncLocked()
		return nil, errs.New(string(m.exchange), errs.CodeSequenceGap,
			errs.WithSymbol(m.symbol),
			errs.WithMessage("snapshot too old for buffered stream"))
	}

	ladder := book.New(m.exchange, m.marketType, m.symbol, m.depthLimit)
	if err := ladder.Install(bids, asks, updateID, ts); err != nil {
		m.enterResyncLocked()
		return nil, err
	}
	m.ladder = ladder
	m.snapshotID = updateID
	m.anchored = false

	emitted := []*schema.Orderbook{m.emitLocked()}

	// apply the aligned tail in order, stopping at the first gap; a genuine
	// gap then surfaces against the live stream in READY
	drained := m.buffer
	m.buffer = nil
	lastID := updateID
	for i, buffered := range drained {
		v := m.rule.next(buffered, lastID, &m.stats)
		if i == 0 && v != verdictApply {
			// the first entry straddles the snapshot id; alignment already
			// vouched for it
			v = verdictApply
		}
		if v == verdictStale {
			continue
		}
		if v == verdictGap {
			break
		}
		if err := m.ladder.Apply(buffered); err != nil {
			m.enterResyncLocked()
			return emitted, err
		}
		m.stats.UpdatesApplied++
		m.anchored = true
		lastID = buffered.LastUpdateID
		emitted = append(emitted, m.emitLocked())
	}

	m.phase = schema.PhaseReady
	m.consecutiveResyncs = 0
	return emitted, nil
}

// Resynced moves RESYNC back to AWAIT_SNAPSHOT once the retry delay elapsed.
func (m *Machine) Resynced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == schema.PhaseResync {
		m.phase = schema.PhaseAwaitSnapshot
	}
}

// Fail marks the symbol FAILED; only operator intervention revives it.
func (m *Machine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = schema.PhaseFailed
	m.ladder = nil
	m.buffer = nil
}

// Reset discards all sync state and restarts the lifecycle at AWAIT_SNAPSHOT.
// Used after a worker-level fault (panic recovery, transport loss).
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = schema.PhaseAwaitSnapshot
	m.ladder = nil
	m.buffer = nil
	m.snapshotID = 0
	m.anchored = false
}

// ConsecutiveResyncs returns the RESYNC count since the last stable READY.
func (m *Machine) ConsecutiveResyncs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveResyncs
}

// Latest returns a copy of the most recently emitted book, or nil before the
// first emission.
func (m *Machine) Latest() *schema.Orderbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest.Clone()
}

// Status reports the operator-facing view of this symbol.
func (m *Machine) Status() schema.SymbolStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lastID uint64
	if m.ladder != nil {
		lastID = m.ladder.LastUpdateID()
	}
	return schema.SymbolStatus{
		Exchange:      m.exchange,
		MarketType:    m.marketType,
		Symbol:        m.symbol,
		Phase:         m.phase,
		LastUpdateID:  lastID,
		BufferSize:    len(m.buffer),
		LastEventTime: m.lastEventTime,
		Stats:         m.stats,
	}
}

func (m *Machine) applyLiveLocked(u *schema.Update) ([]*schema.Orderbook, error) {
	lastID := m.ladder.LastUpdateID()
	v := m.rule.next(u, lastID, &m.stats)
	if v == verdictGap && !m.anchored && m.rule.aligns(u, m.snapshotID) {
		// nothing applied since the install; a straddling first update is the
		// normal case when the snapshot lands mid-range
		v = verdictApply
	}
	switch v {
	case verdictStale:
		return nil, nil
	case verdictGap:
		m.stats.GapsDetected++
		m.enterResyncLocked()
		return nil, errs.New(string(m.exchange), errs.CodeSequenceGap,
			errs.WithSymbol(m.symbol),
			errs.WithMessage("update does not continue last applied id"))
	}

	if err := m.ladder.Apply(u); err != nil {
		m.enterResyncLocked()
		return nil, err
	}
	if m.rule.verifyChecksum() && u.HasChecksum {
		if computed := m.ladder.Checksum(); computed != u.Checksum {
			m.stats.ChecksumFailures++
			m.enterResyncLocked()
			return nil, errs.New(string(m.exchange), errs.CodeChecksumMismatch,
				errs.WithSymbol(m.symbol))
		}
	}
	m.stats.UpdatesApplied++
	m.anchored = true
	return []*schema.Orderbook{m.emitLocked()}, nil
}

// installStreamSnapshotLocked handles full-book frames delivered on the
// websocket itself (OKX action "snapshot", Deribit type "snapshot"). They are
// authoritative for the current stream position, so they replace the book and
// move the machine straight to READY.
func (m *Machine) installStreamSnapshotLocked(u *schema.Update) ([]*schema.Orderbook, error) {
	if m.phase == schema.PhaseIdle || m.phase == schema.PhaseFailed {
		return nil, nil
	}
	ladder := book.New(m.exchange, m.marketType, m.symbol, m.depthLimit)
	if err := ladder.Install(u.BidDeltas, u.AskDeltas, u.LastUpdateID, u.EventTime); err != nil {
		m.enterResyncLocked()
		return nil, err
	}
	if m.rule.verifyChecksum() && u.HasChecksum {
		if computed := ladder.Checksum(); computed != u.Checksum {
			m.stats.ChecksumFailures++
			m.enterResyncLocked()
			return nil, errs.New(string(m.exchange), errs.CodeChecksumMismatch,
				errs.WithSymbol(m.symbol))
		}
	}
	m.ladder = ladder
	m.snapshotID = u.LastUpdateID
	m.anchored = true
	m.buffer = nil
	m.phase = schema.PhaseReady
	m.consecutiveResyncs = 0
	return []*schema.Orderbook{m.emitLocked()}, nil
}

func (m *Machine) bufferLocked(u *schema.Update) {
	if len(m.buffer) >= m.bufferCap {
		copy(m.buffer, m.buffer[1:])
		m.buffer = m.buffer[:len(m.buffer)-1]
		m.stats.BufferDropped++
	}
	m.buffer = append(m.buffer, u)
	if len(m.buffer) > m.stats.BufferHighWatermark {
		m.stats.BufferHighWatermark = len(m.buffer)
	}
}

func (m *Machine) enterResyncLocked() {
	m.phase = schema.PhaseResync
	m.ladder = nil
	m.stats.Resyncs++
	m.consecutiveResyncs++
}

func (m *Machine) emitLocked() *schema.Orderbook {
	snap := m.ladder.Snapshot()
	m.latest = snap
	return snap.Clone()
}
