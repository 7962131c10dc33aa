// Package tracker implements the per-symbol synchronization state machine.
package tracker

import (
	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

// verdict classifies an update against the current sequence position.
type verdict int

const (
	// verdictApply: the update continues the sequence and must be applied.
	verdictApply verdict = iota
	// verdictStale: the update restates already-applied ids and is dropped.
	verdictStale
	// verdictGap: the update implies missed ids; the book must resync.
	verdictGap
)

// rule captures one venue's sequence semantics: which buffered updates predate
// a snapshot, which update aligns the snapshot with the stream, and how
// continuity is validated once synced.
type rule interface {
	// discard reports whether a buffered update is entirely covered by the
	// snapshot and can be thrown away during the drain.
	discard(u *schema.Update, snapshotID uint64) bool
	// aligns reports whether u is a valid first update on top of the snapshot.
	aligns(u *schema.Update, snapshotID uint64) bool
	// next validates continuity against the last applied id. Rules that accept
	// through more than one condition record which one fired in stats.
	next(u *schema.Update, lastID uint64, stats *schema.Stats) verdict
	// verifyChecksum reports whether applied updates carry a book CRC to check.
	verifyChecksum() bool
}

func ruleForExchange(exchange schema.Exchange) (rule, error) {
	switch exchange {
	case schema.ExchangeBinance:
		return binanceSpotRule{}, nil
	case schema.ExchangeBinanceFutures:
		return binanceFuturesRule{}, nil
	case schema.ExchangeOKX:
		return chainedRule{checksum: true}, nil
	case schema.ExchangeDeribit:
		return chainedRule{}, nil
	default:
		return nil, errs.New(string(exchange), errs.CodeInvalid,
			errs.WithMessage("no sequence rule for exchange"))
	}
}

// binanceSpotRule: discard u <= S; first update needs U <= S+1 <= u; then
// strict U == previous_u + 1.
type binanceSpotRule struct{}

func (binanceSpotRule) discard(u *schema.Update, snapshotID uint64) bool {
	return u.LastUpdateID <= snapshotID
}

func (binanceSpotRule) aligns(u *schema.Update, snapshotID uint64) bool {
	return u.FirstUpdateID <= snapshotID+1 && snapshotID+1 <= u.LastUpdateID
}

func (binanceSpotRule) next(u *schema.Update, lastID uint64, _ *schema.Stats) verdict {
	if u.LastUpdateID <= lastID {
		return verdictStale
	}
	if u.FirstUpdateID == lastID+1 {
		return verdictApply
	}
	return verdictGap
}

func (binanceSpotRule) verifyChecksum() bool { return false }

// binanceFuturesRule: same snapshot alignment as spot, but continuity accepts
// either pu == previous_u or an id range overlapping previous_u. The two accept
// paths are counted separately.
type binanceFuturesRule struct{}

func (binanceFuturesRule) discard(u *schema.Update, snapshotID uint64) bool {
	return u.LastUpdateID <= snapshotID
}

func (binanceFuturesRule) aligns(u *schema.Update, snapshotID uint64) bool {
	return u.FirstUpdateID <= snapshotID+1 && snapshotID+1 <= u.LastUpdateID
}

func (binanceFuturesRule) next(u *schema.Update, lastID uint64, stats *schema.Stats) verdict {
	if u.HasPrev && u.PrevUpdateID == lastID {
		stats.PuMatches++
		return verdictApply
	}
	if u.FirstUpdateID <= lastID && u.LastUpdateID > lastID {
		stats.OverlapAccepts++
		return verdictApply
	}
	if u.LastUpdateID <= lastID {
		return verdictStale
	}
	return verdictGap
}

func (binanceFuturesRule) verifyChecksum() bool { return false }

// chainedRule covers venues whose updates link explicitly to the previous
// sequence id (OKX prevSeqId, Deribit prev_change_id).
type chainedRule struct {
	checksum bool
}

func (chainedRule) discard(u *schema.Update, snapshotID uint64) bool {
	return u.LastUpdateID <= snapshotID
}

func (chainedRule) aligns(u *schema.Update, snapshotID uint64) bool {
	return u.HasPrev && u.PrevUpdateID == snapshotID
}

func (chainedRule) next(u *schema.Update, lastID uint64, _ *schema.Stats) verdict {
	if u.HasPrev && u.PrevUpdateID == lastID {
		return verdictApply
	}
	if u.LastUpdateID <= lastID {
		return verdictStale
	}
	return verdictGap
}

func (r chainedRule) verifyChecksum() bool { return r.checksum }
