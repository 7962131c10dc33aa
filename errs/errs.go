// Package errs provides structured error envelopes for the collector core.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category surfaced by the sync core.
type Code string

const (
	// CodeDecodeMalformed indicates a websocket frame that could not be decoded.
	CodeDecodeMalformed Code = "decode_malformed"
	// CodeDecodeUnrecognized indicates a frame for an unknown channel or venue.
	CodeDecodeUnrecognized Code = "decode_unrecognized"
	// CodeSequenceGap indicates a sequence discontinuity in READY state.
	CodeSequenceGap Code = "sequence_gap"
	// CodeChecksumMismatch indicates an OKX top-25 CRC32 validation failure.
	CodeChecksumMismatch Code = "checksum_mismatch"
	// CodeCrossedBook indicates best_bid >= best_ask after an apply.
	CodeCrossedBook Code = "crossed_book"
	// CodeSnapshotUnavailable indicates the REST snapshot could not be fetched
	// within the retry budget.
	CodeSnapshotUnavailable Code = "snapshot_unavailable"
	// CodeRateLimited indicates the upstream rejected a request for quota reasons.
	CodeRateLimited Code = "rate_limited"
	// CodeHeartbeatTimeout indicates the websocket went silent past the deadline.
	CodeHeartbeatTimeout Code = "heartbeat_timeout"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid"
	// CodeUnavailable indicates a component is closed or shutting down.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the collector.
type E struct {
	Exchange string
	Symbol   string
	Code     Code
	HTTP     int
	Message  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{Exchange: strings.TrimSpace(exchange), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithSymbol attaches the affected symbol.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, or "" when err carries no envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
