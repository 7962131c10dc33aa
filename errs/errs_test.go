package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorStringIncludesFields(t *testing.T) {
	err := New("okx", CodeChecksumMismatch,
		WithSymbol("BTC-USDT"),
		WithMessage("computed 42 want 43"),
	)
	got := err.Error()
	want := `exchange=okx symbol=BTC-USDT code=checksum_mismatch message="computed 42 want 43"`
	if got != want {
		t.Fatalf("unexpected error string:\n got %s\nwant %s", got, want)
	}
}

func TestCodeOfUnwrapsWrappedEnvelopes(t *testing.T) {
	inner := New("binance", CodeSequenceGap, WithSymbol("ETH-USDT"))
	wrapped := fmt.Errorf("worker: %w", inner)
	if CodeOf(wrapped) != CodeSequenceGap {
		t.Fatalf("expected sequence_gap, got %s", CodeOf(wrapped))
	}
	if !IsCode(wrapped, CodeSequenceGap) {
		t.Fatal("IsCode should match through wrapping")
	}
	if IsCode(wrapped, CodeCrossedBook) {
		t.Fatal("IsCode matched the wrong code")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no code")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("deribit", CodeSnapshotUnavailable, WithCause(cause), WithHTTP(503))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if err.HTTP != 503 {
		t.Fatalf("unexpected http status %d", err.HTTP)
	}
}
