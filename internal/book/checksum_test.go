package book

import (
	"strconv"
	"testing"

	"github.com/depthstream/depthstream/internal/schema"
)

func TestChecksumKnownValues(t *testing.T) {
	// payload "100.5:1.2:100.6:0.3"
	got := Checksum(
		levels(t, "100.5", "1.2"),
		levels(t, "100.6", "0.3"),
	)
	if got != -277477900 {
		t.Fatalf("checksum = %d, want -277477900", got)
	}

	// payload "8476.98:415:8477.46:7"
	got = Checksum(
		levels(t, "8476.98", "415"),
		levels(t, "8477.46", "7"),
	)
	if got != 91783248 {
		t.Fatalf("checksum = %d, want 91783248", got)
	}
}

func TestChecksumUnevenSides(t *testing.T) {
	bids := levels(t, "100", "1", "99", "2")
	asks := levels(t, "101", "1")
	// interleave runs out of asks after the first pair; remaining bids follow
	withShortAsks := Checksum(bids, asks)
	symmetric := Checksum(bids, levels(t, "101", "1", "102", "1"))
	if withShortAsks == symmetric {
		t.Fatal("checksum must reflect the missing ask level")
	}
}

func TestChecksumCoversOnlyTop25(t *testing.T) {
	var bids, asks []schema.PriceLevel
	for i := 0; i < 30; i++ {
		bids = append(bids, levels(t, strconv.Itoa(1000-i), "1")...)
		asks = append(asks, levels(t, strconv.Itoa(2000+i), "1")...)
	}
	base := Checksum(bids, asks)

	// mutating level 26 must not change the checksum
	deep := append(append([]schema.PriceLevel(nil), bids[:25]...), levels(t, "900", "99")...)
	deep = append(deep, bids[26:]...)
	if Checksum(deep, asks) != base {
		t.Fatal("levels beyond 25 leaked into the checksum")
	}

	// mutating level 25 must
	top := append([]schema.PriceLevel(nil), bids...)
	top[24] = levels(t, top[24].Price.String(), "42")[0]
	if Checksum(top, asks) == base {
		t.Fatal("level 25 did not affect the checksum")
	}
}
