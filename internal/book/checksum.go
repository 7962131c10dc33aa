package book

import (
	"hash/crc32"
	"strings"

	"github.com/depthstream/depthstream/internal/schema"
)

// checksumDepth is the number of levels per side OKX covers with its CRC.
const checksumDepth = 25

// Checksum computes the OKX book checksum: the top 25 bid and ask levels
// interleaved as "bidPx:bidSz:askPx:askSz:..." and hashed with CRC-32 (IEEE).
// When one side runs short the remaining levels of the other side are
// appended without placeholders.
func Checksum(bids, asks []schema.PriceLevel) int32 {
	parts := make([]string, 0, checksumDepth*4)
	for i := 0; i < checksumDepth; i++ {
		if i < len(bids) {
			parts = append(parts, bids[i].Price.String(), bids[i].Quantity.String())
		}
		if i < len(asks) {
			parts = append(parts, asks[i].Price.String(), asks[i].Quantity.String())
		}
	}
	payload := strings.Join(parts, ":")
	return int32(crc32.ChecksumIEEE([]byte(payload)))
}
