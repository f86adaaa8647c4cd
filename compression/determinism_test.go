package compression

import (
	"crypto/sha256"
	"testing"
)

// TestCompressionDeterminism verifies that compressing the same chunk
// always produces identical output, so rebuilt levels are byte-identical.
func TestCompressionDeterminism(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 64)
	}
	info := ChunkInfo{Width: 64, Height: 32, Channels: 1, BytesPerSample: 2}

	for _, c := range []Codec{ZIP, ZSTD, J2K} {
		var first [32]byte
		for i := 0; i < 5; i++ {
			packed, err := Compress(c, data, info)
			if err != nil {
				t.Fatalf("%v: %v", c, err)
			}
			sum := sha256.Sum256(packed)
			if i == 0 {
				first = sum
			} else if sum != first {
				t.Errorf("non-deterministic %v compression on run %d", c, i)
			}
		}
	}
}
