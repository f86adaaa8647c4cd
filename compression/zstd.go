package compression

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrZSTDCorrupted is returned when a zstd frame cannot be decoded to the
// expected size.
var ErrZSTDCorrupted = errors.New("compression: corrupted ZSTD data")

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// one decoder serve the whole process.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

// ZSTDCompress compresses a chunk with Zstandard.
func ZSTDCompress(src []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("compression: zstd init: %w", err)
	}
	return enc.EncodeAll(src, make([]byte, 0, len(src)/2+64)), nil
}

// ZSTDDecompress decompresses a zstd frame that must expand to exactly
// expectedSize bytes.
func ZSTDDecompress(src []byte, expectedSize int) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("compression: zstd init: %w", err)
	}
	out, err := dec.DecodeAll(src, make([]byte, 0, expectedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrZSTDCorrupted, err)
	}
	if len(out) != expectedSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrZSTDCorrupted, len(out), expectedSize)
	}
	return out, nil
}
