// Package compression provides the chunk codecs of the raster container.
//
// Every chunk is stored as raw little-endian samples run through one codec.
// ZIP and ZSTD are general purpose and accept any sample type. J2K encodes
// a chunk as a lossless JPEG 2000 codestream and only accepts 1- or 2-byte
// samples with one or three channels.
package compression

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCodec is returned for a codec identifier this package does not know.
var ErrUnknownCodec = errors.New("compression: unknown codec")

// Codec identifies a chunk compression method. The numeric values are
// persisted in dataset headers and must not change.
type Codec uint8

const (
	// None stores raw samples.
	None Codec = 0
	// ZIP uses zlib deflate.
	ZIP Codec = 1
	// ZSTD uses Zstandard.
	ZSTD Codec = 2
	// J2K uses lossless JPEG 2000.
	J2K Codec = 3
)

// String returns the codec name used in configuration files.
func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case ZIP:
		return "zip"
	case ZSTD:
		return "zstd"
	case J2K:
		return "j2k"
	default:
		return "unknown"
	}
}

// Valid reports whether c is a known codec.
func (c Codec) Valid() bool {
	return c <= J2K
}

// ParseCodec parses a codec name as produced by String.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw":
		return None, nil
	case "zip", "zlib", "deflate":
		return ZIP, nil
	case "zstd", "zstandard":
		return ZSTD, nil
	case "j2k", "jpeg2000":
		return J2K, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
}

// ChunkInfo describes the geometry of the samples in a chunk. The J2K codec
// needs all of it; ZIP and ZSTD only use BytesPerSample to split byte planes.
type ChunkInfo struct {
	Width          int
	Height         int
	Channels       int // 1 for 2-D rasters
	BytesPerSample int
}

// Compress encodes raw chunk bytes with codec c.
func Compress(c Codec, src []byte, info ChunkInfo) ([]byte, error) {
	switch c {
	case None:
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	case ZIP:
		return ZIPCompress(shuffle(src, info.BytesPerSample))
	case ZSTD:
		return ZSTDCompress(shuffle(src, info.BytesPerSample))
	case J2K:
		return J2KCompress(src, info)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, c)
}

// Decompress decodes src into a new slice of exactly expectedSize bytes.
func Decompress(c Codec, src []byte, expectedSize int, info ChunkInfo) ([]byte, error) {
	switch c {
	case None:
		if len(src) != expectedSize {
			return nil, fmt.Errorf("compression: raw chunk is %d bytes, want %d", len(src), expectedSize)
		}
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	case ZIP:
		out, err := ZIPDecompress(src, expectedSize)
		if err != nil {
			return nil, err
		}
		return unshuffle(out, info.BytesPerSample), nil
	case ZSTD:
		out, err := ZSTDDecompress(src, expectedSize)
		if err != nil {
			return nil, err
		}
		return unshuffle(out, info.BytesPerSample), nil
	case J2K:
		return J2KDecompress(src, expectedSize, info)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, c)
}

// Supports reports whether codec c can store chunks with the given layout.
func Supports(c Codec, channels, bytesPerSample int) bool {
	if c != J2K {
		return c.Valid()
	}
	return (channels == 1 || channels == 3) && (bytesPerSample == 1 || bytesPerSample == 2)
}
