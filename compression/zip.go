package compression

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// ZIP compression errors
var (
	ErrZIPCorrupted = errors.New("compression: corrupted ZIP data")
)

type zlibWriterPoolItem struct {
	writer *zlib.Writer
	buf    *bytes.Buffer
}

var zlibWriterPool = sync.Pool{
	New: func() any {
		buf := new(bytes.Buffer)
		w, _ := zlib.NewWriterLevel(buf, zlib.DefaultCompression)
		return &zlibWriterPoolItem{writer: w, buf: buf}
	},
}

// ZIPCompress compresses a chunk with zlib at the default level.
// Empty input compresses to nil.
func ZIPCompress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}

	item := zlibWriterPool.Get().(*zlibWriterPoolItem)
	defer zlibWriterPool.Put(item)
	item.buf.Reset()
	item.writer.Reset(item.buf)

	if _, err := item.writer.Write(src); err != nil {
		item.writer.Close()
		return nil, err
	}
	if err := item.writer.Close(); err != nil {
		return nil, err
	}

	result := make([]byte, item.buf.Len())
	copy(result, item.buf.Bytes())
	return result, nil
}

type zlibReaderPoolItem struct {
	reader io.ReadCloser
	srcBuf *bytes.Reader
}

var zlibReaderPool = sync.Pool{
	New: func() any {
		return &zlibReaderPoolItem{srcBuf: bytes.NewReader(nil)}
	},
}

// ZIPDecompress decompresses zlib data that must expand to exactly
// expectedSize bytes.
func ZIPDecompress(src []byte, expectedSize int) ([]byte, error) {
	if len(src) == 0 {
		if expectedSize != 0 {
			return nil, ErrZIPCorrupted
		}
		return nil, nil
	}
	dst := make([]byte, expectedSize)
	if err := ZIPDecompressTo(dst, src); err != nil {
		return nil, err
	}
	return dst, nil
}

// ZIPDecompressTo decompresses src into dst, which must be exactly the
// decompressed size.
func ZIPDecompressTo(dst, src []byte) error {
	item := zlibReaderPool.Get().(*zlibReaderPoolItem)
	defer zlibReaderPool.Put(item)
	item.srcBuf.Reset(src)

	var err error
	if item.reader == nil {
		item.reader, err = zlib.NewReader(item.srcBuf)
	} else {
		err = item.reader.(zlib.Resetter).Reset(item.srcBuf, nil)
	}
	if err != nil {
		item.reader = nil
		return ErrZIPCorrupted
	}

	n, err := io.ReadFull(item.reader, dst)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return ErrZIPCorrupted
	}
	if n != len(dst) {
		return ErrZIPCorrupted
	}
	// Trailing data means the chunk was larger than its header claims.
	var one [1]byte
	if m, _ := item.reader.Read(one[:]); m != 0 {
		return ErrZIPCorrupted
	}
	return nil
}
