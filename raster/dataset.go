package raster

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mrjoshuak/go-pyramid/compression"
	"github.com/mrjoshuak/go-pyramid/internal/xdr"
)

const (
	datasetMagic   = 0x53445950 // "PYDS"
	datasetVersion = 1
	chunkMagic     = 0x4B435950 // "PYCK"

	// DefaultChunkSize is the chunk side used when a spec leaves it unset.
	DefaultChunkSize = 256
)

// DatasetSpec describes a dataset to create.
type DatasetSpec struct {
	DType DType
	// Shape is (rows, cols) or (rows, cols, channels).
	Shape []int
	// ChunkRows and ChunkCols default to DefaultChunkSize, clipped to the
	// shape.
	ChunkRows int
	ChunkCols int
	Codec     compression.Codec
}

// Dataset is a chunked 2-D or 3-D array stored in a container.
type Dataset struct {
	store     *Store
	name      string
	dir       string
	dtype     DType
	shape     []int
	chunkRows int
	chunkCols int
	codec     compression.Codec
}

// Name returns the slash-separated path of the dataset within the store.
func (d *Dataset) Name() string { return d.name }

// DType returns the sample type.
func (d *Dataset) DType() DType { return d.dtype }

// Codec returns the chunk codec.
func (d *Dataset) Codec() compression.Codec { return d.codec }

// Rows returns the height in pixels.
func (d *Dataset) Rows() int { return d.shape[0] }

// Cols returns the width in pixels.
func (d *Dataset) Cols() int { return d.shape[1] }

// Channels returns the channel count, or 0 for a 2-D dataset.
func (d *Dataset) Channels() int {
	if len(d.shape) == 3 {
		return d.shape[2]
	}
	return 0
}

// Shape returns a copy of the numpy-style shape.
func (d *Dataset) Shape() []int {
	return append([]int(nil), d.shape...)
}

// ChunkShape returns the chunk size in rows and columns.
func (d *Dataset) ChunkShape() (rows, cols int) {
	return d.chunkRows, d.chunkCols
}

// Attributes reads the dataset's attribute table.
func (d *Dataset) Attributes() (*AttributeTable, error) {
	return d.store.readAttributes(d.dir, attrsFile)
}

// SetAttributes adds or replaces dataset attributes in one atomic update.
func (d *Dataset) SetAttributes(attrs ...*Attribute) error {
	return d.store.updateAttributes(d.dir, attrsFile, func(t *AttributeTable) {
		for _, a := range attrs {
			t.Set(a)
		}
	})
}

// CreateDataset creates a new dataset below g.
func (g *Group) CreateDataset(name string, spec DatasetSpec) (*Dataset, error) {
	if err := g.store.checkWritable(); err != nil {
		return nil, err
	}
	dir, err := g.memberDir(name)
	if err != nil {
		return nil, err
	}
	d := &Dataset{
		store:     g.store,
		name:      g.memberName(name),
		dir:       dir,
		dtype:     spec.DType,
		shape:     append([]int(nil), spec.Shape...),
		chunkRows: spec.ChunkRows,
		chunkCols: spec.ChunkCols,
		codec:     spec.Codec,
	}
	if len(d.shape) >= 2 {
		if d.chunkRows <= 0 {
			d.chunkRows = min(DefaultChunkSize, max(d.shape[0], 1))
		}
		if d.chunkCols <= 0 {
			d.chunkCols = min(DefaultChunkSize, max(d.shape[1], 1))
		}
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, d.name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(dir, datasetFile), d.marshalHeader()); err != nil {
		return nil, err
	}
	return d, nil
}

// Dataset opens an existing dataset below g.
func (g *Group) Dataset(name string) (*Dataset, error) {
	dir, err := g.memberDir(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, datasetFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, g.memberName(name))
	}
	if err != nil {
		return nil, err
	}
	d := &Dataset{store: g.store, name: g.memberName(name), dir: dir}
	if err := d.unmarshalHeader(data); err != nil {
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	return d, nil
}

func (d *Dataset) validate() error {
	if !d.dtype.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownDType, d.dtype)
	}
	if len(d.shape) != 2 && len(d.shape) != 3 {
		return fmt.Errorf("%w: rank %d", ErrMalformedRaster, len(d.shape))
	}
	for _, n := range d.shape {
		if n <= 0 {
			return fmt.Errorf("%w: shape %v", ErrMalformedRaster, d.shape)
		}
	}
	if d.chunkRows <= 0 || d.chunkCols <= 0 {
		return fmt.Errorf("%w: chunk shape %dx%d", ErrMalformedRaster, d.chunkRows, d.chunkCols)
	}
	if !d.codec.Valid() {
		return fmt.Errorf("%w: %d", compression.ErrUnknownCodec, d.codec)
	}
	if !compression.Supports(d.codec, d.depth(), d.dtype.Size()) {
		return fmt.Errorf("raster: codec %v cannot store %d-channel %v samples", d.codec, d.depth(), d.dtype)
	}
	return nil
}

func (d *Dataset) depth() int {
	if c := d.Channels(); c > 0 {
		return c
	}
	return 1
}

func (d *Dataset) marshalHeader() []byte {
	w := xdr.NewBufferWriter(64)
	w.WriteUint32(datasetMagic)
	w.WriteByte(datasetVersion)
	w.WriteByte(byte(d.dtype))
	w.WriteByte(byte(d.codec))
	w.WriteByte(byte(len(d.shape)))
	for _, n := range d.shape {
		w.WriteInt64(int64(n))
	}
	w.WriteInt64(int64(d.chunkRows))
	w.WriteInt64(int64(d.chunkCols))
	return w.Bytes()
}

func (d *Dataset) unmarshalHeader(data []byte) error {
	r := xdr.NewReader(data)
	magic, err := r.ReadUint32()
	if err != nil || magic != datasetMagic {
		return fmt.Errorf("%w: bad dataset magic", ErrCorruptHeader)
	}
	var hdr [4]byte
	for i := range hdr {
		if hdr[i], err = r.ReadByte(); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptHeader, err)
		}
	}
	if hdr[0] != datasetVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptHeader, hdr[0])
	}
	d.dtype = DType(hdr[1])
	d.codec = compression.Codec(hdr[2])
	d.shape = make([]int, hdr[3])
	for i := range d.shape {
		n, err := r.ReadInt64()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptHeader, err)
		}
		d.shape[i] = int(n)
	}
	cr, err := r.ReadInt64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	cc, err := r.ReadInt64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	d.chunkRows, d.chunkCols = int(cr), int(cc)
	if err := d.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	return nil
}

// chunkExtent returns the size of chunk (cy, cx), clipped at the edges.
func (d *Dataset) chunkExtent(cy, cx int) (rows, cols int) {
	rows = min(d.chunkRows, d.Rows()-cy*d.chunkRows)
	cols = min(d.chunkCols, d.Cols()-cx*d.chunkCols)
	return rows, cols
}

func (d *Dataset) chunkPath(cy, cx int) string {
	return filepath.Join(d.dir, strconv.Itoa(cy)+"."+strconv.Itoa(cx))
}

func (d *Dataset) chunkInfo(rows, cols int) compression.ChunkInfo {
	return compression.ChunkInfo{
		Width:          cols,
		Height:         rows,
		Channels:       d.depth(),
		BytesPerSample: d.dtype.Size(),
	}
}

// readChunk returns the decoded chunk or nil if it was never written.
func (d *Dataset) readChunk(cy, cx int) (*Array, error) {
	data, err := os.ReadFile(d.chunkPath(cy, cx))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, cols := d.chunkExtent(cy, cx)
	r := xdr.NewReader(data)
	magic, err := r.ReadUint32()
	if err != nil || magic != chunkMagic {
		return nil, fmt.Errorf("%w: %s chunk (%d, %d): bad magic", ErrCorruptChunk, d.name, cy, cx)
	}
	codec, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %s chunk (%d, %d): %v", ErrCorruptChunk, d.name, cy, cx, err)
	}
	fr, err1 := r.ReadUint32()
	fc, err2 := r.ReadUint32()
	if err1 != nil || err2 != nil || int(fr) != rows || int(fc) != cols {
		return nil, fmt.Errorf("%w: %s chunk (%d, %d): extent mismatch", ErrCorruptChunk, d.name, cy, cx)
	}

	out := NewArray(rows, cols, d.Channels())
	raw, err := compression.Decompress(compression.Codec(codec), r.Rest(),
		out.Len()*d.dtype.Size(), d.chunkInfo(rows, cols))
	if err != nil {
		return nil, fmt.Errorf("%w: %s chunk (%d, %d): %v", ErrCorruptChunk, d.name, cy, cx, err)
	}
	d.dtype.Decode(out.Data, raw)
	return out, nil
}

func (d *Dataset) writeChunk(cy, cx int, a *Array) error {
	n := a.Len() * d.dtype.Size()
	raw := chunkBuffers.Get(n)
	defer chunkBuffers.Put(raw)
	d.dtype.Encode(raw, a.Data)

	payload, err := compression.Compress(d.codec, raw, d.chunkInfo(a.Rows, a.Cols))
	if err != nil {
		return fmt.Errorf("raster: %s chunk (%d, %d): %w", d.name, cy, cx, err)
	}

	w := xdr.NewBufferWriter(13 + len(payload))
	w.WriteUint32(chunkMagic)
	w.WriteByte(byte(d.codec))
	w.WriteUint32(uint32(a.Rows))
	w.WriteUint32(uint32(a.Cols))
	w.WriteBytes(payload)
	return writeFileAtomic(d.chunkPath(cy, cx), w.Bytes())
}

func (d *Dataset) checkRegion(r0, r1, c0, c1 int) error {
	if r0 < 0 || c0 < 0 || r1 > d.Rows() || c1 > d.Cols() || r0 > r1 || c0 > c1 {
		return fmt.Errorf("%w: [%d:%d, %d:%d] of %s %v", ErrOutOfBounds, r0, r1, c0, c1, d.name, d.shape)
	}
	return nil
}

// ReadRegion reads rows [r0, r1) and columns [c0, c1), all channels.
func (d *Dataset) ReadRegion(r0, r1, c0, c1 int) (*Array, error) {
	if err := d.checkRegion(r0, r1, c0, c1); err != nil {
		return nil, err
	}
	out := NewArray(r1-r0, c1-c0, d.Channels())
	if out.Len() == 0 {
		return out, nil
	}
	for cy := r0 / d.chunkRows; cy <= (r1-1)/d.chunkRows; cy++ {
		for cx := c0 / d.chunkCols; cx <= (c1-1)/d.chunkCols; cx++ {
			chunk, err := d.readChunk(cy, cx)
			if err != nil {
				return nil, err
			}
			if chunk == nil {
				continue
			}
			y0, x0 := cy*d.chunkRows, cx*d.chunkCols
			ir0, ir1 := max(r0, y0), min(r1, y0+chunk.Rows)
			ic0, ic1 := max(c0, x0), min(c1, x0+chunk.Cols)
			copyRect(out, ir0-r0, ic0-c0, chunk, ir0-y0, ic0-x0, ir1-ir0, ic1-ic0)
		}
	}
	return out, nil
}

// Read reads the whole dataset.
func (d *Dataset) Read() (*Array, error) {
	return d.ReadRegion(0, d.Rows(), 0, d.Cols())
}

// WriteRegion writes a with its top-left corner at (r0, c0). Partially
// covered chunks are read, patched and rewritten under a per-chunk lock,
// so concurrent writers of disjoint regions are safe.
func (d *Dataset) WriteRegion(r0, c0 int, a *Array) error {
	if err := d.store.checkWritable(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.Channels != d.Channels() {
		return &ShapeError{Op: "write " + d.name, Want: d.shape, Got: a.Shape()}
	}
	r1, c1 := r0+a.Rows, c0+a.Cols
	if err := d.checkRegion(r0, r1, c0, c1); err != nil {
		return err
	}

	for cy := r0 / d.chunkRows; cy <= (r1-1)/d.chunkRows; cy++ {
		for cx := c0 / d.chunkCols; cx <= (c1-1)/d.chunkCols; cx++ {
			if err := d.patchChunk(cy, cx, r0, c0, a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dataset) patchChunk(cy, cx, r0, c0 int, a *Array) error {
	rows, cols := d.chunkExtent(cy, cx)
	y0, x0 := cy*d.chunkRows, cx*d.chunkCols
	ir0, ir1 := max(r0, y0), min(r0+a.Rows, y0+rows)
	ic0, ic1 := max(c0, x0), min(c0+a.Cols, x0+cols)

	mu := d.store.chunkLock(d.chunkPath(cy, cx))
	mu.Lock()
	defer mu.Unlock()

	var chunk *Array
	if ir0 == y0 && ir1 == y0+rows && ic0 == x0 && ic1 == x0+cols {
		chunk = NewArray(rows, cols, d.Channels())
	} else {
		var err error
		if chunk, err = d.readChunk(cy, cx); err != nil {
			return err
		}
		if chunk == nil {
			chunk = NewArray(rows, cols, d.Channels())
		}
	}
	copyRect(chunk, ir0-y0, ic0-x0, a, ir0-r0, ic0-c0, ir1-ir0, ic1-ic0)
	return d.writeChunk(cy, cx, chunk)
}
