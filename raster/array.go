package raster

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Mode tags how an array is interpreted by the renderer.
type Mode int

const (
	// Grayscale is a 2-D array with one sample per pixel.
	Grayscale Mode = iota
	// MultiChannel is a 3-D array with Channels samples per pixel.
	MultiChannel
)

// String returns the mode name.
func (m Mode) String() string {
	if m == MultiChannel {
		return "multichannel"
	}
	return "grayscale"
}

// Array is an in-memory region of a raster. Samples are row-major and
// channel-interleaved. Channels == 0 marks a 2-D array.
type Array struct {
	Rows     int
	Cols     int
	Channels int
	Data     []float64
}

// NewArray allocates a zeroed array. channels == 0 creates a 2-D array.
func NewArray(rows, cols, channels int) *Array {
	a := &Array{Rows: rows, Cols: cols, Channels: channels}
	a.Data = make([]float64, rows*cols*a.Depth())
	return a
}

// Depth returns the number of samples per pixel.
func (a *Array) Depth() int {
	if a.Channels <= 0 {
		return 1
	}
	return a.Channels
}

// Mode reports whether a is grayscale or multi-channel.
func (a *Array) Mode() Mode {
	if a.Channels > 0 {
		return MultiChannel
	}
	return Grayscale
}

// Shape returns the numpy-style shape of a.
func (a *Array) Shape() []int {
	if a.Channels > 0 {
		return []int{a.Rows, a.Cols, a.Channels}
	}
	return []int{a.Rows, a.Cols}
}

// Len returns the number of samples.
func (a *Array) Len() int {
	return len(a.Data)
}

// Validate checks that a has a usable shape and matching data.
func (a *Array) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil array", ErrMalformedRaster)
	}
	if a.Rows <= 0 || a.Cols <= 0 || a.Channels < 0 {
		return fmt.Errorf("%w: shape %v", ErrMalformedRaster, a.Shape())
	}
	if len(a.Data) != a.Rows*a.Cols*a.Depth() {
		return fmt.Errorf("%w: %d samples for shape %v", ErrMalformedRaster, len(a.Data), a.Shape())
	}
	return nil
}

// index returns the offset of sample (r, c, ch).
func (a *Array) index(r, c, ch int) int {
	return (r*a.Cols+c)*a.Depth() + ch
}

// At returns sample (r, c, ch). ch is 0 for 2-D arrays.
func (a *Array) At(r, c, ch int) float64 {
	return a.Data[a.index(r, c, ch)]
}

// Set stores sample (r, c, ch).
func (a *Array) Set(r, c, ch int, v float64) {
	a.Data[a.index(r, c, ch)] = v
}

// Row returns the samples of row r without copying.
func (a *Array) Row(r int) []float64 {
	n := a.Cols * a.Depth()
	return a.Data[r*n : (r+1)*n]
}

// Clone returns a deep copy of a.
func (a *Array) Clone() *Array {
	out := &Array{Rows: a.Rows, Cols: a.Cols, Channels: a.Channels}
	out.Data = make([]float64, len(a.Data))
	copy(out.Data, a.Data)
	return out
}

// Sub copies rows [r0, r1) and columns [c0, c1) into a new array.
func (a *Array) Sub(r0, r1, c0, c1 int) (*Array, error) {
	if r0 < 0 || c0 < 0 || r1 > a.Rows || c1 > a.Cols || r0 > r1 || c0 > c1 {
		return nil, fmt.Errorf("%w: [%d:%d, %d:%d] of %v", ErrOutOfBounds, r0, r1, c0, c1, a.Shape())
	}
	out := NewArray(r1-r0, c1-c0, a.Channels)
	d := a.Depth()
	for r := r0; r < r1; r++ {
		copy(out.Row(r-r0), a.Data[a.index(r, c0, 0):a.index(r, c0, 0)+(c1-c0)*d])
	}
	return out, nil
}

// Paste copies src into a with its top-left corner at (r0, c0).
func (a *Array) Paste(r0, c0 int, src *Array) error {
	if src.Depth() != a.Depth() {
		return &ShapeError{Op: "paste", Want: a.Shape(), Got: src.Shape()}
	}
	if r0 < 0 || c0 < 0 || r0+src.Rows > a.Rows || c0+src.Cols > a.Cols {
		return fmt.Errorf("%w: paste %v at (%d, %d) into %v", ErrOutOfBounds, src.Shape(), r0, c0, a.Shape())
	}
	n := src.Cols * src.Depth()
	for r := 0; r < src.Rows; r++ {
		off := a.index(r0+r, c0, 0)
		copy(a.Data[off:off+n], src.Row(r))
	}
	return nil
}

// MinMax returns the smallest and largest sample. An empty array reports
// (0, 0).
func (a *Array) MinMax() (lo, hi float64) {
	if len(a.Data) == 0 {
		return 0, 0
	}
	return floats.Min(a.Data), floats.Max(a.Data)
}

// ConcatCols joins arrays of equal height left to right.
func ConcatCols(parts ...*Array) (*Array, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrMalformedRaster)
	}
	cols := 0
	for _, p := range parts {
		if p.Rows != parts[0].Rows || p.Channels != parts[0].Channels {
			return nil, &ShapeError{Op: "concat columns", Want: parts[0].Shape(), Got: p.Shape()}
		}
		cols += p.Cols
	}
	out := NewArray(parts[0].Rows, cols, parts[0].Channels)
	c0 := 0
	for _, p := range parts {
		if err := out.Paste(0, c0, p); err != nil {
			return nil, err
		}
		c0 += p.Cols
	}
	return out, nil
}

// ConcatRows joins arrays of equal width top to bottom.
func ConcatRows(parts ...*Array) (*Array, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrMalformedRaster)
	}
	rows := 0
	for _, p := range parts {
		if p.Cols != parts[0].Cols || p.Channels != parts[0].Channels {
			return nil, &ShapeError{Op: "concat rows", Want: parts[0].Shape(), Got: p.Shape()}
		}
		rows += p.Rows
	}
	out := NewArray(rows, parts[0].Cols, parts[0].Channels)
	r0 := 0
	for _, p := range parts {
		copy(out.Data[r0*out.Cols*out.Depth():], p.Data)
		r0 += p.Rows
	}
	return out, nil
}

// copyRect copies a rows x cols window from src at (sr, sc) into dst at
// (dr, dc). Both arrays must have the same depth.
func copyRect(dst *Array, dr, dc int, src *Array, sr, sc, rows, cols int) {
	n := cols * src.Depth()
	for r := 0; r < rows; r++ {
		so := src.index(sr+r, sc, 0)
		do := dst.index(dr+r, dc, 0)
		copy(dst.Data[do:do+n], src.Data[so:so+n])
	}
}
