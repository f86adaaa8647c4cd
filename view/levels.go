package view

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/mrjoshuak/go-pyramid/raster"
)

// Levels are the shadow (black point), midtone and highlight (white point)
// in raw sample units.
type Levels struct {
	Shadow    float64
	Mid       float64
	Highlight float64
}

// InitialLevels derives levels from the image range stored with a pyramid:
// shadow at the minimum, highlight at the maximum and the midtone halfway,
// truncated to an integer offset.
func InitialLevels(imageMin, imageMax float64) Levels {
	return Levels{
		Shadow:    imageMin,
		Mid:       math.Trunc((imageMax-imageMin)/2) + imageMin,
		Highlight: imageMax,
	}
}

// Image8 is a tone-mapped 8-bit frame. Grayscale frames are padded with
// zero columns so Cols is a multiple of 4; Width holds the unpadded width.
type Image8 struct {
	Rows     int
	Cols     int
	Width    int
	Channels int // 0 for grayscale
	Pix      []uint8
}

// Depth returns bytes per pixel.
func (m *Image8) Depth() int {
	if m.Channels <= 0 {
		return 1
	}
	return m.Channels
}

// Stride returns bytes per row.
func (m *Image8) Stride() int {
	return m.Cols * m.Depth()
}

// At returns sample (r, c, ch).
func (m *Image8) At(r, c, ch int) uint8 {
	return m.Pix[r*m.Stride()+c*m.Depth()+ch]
}

// Sub copies rows [r0, r1) and columns [c0, c1).
func (m *Image8) Sub(r0, r1, c0, c1 int) *Image8 {
	d := m.Depth()
	out := &Image8{
		Rows:     r1 - r0,
		Cols:     c1 - c0,
		Width:    max(0, min(c1, m.Width)-c0),
		Channels: m.Channels,
		Pix:      make([]uint8, (r1-r0)*(c1-c0)*d),
	}
	for r := r0; r < r1; r++ {
		copy(out.Pix[(r-r0)*out.Stride():], m.Pix[r*m.Stride()+c0*d:r*m.Stride()+c1*d])
	}
	return out
}

// Image returns the frame as a standard image without the padding columns.
// Grayscale frames share Pix; others are copied. Two-channel and wider than
// four channel frames export their first channel.
func (m *Image8) Image() image.Image {
	rect := image.Rect(0, 0, m.Width, m.Rows)
	switch m.Channels {
	case 0:
		return &image.Gray{Pix: m.Pix, Stride: m.Stride(), Rect: rect}
	case 3, 4:
		img := image.NewNRGBA(rect)
		for r := 0; r < m.Rows; r++ {
			for c := 0; c < m.Width; c++ {
				o := img.PixOffset(c, r)
				img.Pix[o+0] = m.At(r, c, 0)
				img.Pix[o+1] = m.At(r, c, 1)
				img.Pix[o+2] = m.At(r, c, 2)
				img.Pix[o+3] = 0xff
				if m.Channels == 4 {
					img.Pix[o+3] = m.At(r, c, 3)
				}
			}
		}
		return img
	}
	img := image.NewGray(rect)
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Width; c++ {
			img.Pix[img.PixOffset(c, r)] = m.At(r, c, 0)
		}
	}
	return img
}

// Gamma returns the gamma exponent for a midtone normalized to [0, 1]:
// 1 at exactly 0.5, rising linearly to 10 (capped at 9.99) as mid falls to
// 0 and falling to 0 (floored at 0.01) as mid rises to 1.
func Gamma(mid float64) float64 {
	switch {
	case mid < 0.5:
		return math.Min(1+9*(1-2*mid), 9.99)
	case mid > 0.5:
		return math.Max(1-(2*mid-1), 0.01)
	}
	return 1
}

// GammaCorrect maps normalized samples through the shadow/highlight window,
// clipping to [0, 1], then raises them to 1/Gamma(mid) unless mid is
// exactly 0.5. A zero-width window sends samples at or above shadow to 1.
func GammaCorrect(data []float64, shadow, mid, highlight float64) []float64 {
	out := make([]float64, len(data))
	width := highlight - shadow
	exp := 1 / Gamma(mid)
	for i, x := range data {
		var v float64
		if width == 0 {
			if x >= shadow {
				v = 1
			}
		} else {
			v = (x - shadow) / width
			v = math.Max(0, math.Min(1, v))
		}
		if mid != 0.5 {
			v = math.Pow(v, exp)
		}
		out[i] = v
	}
	return out
}

// RescaleTo8Bit linearly maps data so its minimum becomes 0 and its maximum
// 255, clamps and truncates. Constant data uses the range [0, 255] instead.
func RescaleTo8Bit(data []float64) []uint8 {
	out := make([]uint8, len(data))
	if len(data) == 0 {
		return out
	}
	mx, mn := floats.Max(data), floats.Min(data)
	if mx == mn {
		mx, mn = 255, 0
	}
	diff := mx - mn
	m := 255.0 / diff
	b := -255.0 * mn / diff
	for i, x := range data {
		v := x*m + b
		if v > 255 {
			v = 255
		} else if v < 0 || math.IsNaN(v) {
			v = 0
		}
		out[i] = uint8(v)
	}
	return out
}

// PadWidth rounds cols up to a multiple of 4.
func PadWidth(cols int) int {
	return (cols + 3) &^ 3
}

// AutoLevels derives levels from a crop: shadow at its minimum, highlight at
// its maximum and the midtone halfway, truncated to an integer offset.
func AutoLevels(crop *raster.Array) Levels {
	lo, hi := crop.MinMax()
	mid := math.Trunc((hi-lo)/2) + lo
	mid = math.Max(lo, math.Min(hi, mid))
	return Levels{Shadow: lo, Mid: mid, Highlight: hi}
}

// ApplyLevels tone-maps a crop to 8 bits. The crop and the levels are first
// normalized by the crop's own range, gamma-corrected, then rescaled by the
// corrected range. Grayscale output is zero-padded to a multiple of 4
// columns. A constant crop yields an all-zero, unpadded frame.
func ApplyLevels(crop *raster.Array, lv Levels) (*Image8, error) {
	if err := crop.Validate(); err != nil {
		return nil, err
	}
	out := &Image8{
		Rows:     crop.Rows,
		Cols:     crop.Cols,
		Width:    crop.Cols,
		Channels: crop.Channels,
	}

	lo, hi := crop.MinMax()
	if hi-lo == 0 {
		out.Pix = make([]uint8, crop.Len())
		return out, nil
	}
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(hi-lo, 0) {
		return nil, fmt.Errorf("%w: sample range [%v, %v]", raster.ErrMalformedRaster, lo, hi)
	}

	span := hi - lo
	norm := make([]float64, crop.Len())
	for i, v := range crop.Data {
		norm[i] = (v - lo) / span
	}
	corrected := GammaCorrect(norm,
		(lv.Shadow-lo)/span, (lv.Mid-lo)/span, (lv.Highlight-lo)/span)
	pix := RescaleTo8Bit(corrected)

	if crop.Mode() == raster.MultiChannel {
		out.Pix = pix
		return out, nil
	}

	out.Cols = PadWidth(crop.Cols)
	if out.Cols == crop.Cols {
		out.Pix = pix
		return out, nil
	}
	out.Pix = make([]uint8, out.Rows*out.Cols)
	for r := 0; r < out.Rows; r++ {
		copy(out.Pix[r*out.Cols:], pix[r*crop.Cols:(r+1)*crop.Cols])
	}
	return out, nil
}
