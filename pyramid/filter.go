package pyramid

import (
	"fmt"
	"math"

	"github.com/mrjoshuak/go-pyramid/raster"
)

// Source is a rectangular-region reader over a 2-D or 3-D raster.
// *raster.Dataset satisfies it.
type Source interface {
	Rows() int
	Cols() int
	Channels() int
	ReadRegion(r0, r1, c0, c1 int) (*raster.Array, error)
}

// Kernel is a normalized, symmetric 1-D Gaussian of half-width Radius.
type Kernel struct {
	Sigma   float64
	Radius  int
	Weights []float64 // len 2*Radius+1, sums to 1
}

// NewKernel builds the Gaussian weights exp(-x²/2σ²) for x in
// [-radius, radius], normalized to sum to one.
func NewKernel(sigma float64, radius int) (Kernel, error) {
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return Kernel{}, fmt.Errorf("%w: sigma %v must be positive", ErrInvalidOptions, sigma)
	}
	if radius < 0 {
		return Kernel{}, fmt.Errorf("%w: radius %d must not be negative", ErrInvalidOptions, radius)
	}
	w := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range w {
		x := float64(i - radius)
		w[i] = math.Exp(-0.5 * x * x / (sigma * sigma))
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return Kernel{Sigma: sigma, Radius: radius, Weights: w}, nil
}

// reflect maps an index outside [0, n) back into range using half-sample
// symmetric reflection (d c b a | a b c d | d c b a).
func reflect(i, n int) int {
	if i >= 0 && i < n {
		return i
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// Blur applies k along rows and then along columns of a. The channel axis
// is left untouched. Borders are reflected.
func Blur(a *raster.Array, k Kernel) *raster.Array {
	return blurCols(blurRows(a, k), k)
}

func blurRows(a *raster.Array, k Kernel) *raster.Array {
	out := raster.NewArray(a.Rows, a.Cols, a.Channels)
	stride := a.Cols * a.Depth()
	for r := 0; r < a.Rows; r++ {
		dst := out.Data[r*stride : (r+1)*stride]
		for j, w := range k.Weights {
			sr := reflect(r+j-k.Radius, a.Rows)
			src := a.Data[sr*stride : (sr+1)*stride]
			for i, v := range src {
				dst[i] += w * v
			}
		}
	}
	return out
}

func blurCols(a *raster.Array, k Kernel) *raster.Array {
	out := raster.NewArray(a.Rows, a.Cols, a.Channels)
	d := a.Depth()
	stride := a.Cols * d
	for r := 0; r < a.Rows; r++ {
		src := a.Data[r*stride : (r+1)*stride]
		dst := out.Data[r*stride : (r+1)*stride]
		for c := 0; c < a.Cols; c++ {
			for j, w := range k.Weights {
				sc := reflect(c+j-k.Radius, a.Cols)
				for ch := 0; ch < d; ch++ {
					dst[c*d+ch] += w * src[sc*d+ch]
				}
			}
		}
	}
	return out
}

// Decimate keeps every factor-th row and column starting at 0, giving
// ceil(rows/factor) x ceil(cols/factor) pixels.
func Decimate(a *raster.Array, factor int) *raster.Array {
	if factor <= 1 {
		return a.Clone()
	}
	rows := (a.Rows + factor - 1) / factor
	cols := (a.Cols + factor - 1) / factor
	out := raster.NewArray(rows, cols, a.Channels)
	d := a.Depth()
	for r := 0; r < rows; r++ {
		src := a.Row(r * factor)
		dst := out.Row(r)
		for c := 0; c < cols; c++ {
			copy(dst[c*d:(c+1)*d], src[c*factor*d:(c*factor+1)*d])
		}
	}
	return out
}

// window is the halo-extended region read for one block.
type window struct {
	data                 *raster.Array
	mLow, nLow           int
	blockRows, blockCols int
}

// readWindow reads the block at (row0, col0) with up to radius pixels of
// halo on each side, clipped at the image edges.
func readWindow(src Source, row0, col0, blocksize, radius int) (*window, error) {
	rows, cols := src.Rows(), src.Cols()
	if row0 < 0 || col0 < 0 || row0 >= rows || col0 >= cols {
		return nil, fmt.Errorf("%w: block origin (%d, %d) outside %dx%d", raster.ErrOutOfBounds, row0, col0, rows, cols)
	}
	r1 := min(row0+blocksize, rows)
	c1 := min(col0+blocksize, cols)

	mLow := min(radius, row0)
	mHigh := min(radius, rows-r1)
	nLow := min(radius, col0)
	nHigh := min(radius, cols-c1)

	data, err := src.ReadRegion(row0-mLow, r1+mHigh, col0-nLow, c1+nHigh)
	if err != nil {
		return nil, err
	}
	return &window{
		data:      data,
		mLow:      mLow,
		nLow:      nLow,
		blockRows: r1 - row0,
		blockCols: c1 - col0,
	}, nil
}

func (w *window) filter(k Kernel) (*raster.Array, error) {
	blurred := Blur(w.data, k)
	return blurred.Sub(w.mLow, w.mLow+w.blockRows, w.nLow, w.nLow+w.blockCols)
}

// FilterBlock Gaussian-filters the block of at most blocksize x blocksize
// pixels whose top-left corner is (row0, col0). The result equals filtering
// the whole raster and cropping the same block, including at the corners.
func FilterBlock(src Source, row0, col0, blocksize int, k Kernel) (*raster.Array, error) {
	if blocksize <= 0 {
		return nil, fmt.Errorf("%w: blocksize %d", ErrInvalidOptions, blocksize)
	}
	w, err := readWindow(src, row0, col0, blocksize, k.Radius)
	if err != nil {
		return nil, err
	}
	return w.filter(k)
}
