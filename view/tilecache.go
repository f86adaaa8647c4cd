package view

import (
	"fmt"
	"math"

	"github.com/mrjoshuak/go-pyramid/raster"
)

// TileKey is a tile's (column, row) index on the tile grid.
type TileKey struct {
	X int
	Y int
}

// Rect is a viewport in the pixel space of the active pyramid level.
// Left/Top may be negative or fractional.
type Rect struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

// Right returns Left + Width.
func (r Rect) Right() float64 { return r.Left + r.Width }

// Bottom returns Top + Height.
func (r Rect) Bottom() float64 { return r.Top + r.Height }

// TileRange is an inclusive span of tile indices.
type TileRange struct {
	XMin, XMax int
	YMin, YMax int
}

// Empty reports whether r covers no tiles.
func (r TileRange) Empty() bool {
	return r.XMax < r.XMin || r.YMax < r.YMin
}

// Count returns the number of tiles in r.
func (r TileRange) Count() int {
	if r.Empty() {
		return 0
	}
	return (r.XMax - r.XMin + 1) * (r.YMax - r.YMin + 1)
}

// Contains reports whether k lies in r.
func (r TileRange) Contains(k TileKey) bool {
	return k.X >= r.XMin && k.X <= r.XMax && k.Y >= r.YMin && k.Y <= r.YMax
}

// TileSource reads rectangular regions of one resolution level.
type TileSource interface {
	Rows() int
	Cols() int
	ReadRegion(r0, r1, c0, c1 int) (*raster.Array, error)
}

// Crop is the stitched tile-aligned region covering a viewport.
type Crop struct {
	*raster.Array
	// Row and Col are the crop's top-left pixel in level space.
	Row int
	Col int
	// Range is the tile span the crop was stitched from.
	Range TileRange
}

// Window copies the part of the crop inside rect, with rect clipped to the
// crop. It returns the whole crop when the clipped window is empty.
func (c *Crop) Window(rect Rect) *raster.Array {
	r0 := max(int(rect.Top)-c.Row, 0)
	r1 := min(int(rect.Bottom())-c.Row, c.Rows)
	c0 := max(int(rect.Left)-c.Col, 0)
	c1 := min(int(rect.Right())-c.Col, c.Cols)
	if r0 >= r1 || c0 >= c1 {
		return c.Array
	}
	if r0 == 0 && c0 == 0 && r1 == c.Rows && c1 == c.Cols {
		return c.Array
	}
	w, err := c.Sub(r0, r1, c0, c1)
	if err != nil {
		return c.Array
	}
	return w
}

// TileCache keeps the tiles covering the last requested viewport of a
// single level. Tiles leaving the viewport are evicted on the next fetch.
// A TileCache is not safe for concurrent use.
type TileCache struct {
	tileSize int
	tiles    map[TileKey]*raster.Array
	reads    int
}

// NewTileCache returns an empty cache of tileSize-square tiles.
func NewTileCache(tileSize int) *TileCache {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	return &TileCache{
		tileSize: tileSize,
		tiles:    make(map[TileKey]*raster.Array),
	}
}

// TileSize returns the tile side in pixels.
func (c *TileCache) TileSize() int { return c.tileSize }

// Len returns the number of cached tiles.
func (c *TileCache) Len() int { return len(c.tiles) }

// Reads returns the number of tiles fetched from sources so far.
func (c *TileCache) Reads() int { return c.reads }

// Clear drops every cached tile.
func (c *TileCache) Clear() {
	clear(c.tiles)
}

// Has reports whether tile k is cached.
func (c *TileCache) Has(k TileKey) bool {
	_, ok := c.tiles[k]
	return ok
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Range returns the tiles of a rows x cols level intersecting rect. The
// right and bottom edges are inclusive, so a viewport ending exactly on a
// tile boundary also covers the next tile. ok is false when no tile of the
// level is touched.
func (c *TileCache) Range(rect Rect, rows, cols int) (rng TileRange, ok bool) {
	ts := c.tileSize
	rng = TileRange{
		XMin: max(int(rect.Left), 0) / ts,
		XMax: floorDiv(int(math.Floor(rect.Right())), ts),
		YMin: max(int(rect.Top), 0) / ts,
		YMax: floorDiv(int(math.Floor(rect.Bottom())), ts),
	}
	if rows <= 0 || cols <= 0 {
		return rng, false
	}
	rng.XMax = min(rng.XMax, (cols-1)/ts)
	rng.YMax = min(rng.YMax, (rows-1)/ts)
	return rng, !rng.Empty()
}

// Covers reports whether the cache holds exactly the tiles of rng.
func (c *TileCache) Covers(rng TileRange) bool {
	if len(c.tiles) != rng.Count() {
		return false
	}
	for k := range c.tiles {
		if !rng.Contains(k) {
			return false
		}
	}
	return true
}

// GetCrop returns the stitched tiles covering rect, reading only tiles not
// already cached and evicting those outside the new range. It returns nil
// when rect touches no tile. If a read fails the cache is left unchanged.
func (c *TileCache) GetCrop(src TileSource, rect Rect) (*Crop, error) {
	rows, cols := src.Rows(), src.Cols()
	rng, ok := c.Range(rect, rows, cols)
	if !ok {
		return nil, nil
	}

	ts := c.tileSize
	next := make(map[TileKey]*raster.Array, rng.Count())
	fetched := 0
	for y := rng.YMin; y <= rng.YMax; y++ {
		for x := rng.XMin; x <= rng.XMax; x++ {
			k := TileKey{x, y}
			if t, ok := c.tiles[k]; ok {
				next[k] = t
				continue
			}
			r0, c0 := y*ts, x*ts
			t, err := src.ReadRegion(r0, min(r0+ts, rows), c0, min(c0+ts, cols))
			if err != nil {
				return nil, fmt.Errorf("view: read tile (%d, %d): %w", x, y, err)
			}
			next[k] = t
			fetched++
		}
	}

	bands := make([]*raster.Array, 0, rng.YMax-rng.YMin+1)
	for y := rng.YMin; y <= rng.YMax; y++ {
		row := make([]*raster.Array, 0, rng.XMax-rng.XMin+1)
		for x := rng.XMin; x <= rng.XMax; x++ {
			row = append(row, next[TileKey{x, y}])
		}
		band, err := raster.ConcatCols(row...)
		if err != nil {
			return nil, err
		}
		bands = append(bands, band)
	}
	stitched, err := raster.ConcatRows(bands...)
	if err != nil {
		return nil, err
	}

	c.tiles = next
	c.reads += fetched
	return &Crop{
		Array: stitched,
		Row:   rng.YMin * ts,
		Col:   rng.XMin * ts,
		Range: rng,
	}, nil
}
