// Package view renders viewports of a pyramid container.
//
// A Controller owns one open container, a tile cache for the active level
// and the current viewport state. Each Render call resolves the requested
// zoom to a pyramid level, stitches the tiles covering the viewport and
// tone-maps the result to 8 bits. Work is skipped whenever the covering
// tiles and the tone levels are unchanged.
package view

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/mrjoshuak/go-pyramid/pyramid"
	"github.com/mrjoshuak/go-pyramid/raster"
)

// ErrNoPyramid is returned when a container has no completed pyramid
// metadata to render from.
var ErrNoPyramid = errors.New("view: no pyramid")

// View defaults.
const (
	DefaultTileSize        = 512
	DefaultZoomFactor      = 2
	DefaultDisplayTileSize = 20000
)

// State is the controller's rendering state.
type State int

const (
	// StateNoPyramid renders the original raster only.
	StateNoPyramid State = iota
	// StateIdle renders from the pyramid with a warm cache.
	StateIdle
	// StateZoomTransition is held while a level change rebuilds the crop.
	StateZoomTransition
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNoPyramid:
		return "no-pyramid"
	case StateIdle:
		return "idle"
	case StateZoomTransition:
		return "zoom-transition"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a Controller.
type Options struct {
	// Key is the name of the original dataset.
	Key string
	// NoPyramid renders the original only, using a single tile that covers
	// the whole image.
	NoPyramid bool
	// TileSize is the processing tile side. 0 means DefaultTileSize.
	TileSize int
	// ZoomFactor is the display scale between adjacent levels.
	ZoomFactor float64
	// DisplayTileSize bounds the pieces returned by Frame.DisplayTiles.
	DisplayTileSize int
	// Logger receives render failures. nil discards them.
	Logger *slog.Logger
}

// DefaultOptions returns the viewer defaults.
func DefaultOptions() Options {
	return Options{
		Key:             "data",
		TileSize:        DefaultTileSize,
		ZoomFactor:      DefaultZoomFactor,
		DisplayTileSize: DefaultDisplayTileSize,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Key == "" {
		o.Key = def.Key
	}
	if o.TileSize <= 0 {
		o.TileSize = def.TileSize
	}
	if o.ZoomFactor <= 0 {
		o.ZoomFactor = def.ZoomFactor
	}
	if o.DisplayTileSize <= 0 {
		o.DisplayTileSize = def.DisplayTileSize
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Request describes one view event. Nil fields keep the current state.
type Request struct {
	Rect       *Rect
	Zoom       *int
	Levels     *Levels
	AutoLevels bool
}

// Frame is a rendered viewport.
type Frame struct {
	*Image8
	// Row and Col are the frame's top-left pixel in level space.
	Row int
	Col int
	// Level is the dataset level the frame was read from; 0 is the original.
	Level int
	// Zoom is the requested zoom level.
	Zoom int
	// Scale is the display scale for the frame.
	Scale  float64
	Levels Levels
	Range  TileRange

	displayTileSize int
}

// DisplayTiles splits the frame into pieces no larger than size per side
// in row-major order. The last row and column of pieces take the
// remainder. size <= 0 uses the controller's display tile size.
func (f *Frame) DisplayTiles(size int) [][]*Image8 {
	if size <= 0 {
		size = f.displayTileSize
	}
	if size <= 0 {
		size = DefaultDisplayTileSize
	}
	ny := (f.Rows + size - 1) / size
	nx := (f.Cols + size - 1) / size
	out := make([][]*Image8, ny)
	for y := range ny {
		out[y] = make([]*Image8, nx)
		r0, r1 := y*size, min((y+1)*size, f.Rows)
		for x := range nx {
			c0, c1 := x*size, min((x+1)*size, f.Cols)
			out[y][x] = f.Sub(r0, r1, c0, c1)
		}
	}
	return out
}

// Controller renders viewports of one container. It is not safe for
// concurrent use.
type Controller struct {
	opts  Options
	log   *slog.Logger
	store *raster.Store
	root  *raster.Group

	maxLevel int
	imageMin float64
	imageMax float64
	original Levels
	datasets map[int]*raster.Dataset

	cache *TileCache
	state State

	rect    Rect
	hasRect bool
	zoom    int
	level   int
	levels  Levels
	crop    *Crop
	frame   *Frame
	lastErr error
}

// Open opens the container at path read-only. The pyramid metadata written
// by a completed build must be present; the view starts at the coarsest
// level with levels spanning the full image range.
func Open(path string, opts Options) (*Controller, error) {
	opts = opts.withDefaults()
	store, err := raster.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		opts:  opts,
		log:   opts.Logger.With("path", path),
		store: store,
		root:  store.Root(),
	}
	if err := c.load(); err != nil {
		store.Close()
		return nil, err
	}
	return c, nil
}

// load reads the pyramid metadata and resets the view state.
func (c *Controller) load() error {
	attrs, err := c.root.Attributes()
	if err != nil {
		return err
	}
	maxLevel, ok := attrs.Int(pyramid.AttrMaxLevel)
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrNoPyramid, pyramid.AttrMaxLevel)
	}
	lo, okLo := attrs.Float(pyramid.AttrImageMin)
	hi, okHi := attrs.Float(pyramid.AttrImageMax)
	if !okLo || !okHi {
		return fmt.Errorf("%w: missing image range", ErrNoPyramid)
	}
	if c.opts.NoPyramid {
		maxLevel = 0
	}

	c.datasets = make(map[int]*raster.Dataset)
	src, err := c.dataset(0)
	if err != nil {
		return err
	}
	tileSize := c.opts.TileSize
	if c.opts.NoPyramid {
		longest := max(src.Rows(), src.Cols())
		tileSize = longest + int(float64(longest)*0.1)
	}

	c.maxLevel = int(maxLevel)
	c.imageMin, c.imageMax = lo, hi
	c.original = InitialLevels(lo, hi)
	c.levels = c.original
	c.cache = NewTileCache(tileSize)
	c.zoom = c.maxLevel
	c.level = c.maxLevel
	c.crop = nil
	c.frame = nil
	c.lastErr = nil
	c.state = c.restingState()
	return nil
}

func (c *Controller) restingState() State {
	if c.maxLevel == 0 {
		return StateNoPyramid
	}
	return StateIdle
}

// dataset returns the dataset backing level, opening it on first use.
func (c *Controller) dataset(level int) (*raster.Dataset, error) {
	if ds, ok := c.datasets[level]; ok {
		return ds, nil
	}
	name := c.opts.Key
	if level > 0 {
		name = pyramid.LevelName(level)
	}
	ds, err := c.root.Dataset(name)
	if err != nil {
		return nil, err
	}
	c.datasets[level] = ds
	return ds, nil
}

// ResolveLevel maps a zoom level to the dataset level rendered for it:
// levels at or below 0 select the original, levels above the coarsest
// select the coarsest.
func (c *Controller) ResolveLevel(zoom int) int {
	return max(0, min(zoom, c.maxLevel))
}

// scale returns the display scale for zoom. Zoom levels outside [0, L] are
// shown unscaled.
func (c *Controller) scale(zoom int) float64 {
	if c.maxLevel == 0 || zoom < 0 || zoom > c.maxLevel {
		return 1
	}
	return math.Pow(c.opts.ZoomFactor, float64(zoom))
}

// Render applies req and returns the frame to display. It returns nil when
// the viewport lies outside the active level. On failure the error is
// logged and kept for LastError, and the previous frame is returned.
func (c *Controller) Render(req Request) *Frame {
	frame, err := c.render(req)
	if err != nil {
		c.lastErr = err
		c.state = c.restingState()
		c.log.Error("render failed", "zoom", c.zoom, "level", c.level, "error", err)
		return c.frame
	}
	c.lastErr = nil
	return frame
}

func (c *Controller) render(req Request) (*Frame, error) {
	if c.store == nil {
		return nil, fmt.Errorf("view: controller closed")
	}
	if req.Rect != nil {
		c.rect = *req.Rect
		c.hasRect = true
	}
	if req.Zoom != nil {
		c.zoom = *req.Zoom
	}

	level := c.ResolveLevel(c.zoom)
	if level != c.level {
		c.state = StateZoomTransition
		c.cache.Clear()
		c.crop = nil
		c.level = level
		c.log.Debug("level change", "zoom", c.zoom, "level", level)
	}

	src, err := c.dataset(level)
	if err != nil {
		return nil, err
	}
	rect := c.rect
	if !c.hasRect {
		rect = Rect{Width: float64(src.Cols()), Height: float64(src.Rows())}
	}

	rng, ok := c.cache.Range(rect, src.Rows(), src.Cols())
	if !ok {
		c.state = c.restingState()
		return nil, nil
	}

	lv := c.levels
	if req.Levels != nil {
		lv = *req.Levels
	}
	newTiles := c.crop == nil || !c.cache.Covers(rng)
	newLevels := lv != c.levels
	if !newTiles && !newLevels && !req.AutoLevels && c.frame != nil {
		if c.frame.Zoom != c.zoom {
			f := *c.frame
			f.Zoom = c.zoom
			f.Scale = c.scale(c.zoom)
			c.frame = &f
		}
		c.state = c.restingState()
		return c.frame, nil
	}

	if newTiles {
		crop, err := c.cache.GetCrop(src, rect)
		if err != nil {
			return nil, err
		}
		c.crop = crop
	}
	if req.AutoLevels {
		lv = AutoLevels(c.crop.Window(rect))
	}

	img, err := ApplyLevels(c.crop.Array, lv)
	if err != nil {
		return nil, err
	}
	c.levels = lv
	c.frame = &Frame{
		Image8:          img,
		Row:             c.crop.Row,
		Col:             c.crop.Col,
		Level:           level,
		Zoom:            c.zoom,
		Scale:           c.scale(c.zoom),
		Levels:          lv,
		Range:           c.crop.Range,
		displayTileSize: c.opts.DisplayTileSize,
	}
	c.state = c.restingState()
	return c.frame, nil
}

// Pan moves the viewport within the current level.
func (c *Controller) Pan(rect Rect) *Frame {
	return c.Render(Request{Rect: &rect})
}

// Zoom switches to zoom level z with the viewport rect given in the new
// level's pixel space.
func (c *Controller) Zoom(z int, rect Rect) *Frame {
	return c.Render(Request{Zoom: &z, Rect: &rect})
}

// SetLevels remaps the current crop with lv.
func (c *Controller) SetLevels(lv Levels) *Frame {
	return c.Render(Request{Levels: &lv})
}

// AutoSetLevels derives levels from the pixels inside the viewport and
// remaps the crop with them.
func (c *Controller) AutoSetLevels() *Frame {
	return c.Render(Request{AutoLevels: true})
}

// ResetLevels restores the levels derived from the image range.
func (c *Controller) ResetLevels() *Frame {
	lv := c.original
	return c.Render(Request{Levels: &lv})
}

// Reload re-reads the pyramid metadata, typically after a build finished,
// and resets the view to the coarsest level. The viewport is kept.
func (c *Controller) Reload() error {
	if c.store == nil {
		return fmt.Errorf("view: controller closed")
	}
	return c.load()
}

// Close releases the container and drops the cache.
func (c *Controller) Close() error {
	if c.store == nil {
		return nil
	}
	c.cache.Clear()
	c.crop = nil
	c.frame = nil
	err := c.store.Close()
	c.store = nil
	return err
}

// State returns the rendering state.
func (c *Controller) State() State { return c.state }

// LastError returns the error of the last Render call, if it failed.
func (c *Controller) LastError() error { return c.lastErr }

// Levels returns the tone levels currently applied.
func (c *Controller) Levels() Levels { return c.levels }

// OriginalLevels returns the levels derived from the image range.
func (c *Controller) OriginalLevels() Levels { return c.original }

// ZoomLevel returns the requested zoom level.
func (c *Controller) ZoomLevel() int { return c.zoom }

// Level returns the dataset level currently rendered.
func (c *Controller) Level() int { return c.level }

// MaxLevel returns the coarsest pyramid level.
func (c *Controller) MaxLevel() int { return c.maxLevel }

// ImageRange returns the image minimum and maximum recorded by the build.
func (c *Controller) ImageRange() (lo, hi float64) { return c.imageMin, c.imageMax }

// LevelShape returns the rows and columns of dataset level.
func (c *Controller) LevelShape(level int) (rows, cols int, err error) {
	ds, err := c.dataset(level)
	if err != nil {
		return 0, 0, err
	}
	return ds.Rows(), ds.Cols(), nil
}

// Cache exposes the tile cache for inspection.
func (c *Controller) Cache() *TileCache { return c.cache }
