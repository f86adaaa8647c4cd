// Package pyramid builds multi-resolution image pyramids inside a raster
// container.
//
// Each level is the previous one Gaussian-filtered and subsampled by the
// downsample factor, so level k+1 has ceil(dim/downsample) pixels per axis
// of level k. Levels are computed block by block with a halo of radius
// pixels, which keeps memory bounded regardless of image size while giving
// the same result as filtering the whole image at once.
//
// Levels are stored as datasets "pyramid/1" .. "pyramid/L". The root
// attributes max_level, image_min and image_max describe the result;
// max_level is written last and marks the pyramid as complete.
package pyramid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mrjoshuak/go-pyramid/compression"
	"github.com/mrjoshuak/go-pyramid/internal/parallel"
	"github.com/mrjoshuak/go-pyramid/raster"
)

// Build errors
var (
	ErrInvalidOptions  = errors.New("pyramid: invalid options")
	ErrBuildInProgress = errors.New("pyramid: build already in progress")
)

// Container layout names.
const (
	GroupName      = "pyramid"
	AttrMaxLevel   = "max_level"
	AttrImageMin   = "image_min"
	AttrImageMax   = "image_max"
	AttrDownsample = "downsample"

	lockFile = ".build.lock"
)

// LevelName returns the dataset path of pyramid level i (i >= 1).
func LevelName(i int) string {
	return GroupName + "/" + strconv.Itoa(i)
}

// Progress reports completed blocks out of the total for the whole build.
type Progress struct {
	Done  int
	Total int
}

// Options configures a build. Zero fields take the values of
// DefaultOptions.
type Options struct {
	// Key is the name of the original dataset.
	Key string
	// Downsample is the per-level reduction factor.
	Downsample int
	// Sigma is the Gaussian standard deviation. 0 means 2*Downsample/6.
	Sigma float64
	// Radius is the kernel half-width and halo size. 0 means 3.
	Radius int
	// BlockSize is the side of the square blocks processed at once. It must
	// be a multiple of Downsample.
	BlockSize int
	// MaxDisplayLength stops adding levels once the longest side fits.
	MaxDisplayLength int
	// NoPyramid skips level generation and only records min/max.
	NoPyramid bool
	// Workers is the number of blocks filtered concurrently. 0 means 1.
	Workers int
	// Codec stores generated levels. None inherits the original's codec.
	Codec compression.Codec
	// ChunkSize is the chunk side of generated levels. 0 means
	// raster.DefaultChunkSize.
	ChunkSize int
	// Progress, if set, is called after every block from the building
	// goroutines. It must not block.
	Progress func(Progress)
	// Logger receives build logs. nil discards them.
	Logger *slog.Logger
}

// DefaultOptions returns the build defaults.
func DefaultOptions() Options {
	return Options{
		Key:              "data",
		Downsample:       2,
		Radius:           3,
		BlockSize:        4096,
		MaxDisplayLength: 1024,
		Workers:          1,
		ChunkSize:        raster.DefaultChunkSize,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Key == "" {
		o.Key = def.Key
	}
	if o.Downsample == 0 {
		o.Downsample = def.Downsample
	}
	if o.Sigma == 0 && o.Downsample > 0 {
		o.Sigma = 2 * float64(o.Downsample) / 6
	}
	if o.Radius == 0 {
		o.Radius = def.Radius
	}
	if o.BlockSize == 0 {
		o.BlockSize = def.BlockSize
	}
	if o.MaxDisplayLength == 0 {
		o.MaxDisplayLength = def.MaxDisplayLength
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.Downsample < 2:
		return fmt.Errorf("%w: downsample %d must be at least 2", ErrInvalidOptions, o.Downsample)
	case o.Radius < 0:
		return fmt.Errorf("%w: radius %d", ErrInvalidOptions, o.Radius)
	case o.BlockSize <= 0 || o.BlockSize%o.Downsample != 0:
		return fmt.Errorf("%w: blocksize %d must be a positive multiple of downsample %d",
			ErrInvalidOptions, o.BlockSize, o.Downsample)
	case o.MaxDisplayLength <= 0:
		return fmt.Errorf("%w: max display length %d", ErrInvalidOptions, o.MaxDisplayLength)
	case !o.Codec.Valid():
		return fmt.Errorf("%w: %v", ErrInvalidOptions, compression.ErrUnknownCodec)
	}
	return nil
}

// LevelCount returns how many times the longest side must be divided by
// downsample before it fits within maxLength.
func LevelCount(rows, cols, downsample, maxLength int) int {
	length := max(rows, cols)
	levels := 0
	for length > maxLength && downsample > 1 {
		length /= downsample
		levels++
	}
	return levels
}

// LevelShapes returns (rows, cols) for levels 0..levels.
func LevelShapes(rows, cols, downsample, levels int) [][2]int {
	shapes := make([][2]int, levels+1)
	shapes[0] = [2]int{rows, cols}
	for i := 1; i <= levels; i++ {
		rows = ceilDiv(rows, downsample)
		cols = ceilDiv(cols, downsample)
		shapes[i] = [2]int{rows, cols}
	}
	return shapes
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func blockCount(rows, cols, blocksize int) int {
	return ceilDiv(rows, blocksize) * ceilDiv(cols, blocksize)
}

// Result describes a finished build.
type Result struct {
	Path string
	// Levels is the stored max_level.
	Levels   int
	ImageMin float64
	ImageMax float64
	// Shapes holds (rows, cols) for levels 0..Levels.
	Shapes [][2]int
	// AlreadyBuilt is set when an existing pyramid was reused.
	AlreadyBuilt bool
}

var pathLocks sync.Map

// staleLockAge is how old a lock file without a readable PID must be
// before it is considered abandoned.
const staleLockAge = time.Minute

// acquire serializes builds of one container within the process and across
// processes through an exclusive lock file. A lock left by a process that
// no longer exists is removed once.
func acquire(dir string, log *slog.Logger) (release func(), err error) {
	key, err := filepath.Abs(dir)
	if err != nil {
		key = dir
	}
	v, _ := pathLocks.LoadOrStore(key, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()

	name := filepath.Join(dir, lockFile)
	err = createLock(name)
	if errors.Is(err, fs.ErrExist) && staleLock(name) {
		log.Warn("removing stale build lock", "lock", name)
		if rmErr := os.Remove(name); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			mu.Unlock()
			return nil, rmErr
		}
		err = createLock(name)
	}
	if err != nil {
		mu.Unlock()
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s exists", ErrBuildInProgress, name)
		}
		return nil, err
	}

	return func() {
		os.Remove(name)
		mu.Unlock()
	}, nil
}

func createLock(name string) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f.Close()
}

// staleLock reports whether the lock file at name belongs to no live
// builder: its PID is gone, or it has no PID and is older than staleLockAge.
func staleLock(name string) bool {
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		info, err := os.Stat(name)
		return err == nil && time.Since(info.ModTime()) > staleLockAge
	}
	return !processAlive(pid)
}

type builder struct {
	opts   Options
	log    *slog.Logger
	kernel Kernel
	root   *raster.Group

	mu    sync.Mutex
	done  int
	total int
}

// Build generates the pyramid for the container at path. A container that
// already holds a complete pyramid for the requested level count is left
// untouched and reported with AlreadyBuilt. On error or cancellation the
// container is rolled back to having no pyramid.
func Build(ctx context.Context, path string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	kernel, err := NewKernel(opts.Sigma, opts.Radius)
	if err != nil {
		return nil, err
	}

	store, err := raster.Open(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	release, err := acquire(path, opts.Logger)
	if err != nil {
		return nil, err
	}
	defer release()

	b := &builder{
		opts:   opts,
		log:    opts.Logger.With("path", path),
		kernel: kernel,
		root:   store.Root(),
	}
	res, err := b.run(ctx)
	if err != nil {
		return nil, err
	}
	res.Path = path
	return res, nil
}

func (b *builder) run(ctx context.Context) (_ *Result, err error) {
	src, err := b.root.Dataset(b.opts.Key)
	if err != nil {
		return nil, err
	}
	levels := 0
	if !b.opts.NoPyramid {
		levels = LevelCount(src.Rows(), src.Cols(), b.opts.Downsample, b.opts.MaxDisplayLength)
	}
	shapes := LevelShapes(src.Rows(), src.Cols(), b.opts.Downsample, levels)

	attrs, err := b.root.Attributes()
	if err != nil {
		return nil, err
	}
	if res, ok, err := b.reuse(attrs, levels, shapes); err != nil || ok {
		return res, err
	}

	// Anything left from an interrupted build is stale.
	if err := b.rollback(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			b.log.Warn("pyramid build failed, rolling back", "error", err)
			if rbErr := b.rollback(); rbErr != nil {
				b.log.Error("rollback failed", "error", rbErr)
			}
		}
	}()

	if levels == 0 {
		b.total = blockCount(src.Rows(), src.Cols(), b.opts.BlockSize)
	} else {
		for _, s := range shapes[:levels] {
			b.total += blockCount(s[0], s[1], b.opts.BlockSize)
		}
	}
	b.report()

	var lo, hi float64
	if levels == 0 {
		b.log.Info("no pyramid levels needed, scanning min/max")
		if lo, hi, err = b.scan(ctx, src); err != nil {
			return nil, err
		}
	} else {
		if lo, hi, err = b.buildLevels(ctx, src, levels); err != nil {
			return nil, err
		}
	}

	dt := src.DType()
	if err := b.root.SetAttributes(
		raster.NumberAttribute(AttrImageMin, lo, dt),
		raster.NumberAttribute(AttrImageMax, hi, dt),
		raster.IntAttribute(AttrDownsample, int64(b.opts.Downsample)),
	); err != nil {
		return nil, err
	}
	if err := b.root.SetAttributes(raster.IntAttribute(AttrMaxLevel, int64(levels))); err != nil {
		return nil, err
	}
	b.log.Info("pyramid complete", "levels", levels, "image_min", lo, "image_max", hi)

	return &Result{Levels: levels, ImageMin: lo, ImageMax: hi, Shapes: shapes}, nil
}

// reuse reports an existing complete build. A container built with a
// different level count but holding every requested level only has its
// max_level updated and the levels above it removed.
func (b *builder) reuse(attrs *raster.AttributeTable, levels int, shapes [][2]int) (*Result, bool, error) {
	marker, ok := attrs.Int(AttrMaxLevel)
	if !ok {
		return nil, false, nil
	}
	lo, okLo := attrs.Float(AttrImageMin)
	hi, okHi := attrs.Float(AttrImageMax)
	if !okLo || !okHi {
		return nil, false, nil
	}
	if levels > 0 {
		if ds, _ := attrs.Int(AttrDownsample); int(ds) != b.opts.Downsample {
			return nil, false, nil
		}
		for i := 1; i <= levels; i++ {
			if !b.root.IsDataset(LevelName(i)) {
				return nil, false, nil
			}
		}
	}
	if int(marker) != levels {
		if err := b.root.SetAttributes(raster.IntAttribute(AttrMaxLevel, int64(levels))); err != nil {
			return nil, false, err
		}
		if err := b.trim(levels); err != nil {
			return nil, false, err
		}
	}
	b.log.Info("pyramid already exists", "levels", levels)
	return &Result{Levels: levels, ImageMin: lo, ImageMax: hi, Shapes: shapes, AlreadyBuilt: true}, true, nil
}

// trim removes the levels above levels, and the pyramid group when no
// level is left.
func (b *builder) trim(levels int) error {
	if levels == 0 {
		return b.root.Remove(GroupName)
	}
	for i := levels + 1; b.root.IsDataset(LevelName(i)); i++ {
		if err := b.root.Remove(LevelName(i)); err != nil {
			return err
		}
	}
	return nil
}

// rollback returns the container to the no-pyramid state.
func (b *builder) rollback() error {
	if err := b.root.DeleteAttributes(AttrMaxLevel); err != nil {
		return err
	}
	return b.root.Remove(GroupName)
}

func (b *builder) step() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done++
	b.emit()
}

func (b *builder) report() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit()
}

func (b *builder) emit() {
	if b.opts.Progress != nil {
		b.opts.Progress(Progress{Done: b.done, Total: b.total})
	}
	b.log.Debug("block", "done", b.done, "total", b.total)
}

type minMax struct {
	mu     sync.Mutex
	lo, hi float64
}

func newMinMax() *minMax {
	return &minMax{lo: math.Inf(1), hi: math.Inf(-1)}
}

func (m *minMax) add(a *raster.Array) {
	lo, hi := a.MinMax()
	m.mu.Lock()
	m.lo = math.Min(m.lo, lo)
	m.hi = math.Max(m.hi, hi)
	m.mu.Unlock()
}

func (b *builder) workers() parallel.Config {
	return parallel.Config{Workers: b.opts.Workers, GrainSize: 1}
}

// scan computes min/max of the original without building levels.
func (b *builder) scan(ctx context.Context, src *raster.Dataset) (float64, float64, error) {
	bs := b.opts.BlockSize
	colBlocks := ceilDiv(src.Cols(), bs)
	n := ceilDiv(src.Rows(), bs) * colBlocks
	mm := newMinMax()
	err := parallel.ForWithError(ctx, b.workers(), n, func(i int) error {
		r0, c0 := (i/colBlocks)*bs, (i%colBlocks)*bs
		block, err := src.ReadRegion(r0, min(r0+bs, src.Rows()), c0, min(c0+bs, src.Cols()))
		if err != nil {
			return err
		}
		mm.add(block)
		b.step()
		return nil
	})
	return mm.lo, mm.hi, err
}

func (b *builder) buildLevels(ctx context.Context, original *raster.Dataset, levels int) (float64, float64, error) {
	pyr, err := b.root.CreateGroup(GroupName)
	if err != nil {
		return 0, 0, err
	}
	codec := b.opts.Codec
	if codec == compression.None {
		codec = original.Codec()
	}

	var lo, hi float64
	var src Source = original
	for i := 1; i <= levels; i++ {
		b.log.Info("pyramid level", "level", i, "levels", levels)

		shape := []int{ceilDiv(src.Rows(), b.opts.Downsample), ceilDiv(src.Cols(), b.opts.Downsample)}
		if ch := src.Channels(); ch > 0 {
			shape = append(shape, ch)
		}
		staged := "." + strconv.Itoa(i) + ".partial"
		dst, err := pyr.CreateDataset(staged, raster.DatasetSpec{
			DType:     original.DType(),
			Shape:     shape,
			ChunkRows: min(b.opts.ChunkSize, shape[0]),
			ChunkCols: min(b.opts.ChunkSize, shape[1]),
			Codec:     codec,
		})
		if err != nil {
			return 0, 0, err
		}

		levelLo, levelHi, err := b.buildLevel(ctx, src, dst)
		if err != nil {
			return 0, 0, fmt.Errorf("pyramid: level %d: %w", i, err)
		}
		if i == 1 {
			lo, hi = levelLo, levelHi
		}

		name := strconv.Itoa(i)
		if err := pyr.Rename(staged, name); err != nil {
			return 0, 0, err
		}
		if src, err = pyr.Dataset(name); err != nil {
			return 0, 0, err
		}
	}
	return lo, hi, nil
}

// buildLevel filters and subsamples src block by block into dst and returns
// the min/max of every window read, halo included.
func (b *builder) buildLevel(ctx context.Context, src Source, dst *raster.Dataset) (float64, float64, error) {
	bs, ds := b.opts.BlockSize, b.opts.Downsample
	colBlocks := ceilDiv(src.Cols(), bs)
	n := ceilDiv(src.Rows(), bs) * colBlocks
	mm := newMinMax()

	err := parallel.ForWithError(ctx, b.workers(), n, func(i int) error {
		r0, c0 := (i/colBlocks)*bs, (i%colBlocks)*bs
		w, err := readWindow(src, r0, c0, bs, b.kernel.Radius)
		if err != nil {
			return err
		}
		filtered, err := w.filter(b.kernel)
		if err != nil {
			return err
		}
		if err := dst.WriteRegion(r0/ds, c0/ds, Decimate(filtered, ds)); err != nil {
			return err
		}
		mm.add(w.data)
		b.step()
		return nil
	})
	return mm.lo, mm.hi, err
}
