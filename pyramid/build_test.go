package pyramid

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mrjoshuak/go-pyramid/compression"
	"github.com/mrjoshuak/go-pyramid/raster"
)

func rampArray(rows, cols, channels int) *raster.Array {
	a := raster.NewArray(rows, cols, channels)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			for ch := 0; ch < a.Depth(); ch++ {
				a.Set(r, c, ch, float64(r+c))
			}
		}
	}
	return a
}

// newContainer writes a as the "data" dataset of a fresh container.
func newContainer(t testing.TB, a *raster.Array, dt raster.DType, codec compression.Codec) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "image.pyr")
	s, err := raster.Create(dir)
	if err != nil {
		t.Fatal(err)
	}
	ds, err := s.Root().CreateDataset("data", raster.DatasetSpec{
		DType: dt, Shape: a.Shape(), ChunkRows: 32, ChunkCols: 32, Codec: codec,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.WriteRegion(0, 0, a); err != nil {
		t.Fatal(err)
	}
	return dir
}

func rootAttrs(t *testing.T, dir string) (*raster.Group, *raster.AttributeTable) {
	t.Helper()
	s, err := raster.OpenReadOnly(dir)
	if err != nil {
		t.Fatal(err)
	}
	attrs, err := s.Root().Attributes()
	if err != nil {
		t.Fatal(err)
	}
	return s.Root(), attrs
}

func TestLevelCount(t *testing.T) {
	tests := []struct {
		rows, cols, ds, max, want int
	}{
		{20, 20, 2, 5, 2},
		{1000, 1000, 2, 1024, 0},
		{1024, 10, 2, 1024, 0},
		{1025, 10, 2, 1024, 1},
		{10, 5000, 2, 1024, 3},
		{100, 100, 3, 10, 3},
	}
	for _, tt := range tests {
		if got := LevelCount(tt.rows, tt.cols, tt.ds, tt.max); got != tt.want {
			t.Errorf("LevelCount(%d, %d, %d, %d) = %d, want %d", tt.rows, tt.cols, tt.ds, tt.max, got, tt.want)
		}
	}
}

func TestBuildShapes(t *testing.T) {
	dir := newContainer(t, rampArray(45, 33, 0), raster.Float32, compression.None)
	res, err := Build(context.Background(), dir, Options{BlockSize: 8, MaxDisplayLength: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.Levels != 3 || res.AlreadyBuilt {
		t.Fatalf("Build() = %+v, want 3 fresh levels", res)
	}

	root, attrs := rootAttrs(t, dir)
	if v, _ := attrs.Int(AttrMaxLevel); v != 3 {
		t.Errorf("max_level = %d, want 3", v)
	}
	want := [][2]int{{45, 33}, {23, 17}, {12, 9}, {6, 5}}
	for i := 1; i <= 3; i++ {
		ds, err := root.Dataset(LevelName(i))
		if err != nil {
			t.Fatal(err)
		}
		if ds.Rows() != want[i][0] || ds.Cols() != want[i][1] {
			t.Errorf("level %d shape %v, want %v", i, ds.Shape(), want[i])
		}
		if res.Shapes[i] != want[i] {
			t.Errorf("Result.Shapes[%d] = %v, want %v", i, res.Shapes[i], want[i])
		}
	}
	if root.Has(LevelName(4)) {
		t.Error("unexpected level 4")
	}
}

func TestBuildMatchesFullImageFilter(t *testing.T) {
	for _, channels := range []int{0, 3} {
		a := randomArray(30, 26, channels, 5)
		dir := newContainer(t, a, raster.Float64, compression.ZSTD)
		_, err := Build(context.Background(), dir, Options{BlockSize: 8, MaxDisplayLength: 10, Workers: 3})
		if err != nil {
			t.Fatal(err)
		}

		k, _ := NewKernel(2.0/3.0, 3)
		level1 := Decimate(Blur(a, k), 2)
		level2 := Decimate(Blur(level1, k), 2)

		root, _ := rootAttrs(t, dir)
		for i, want := range []*raster.Array{level1, level2} {
			ds, err := root.Dataset(LevelName(i + 1))
			if err != nil {
				t.Fatal(err)
			}
			got, err := ds.Read()
			if err != nil {
				t.Fatal(err)
			}
			assertClose(t, LevelName(i+1), got, want, 1e-9)
		}
	}
}

func TestBuildMinMax(t *testing.T) {
	dir := newContainer(t, rampArray(100, 60, 0), raster.Uint16, compression.ZIP)
	res, err := Build(context.Background(), dir, Options{BlockSize: 16, MaxDisplayLength: 50})
	if err != nil {
		t.Fatal(err)
	}
	if res.Levels != 1 || res.ImageMin != 0 || res.ImageMax != 158 {
		t.Errorf("Build() = %+v, want 1 level, min 0, max 158", res)
	}
	_, attrs := rootAttrs(t, dir)
	if a := attrs.Get(AttrImageMax); a == nil || a.Type != raster.AttrTypeInt || a.Value.(int64) != 158 {
		t.Errorf("image_max attribute = %+v", a)
	}
}

func TestBuildNoLevels(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a 1000x1000 raster")
	}
	dir := newContainer(t, rampArray(1000, 1000, 0), raster.Uint16, compression.ZSTD)
	res, err := Build(context.Background(), dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Levels != 0 || res.ImageMin != 0 || res.ImageMax != 1998 {
		t.Errorf("Build() = %+v", res)
	}
	root, attrs := rootAttrs(t, dir)
	if v, ok := attrs.Int(AttrMaxLevel); !ok || v != 0 {
		t.Errorf("max_level = %d, %v", v, ok)
	}
	if v, _ := attrs.Int(AttrImageMin); v != 0 {
		t.Errorf("image_min = %d", v)
	}
	if v, _ := attrs.Int(AttrImageMax); v != 1998 {
		t.Errorf("image_max = %d", v)
	}
	if root.Has(GroupName) {
		t.Error("pyramid group created for a single-level image")
	}
}

func TestBuildNoPyramidOption(t *testing.T) {
	dir := newContainer(t, rampArray(64, 64, 0), raster.Uint8, compression.None)
	res, err := Build(context.Background(), dir, Options{BlockSize: 16, MaxDisplayLength: 8, NoPyramid: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Levels != 0 || res.ImageMax != 126 {
		t.Errorf("Build(NoPyramid) = %+v", res)
	}
}

func TestBuildIdempotent(t *testing.T) {
	dir := newContainer(t, rampArray(40, 40, 0), raster.Uint8, compression.None)
	opts := Options{BlockSize: 8, MaxDisplayLength: 16}
	first, err := Build(context.Background(), dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.AlreadyBuilt {
		t.Fatal("first build reported AlreadyBuilt")
	}

	chunk := filepath.Join(dir, GroupName, "1", "0.0")
	before, err := os.Stat(chunk)
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	opts.Progress = func(Progress) { calls++ }
	second, err := Build(context.Background(), dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyBuilt || second.Levels != first.Levels || second.ImageMax != first.ImageMax {
		t.Errorf("second Build() = %+v, first %+v", second, first)
	}
	if calls != 0 {
		t.Errorf("second build reported %d progress updates", calls)
	}
	after, _ := os.Stat(chunk)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("second build rewrote level chunks")
	}
}

func TestBuildFewerLevelsRemovesSurplus(t *testing.T) {
	dir := newContainer(t, rampArray(40, 40, 0), raster.Uint8, compression.None)
	if res, err := Build(context.Background(), dir, Options{BlockSize: 8, MaxDisplayLength: 5}); err != nil || res.Levels != 3 {
		t.Fatalf("Build() = %+v, %v; want 3 levels", res, err)
	}

	res, err := Build(context.Background(), dir, Options{BlockSize: 8, MaxDisplayLength: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyBuilt || res.Levels != 2 {
		t.Errorf("Build(max 10) = %+v, want 2 reused levels", res)
	}
	root, attrs := rootAttrs(t, dir)
	if v, _ := attrs.Int(AttrMaxLevel); v != 2 {
		t.Errorf("max_level = %d, want 2", v)
	}
	if !root.IsDataset(LevelName(2)) || root.IsDataset(LevelName(3)) {
		t.Error("want levels 1..2 only")
	}

	res, err = Build(context.Background(), dir, Options{BlockSize: 8, NoPyramid: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Levels != 0 || res.ImageMax != 78 {
		t.Errorf("Build(NoPyramid) = %+v", res)
	}
	root, attrs = rootAttrs(t, dir)
	if v, _ := attrs.Int(AttrMaxLevel); v != 0 {
		t.Errorf("max_level = %d, want 0", v)
	}
	if root.Has(GroupName) {
		t.Error("pyramid group kept with max_level 0")
	}
}

func TestBuildReplacesStalePyramid(t *testing.T) {
	dir := newContainer(t, rampArray(40, 40, 0), raster.Uint8, compression.None)
	s, _ := raster.Open(dir)
	pyr, _ := s.Root().CreateGroup(GroupName)
	if _, err := pyr.CreateDataset("1", raster.DatasetSpec{DType: raster.Uint8, Shape: []int{3, 3}}); err != nil {
		t.Fatal(err)
	}

	res, err := Build(context.Background(), dir, Options{BlockSize: 8, MaxDisplayLength: 16})
	if err != nil {
		t.Fatal(err)
	}
	if res.AlreadyBuilt {
		t.Fatal("stale pyramid was reused")
	}
	root, _ := rootAttrs(t, dir)
	ds, err := root.Dataset(LevelName(1))
	if err != nil {
		t.Fatal(err)
	}
	if ds.Rows() != 20 || ds.Cols() != 20 {
		t.Errorf("level 1 shape %v, want [20 20]", ds.Shape())
	}
}

func TestBuildProgress(t *testing.T) {
	dir := newContainer(t, rampArray(64, 48, 0), raster.Uint8, compression.None)
	var updates []Progress
	_, err := Build(context.Background(), dir, Options{
		BlockSize:        16,
		MaxDisplayLength: 20,
		Workers:          4,
		Progress:         func(p Progress) { updates = append(updates, p) },
	})
	if err != nil {
		t.Fatal(err)
	}
	// Level 1 reads 4x3 blocks of 64x48, level 2 reads 2x2 blocks of 32x24.
	const total = 12 + 4
	if len(updates) != total+1 {
		t.Fatalf("got %d updates, want %d", len(updates), total+1)
	}
	for i, p := range updates {
		if p.Done != i || p.Total != total {
			t.Fatalf("update %d = %+v", i, p)
		}
	}
}

func TestBuildCancelRollsBack(t *testing.T) {
	dir := newContainer(t, rampArray(64, 64, 0), raster.Uint8, compression.None)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := Build(ctx, dir, Options{
		BlockSize:        8,
		MaxDisplayLength: 16,
		Progress: func(p Progress) {
			if p.Done == 2 {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Build() error = %v, want context.Canceled", err)
	}

	root, attrs := rootAttrs(t, dir)
	if attrs.Has(AttrMaxLevel) {
		t.Error("max_level written by a canceled build")
	}
	if root.Has(GroupName) {
		t.Error("pyramid group left by a canceled build")
	}
	if _, err := os.Stat(filepath.Join(dir, lockFile)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file not released: %v", err)
	}

	res, err := Build(context.Background(), dir, Options{BlockSize: 8, MaxDisplayLength: 16})
	if err != nil || res.AlreadyBuilt || res.Levels != 2 {
		t.Errorf("rebuild after cancel = %+v, %v", res, err)
	}
}

func TestBuildConcurrentCallers(t *testing.T) {
	dir := newContainer(t, rampArray(64, 64, 0), raster.Uint8, compression.None)
	var wg sync.WaitGroup
	results := make([]*Result, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Build(context.Background(), dir, Options{BlockSize: 16, MaxDisplayLength: 16})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !results[i].AlreadyBuilt {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d callers built the pyramid, want 1", fresh)
	}
}

func TestBuildHeldLock(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"live pid", strconv.Itoa(os.Getpid()) + "\n"},
		{"fresh lock without pid", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newContainer(t, rampArray(16, 16, 0), raster.Uint8, compression.None)
			if err := os.WriteFile(filepath.Join(dir, lockFile), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Build(context.Background(), dir, Options{}); !errors.Is(err, ErrBuildInProgress) {
				t.Errorf("Build() with held lock error = %v", err)
			}
		})
	}
}

func TestBuildAbandonedLockWithoutPID(t *testing.T) {
	dir := newContainer(t, rampArray(16, 16, 0), raster.Uint8, compression.None)
	name := filepath.Join(dir, lockFile)
	if err := os.WriteFile(name, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * staleLockAge)
	if err := os.Chtimes(name, old, old); err != nil {
		t.Fatal(err)
	}
	if _, err := Build(context.Background(), dir, Options{MaxDisplayLength: 8}); err != nil {
		t.Fatalf("Build() with abandoned lock: %v", err)
	}
	if _, err := os.Stat(name); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("lock file left behind: %v", err)
	}
}

func TestBuildInvalidOptions(t *testing.T) {
	dir := newContainer(t, rampArray(16, 16, 0), raster.Uint8, compression.None)
	tests := []Options{
		{BlockSize: 5},
		{Downsample: 1},
		{Radius: -1},
		{Sigma: -1},
		{Codec: compression.Codec(42)},
	}
	for _, opts := range tests {
		if _, err := Build(context.Background(), dir, opts); !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("Build(%+v) error = %v", opts, err)
		}
	}
	if _, err := Build(context.Background(), dir, Options{Key: "missing"}); !errors.Is(err, raster.ErrNotFound) {
		t.Errorf("missing key error = %v", err)
	}
}

func TestGenerate(t *testing.T) {
	dir := newContainer(t, rampArray(64, 64, 3), raster.Uint8, compression.J2K)

	var mu sync.Mutex
	var last Progress
	done := make(chan struct{})
	var result *Result
	var buildErr error

	job := Generate(context.Background(), dir, Options{BlockSize: 16, MaxDisplayLength: 20},
		func(p Progress) {
			mu.Lock()
			last = p
			mu.Unlock()
		},
		func(res *Result, err error) {
			result, buildErr = res, err
			close(done)
		})

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("build did not complete")
	}
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	if result.Levels != 2 {
		t.Errorf("Levels = %d, want 2", result.Levels)
	}
	mu.Lock()
	if last.Done != last.Total || last.Total != 20 {
		t.Errorf("last progress = %+v, want 20/20", last)
	}
	mu.Unlock()

	if res, err := job.Wait(); err != nil || res != result {
		t.Errorf("Wait() = %v, %v", res, err)
	}

	root, _ := rootAttrs(t, dir)
	ds, err := root.Dataset(LevelName(2))
	if err != nil {
		t.Fatal(err)
	}
	if ds.Codec() != compression.J2K || ds.Channels() != 3 {
		t.Errorf("level 2 codec %v channels %d", ds.Codec(), ds.Channels())
	}
}

func TestGenerateSlowConsumer(t *testing.T) {
	dir := newContainer(t, rampArray(128, 128, 0), raster.Uint8, compression.None)

	var updates []Progress
	done := make(chan error, 1)
	Generate(context.Background(), dir, Options{BlockSize: 8, MaxDisplayLength: 20},
		func(p Progress) {
			time.Sleep(time.Millisecond)
			updates = append(updates, p)
		},
		func(_ *Result, err error) {
			done <- err
		})

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(60 * time.Second):
		t.Fatal("build did not complete")
	}
	if len(updates) == 0 {
		t.Fatal("no progress delivered")
	}
	last := updates[len(updates)-1]
	if last.Total == 0 || last.Done != last.Total {
		t.Errorf("last progress = %+v, want done == total", last)
	}
	if len(updates) > last.Total+1 {
		t.Errorf("%d updates for %d blocks", len(updates), last.Total)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].Done < updates[i-1].Done {
			t.Fatalf("progress went back from %+v to %+v", updates[i-1], updates[i])
		}
	}
}

func TestJobCancel(t *testing.T) {
	dir := newContainer(t, rampArray(64, 64, 0), raster.Uint8, compression.None)
	started := make(chan struct{})
	var once sync.Once
	job := Start(context.Background(), dir, Options{
		BlockSize:        8,
		MaxDisplayLength: 16,
		Progress: func(Progress) {
			once.Do(func() { close(started) })
			time.Sleep(time.Millisecond)
		},
	})
	<-started
	job.Cancel()
	if _, err := job.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
	for range job.Progress() {
	}
}
