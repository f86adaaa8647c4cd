// Package pyrutil provides container-level utility functions.
//
// This package offers higher-level operations for working with pyramid
// containers, including importing ordinary image files, container
// information, validation, comparison and exporting rendered frames.
//
// Example usage:
//
//	_ = pyrutil.ImportFile("scan.pyr", "scan.tif", pyrutil.ImportOptions{})
//	info, _ := pyrutil.GetContainerInfo("scan.pyr", "data")
//	fmt.Printf("Size: %dx%d, Levels: %d\n", info.Cols, info.Rows, info.MaxLevel)
package pyrutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/mrjoshuak/go-jpeg2000"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/mrjoshuak/go-pyramid/compression"
	"github.com/mrjoshuak/go-pyramid/pyramid"
	"github.com/mrjoshuak/go-pyramid/raster"
)

// AttrColorMode names the dataset attribute recording how an imported
// image was stored: "L" for grayscale, "RGB" for color.
const AttrColorMode = "color_mode"

// ===========================================
// Import
// ===========================================

// ImportOptions configures ImportImage.
type ImportOptions struct {
	Key       string            // dataset name, "data" if empty
	Codec     compression.Codec // chunk codec of the dataset
	ChunkSize int               // chunk side, raster.DefaultChunkSize if 0
}

// ImportFile decodes a PNG, JPEG, TIFF, BMP or WebP file and stores it as a
// new container at dst.
func ImportFile(dst, src string, opts ImportOptions) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("pyrutil: decode %s: %w", src, err)
	}
	if err := ImportImage(dst, img, opts); err != nil {
		return err
	}
	s, err := raster.Open(dst)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Root().SetAttributes(
		raster.StringAttribute("source", filepath.Base(src)),
		raster.StringAttribute("source_format", format),
	)
}

// ImportImage stores img as a new container at dst. Gray images become 2-D
// datasets; everything else becomes three RGB channels with alpha dropped.
// 16-bit sources keep 16-bit samples.
func ImportImage(dst string, img image.Image, opts ImportOptions) error {
	if opts.Key == "" {
		opts.Key = "data"
	}
	a, dt, mode := imageArray(img)
	if err := a.Validate(); err != nil {
		return err
	}

	s, err := raster.Create(dst)
	if err != nil {
		return err
	}
	defer s.Close()

	ds, err := s.Root().CreateDataset(opts.Key, raster.DatasetSpec{
		DType:     dt,
		Shape:     a.Shape(),
		ChunkRows: opts.ChunkSize,
		ChunkCols: opts.ChunkSize,
		Codec:     opts.Codec,
	})
	if err != nil {
		return err
	}
	if err := ds.WriteRegion(0, 0, a); err != nil {
		return err
	}
	return ds.SetAttributes(raster.StringAttribute(AttrColorMode, mode))
}

// imageArray converts img to samples, choosing the dtype and color mode.
func imageArray(img image.Image) (*raster.Array, raster.DType, string) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		a := raster.NewArray(h, w, 0)
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			for x, v := range row {
				a.Data[y*w+x] = float64(v)
			}
		}
		return a, raster.Uint8, "L"

	case *image.Gray16:
		a := raster.NewArray(h, w, 0)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				a.Data[y*w+x] = float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return a, raster.Uint16, "L"
	}

	wide := false
	switch img.(type) {
	case *image.RGBA64, *image.NRGBA64:
		wide = true
	}
	a := raster.NewArray(h, w, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			i := (y*w + x) * 3
			a.Data[i], a.Data[i+1], a.Data[i+2] = float64(c.R), float64(c.G), float64(c.B)
			if !wide {
				a.Data[i] = float64(c.R >> 8)
				a.Data[i+1] = float64(c.G >> 8)
				a.Data[i+2] = float64(c.B >> 8)
			}
		}
	}
	if wide {
		return a, raster.Uint16, "RGB"
	}
	return a, raster.Uint8, "RGB"
}

// ===========================================
// Container Information
// ===========================================

// LevelInfo describes one pyramid level.
type LevelInfo struct {
	Level int
	Rows  int
	Cols  int
	Codec compression.Codec
}

// ContainerInfo provides a summary of a container.
type ContainerInfo struct {
	Path       string
	Key        string
	Rows       int
	Cols       int
	Channels   int
	DType      raster.DType
	Codec      compression.Codec
	ChunkRows  int
	ChunkCols  int
	ColorMode  string
	HasPyramid bool
	MaxLevel   int
	ImageMin   float64
	ImageMax   float64
	Levels     []LevelInfo
	DiskSize   int64
}

// GetContainerInfo returns summary information about the container at path.
func GetContainerInfo(path, key string) (*ContainerInfo, error) {
	if key == "" {
		key = "data"
	}
	s, err := raster.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	root := s.Root()
	ds, err := root.Dataset(key)
	if err != nil {
		return nil, err
	}
	cr, cc := ds.ChunkShape()
	info := &ContainerInfo{
		Path:      path,
		Key:       key,
		Rows:      ds.Rows(),
		Cols:      ds.Cols(),
		Channels:  ds.Channels(),
		DType:     ds.DType(),
		Codec:     ds.Codec(),
		ChunkRows: cr,
		ChunkCols: cc,
	}
	if attrs, err := ds.Attributes(); err == nil {
		info.ColorMode, _ = attrs.String(AttrColorMode)
	}

	attrs, err := root.Attributes()
	if err != nil {
		return nil, err
	}
	if ml, ok := attrs.Int(pyramid.AttrMaxLevel); ok {
		info.HasPyramid = true
		info.MaxLevel = int(ml)
		info.ImageMin, _ = attrs.Float(pyramid.AttrImageMin)
		info.ImageMax, _ = attrs.Float(pyramid.AttrImageMax)
	}
	for i := 1; info.HasPyramid && i <= info.MaxLevel; i++ {
		lv, err := root.Dataset(pyramid.LevelName(i))
		if err != nil {
			return nil, err
		}
		info.Levels = append(info.Levels, LevelInfo{Level: i, Rows: lv.Rows(), Cols: lv.Cols(), Codec: lv.Codec()})
	}

	info.DiskSize, err = diskSize(path)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func diskSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

// ===========================================
// Validation
// ===========================================

// ValidationResult contains the results of container validation.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ValidateContainer checks a container and its pyramid. Every chunk of
// every dataset is decoded, so this reads the whole container.
func ValidateContainer(path, key string) (*ValidationResult, error) {
	if key == "" {
		key = "data"
	}
	result := &ValidationResult{Valid: true}

	s, err := raster.OpenReadOnly(path)
	if err != nil {
		result.fail("cannot open container: %v", err)
		return result, nil
	}
	defer s.Close()
	root := s.Root()

	ds, err := root.Dataset(key)
	if err != nil {
		result.fail("cannot open dataset %q: %v", key, err)
		return result, nil
	}
	if ch := ds.Channels(); ch != 0 && ch != 3 && ch != 4 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unusual channel count: %d", ch))
	}
	if ds.Rows() > 1<<17 || ds.Cols() > 1<<17 {
		result.Warnings = append(result.Warnings, "very large image dimensions")
	}
	checkChunks(result, ds)

	attrs, err := root.Attributes()
	if err != nil {
		result.fail("cannot read root attributes: %v", err)
		return result, nil
	}
	ml, ok := attrs.Int(pyramid.AttrMaxLevel)
	if !ok {
		if root.Has(pyramid.GroupName) {
			result.fail("pyramid group present without %s", pyramid.AttrMaxLevel)
		} else {
			result.Warnings = append(result.Warnings, "no pyramid built")
		}
		return result, nil
	}
	lo, okLo := attrs.Float(pyramid.AttrImageMin)
	hi, okHi := attrs.Float(pyramid.AttrImageMax)
	if !okLo || !okHi {
		result.fail("image range attributes missing")
	} else if lo > hi {
		result.fail("image_min %v exceeds image_max %v", lo, hi)
	}

	factor := 2
	if v, ok := attrs.Int(pyramid.AttrDownsample); ok && v > 1 {
		factor = int(v)
	}
	shapes := pyramid.LevelShapes(ds.Rows(), ds.Cols(), factor, int(ml))
	for i := 1; i <= int(ml); i++ {
		lv, err := root.Dataset(pyramid.LevelName(i))
		if err != nil {
			result.fail("level %d: %v", i, err)
			continue
		}
		if lv.Rows() != shapes[i][0] || lv.Cols() != shapes[i][1] {
			result.fail("level %d is %dx%d, want %dx%d", i, lv.Rows(), lv.Cols(), shapes[i][0], shapes[i][1])
		}
		if lv.Channels() != ds.Channels() {
			result.fail("level %d has %d channels, want %d", i, lv.Channels(), ds.Channels())
		}
		checkChunks(result, lv)
	}
	return result, nil
}

// checkChunks decodes ds one chunk row at a time.
func checkChunks(result *ValidationResult, ds *raster.Dataset) {
	cr, _ := ds.ChunkShape()
	for r0 := 0; r0 < ds.Rows(); r0 += cr {
		if _, err := ds.ReadRegion(r0, min(r0+cr, ds.Rows()), 0, ds.Cols()); err != nil {
			result.fail("%s: %v", ds.Name(), err)
			return
		}
	}
}

// ===========================================
// Comparison
// ===========================================

// CompareOptions configures dataset comparison behavior.
type CompareOptions struct {
	Tolerance      float64 // Maximum allowed difference for sample values
	IgnoreMetadata bool    // If true, only compare samples
}

// CompareDatasets checks if the named dataset of two containers holds
// equivalent content. Returns true if they match within tolerance, along
// with any differences found.
func CompareDatasets(path1, path2, name string, opts CompareOptions) (bool, []string, error) {
	var diffs []string

	s1, err := raster.OpenReadOnly(path1)
	if err != nil {
		return false, nil, fmt.Errorf("cannot open %s: %w", path1, err)
	}
	defer s1.Close()
	s2, err := raster.OpenReadOnly(path2)
	if err != nil {
		return false, nil, fmt.Errorf("cannot open %s: %w", path2, err)
	}
	defer s2.Close()

	d1, err := s1.Root().Dataset(name)
	if err != nil {
		return false, nil, err
	}
	d2, err := s2.Root().Dataset(name)
	if err != nil {
		return false, nil, err
	}

	if d1.Rows() != d2.Rows() || d1.Cols() != d2.Cols() || d1.Channels() != d2.Channels() {
		diffs = append(diffs, fmt.Sprintf("shapes differ: %v vs %v", d1.Shape(), d2.Shape()))
		return false, diffs, nil
	}
	if !opts.IgnoreMetadata {
		if d1.DType() != d2.DType() {
			diffs = append(diffs, fmt.Sprintf("dtype differs: %v vs %v", d1.DType(), d2.DType()))
		}
		if d1.Codec() != d2.Codec() {
			diffs = append(diffs, fmt.Sprintf("codec differs: %v vs %v", d1.Codec(), d2.Codec()))
		}
	}

	cr, _ := d1.ChunkShape()
	maxDiff := 0.0
	diffCount := 0
	for r0 := 0; r0 < d1.Rows(); r0 += cr {
		r1 := min(r0+cr, d1.Rows())
		a, err := d1.ReadRegion(r0, r1, 0, d1.Cols())
		if err != nil {
			return false, nil, fmt.Errorf("error reading %s: %w", path1, err)
		}
		b, err := d2.ReadRegion(r0, r1, 0, d2.Cols())
		if err != nil {
			return false, nil, fmt.Errorf("error reading %s: %w", path2, err)
		}
		for i := range a.Data {
			if diff := math.Abs(a.Data[i] - b.Data[i]); diff > opts.Tolerance {
				diffCount++
				maxDiff = math.Max(maxDiff, diff)
			}
		}
	}
	if diffCount > 0 {
		diffs = append(diffs, fmt.Sprintf("%d samples differ (max diff: %g)", diffCount, maxDiff))
	}

	return len(diffs) == 0, diffs, nil
}

// ===========================================
// Export
// ===========================================

// Thumbnail scales img so its longest side is at most maxSide, keeping the
// aspect ratio. Images that already fit are returned unchanged.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if maxSide <= 0 || longest <= maxSide {
		return img
	}
	rect := image.Rect(0, 0, max(1, b.Dx()*maxSide/longest), max(1, b.Dy()*maxSide/longest))
	var dst draw.Image
	if _, gray := img.(*image.Gray); gray {
		dst = image.NewGray(rect)
	} else {
		dst = image.NewNRGBA(rect)
	}
	draw.CatmullRom.Scale(dst, rect, img, b, draw.Src, nil)
	return dst
}

// ExportPNG writes img as a PNG file.
func ExportPNG(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("pyrutil: png encode: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ExportJ2K writes img as a lossless JPEG 2000 codestream.
func ExportJ2K(path string, img image.Image) error {
	var buf bytes.Buffer
	b := img.Bounds()
	opts := &jpeg2000.Options{
		Format:         jpeg2000.FormatJ2K,
		Lossless:       true,
		NumResolutions: compression.J2KResolutions(b.Dx(), b.Dy()),
	}
	if err := jpeg2000.Encode(&buf, img, opts); err != nil {
		return fmt.Errorf("pyrutil: jpeg2000 encode: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
