package pyrutil

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mrjoshuak/go-jpeg2000"

	"github.com/mrjoshuak/go-pyramid/compression"
	"github.com/mrjoshuak/go-pyramid/pyramid"
	"github.com/mrjoshuak/go-pyramid/raster"
)

func grayRamp(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x + y)})
		}
	}
	return img
}

func createTestContainer(t *testing.T, img image.Image, codec compression.Codec) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pyr")
	if err := ImportImage(path, img, ImportOptions{Codec: codec, ChunkSize: 16}); err != nil {
		t.Fatalf("ImportImage() error = %v", err)
	}
	return path
}

func TestImportImageGray(t *testing.T) {
	path := createTestContainer(t, grayRamp(30, 20), compression.ZIP)

	s, err := raster.OpenReadOnly(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ds, err := s.Root().Dataset("data")
	if err != nil {
		t.Fatal(err)
	}
	if ds.Rows() != 20 || ds.Cols() != 30 || ds.Channels() != 0 || ds.DType() != raster.Uint8 {
		t.Fatalf("dataset %v %v", ds.Shape(), ds.DType())
	}
	a, err := ds.Read()
	if err != nil {
		t.Fatal(err)
	}
	if a.At(19, 29, 0) != 48 {
		t.Errorf("sample (19, 29) = %v, want 48", a.At(19, 29, 0))
	}
	attrs, err := ds.Attributes()
	if err != nil {
		t.Fatal(err)
	}
	if mode, _ := attrs.String(AttrColorMode); mode != "L" {
		t.Errorf("color_mode = %q, want L", mode)
	}
}

func TestImportImageColor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	img.SetNRGBA(1, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	path := createTestContainer(t, img, compression.J2K)

	info, err := GetContainerInfo(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if info.Channels != 3 || info.DType != raster.Uint8 || info.ColorMode != "RGB" || info.Codec != compression.J2K {
		t.Errorf("info = %+v", info)
	}

	s, _ := raster.OpenReadOnly(path)
	defer s.Close()
	ds, _ := s.Root().Dataset("data")
	a, err := ds.Read()
	if err != nil {
		t.Fatal(err)
	}
	if a.At(2, 1, 0) != 10 || a.At(2, 1, 1) != 20 || a.At(2, 1, 2) != 30 {
		t.Errorf("pixel (1, 2) = %v %v %v", a.At(2, 1, 0), a.At(2, 1, 1), a.At(2, 1, 2))
	}
}

func TestImportImageWide(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 3, 3))
	img.SetGray16(2, 2, color.Gray16{Y: 40000})
	path := createTestContainer(t, img, compression.ZSTD)
	info, err := GetContainerInfo(path, "data")
	if err != nil {
		t.Fatal(err)
	}
	if info.DType != raster.Uint16 || info.Channels != 0 {
		t.Errorf("16-bit gray stored as %v with %d channels", info.DType, info.Channels)
	}
}

func TestImportFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ramp.png")
	var buf bytes.Buffer
	if err := png.Encode(&buf, grayRamp(8, 8)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "ramp.pyr")
	if err := ImportFile(dst, src, ImportOptions{}); err != nil {
		t.Fatalf("ImportFile() error = %v", err)
	}
	s, err := raster.OpenReadOnly(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	attrs, _ := s.Root().Attributes()
	if f, _ := attrs.String("source_format"); f != "png" {
		t.Errorf("source_format = %q, want png", f)
	}

	if err := ImportFile(dst, src, ImportOptions{}); err == nil {
		t.Error("ImportFile() overwrote an existing container")
	}
	if err := ImportFile(filepath.Join(dir, "x.pyr"), filepath.Join(dir, "absent.png"), ImportOptions{}); err == nil {
		t.Error("ImportFile() should fail for a missing source")
	}
}

func TestGetContainerInfo(t *testing.T) {
	path := createTestContainer(t, grayRamp(40, 40), compression.ZSTD)
	info, err := GetContainerInfo(path, "data")
	if err != nil {
		t.Fatal(err)
	}
	if info.HasPyramid || info.Rows != 40 || info.Cols != 40 || info.ChunkRows != 16 {
		t.Errorf("info before build = %+v", info)
	}
	if info.DiskSize == 0 {
		t.Error("DiskSize = 0, want > 0")
	}

	if _, err := pyramid.Build(context.Background(), path, pyramid.Options{
		MaxDisplayLength: 10, BlockSize: 16,
	}); err != nil {
		t.Fatal(err)
	}
	info, err = GetContainerInfo(path, "data")
	if err != nil {
		t.Fatal(err)
	}
	if !info.HasPyramid || info.MaxLevel != 2 || len(info.Levels) != 2 {
		t.Fatalf("info after build = %+v", info)
	}
	if info.Levels[1].Rows != 10 || info.ImageMin != 0 || info.ImageMax != 78 {
		t.Errorf("levels %+v, range [%v, %v]", info.Levels, info.ImageMin, info.ImageMax)
	}
}

func TestGetContainerInfoNonexistent(t *testing.T) {
	if _, err := GetContainerInfo("/nonexistent/container.pyr", ""); err == nil {
		t.Error("GetContainerInfo() should return error for nonexistent container")
	}
}

func TestValidateContainer(t *testing.T) {
	path := createTestContainer(t, grayRamp(40, 40), compression.ZIP)

	res, err := ValidateContainer(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || len(res.Warnings) != 1 {
		t.Errorf("unbuilt container: %+v", res)
	}

	if _, err := pyramid.Build(context.Background(), path, pyramid.Options{
		MaxDisplayLength: 10, BlockSize: 16,
	}); err != nil {
		t.Fatal(err)
	}
	res, err = ValidateContainer(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || len(res.Errors) != 0 {
		t.Errorf("built container: %+v", res)
	}

	chunk := filepath.Join(path, "pyramid", "2", "0.0")
	if err := os.WriteFile(chunk, []byte("not a chunk"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err = ValidateContainer(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "pyramid/2") {
		t.Errorf("corrupt level: %+v", res)
	}
}

func TestValidateContainerMissing(t *testing.T) {
	res, err := ValidateContainer(filepath.Join(t.TempDir(), "none.pyr"), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Error("missing container reported valid")
	}
}

func TestCompareDatasets(t *testing.T) {
	a := createTestContainer(t, grayRamp(20, 20), compression.ZIP)
	b := createTestContainer(t, grayRamp(20, 20), compression.ZSTD)

	same, diffs, err := CompareDatasets(a, b, "data", CompareOptions{IgnoreMetadata: true})
	if err != nil {
		t.Fatal(err)
	}
	if !same {
		t.Errorf("identical samples reported different: %v", diffs)
	}

	same, diffs, _ = CompareDatasets(a, b, "data", CompareOptions{})
	if same || len(diffs) != 1 {
		t.Errorf("codec difference not reported: %v", diffs)
	}

	img := grayRamp(20, 20)
	img.SetGray(5, 5, color.Gray{Y: 200})
	c := createTestContainer(t, img, compression.ZIP)
	same, diffs, _ = CompareDatasets(a, c, "data", CompareOptions{Tolerance: 1})
	if same || len(diffs) != 1 || !strings.Contains(diffs[0], "1 samples differ") {
		t.Errorf("sample difference: %v", diffs)
	}

	d := createTestContainer(t, grayRamp(10, 20), compression.ZIP)
	if same, _, _ := CompareDatasets(a, d, "data", CompareOptions{}); same {
		t.Error("different shapes reported equal")
	}
}

func TestThumbnail(t *testing.T) {
	img := grayRamp(100, 50)
	th := Thumbnail(img, 20)
	if th.Bounds().Dx() != 20 || th.Bounds().Dy() != 10 {
		t.Errorf("thumbnail bounds = %v, want 20x10", th.Bounds())
	}
	if _, ok := th.(*image.Gray); !ok {
		t.Errorf("gray thumbnail is %T", th)
	}
	if Thumbnail(img, 200) != image.Image(img) {
		t.Error("image that fits was rescaled")
	}
}

func TestExportPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.png")
	if err := ExportPNG(path, grayRamp(6, 4)); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 6 || img.Bounds().Dy() != 4 {
		t.Errorf("bounds = %v", img.Bounds())
	}
}

func TestExportJ2K(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.j2k")
	src := grayRamp(16, 16)
	if err := ExportJ2K(path, src); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := jpeg2000.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	got := color.GrayModel.Convert(img.At(7, 9)).(color.Gray).Y
	if got != 16 {
		t.Errorf("pixel (7, 9) = %d, want 16", got)
	}
}
