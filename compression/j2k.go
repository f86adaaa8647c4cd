package compression

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/mrjoshuak/go-jpeg2000"
)

// J2K compression errors
var (
	ErrJ2KUnsupported = errors.New("compression: J2K needs 1 or 3 channels of 8- or 16-bit samples")
	ErrJ2KCorrupted   = errors.New("compression: corrupted J2K data")
)

// J2KResolutions picks the decomposition depth for an image. Edge chunks can
// be a single pixel wide, which allows no wavelet levels at all.
func J2KResolutions(width, height int) int {
	n := 1
	for side := min(width, height); side >= 2 && n < 6; side /= 2 {
		n++
	}
	return n
}

// chunkImage wraps raw chunk samples as an image.Image for the encoder.
func chunkImage(src []byte, info ChunkInfo) (image.Image, error) {
	w, h := info.Width, info.Height
	rect := image.Rect(0, 0, w, h)
	px := w * h
	if len(src) != px*info.Channels*info.BytesPerSample {
		return nil, fmt.Errorf("compression: J2K chunk is %d bytes, want %d",
			len(src), px*info.Channels*info.BytesPerSample)
	}

	switch {
	case info.Channels == 1 && info.BytesPerSample == 1:
		img := image.NewGray(rect)
		copy(img.Pix, src)
		return img, nil

	case info.Channels == 1 && info.BytesPerSample == 2:
		img := image.NewGray16(rect)
		for i := 0; i < px; i++ {
			v := binary.LittleEndian.Uint16(src[2*i:])
			img.Pix[2*i] = byte(v >> 8)
			img.Pix[2*i+1] = byte(v)
		}
		return img, nil

	case info.Channels == 3 && info.BytesPerSample == 1:
		img := image.NewNRGBA(rect)
		for i := 0; i < px; i++ {
			copy(img.Pix[4*i:4*i+3], src[3*i:3*i+3])
			img.Pix[4*i+3] = 0xff
		}
		return img, nil

	case info.Channels == 3 && info.BytesPerSample == 2:
		img := image.NewNRGBA64(rect)
		for i := 0; i < px; i++ {
			for c := 0; c < 3; c++ {
				v := binary.LittleEndian.Uint16(src[2*(3*i+c):])
				img.Pix[8*i+2*c] = byte(v >> 8)
				img.Pix[8*i+2*c+1] = byte(v)
			}
			img.Pix[8*i+6] = 0xff
			img.Pix[8*i+7] = 0xff
		}
		return img, nil
	}
	return nil, ErrJ2KUnsupported
}

// J2KCompress encodes a chunk as a lossless JPEG 2000 codestream.
func J2KCompress(src []byte, info ChunkInfo) ([]byte, error) {
	if !Supports(J2K, info.Channels, info.BytesPerSample) {
		return nil, ErrJ2KUnsupported
	}
	img, err := chunkImage(src, info)
	if err != nil {
		return nil, err
	}

	opts := &jpeg2000.Options{
		Format:         jpeg2000.FormatJ2K,
		Lossless:       true,
		NumResolutions: J2KResolutions(info.Width, info.Height),
	}

	var buf bytes.Buffer
	if err := jpeg2000.Encode(&buf, img, opts); err != nil {
		return nil, fmt.Errorf("compression: jpeg2000 encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// J2KDecompress decodes a codestream produced by J2KCompress back into
// little-endian samples.
func J2KDecompress(src []byte, expectedSize int, info ChunkInfo) ([]byte, error) {
	if !Supports(J2K, info.Channels, info.BytesPerSample) {
		return nil, ErrJ2KUnsupported
	}
	img, err := jpeg2000.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJ2KCorrupted, err)
	}
	b := img.Bounds()
	if b.Dx() != info.Width || b.Dy() != info.Height {
		return nil, fmt.Errorf("%w: decoded %dx%d, want %dx%d",
			ErrJ2KCorrupted, b.Dx(), b.Dy(), info.Width, info.Height)
	}
	if expectedSize != info.Width*info.Height*info.Channels*info.BytesPerSample {
		return nil, fmt.Errorf("%w: size mismatch", ErrJ2KCorrupted)
	}

	dst := make([]byte, expectedSize)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			for _, v := range samplesAt(img, x, y, info.Channels) {
				if info.BytesPerSample == 1 {
					dst[i] = byte(v >> 8)
					i++
				} else {
					binary.LittleEndian.PutUint16(dst[i:], v)
					i += 2
				}
			}
		}
	}
	return dst, nil
}

// samplesAt returns 16-bit samples for one pixel. Gray images are read
// without going through the color model so 8-bit values stay exact.
func samplesAt(img image.Image, x, y, channels int) []uint16 {
	switch src := img.(type) {
	case *image.Gray:
		v := uint16(src.GrayAt(x, y).Y)
		return []uint16{v<<8 | v}
	case *image.Gray16:
		return []uint16{src.Gray16At(x, y).Y}
	}
	if channels == 1 {
		return []uint16{color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y}
	}
	c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
	return []uint16{c.R, c.G, c.B}
}
