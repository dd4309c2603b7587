// Package imagedecode probes, decodes, resizes, and re-encodes images for the Scanner's dimension probe and the
// Derivation Workers' thumbnail/cache generation.
package imagedecode

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register GIF decoder for image.DecodeConfig/image.Decode
	"image/jpeg"
	_ "image/png" // register PNG decoder for image.DecodeConfig/image.Decode
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // register BMP decoder for image.DecodeConfig/image.Decode
	_ "golang.org/x/image/tiff" // register TIFF decoder for image.DecodeConfig/image.Decode
	_ "golang.org/x/image/webp" // register WebP decoder for image.DecodeConfig/image.Decode
)

// Dimensions is a probed width/height/format triple, used by the Scanner to populate a new Image record without a
// full decode.
type Dimensions struct {
	Width  int
	Height int
	Format string
}

// UnknownDimensions is returned (alongside a non-nil probe error) for an entry whose bytes could not be decoded,
// so an unreadable entry is still cataloged as width=0, height=0, format=unknown.
var UnknownDimensions = Dimensions{Width: 0, Height: 0, Format: "unknown"}

// Probe reads just enough of r to determine an image's dimensions and format without decoding full pixel data.
func Probe(r io.Reader) (Dimensions, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return UnknownDimensions, fmt.Errorf("probe dimensions: %w", err)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Decode fully decodes r into an image, normalizing EXIF orientation so downstream resize/encode operates on an
// upright image regardless of the source's orientation tag.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// FitInside resizes img to fit inside a maxWidth x maxHeight box, preserving aspect ratio. It never upscales: a
// source that already fits inside the box is returned at its own size.
func FitInside(img image.Image, maxWidth, maxHeight int) image.Image {
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
}

// EncodeJPEG encodes img as a JPEG at the given quality (1-100). Re-encoding through image/jpeg never writes an ICC
// profile, so output color data is implicitly sRGB.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Derive decodes, fits inside the target box, and re-encodes as JPEG in one step, the common path for both
// thumbnail and cache generation.
func Derive(r io.Reader, maxWidth, maxHeight, quality int) ([]byte, int, int, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, 0, 0, err
	}

	fitted := FitInside(img, maxWidth, maxHeight)
	bounds := fitted.Bounds()

	data, err := EncodeJPEG(fitted, quality)
	if err != nil {
		return nil, 0, 0, err
	}

	return data, bounds.Dx(), bounds.Dy(), nil
}
