// Package imageprep shrinks screenshots so they fit OCR payload limits.
package imageprep

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

const (
	// MaxDimension is the largest edge, in pixels, synchronous OCR accepts.
	MaxDimension = 10000
	// MinWidth is the narrowest rendition Fit will produce before giving up.
	MinWidth  = 320
	scaleStep = 0.75
)

// Fit returns data unchanged when it is at most maxBytes. Otherwise it decodes
// the PNG, converts it to grayscale, re-encodes at maximum compression and
// downscales in steps until the encoding fits. Images that cannot be decoded
// or shrunk enough wrap pipeline.ErrUnreadableImage.
func Fit(data []byte, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 || len(data) <= maxBytes {
		return data, nil
	}
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imageprep: decode: %w: %w", pipeline.ErrUnreadableImage, err)
	}

	img := resize(src, clampScale(src.Bounds()))
	for {
		out, err := encode(img)
		if err != nil {
			return nil, err
		}
		if len(out) <= maxBytes {
			return out, nil
		}
		next := int(float64(img.Bounds().Dx()) * scaleStep)
		if next < MinWidth {
			return nil, fmt.Errorf("imageprep: %d bytes still exceeds %d at %dpx wide: %w",
				len(out), maxBytes, img.Bounds().Dx(), pipeline.ErrUnreadableImage)
		}
		img = resize(img, scaleStep)
	}
}

func clampScale(b image.Rectangle) float64 {
	longest := max(b.Dx(), b.Dy())
	if longest <= MaxDimension {
		return 1
	}
	return float64(MaxDimension) / float64(longest)
}

// resize draws src into a grayscale image scaled by factor.
func resize(src image.Image, factor float64) *image.Gray {
	b := src.Bounds()
	w := max(1, int(float64(b.Dx())*factor))
	h := max(1, int(float64(b.Dy())*factor))
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("imageprep: encode: %w", err)
	}
	return buf.Bytes(), nil
}
