// resize.go turns full-size console screenshots (PNG, typically 640x480 or
// larger) into small JPEG thumbnails for dashboard grids.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/png"

	"golang.org/x/image/draw"
)

const (
	thumbWidth  = 200
	thumbHeight = 150
	jpegQuality = 50
)

// Downscale decodes img and re-encodes it as a JPEG thumbnail bounded by
// thumbWidth x thumbHeight, preserving aspect ratio. Images already smaller
// than the bound are re-encoded without upscaling.
func Downscale(img []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("decode screenshot: empty %dx%d image", w, h)
	}

	scale := minf(float64(thumbWidth)/float64(w), float64(thumbHeight)/float64(h))
	if scale > 1 {
		scale = 1
	}
	dw, dh := int(float64(w)*scale), int(float64(h)*scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
