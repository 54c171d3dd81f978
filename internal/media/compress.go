package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
)

const (
	// maxDimension bounds local cache growth; anything larger is downscaled.
	maxDimension = 1568
	jpegQuality  = 80

	// Already-small payloads skip re-encoding entirely.
	compressThreshold = 300 << 10 // 300KB
)

// compressImage downscales raster content to the bounded maximum dimension
// and re-encodes at fixed JPEG quality. Small images and non-raster payloads
// pass through untouched. Returns the possibly new bytes and MIME type.
func compressImage(data []byte, mime string) ([]byte, string, error) {
	if !strings.HasPrefix(mime, "image/") {
		return data, mime, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image for compression: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if len(data) <= compressThreshold && w <= maxDimension && h <= maxDimension {
		return data, mime, nil
	}

	if w > maxDimension || h > maxDimension {
		if w >= h {
			h = h * maxDimension / w
			w = maxDimension
		} else {
			w = w * maxDimension / h
			h = maxDimension
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, b, draw.Over, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", fmt.Errorf("re-encoding image: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
