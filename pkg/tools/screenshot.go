package tools

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/nstogner/deskpilot/pkg/store"
)

const (
	defaultMaxSide  = 1280
	defaultMaxBytes = 4 * 1024 * 1024
)

// jpegQualities is the grid of quality levels to try.
var jpegQualities = []int{85, 75, 65, 55, 45, 35}

// Screenshot is an encoded capture ready to send to the model.
type Screenshot struct {
	Source *store.ImageSource
	// Scale maps coordinates on the encoded image back to the screen.
	Scale float64
}

// ScreenshotEncoder downsizes and compresses captures for vision input.
type ScreenshotEncoder struct {
	MaxSide  int
	MaxBytes int
}

// Encode decodes raw PNG or JPEG bytes, fits them into MaxSide and encodes
// JPEG at decreasing quality until the result fits MaxBytes.
func (e ScreenshotEncoder) Encode(raw []byte) (Screenshot, error) {
	maxSide, maxBytes := e.MaxSide, e.MaxBytes
	if maxSide <= 0 {
		maxSide = defaultMaxSide
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return Screenshot{}, fmt.Errorf("decode screenshot: %w", err)
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	scale := 1.0
	if w > maxSide || h > maxSide {
		img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
		scale = float64(w) / float64(img.Bounds().Dx())
	}

	for _, quality := range jpegQualities {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return Screenshot{}, fmt.Errorf("encode jpeg (q=%d): %w", quality, err)
		}
		if buf.Len() <= maxBytes {
			return Screenshot{
				Source: &store.ImageSource{
					Type:      "base64",
					MediaType: "image/jpeg",
					Data:      base64.StdEncoding.EncodeToString(buf.Bytes()),
				},
				Scale: scale,
			}, nil
		}
	}
	return Screenshot{}, fmt.Errorf("screenshot too large even at lowest quality (dimensions: %dx%d)", w, h)
}
