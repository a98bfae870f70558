// CLAUDE:SUMMARY PNG thumbnail resizer: crops the capture to the window aspect ratio, then resizes with imgconv.
// Package resize turns a captured screenshot into a thumbnail.
package resize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"

	"github.com/sunshineplan/imgconv"

	"github.com/hazyhaar/thumbcache/screenshot"
)

// ErrInvalidSize is returned for non-positive window or thumb sizes.
var ErrInvalidSize = errors.New("resize: invalid size")

// Resizer implements screenshot.Resizer.
type Resizer struct {
	// Crop enables cropping to the window aspect ratio when the capture's
	// height differs from the window's. Default (NewResizer): true.
	Crop   bool
	logger *slog.Logger
}

var _ screenshot.Resizer = (*Resizer)(nil)

// NewResizer returns a cropping resizer.
func NewResizer(logger *slog.Logger) *Resizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resizer{Crop: true, logger: logger}
}

// Resize decodes img, crops it from the top-left to the aspect ratio of
// window if its height differs from window's, scales it to exactly thumb and
// encodes PNG.
func (r *Resizer) Resize(img []byte, window, thumb screenshot.Size) ([]byte, error) {
	if !window.Valid() || !thumb.Valid() {
		return nil, fmt.Errorf("%w: window %s thumb %s", ErrInvalidSize, window, thumb)
	}
	src, err := imgconv.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("resize: decode: %w", err)
	}

	b := src.Bounds()
	if r.logger != nil {
		r.logger.Debug("resize: captured image", "size", screenshot.Size{Width: b.Dx(), Height: b.Dy()})
	}

	if r.Crop && b.Dy() != window.Height {
		w := b.Dx()
		h := w * window.Height / window.Width
		src = crop(src, image.Rect(b.Min.X, b.Min.Y, b.Min.X+w, b.Min.Y+min(h, b.Dy())))
	}

	out := imgconv.Resize(src, &imgconv.ResizeOption{Width: thumb.Width, Height: thumb.Height})

	var buf bytes.Buffer
	if err := imgconv.Write(&buf, out, &imgconv.FormatOption{Format: imgconv.PNG}); err != nil {
		return nil, fmt.Errorf("resize: encode: %w", err)
	}
	return buf.Bytes(), nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func crop(src image.Image, r image.Rectangle) image.Image {
	if s, ok := src.(subImager); ok {
		return s.SubImage(r)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}
