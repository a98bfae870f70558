package resize

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/hazyhaar/thumbcache/screenshot"
)

// stripes returns a PNG whose top half is red and bottom half blue.
func stripes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		c := color.NRGBA{R: 255, A: 255}
		if y >= h/2 {
			c = color.NRGBA{B: 255, A: 255}
		}
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decode(t *testing.T, b []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	return img
}

func TestResize_ToThumbSize(t *testing.T) {
	r := NewResizer(nil)
	out, err := r.Resize(stripes(t, 160, 120), screenshot.Size{Width: 160, Height: 120}, screenshot.Size{Width: 80, Height: 60})
	if err != nil {
		t.Fatal(err)
	}
	if b := decode(t, out).Bounds(); b.Dx() != 80 || b.Dy() != 60 {
		t.Fatalf("size = %dx%d, want 80x60", b.Dx(), b.Dy())
	}
}

func TestResize_CropsTallCapture(t *testing.T) {
	// The capture is twice as tall as the window: only the top (red) half
	// should survive cropping.
	r := NewResizer(nil)
	out, err := r.Resize(stripes(t, 100, 150), screenshot.Size{Width: 100, Height: 75}, screenshot.Size{Width: 40, Height: 30})
	if err != nil {
		t.Fatal(err)
	}
	img := decode(t, out)
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 30 {
		t.Fatalf("size = %dx%d", b.Dx(), b.Dy())
	}
	_, _, blue, _ := img.At(20, 25).RGBA()
	if blue > 0x1000 {
		t.Fatalf("bottom of the thumbnail is blue: the capture was not cropped")
	}
}

func TestResize_NoCropKeepsWholeImage(t *testing.T) {
	r := &Resizer{Crop: false}
	out, err := r.Resize(stripes(t, 100, 150), screenshot.Size{Width: 100, Height: 75}, screenshot.Size{Width: 40, Height: 30})
	if err != nil {
		t.Fatal(err)
	}
	_, _, blue, _ := decode(t, out).At(20, 28).RGBA()
	if blue < 0xf000 {
		t.Fatal("without cropping the bottom rows come from the blue half")
	}
}

func TestResize_Deterministic(t *testing.T) {
	r := NewResizer(nil)
	in := stripes(t, 64, 48)
	a, err := r.Resize(in, screenshot.Size{Width: 64, Height: 48}, screenshot.Size{Width: 32, Height: 24})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := r.Resize(in, screenshot.Size{Width: 64, Height: 48}, screenshot.Size{Width: 32, Height: 24})
	if !bytes.Equal(a, b) {
		t.Fatal("same input gave different output")
	}
}

func TestResize_Errors(t *testing.T) {
	r := NewResizer(nil)
	if _, err := r.Resize([]byte("not an image"), screenshot.Size{Width: 1, Height: 1}, screenshot.Size{Width: 1, Height: 1}); err == nil {
		t.Fatal("expected decode error")
	}
	_, err := r.Resize(stripes(t, 4, 4), screenshot.Size{Width: 4, Height: 4}, screenshot.Size{})
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("err = %v, want ErrInvalidSize", err)
	}
}
