package services

import (
	"bytes"
	"image"
	"image/color"
	"testing"
	"time"
)

func filledFrame(w, h int, c color.RGBA) *image.RGBA {
	frame := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(frame.Pix); i += 4 {
		frame.Pix[i] = c.R
		frame.Pix[i+1] = c.G
		frame.Pix[i+2] = c.B
		frame.Pix[i+3] = c.A
	}
	return frame
}

// A missing overlay must be a no-op: output frame bytes equal input
// frame bytes.
func TestApplyOverlayNilIsPassThrough(t *testing.T) {
	frame := filledFrame(64, 64, color.RGBA{10, 20, 30, 255})
	before := make([]byte, len(frame.Pix))
	copy(before, frame.Pix)

	transform := ApplyOverlay(nil)
	out := transform(frame)

	if !bytes.Equal(out.Pix, before) {
		t.Error("pass-through transform modified frame bytes")
	}
}

func TestApplyOverlayCompositesBottomRight(t *testing.T) {
	r := NewWatermarkRenderer("reelcraft")
	date := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	overlay, err := r.MakeOverlay(date, "Morning walk", 540, 960)
	if err != nil {
		t.Fatalf("make overlay: %v", err)
	}

	base := color.RGBA{10, 20, 30, 255}
	frame := filledFrame(540, 960, base)
	out := ApplyOverlay(overlay)(frame)

	// The top-left quadrant is untouched.
	if got := out.RGBAAt(10, 10); got != base {
		t.Errorf("top-left pixel changed: %v", got)
	}

	// Some pixel near the bottom-right corner belongs to the panel.
	changed := false
	for y := 960 / 2; y < 960; y++ {
		for x := 540 / 2; x < 540; x++ {
			if out.RGBAAt(x, y) != base {
				changed = true
				break
			}
		}
		if changed {
			break
		}
	}
	if !changed {
		t.Error("no panel pixels found in the bottom-right quadrant")
	}
}

func TestMakeOverlayCachedByKey(t *testing.T) {
	r := NewWatermarkRenderer("reelcraft")
	date := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	a, err := r.MakeOverlay(date, "Title", 1080, 1920)
	if err != nil {
		t.Fatalf("make overlay: %v", err)
	}
	b, err := r.MakeOverlay(date, "Title", 1080, 1920)
	if err != nil {
		t.Fatalf("make overlay: %v", err)
	}
	if a != b {
		t.Error("same key should return the cached raster")
	}

	c, err := r.MakeOverlay(date.AddDate(0, 0, 1), "Title", 1080, 1920)
	if err != nil {
		t.Fatalf("make overlay: %v", err)
	}
	if a == c {
		t.Error("changed date must recompute the overlay")
	}

	d, err := r.MakeOverlay(date.AddDate(0, 0, 1), "Title", 1920, 1080)
	if err != nil {
		t.Fatalf("make overlay: %v", err)
	}
	if c == d {
		t.Error("changed render size must recompute the overlay")
	}
}

func TestMakeOverlayMatchesRenderSize(t *testing.T) {
	r := NewWatermarkRenderer("reelcraft")
	date := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	overlay, err := r.MakeOverlay(date, "", 1920, 1080)
	if err != nil {
		t.Fatalf("make overlay: %v", err)
	}
	if got := overlay.Bounds(); got.Dx() != 1920 || got.Dy() != 1080 {
		t.Errorf("overlay bounds %v, want 1920x1080", got)
	}
}

func TestMakeOverlayRejectsInvalidSize(t *testing.T) {
	r := NewWatermarkRenderer("reelcraft")
	if _, err := r.MakeOverlay(time.Now(), "", 0, 1080); err == nil {
		t.Error("expected error for zero width")
	}
	if _, err := r.MakeOverlay(time.Now(), "", 1080, -1); err == nil {
		t.Error("expected error for negative height")
	}
}
