package services

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/echolab/reelcraft/internal/models"
)

// ---------------------------------------------------------------------------
// Watermark compositor.
// Renders a branded panel (mark + optional title + date) once per spec key,
// then composites it onto every exported frame via a FrameTransform.
// Watermarking is cosmetic: any failure degrades to pass-through frames and
// never aborts the pipeline.
// ---------------------------------------------------------------------------

// Panel geometry at 1x, scaled up relative to the render width.
const (
	wmBaseRenderWidth = 540 // Render width at which the panel draws at 1x
	wmLineHeight      = 16
	wmTextPad         = 8
	wmAccentWidth     = 4
	wmCornerPadPct    = 3 // Padding from the bottom/right edges, percent of render width
)

var (
	wmPanelFill  = color.RGBA{0, 0, 0, 168}
	wmAccentFill = color.RGBA{255, 92, 60, 255}
	wmTextFill   = color.RGBA{255, 255, 255, 255}
)

type overlayKey struct {
	date  string
	title string
	w, h  int
}

// WatermarkRenderer builds and caches the branded overlay image. The
// overlay is recomputed only when the (date, title, renderSize) key
// changes, so consecutive exports for the same day reuse the raster.
type WatermarkRenderer struct {
	tag string

	mu     sync.Mutex
	key    overlayKey
	cached *image.RGBA
}

func NewWatermarkRenderer(tag string) *WatermarkRenderer {
	return &WatermarkRenderer{tag: tag}
}

// MakeOverlay returns the overlay raster for the given date, optional
// title and final render dimensions. The render dimensions must already
// account for the clip's orientation transform (see MediaClip.RenderSize):
// sizing against the raw natural size would misplace the panel on rotated
// footage.
func (r *WatermarkRenderer) MakeOverlay(date time.Time, title string, renderW, renderH int) (*image.RGBA, error) {
	if renderW <= 0 || renderH <= 0 {
		return nil, fmt.Errorf("invalid render size %dx%d", renderW, renderH)
	}

	key := overlayKey{date: date.Format("2006-01-02"), title: title, w: renderW, h: renderH}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && r.key == key {
		return r.cached, nil
	}

	overlay, err := r.render(date, title, renderW, renderH)
	if err != nil {
		return nil, err
	}

	r.key = key
	r.cached = overlay
	return overlay, nil
}

// render draws the panel at 1x with a bitmap face, then scales it to the
// output resolution and places it in the bottom-right corner.
func (r *WatermarkRenderer) render(date time.Time, title string, renderW, renderH int) (*image.RGBA, error) {
	lines := make([]string, 0, 3)
	if title != "" {
		lines = append(lines, title)
	}
	lines = append(lines, date.Format("Jan 2, 2006"))
	lines = append(lines, r.tag)

	face := basicfont.Face7x13

	maxLine := 0
	for _, line := range lines {
		if w := font.MeasureString(face, line).Ceil(); w > maxLine {
			maxLine = w
		}
	}

	panelW := wmAccentWidth + wmTextPad*2 + maxLine
	panelH := wmTextPad*2 + wmLineHeight*len(lines)

	panel := image.NewRGBA(image.Rect(0, 0, panelW, panelH))
	draw.Draw(panel, panel.Bounds(), image.NewUniform(wmPanelFill), image.Point{}, draw.Src)
	draw.Draw(panel, image.Rect(0, 0, wmAccentWidth, panelH), image.NewUniform(wmAccentFill), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  panel,
		Src:  image.NewUniform(wmTextFill),
		Face: face,
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(wmAccentWidth+wmTextPad, wmTextPad+wmLineHeight*i+face.Ascent)
		drawer.DrawString(line)
	}

	// Scale the panel relative to the final render width so it reads the
	// same at 540p and 4K.
	scale := renderW / wmBaseRenderWidth
	if scale < 1 {
		scale = 1
	}
	scaledW, scaledH := panelW*scale, panelH*scale
	pad := renderW * wmCornerPadPct / 100

	if scaledW+pad > renderW || scaledH+pad > renderH {
		return nil, fmt.Errorf("overlay %dx%d does not fit render %dx%d", scaledW, scaledH, renderW, renderH)
	}

	overlay := image.NewRGBA(image.Rect(0, 0, renderW, renderH))
	target := image.Rect(renderW-pad-scaledW, renderH-pad-scaledH, renderW-pad, renderH-pad)
	xdraw.NearestNeighbor.Scale(overlay, target, panel, panel.Bounds(), xdraw.Over, nil)

	return overlay, nil
}

// ApplyOverlay wraps an overlay raster in a per-frame transform:
// output = compose(overlay, sourceFrame), cropped to the frame's extent.
// A nil overlay yields the identity transform — the degraded, pass-through
// behavior used when overlay creation failed.
func ApplyOverlay(overlay *image.RGBA) models.FrameTransform {
	if overlay == nil {
		log.Printf("[Watermark] No overlay available, frames pass through unmodified")
		return models.IdentityTransform
	}

	return func(frame *image.RGBA) *image.RGBA {
		draw.Draw(frame, frame.Bounds(), overlay, overlay.Bounds().Min, draw.Over)
		return frame
	}
}
