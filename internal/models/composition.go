package models

import (
	"fmt"
	"time"
)

// Track-composition model: an in-memory, not-yet-encoded timeline of
// segments per track. Built once per pipeline run, immutable afterwards.

// TrackKind distinguishes the two track types a composition carries.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// LoopStyle selects how a short base clip is repeated to fill the
// narration duration.
type LoopStyle string

const (
	// LoopForward plays the base clip start-to-end on every repetition,
	// truncating the final repetition. This is the default.
	LoopForward LoopStyle = "forward"

	// LoopPingPong alternates forward and mirrored-reversed repetitions,
	// which hides the seam where the clip restarts. Explicit opt-in.
	LoopPingPong LoopStyle = "pingpong"
)

// ParseLoopStyle maps a request string onto a LoopStyle, defaulting to
// forward playback for the empty string.
func ParseLoopStyle(s string) (LoopStyle, error) {
	switch s {
	case "", string(LoopForward):
		return LoopForward, nil
	case string(LoopPingPong):
		return LoopPingPong, nil
	default:
		return "", fmt.Errorf("unknown loop style %q", s)
	}
}

// MediaClip is a loaded source clip. Immutable once loaded; owned by the
// composition builder for the duration of one pipeline run.
type MediaClip struct {
	SourceLocator string
	Duration      time.Duration
	Kind          TrackKind

	// RotationDegrees is the clip's intrinsic orientation transform as
	// stored in the container (0, 90, 180 or 270). Players apply it on
	// display, so the effective render size swaps width/height for
	// 90/270.
	RotationDegrees int

	// Natural pixel dimensions before the orientation transform.
	Width  int
	Height int
}

// RenderSize returns the effective display dimensions after the clip's
// orientation transform. A 90- or 270-degree rotation swaps the axes.
func (c MediaClip) RenderSize() (w, h int) {
	if c.RotationDegrees == 90 || c.RotationDegrees == 270 {
		return c.Height, c.Width
	}
	return c.Width, c.Height
}

// Segment places a range of a source clip at a point on the timeline.
type Segment struct {
	Source MediaClip

	// SourceStart/SourceDuration define the range of the source clip
	// this segment plays.
	SourceStart    time.Duration
	SourceDuration time.Duration

	// InsertionPoint is where the segment begins on the output timeline.
	InsertionPoint time.Duration

	// Reversed marks a mirrored-reversed repetition (pingpong style).
	Reversed bool
}

// Composition is the full track timeline handed to the exporter.
//
// Invariants: video segments tile the timeline with no overlap and sum to
// the target duration within one frame tick; the audio track holds exactly
// one segment of its native duration anchored at time zero.
type Composition struct {
	Video          []Segment
	Audio          []Segment
	TargetDuration time.Duration
	FrameRate      int
}

// FrameTick is the duration of one output frame, the tolerance for the
// duration invariant.
func (c *Composition) FrameTick() time.Duration {
	fps := c.FrameRate
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

// VideoDuration returns the summed duration of all video segments.
func (c *Composition) VideoDuration() time.Duration {
	var total time.Duration
	for _, s := range c.Video {
		total += s.SourceDuration
	}
	return total
}

// RenderSize returns the output dimensions, derived from the first video
// segment's source clip after its orientation transform.
func (c *Composition) RenderSize() (w, h int) {
	if len(c.Video) == 0 {
		return 0, 0
	}
	return c.Video[0].Source.RenderSize()
}
