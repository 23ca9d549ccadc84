package services

import (
	"fmt"

	"github.com/echolab/reelcraft/internal/models"
)

// BuildComposition lays a short base clip out on the video track until it
// exactly covers the narration, then anchors the narration on the audio
// track.
//
// Starting at time zero, a segment of min(remaining, baseDuration) is
// inserted at the current insertion point and the point advances by the
// inserted length. The final segment is truncated rather than looping past
// the target, so the video track never overshoots the narration. With the
// pingpong style every other repetition is mirrored-reversed, which hides
// the restart seam; forward is the default.
//
// The target duration is the narration's own duration. The audio track
// receives exactly one segment of that duration anchored at time zero.
func BuildComposition(baseClip, audioClip models.MediaClip, loopStyle models.LoopStyle, frameRate int) (*models.Composition, error) {
	if baseClip.Kind != models.TrackVideo {
		return nil, &models.AssetError{Locator: baseClip.SourceLocator, Reason: "missing video track"}
	}
	if audioClip.Kind != models.TrackAudio {
		return nil, &models.AssetError{Locator: audioClip.SourceLocator, Reason: "missing audio track"}
	}
	if baseClip.Duration <= 0 {
		return nil, &models.AssetError{Locator: baseClip.SourceLocator, Reason: "zero-length clip"}
	}
	if audioClip.Duration <= 0 {
		return nil, &models.AssetError{Locator: audioClip.SourceLocator, Reason: "zero-length narration"}
	}

	target := audioClip.Duration

	comp := &models.Composition{
		TargetDuration: target,
		FrameRate:      frameRate,
	}

	remaining := target
	insertAt := target - remaining
	for i := 0; remaining > 0; i++ {
		length := baseClip.Duration
		if remaining < length {
			length = remaining
		}

		comp.Video = append(comp.Video, models.Segment{
			Source:         baseClip,
			SourceStart:    0,
			SourceDuration: length,
			InsertionPoint: insertAt,
			Reversed:       loopStyle == models.LoopPingPong && i%2 == 1,
		})

		insertAt += length
		remaining -= length
	}

	comp.Audio = []models.Segment{{
		Source:         audioClip,
		SourceStart:    0,
		SourceDuration: audioClip.Duration,
		InsertionPoint: 0,
	}}

	// Total video duration equals the target by construction; drifting
	// beyond one frame tick is a bug in the loop above, not a runtime
	// condition callers should handle.
	if diff := comp.VideoDuration() - target; diff > comp.FrameTick() || diff < -comp.FrameTick() {
		panic(fmt.Sprintf("composition duration %v diverged from target %v", comp.VideoDuration(), target))
	}

	return comp, nil
}
