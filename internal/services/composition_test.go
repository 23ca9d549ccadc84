package services

import (
	"errors"
	"testing"
	"time"

	"github.com/echolab/reelcraft/internal/models"
)

func videoClip(d time.Duration) models.MediaClip {
	return models.MediaClip{
		SourceLocator: "base.mp4",
		Duration:      d,
		Kind:          models.TrackVideo,
		Width:         1080,
		Height:        1920,
	}
}

func audioClip(d time.Duration) models.MediaClip {
	return models.MediaClip{
		SourceLocator: "narration.m4a",
		Duration:      d,
		Kind:          models.TrackAudio,
	}
}

// Scenario: 5s base clip, 13s narration, forward style. Exactly two full
// insertions plus one 3s truncated insertion.
func TestBuildCompositionLoopsAndTruncates(t *testing.T) {
	comp, err := BuildComposition(videoClip(5*time.Second), audioClip(13*time.Second), models.LoopForward, 30)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if len(comp.Video) != 3 {
		t.Fatalf("segments = %d, want 3", len(comp.Video))
	}

	wantDurations := []time.Duration{5 * time.Second, 5 * time.Second, 3 * time.Second}
	wantInserts := []time.Duration{0, 5 * time.Second, 10 * time.Second}
	for i, seg := range comp.Video {
		if seg.SourceDuration != wantDurations[i] {
			t.Errorf("segment %d duration = %v, want %v", i, seg.SourceDuration, wantDurations[i])
		}
		if seg.InsertionPoint != wantInserts[i] {
			t.Errorf("segment %d insertion point = %v, want %v", i, seg.InsertionPoint, wantInserts[i])
		}
		if seg.Reversed {
			t.Errorf("segment %d reversed under forward style", i)
		}
	}

	if comp.VideoDuration() != 13*time.Second {
		t.Errorf("total = %v, want 13s", comp.VideoDuration())
	}
}

// Property: for arbitrary targets and base durations the video track sums
// to the target within one frame tick, including non-integer multiples.
func TestBuildCompositionDurationProperty(t *testing.T) {
	bases := []time.Duration{
		700 * time.Millisecond,
		time.Second,
		3300 * time.Millisecond,
		5 * time.Second,
		17 * time.Second,
	}
	targets := []time.Duration{
		333 * time.Millisecond,
		time.Second,
		4700 * time.Millisecond,
		13 * time.Second,
		61500 * time.Millisecond,
	}

	for _, b := range bases {
		for _, target := range targets {
			comp, err := BuildComposition(videoClip(b), audioClip(target), models.LoopForward, 30)
			if err != nil {
				t.Fatalf("base=%v target=%v: %v", b, target, err)
			}

			diff := comp.VideoDuration() - target
			if diff < 0 {
				diff = -diff
			}
			if diff > comp.FrameTick() {
				t.Errorf("base=%v target=%v: total %v off by %v (> one frame)", b, target, comp.VideoDuration(), diff)
			}

			// Segments must tile the timeline with no overlap.
			var cursor time.Duration
			for i, seg := range comp.Video {
				if seg.InsertionPoint != cursor {
					t.Fatalf("base=%v target=%v: segment %d at %v, want %v", b, target, i, seg.InsertionPoint, cursor)
				}
				cursor += seg.SourceDuration
			}
		}
	}
}

func TestBuildCompositionPingPongAlternates(t *testing.T) {
	comp, err := BuildComposition(videoClip(4*time.Second), audioClip(15*time.Second), models.LoopPingPong, 30)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if len(comp.Video) != 4 {
		t.Fatalf("segments = %d, want 4", len(comp.Video))
	}

	for i, seg := range comp.Video {
		wantReversed := i%2 == 1
		if seg.Reversed != wantReversed {
			t.Errorf("segment %d reversed = %v, want %v", i, seg.Reversed, wantReversed)
		}
	}
}

func TestBuildCompositionAudioAnchoredAtZero(t *testing.T) {
	narration := audioClip(9300 * time.Millisecond)
	comp, err := BuildComposition(videoClip(5*time.Second), narration, models.LoopForward, 30)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if len(comp.Audio) != 1 {
		t.Fatalf("audio segments = %d, want exactly 1", len(comp.Audio))
	}
	seg := comp.Audio[0]
	if seg.InsertionPoint != 0 {
		t.Errorf("audio insertion point = %v, want 0", seg.InsertionPoint)
	}
	if seg.SourceDuration != narration.Duration {
		t.Errorf("audio duration = %v, want native %v", seg.SourceDuration, narration.Duration)
	}
	if comp.TargetDuration != narration.Duration {
		t.Errorf("target = %v, want narration duration %v", comp.TargetDuration, narration.Duration)
	}
}

func TestBuildCompositionMissingTracks(t *testing.T) {
	var assetErr *models.AssetError

	// Audio clip where a video track is expected.
	_, err := BuildComposition(audioClip(5*time.Second), audioClip(10*time.Second), models.LoopForward, 30)
	if !errors.As(err, &assetErr) {
		t.Errorf("got %v, want AssetError", err)
	}

	// Video clip where the narration should be.
	_, err = BuildComposition(videoClip(5*time.Second), videoClip(10*time.Second), models.LoopForward, 30)
	if !errors.As(err, &assetErr) {
		t.Errorf("got %v, want AssetError", err)
	}

	// Zero-length base clip.
	_, err = BuildComposition(videoClip(0), audioClip(10*time.Second), models.LoopForward, 30)
	if !errors.As(err, &assetErr) {
		t.Errorf("got %v, want AssetError", err)
	}
}
