package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStageTerminal(t *testing.T) {
	nonTerminal := []Stage{
		StageNotStarted,
		StageRequestingGeneration,
		StageWaitingForRemoteJob,
		StageDownloadingResult,
		StageBuildingComposition,
		StageApplyingWatermark,
		StageEncoding,
		StageUploading,
	}

	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("stage %s should not be terminal", s)
		}
	}

	if !StageCompleted.Terminal() {
		t.Error("completed should be terminal")
	}
	if !StageFailed.Terminal() {
		t.Error("failed should be terminal")
	}
}

func TestParseLoopStyle(t *testing.T) {
	tests := []struct {
		in      string
		want    LoopStyle
		wantErr bool
	}{
		{"", LoopForward, false},
		{"forward", LoopForward, false},
		{"pingpong", LoopPingPong, false},
		{"reverse", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLoopStyle(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLoopStyle(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLoopStyle(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLoopStyle(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRenderSizeRespectsRotation(t *testing.T) {
	clip := MediaClip{Width: 1920, Height: 1080}

	w, h := clip.RenderSize()
	if w != 1920 || h != 1080 {
		t.Errorf("unrotated: got %dx%d", w, h)
	}

	clip.RotationDegrees = 90
	w, h = clip.RenderSize()
	if w != 1080 || h != 1920 {
		t.Errorf("90 degrees: got %dx%d, want 1080x1920", w, h)
	}

	clip.RotationDegrees = 180
	w, h = clip.RenderSize()
	if w != 1920 || h != 1080 {
		t.Errorf("180 degrees: got %dx%d", w, h)
	}

	clip.RotationDegrees = 270
	w, h = clip.RenderSize()
	if w != 1080 || h != 1920 {
		t.Errorf("270 degrees: got %dx%d, want 1080x1920", w, h)
	}
}

func TestCompositionVideoDuration(t *testing.T) {
	comp := &Composition{
		Video: []Segment{
			{SourceDuration: 5 * time.Second},
			{SourceDuration: 5 * time.Second},
			{SourceDuration: 3 * time.Second},
		},
		TargetDuration: 13 * time.Second,
		FrameRate:      30,
	}

	if got := comp.VideoDuration(); got != 13*time.Second {
		t.Errorf("video duration = %v, want 13s", got)
	}
	if got := comp.FrameTick(); got != time.Second/30 {
		t.Errorf("frame tick = %v, want %v", got, time.Second/30)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	var netErr *NetworkError
	wrapped := fmt.Errorf("submit: %w", &NetworkError{Op: "submit", Err: errors.New("connection refused")})
	if !errors.As(wrapped, &netErr) {
		t.Fatal("expected NetworkError through wrapping")
	}
	if netErr.Op != "submit" {
		t.Errorf("op = %s", netErr.Op)
	}

	var apiErr *RemoteAPIError
	err := fmt.Errorf("poll: %w", &RemoteAPIError{Status: 502, Message: "bad gateway"})
	if !errors.As(err, &apiErr) {
		t.Fatal("expected RemoteAPIError through wrapping")
	}
	if apiErr.Status != 502 {
		t.Errorf("status = %d", apiErr.Status)
	}

	if !errors.Is(fmt.Errorf("await: %w", ErrTimedOut), ErrTimedOut) {
		t.Error("expected ErrTimedOut through wrapping")
	}

	var expErr *ExportError
	if !errors.As(&ExportError{Reason: "cancelled"}, &expErr) {
		t.Fatal("expected ExportError")
	}
	if expErr.Reason != "cancelled" {
		t.Errorf("reason = %s", expErr.Reason)
	}
}
