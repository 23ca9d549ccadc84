package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/echolab/reelcraft/internal/models"
)

func TestTargetBitrateClamp(t *testing.T) {
	// Tiny frame: raw product far below the floor.
	if got := targetBitrate(160, 90, 30, models.QualityLow); got != minBitrate {
		t.Errorf("tiny frame bitrate = %d, want floor %d", got, minBitrate)
	}

	// 4K at the high tier blows past the ceiling.
	if got := targetBitrate(2160, 3840, 30, models.QualityHigh); got != maxBitrate {
		t.Errorf("4k bitrate = %d, want ceiling %d", got, maxBitrate)
	}

	// 1080x1920 medium lands inside the range: pixels × 0.1 × 30.
	got := targetBitrate(1080, 1920, 30, models.QualityMedium)
	want := int(float64(1080*1920) * bitsPerPixelConstant * 30)
	if got != want {
		t.Errorf("medium bitrate = %d, want %d", got, want)
	}
	if got <= minBitrate || got >= maxBitrate {
		t.Errorf("medium bitrate %d should fall inside the clamp range", got)
	}
}

func TestTargetBitrateTierOrdering(t *testing.T) {
	low := targetBitrate(1080, 1920, 30, models.QualityLow)
	med := targetBitrate(1080, 1920, 30, models.QualityMedium)
	high := targetBitrate(1080, 1920, 30, models.QualityHigh)

	if !(low < med && med <= high) {
		t.Errorf("tier bitrates not ordered: low=%d med=%d high=%d", low, med, high)
	}
}

func TestBuildFilterGraph(t *testing.T) {
	base := videoClip(5 * time.Second)
	comp, err := BuildComposition(base, audioClip(13*time.Second), models.LoopForward, 30)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	graph := buildFilterGraph(comp, 1080, 1920, 30)

	if got := strings.Count(graph, "trim="); got != 3 {
		t.Errorf("trim count = %d, want 3", got)
	}
	if !strings.Contains(graph, "concat=n=3:v=1:a=0") {
		t.Errorf("graph missing 3-way concat: %s", graph)
	}
	if !strings.Contains(graph, "scale=1080:1920") {
		t.Errorf("graph missing scale: %s", graph)
	}
	if strings.Contains(graph, "reverse") {
		t.Errorf("forward style produced reversed segments: %s", graph)
	}
	if !strings.HasSuffix(graph, "[vout]") {
		t.Errorf("graph must end at [vout]: %s", graph)
	}
}

func TestBuildFilterGraphPingPong(t *testing.T) {
	comp, err := BuildComposition(videoClip(4*time.Second), audioClip(10*time.Second), models.LoopPingPong, 30)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	// Segments: 4s forward, 4s reversed, 2s forward.
	graph := buildFilterGraph(comp, 1080, 1920, 30)
	if got := strings.Count(graph, "reverse"); got != 1 {
		t.Errorf("reverse count = %d, want 1: %s", got, graph)
	}
}

func TestExportJobFrameBudgetMatchesDuration(t *testing.T) {
	comp, err := BuildComposition(videoClip(5*time.Second), audioClip(13*time.Second), models.LoopForward, 30)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	// 13s at 30fps: the frame budget equals the re-probed duration within
	// one frame.
	total := int64(comp.TargetDuration.Seconds()*float64(comp.FrameRate) + 0.5)
	if total != 390 {
		t.Errorf("total frames = %d, want 390", total)
	}

	job := &ExportJob{totalFrames: total}
	if p := job.Progress(); p != 0 {
		t.Errorf("initial progress = %f", p)
	}
	job.framesDone = 195
	if p := job.Progress(); p != 0.5 {
		t.Errorf("midway progress = %f, want 0.5", p)
	}
	job.framesDone = 400 // Encoder may emit a trailing frame; progress stays capped.
	if p := job.Progress(); p != 1 {
		t.Errorf("overrun progress = %f, want 1", p)
	}
}

func TestConcurrentExportsGetDistinctOutputFiles(t *testing.T) {
	e := &Exporter{tempDir: t.TempDir()}

	comp, err := BuildComposition(videoClip(5*time.Second), audioClip(13*time.Second), models.LoopForward, 30)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := e.Start(ctx, comp, nil, models.QualityMedium)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := e.Start(ctx, comp, nil, models.QualityMedium)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if first.outputPath == second.outputPath {
		t.Fatalf("concurrent exports share the output file %s", first.outputPath)
	}

	// A cancelled job must only discard its own output.
	cancel()
	first.Wait()
	second.Wait()
}

func TestExportStartRejectsBadComposition(t *testing.T) {
	e := &Exporter{tempDir: t.TempDir()}

	_, err := e.Start(context.Background(), &models.Composition{}, nil, models.QualityMedium)
	if err == nil {
		t.Fatal("expected error for empty composition")
	}
}
