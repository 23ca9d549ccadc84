package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/echolab/reelcraft/internal/models"
)

// ---------------------------------------------------------------------------
// Exporter.
// Encodes a composition to an MP4: ffmpeg decodes the segment timeline to
// raw RGBA frames on a pipe, the frame transform (watermark) runs in Go on
// every frame, and a second ffmpeg process encodes the result with the
// narration audio. Progress is a polled value, not a push callback.
// ---------------------------------------------------------------------------

// ExportStatus is the terminal (or running) state of an export job.
type ExportStatus string

const (
	ExportRunning   ExportStatus = "running"
	ExportCompleted ExportStatus = "completed"
	ExportFailed    ExportStatus = "failed"
	ExportCancelled ExportStatus = "cancelled"
	ExportUnknown   ExportStatus = "unknown"
)

// bitsPerPixelConstant drives the computed bitrate for tiers without a
// fixed preset bitrate: pixels × bpp × fps × multiplier.
const bitsPerPixelConstant = 0.1

const (
	minBitrate = 1_000_000
	maxBitrate = 8_000_000
)

// tierSettings maps a quality tier onto an x264 preset and a bitrate
// multiplier.
type tierSettings struct {
	preset     string
	multiplier float64
}

var qualityTiers = map[models.QualityTier]tierSettings{
	models.QualityHigh:   {preset: "slow", multiplier: 1.5},
	models.QualityMedium: {preset: "medium", multiplier: 1.0},
	models.QualityLow:    {preset: "veryfast", multiplier: 0.5},
}

// targetBitrate computes the encoder bitrate for the given dimensions,
// frame rate and tier, clamped to the allowed range.
func targetBitrate(width, height, fps int, tier models.QualityTier) int {
	settings, ok := qualityTiers[tier]
	if !ok {
		settings = qualityTiers[models.QualityMedium]
	}

	bitrate := int(float64(width*height) * bitsPerPixelConstant * float64(fps) * settings.multiplier)
	if bitrate < minBitrate {
		bitrate = minBitrate
	}
	if bitrate > maxBitrate {
		bitrate = maxBitrate
	}
	return bitrate
}

type Exporter struct {
	tempDir string
}

func NewExporter(tempDir string) *Exporter {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}
	return &Exporter{tempDir: tempDir}
}

// CreateTempFile returns a path for an intermediate file in the
// exporter's temp directory.
func (e *Exporter) CreateTempFile(filename string) string {
	return filepath.Join(e.tempDir, filename)
}

// Cleanup removes temporary files. Best-effort: it never reports an
// error, so it cannot mask whatever caused the pipeline to unwind.
func (e *Exporter) Cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}

// ExportJob is a running export. The composition and frame transform it
// was started with stay referenced until the job finishes.
type ExportJob struct {
	outputPath  string
	totalFrames int64

	framesDone int64 // atomic

	mu     sync.Mutex
	status ExportStatus
	err    error

	done   chan struct{}
	cancel context.CancelFunc
}

// Progress reports the fraction of frames encoded so far, in [0,1].
// Observers poll this value; granularity is as coarse as the polling
// interval.
func (j *ExportJob) Progress() float64 {
	if j.totalFrames == 0 {
		return 0
	}
	p := float64(atomic.LoadInt64(&j.framesDone)) / float64(j.totalFrames)
	if p > 1 {
		p = 1
	}
	return p
}

// Status returns the job's current status.
func (j *ExportJob) Status() ExportStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Cancel aborts a running export. The partial output file is discarded.
func (j *ExportJob) Cancel() {
	j.cancel()
}

// Wait blocks until the job reaches a terminal status and returns the
// output path. Any status other than completed surfaces as an
// ExportError carrying that status as its reason.
func (j *ExportJob) Wait() (string, error) {
	<-j.done

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status == ExportCompleted {
		return j.outputPath, nil
	}
	return "", &models.ExportError{Reason: string(j.status), Err: j.err}
}

// Start launches an asynchronous export of comp with the given per-frame
// transform and quality tier. All inputs must stay live until Wait
// returns.
func (e *Exporter) Start(ctx context.Context, comp *models.Composition, transform models.FrameTransform, tier models.QualityTier) (*ExportJob, error) {
	if len(comp.Video) == 0 || len(comp.Audio) != 1 {
		return nil, &models.ExportError{Reason: "failed", Err: fmt.Errorf("composition needs video segments and exactly one audio segment")}
	}
	if transform == nil {
		transform = models.IdentityTransform
	}

	width, height := comp.RenderSize()
	if width <= 0 || height <= 0 {
		return nil, &models.ExportError{Reason: "failed", Err: fmt.Errorf("composition has no render size")}
	}
	fps := comp.FrameRate
	if fps <= 0 {
		fps = 30
	}

	jobCtx, cancel := context.WithCancel(ctx)
	// One output file per job: concurrent exports must never share a path,
	// or a cancelled render would delete another render's frames.
	job := &ExportJob{
		outputPath:  e.CreateTempFile(fmt.Sprintf("export_%s.mp4", uuid.New())),
		totalFrames: int64(comp.TargetDuration.Seconds()*float64(fps) + 0.5),
		status:      ExportRunning,
		done:        make(chan struct{}),
		cancel:      cancel,
	}

	go func() {
		defer close(job.done)
		err := e.run(jobCtx, comp, transform, tier, width, height, fps, job)

		job.mu.Lock()
		defer job.mu.Unlock()
		switch {
		case err == nil:
			job.status = ExportCompleted
		case jobCtx.Err() != nil:
			job.status = ExportCancelled
			job.err = err
			os.Remove(job.outputPath) // Never leave a partial file behind.
		case errors.Is(err, errExportUnknown):
			job.status = ExportUnknown
			job.err = err
			os.Remove(job.outputPath)
		default:
			job.status = ExportFailed
			job.err = err
			os.Remove(job.outputPath)
		}
	}()

	return job, nil
}

// errExportUnknown marks an encoder exit we could not classify.
var errExportUnknown = errors.New("encoder finished in an unknown state")

// run drives the decode → transform → encode pipeline to completion.
func (e *Exporter) run(ctx context.Context, comp *models.Composition, transform models.FrameTransform, tier models.QualityTier, width, height, fps int, job *ExportJob) error {
	settings, ok := qualityTiers[tier]
	if !ok {
		settings = qualityTiers[models.QualityMedium]
	}
	bitrate := targetBitrate(width, height, fps, tier)

	baseClip := comp.Video[0].Source
	narration := comp.Audio[0].Source

	log.Printf("[Export] Encoding %dx%d@%dfps, tier=%s, preset=%s, bitrate=%d, frames=%d",
		width, height, fps, tier, settings.preset, bitrate, job.totalFrames)

	// Decoder: realize the segment timeline as raw RGBA frames on stdout.
	decode := exec.CommandContext(ctx, "ffmpeg",
		"-i", baseClip.SourceLocator,
		"-filter_complex", buildFilterGraph(comp, width, height, fps),
		"-map", "[vout]",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
	decodeOut, err := decode.StdoutPipe()
	if err != nil {
		return fmt.Errorf("decoder stdout pipe: %w", err)
	}
	decode.Stderr = io.Discard

	// Encoder: raw RGBA frames on stdin, narration as the audio track.
	encode := exec.CommandContext(ctx, "ffmpeg",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", fmt.Sprintf("%d", fps),
		"-i", "pipe:0",
		"-i", narration.SourceLocator,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "libx264",
		"-preset", settings.preset,
		"-b:v", fmt.Sprintf("%d", bitrate),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y",
		job.outputPath,
	)
	encodeIn, err := encode.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder stdin pipe: %w", err)
	}
	encode.Stderr = io.Discard

	if err := decode.Start(); err != nil {
		return fmt.Errorf("failed to start decoder: %w", err)
	}
	if err := encode.Start(); err != nil {
		decode.Process.Kill()
		decode.Wait()
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	frameSize := width * height * 4
	buf := make([]byte, frameSize)
	pumpErr := func() error {
		defer encodeIn.Close()
		for {
			if _, err := io.ReadFull(decodeOut, buf); err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return nil // Decoder finished the timeline.
				}
				return fmt.Errorf("reading decoded frame: %w", err)
			}

			frame := &image.RGBA{Pix: buf, Stride: width * 4, Rect: image.Rect(0, 0, width, height)}
			out := transform(frame)

			if _, err := encodeIn.Write(out.Pix); err != nil {
				return fmt.Errorf("writing frame to encoder: %w", err)
			}
			atomic.AddInt64(&job.framesDone, 1)
		}
	}()

	decodeErr := decode.Wait()
	encodeErr := encode.Wait()

	if ctx.Err() != nil {
		return fmt.Errorf("export cancelled: %w", ctx.Err())
	}
	if pumpErr != nil {
		return pumpErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decoder failed: %w", decodeErr)
	}
	if encodeErr != nil {
		return fmt.Errorf("encoder failed: %w", encodeErr)
	}
	if atomic.LoadInt64(&job.framesDone) == 0 {
		return fmt.Errorf("%w: no frames produced", errExportUnknown)
	}
	return nil
}

// buildFilterGraph turns the composition's video segments into an ffmpeg
// filter_complex chain: each segment is trimmed (and reversed for
// mirrored repetitions), the pieces are concatenated, and the result is
// scaled to the render size at the output frame rate.
func buildFilterGraph(comp *models.Composition, width, height, fps int) string {
	var b strings.Builder
	labels := make([]string, len(comp.Video))

	for i, seg := range comp.Video {
		labels[i] = fmt.Sprintf("[v%d]", i)
		if seg.Reversed {
			// Reverse first so the trimmed piece starts at the seam where
			// the previous forward repetition ended.
			fmt.Fprintf(&b, "[0:v]reverse,trim=duration=%.4f,setpts=PTS-STARTPTS%s;",
				seg.SourceDuration.Seconds(), labels[i])
		} else {
			fmt.Fprintf(&b, "[0:v]trim=start=%.4f:duration=%.4f,setpts=PTS-STARTPTS%s;",
				seg.SourceStart.Seconds(), seg.SourceDuration.Seconds(), labels[i])
		}
	}

	fmt.Fprintf(&b, "%sconcat=n=%d:v=1:a=0,scale=%d:%d,fps=%d,format=rgba[vout]",
		strings.Join(labels, ""), len(comp.Video), width, height, fps)

	return b.String()
}
