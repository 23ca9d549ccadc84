package pipeline

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/echolab/reelcraft/internal/models"
	"github.com/echolab/reelcraft/internal/services"
)

// ---------------------------------------------------------------------------
// Render pipeline.
// Drives one narration through the full chain: transcribe, request a
// generated base clip, wait for it, loop it to narration length, stamp
// the watermark, encode, upload. Stage transitions are reported through
// the OnStage hook so the caller can persist them; a failure is returned
// as a StageError naming the stage that broke.
// ---------------------------------------------------------------------------

// StageError pairs a pipeline failure with the stage it happened in.
type StageError struct {
	Stage models.Stage
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline failed during %s: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

// AssetStore fetches and probes media for the pipeline.
type AssetStore interface {
	FetchGenerated(ctx context.Context, locator string) (models.MediaClip, error)
	LoadNarration(ctx context.Context, path string) (models.MediaClip, error)
}

// Transcriber turns narration audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, narrationPath string) (string, error)
	SuggestTitle(ctx context.Context, transcript string) (string, error)
}

// OverlayMaker renders the watermark overlay for a given render size.
type OverlayMaker interface {
	MakeOverlay(date time.Time, title string, renderW, renderH int) (*image.RGBA, error)
}

// ExportHandle is a running encode.
type ExportHandle interface {
	Progress() float64
	Cancel()
	Wait() (string, error)
}

// Encoder starts encodes.
type Encoder interface {
	Start(ctx context.Context, comp *models.Composition, transform models.FrameTransform, tier models.QualityTier) (ExportHandle, error)
}

// ArtifactUploader moves a finished video into durable storage.
type ArtifactUploader interface {
	Upload(ctx context.Context, userID, artifactID uuid.UUID, srcPath string) (string, error)
}

type exporterAdapter struct {
	e *services.Exporter
}

var (
	_ Encoder      = exporterAdapter{}
	_ ExportHandle = (*services.ExportJob)(nil)
)

func (a exporterAdapter) Start(ctx context.Context, comp *models.Composition, transform models.FrameTransform, tier models.QualityTier) (ExportHandle, error) {
	job, err := a.e.Start(ctx, comp, transform, tier)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// NewServiceEncoder wraps the ffmpeg exporter as an Encoder.
func NewServiceEncoder(e *services.Exporter) Encoder {
	return exporterAdapter{e}
}

// Request is one artifact render.
type Request struct {
	ArtifactID uuid.UUID
	UserID     uuid.UUID

	NarrationPath string
	Style         string
	Title         *string
	LoopStyle     models.LoopStyle
	Quality       models.QualityTier

	// OnStage is called on every stage transition, including StageFailed.
	// May be nil.
	OnStage func(models.Stage)
}

// Result is a completed render.
type Result struct {
	RemoteURL string
	Title     string
}

type Pipeline struct {
	generator   services.Generator
	assets      AssetStore
	transcriber Transcriber
	overlays    OverlayMaker
	encoder     Encoder
	uploader    ArtifactUploader
	frameRate   int

	mu      sync.Mutex
	encodes map[uuid.UUID]ExportHandle
}

func New(generator services.Generator, assets AssetStore, transcriber Transcriber, overlays OverlayMaker, encoder Encoder, uploader ArtifactUploader, frameRate int) *Pipeline {
	return &Pipeline{
		generator:   generator,
		assets:      assets,
		transcriber: transcriber,
		overlays:    overlays,
		encoder:     encoder,
		uploader:    uploader,
		frameRate:   frameRate,
		encodes:     make(map[uuid.UUID]ExportHandle),
	}
}

// ExportProgress reports the encode fraction for an artifact whose
// render is currently in the encoding stage.
func (p *Pipeline) ExportProgress(artifactID uuid.UUID) (float64, bool) {
	p.mu.Lock()
	job, ok := p.encodes[artifactID]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	return job.Progress(), true
}

func (p *Pipeline) trackEncode(artifactID uuid.UUID, job ExportHandle) {
	p.mu.Lock()
	p.encodes[artifactID] = job
	p.mu.Unlock()
}

func (p *Pipeline) untrackEncode(artifactID uuid.UUID) {
	p.mu.Lock()
	delete(p.encodes, artifactID)
	p.mu.Unlock()
}

const encodePollInterval = 100 * time.Millisecond

// observeEncode samples the running encode and logs each 10% step so a
// long export is visible in the logs. Stops when done is closed.
func (p *Pipeline) observeEncode(artifactID uuid.UUID, job ExportHandle, done <-chan struct{}) {
	ticker := time.NewTicker(encodePollInterval)
	defer ticker.Stop()
	lastDecile := -1
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if d := int(job.Progress() * 10); d > lastDecile {
				lastDecile = d
				log.Printf("[Pipeline] %s: encoding %d%%", artifactID, d*10)
			}
		}
	}
}

// Run executes the full render. On failure the artifact's intermediate
// files are cleaned up best-effort and a StageError is returned; nothing
// is ever uploaded for a failed render.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	stage := models.StageNotStarted
	advance := func(next models.Stage) {
		stage = next
		log.Printf("[Pipeline] %s: stage %s", req.ArtifactID, next)
		if req.OnStage != nil {
			req.OnStage(next)
		}
	}
	fail := func(err error) (*Result, error) {
		failedAt := stage
		advance(models.StageFailed)
		return nil, &StageError{Stage: failedAt, Cause: err}
	}

	// Transcribe and probe the narration concurrently; both only need
	// the local file.
	advance(models.StageRequestingGeneration)

	var narration models.MediaClip
	var transcript string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clip, err := p.assets.LoadNarration(gctx, req.NarrationPath)
		if err != nil {
			return err
		}
		narration = clip
		return nil
	})
	g.Go(func() error {
		text, err := p.transcriber.Transcribe(gctx, req.NarrationPath)
		if err != nil {
			return err
		}
		transcript = text
		return nil
	})
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	jobID, err := p.generator.Submit(ctx, transcript, req.Style)
	if err != nil {
		return fail(err)
	}

	// Title suggestion runs while the remote job renders; it never fails
	// the pipeline.
	title := ""
	if req.Title != nil {
		title = *req.Title
	}
	titleCh := make(chan string, 1)
	if title == "" {
		go func() {
			suggested, err := p.transcriber.SuggestTitle(ctx, transcript)
			if err != nil {
				log.Printf("[Pipeline] %s: title suggestion failed: %v", req.ArtifactID, err)
				titleCh <- ""
				return
			}
			titleCh <- suggested
		}()
	} else {
		titleCh <- title
	}

	advance(models.StageWaitingForRemoteJob)
	locator, err := p.generator.AwaitCompletion(ctx, jobID)
	if err != nil {
		return fail(err)
	}

	advance(models.StageDownloadingResult)
	baseClip, err := p.assets.FetchGenerated(ctx, locator)
	if err != nil {
		return fail(err)
	}
	defer p.discard(baseClip.SourceLocator)

	advance(models.StageBuildingComposition)
	comp, err := services.BuildComposition(baseClip, narration, req.LoopStyle, p.frameRate)
	if err != nil {
		return fail(err)
	}

	advance(models.StageApplyingWatermark)
	select {
	case title = <-titleCh:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	renderW, renderH := comp.RenderSize()
	var transform models.FrameTransform = models.IdentityTransform
	overlay, err := p.overlays.MakeOverlay(time.Now(), title, renderW, renderH)
	if err != nil {
		// The watermark never aborts a render; ship the frames unmarked.
		log.Printf("[Pipeline] %s: watermark overlay failed, exporting without it: %v", req.ArtifactID, err)
	} else {
		transform = services.ApplyOverlay(overlay)
	}

	advance(models.StageEncoding)
	job, err := p.encoder.Start(ctx, comp, transform, req.Quality)
	if err != nil {
		return fail(err)
	}
	p.trackEncode(req.ArtifactID, job)
	encodeDone := make(chan struct{})
	go p.observeEncode(req.ArtifactID, job, encodeDone)
	outputPath, err := job.Wait()
	close(encodeDone)
	p.untrackEncode(req.ArtifactID)
	if err != nil {
		return fail(err)
	}
	defer p.discard(outputPath)

	advance(models.StageUploading)
	remoteURL, err := p.uploader.Upload(ctx, req.UserID, req.ArtifactID, outputPath)
	if err != nil {
		return fail(err)
	}

	advance(models.StageCompleted)
	return &Result{RemoteURL: remoteURL, Title: title}, nil
}

// discard removes an intermediate file, best-effort.
func (p *Pipeline) discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[Pipeline] Failed to remove %s: %v", path, err)
	}
}
