package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/echolab/reelcraft/internal/models"
)

// ---------------------------------------------------------------------------
// Veo generation backend.
// Alternate Generator implementation on the Google Gen AI SDK. The SDK
// polls operations by handle rather than by id over plain REST, so the
// in-flight operation is kept in a table keyed by its name. The output is
// downloaded on our side and handed to the pipeline as a file:// locator.
// ---------------------------------------------------------------------------

type VeoGenerator struct {
	apiKey  string
	model   string
	tempDir string
	cfg     PollConfig

	mu  sync.Mutex
	ops map[string]*genai.GenerateVideosOperation
}

var _ Generator = (*VeoGenerator)(nil)

func NewVeoGenerator(apiKey, model, tempDir string, cfg PollConfig) *VeoGenerator {
	return &VeoGenerator{
		apiKey:  apiKey,
		model:   model,
		tempDir: tempDir,
		cfg:     cfg,
		ops:     make(map[string]*genai.GenerateVideosOperation),
	}
}

// Submit starts a Veo generation and returns the operation name as the
// job id.
func (g *VeoGenerator) Submit(ctx context.Context, description, style string) (string, error) {
	if description == "" {
		return "", fmt.Errorf("%w: description is required", models.ErrInvalidInput)
	}
	if style == "" {
		return "", fmt.Errorf("%w: style is required", models.ErrInvalidInput)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", &models.NetworkError{Op: "submit", Err: err}
	}

	prompt := fmt.Sprintf("%s\n\nVisual style: %s. Gentle, grounded motion suitable for a looping background. Silent video only — no generated audio.", description, style)

	config := &genai.GenerateVideosConfig{
		AspectRatio:    "9:16",
		NumberOfVideos: 1,
	}

	operation, err := client.Models.GenerateVideos(ctx, g.model, prompt, nil, config)
	if err != nil {
		return "", &models.RemoteAPIError{Message: fmt.Sprintf("failed to start generation: %v", err)}
	}

	g.mu.Lock()
	g.ops[operation.Name] = operation
	g.mu.Unlock()

	log.Printf("[Veo] Operation started: %s", operation.Name)
	return operation.Name, nil
}

// AwaitCompletion polls the operation until done, racing the polling loop
// against the wall-clock timer the same way the REST client does.
func (g *VeoGenerator) AwaitCompletion(ctx context.Context, jobID string) (string, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		locator string
		err     error
	}
	slot := make(chan outcome, 1)

	go func() {
		locator, err := g.pollOperation(raceCtx, jobID)
		select {
		case slot <- outcome{locator, err}:
		default:
		}
	}()

	go func() {
		timer := time.NewTimer(g.cfg.Timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case slot <- outcome{"", fmt.Errorf("%w after %v (operation=%s)", models.ErrTimedOut, g.cfg.Timeout, jobID)}:
			default:
			}
		case <-raceCtx.Done():
		}
	}()

	select {
	case out := <-slot:
		return out.locator, out.err
	case <-ctx.Done():
		return "", fmt.Errorf("generation wait cancelled: %w", ctx.Err())
	}
}

func (g *VeoGenerator) pollOperation(ctx context.Context, jobID string) (string, error) {
	g.mu.Lock()
	operation, ok := g.ops[jobID]
	g.mu.Unlock()
	if !ok {
		return "", &models.RemoteAPIError{Message: fmt.Sprintf("unknown operation %s", jobID)}
	}
	defer func() {
		g.mu.Lock()
		delete(g.ops, jobID)
		g.mu.Unlock()
	}()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", &models.NetworkError{Op: "poll", Err: err}
	}

	interval := g.cfg.BaseInterval
	for attempt := 1; !operation.Done; attempt++ {
		if attempt > g.cfg.MaxAttempts {
			return "", fmt.Errorf("%w: poll attempt budget exhausted (%d attempts, operation=%s)", models.ErrTimedOut, g.cfg.MaxAttempts, jobID)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("generation wait cancelled: %w", ctx.Err())
		case <-time.After(interval):
		}
		interval = g.cfg.NextInterval(interval)

		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return "", &models.NetworkError{Op: "poll", Err: err}
		}
		log.Printf("[Veo] Poll %d: done=%v", attempt, operation.Done)
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return "", &models.RemoteAPIError{Message: string(errJSON)}
	}
	if operation.Response == nil || len(operation.Response.GeneratedVideos) == 0 {
		return "", &models.RemoteAPIError{Message: fmt.Sprintf("operation %s completed without a video", jobID)}
	}

	video := operation.Response.GeneratedVideos[0]
	if video.Video == nil {
		return "", &models.RemoteAPIError{Message: "generated video object is nil"}
	}

	log.Printf("[Veo] Video ready, downloading...")

	videoBytes, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video.Video), nil)
	if err != nil {
		return "", &models.NetworkError{Op: "download", Err: err}
	}
	if len(videoBytes) == 0 {
		return "", &models.RemoteAPIError{Message: "downloaded video is empty (0 bytes)"}
	}

	dest := filepath.Join(g.tempDir, fmt.Sprintf("veo_%d.mp4", time.Now().UnixNano()))
	if err := os.WriteFile(dest, videoBytes, 0644); err != nil {
		return "", fmt.Errorf("failed to write downloaded video: %w", err)
	}

	return "file://" + dest, nil
}
