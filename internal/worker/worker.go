package worker

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echolab/reelcraft/internal/db"
	"github.com/echolab/reelcraft/internal/models"
	"github.com/echolab/reelcraft/internal/pipeline"
	"github.com/echolab/reelcraft/internal/queue"
	"github.com/echolab/reelcraft/internal/services"
)

// Worker consumes render jobs off the queue and runs the pipeline for
// each. Stage transitions are persisted as they happen, so a client
// polling the artifact sees live progress.
type Worker struct {
	db       *db.DB
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
	assets   *services.AssetLoader

	maxConcurrent int
}

func New(database *db.DB, q *queue.Queue, p *pipeline.Pipeline, assets *services.AssetLoader, maxConcurrent int) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Worker{
		db:            database,
		queue:         q,
		pipeline:      p,
		assets:        assets,
		maxConcurrent: maxConcurrent,
	}
}

// Start blocks, dequeueing and dispatching jobs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[Worker] Started (max %d concurrent renders)", w.maxConcurrent)

	sem := make(chan struct{}, w.maxConcurrent)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			log.Println("[Worker] Shutting down, waiting for in-flight renders...")
			wg.Wait()
			log.Println("[Worker] Stopped")
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, queue.QueueRenderArtifact, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("[Worker] Dequeue error: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if job == nil {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Re-queue so another worker picks it up.
			if err := w.queue.EnqueueRenderArtifact(context.Background(), job.ArtifactID); err != nil {
				log.Printf("[Worker] Failed to re-queue %s: %v", job.ArtifactID, err)
			}
			continue
		}

		wg.Add(1)
		go func(job *queue.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.processJob(ctx, job)
		}(job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	log.Printf("[Worker] Processing render %s for artifact %s", job.ID, job.ArtifactID)

	artifact, err := w.db.GetArtifact(ctx, job.ArtifactID)
	if err != nil {
		log.Printf("[Worker] Failed to load artifact %s: %v", job.ArtifactID, err)
		return
	}
	if artifact.Stage.Terminal() {
		log.Printf("[Worker] Artifact %s already %s, skipping", artifact.ID, artifact.Stage)
		return
	}

	narrationPath, isTemp, err := w.assets.MaterializeNarration(ctx, artifact.NarrationLocator)
	if err != nil {
		w.markFailed(artifact.ID, models.StageRequestingGeneration, err)
		return
	}
	if isTemp {
		defer func() {
			if err := removeQuiet(narrationPath); err != nil {
				log.Printf("[Worker] Failed to remove narration temp file: %v", err)
			}
		}()
	}

	req := pipeline.Request{
		ArtifactID:    artifact.ID,
		UserID:        artifact.UserID,
		NarrationPath: narrationPath,
		Style:         artifact.Style,
		Title:         artifact.Title,
		LoopStyle:     artifact.LoopStyle,
		Quality:       artifact.Quality,
		OnStage: func(stage models.Stage) {
			if stage == models.StageFailed {
				return // persisted with its cause below
			}
			if err := w.db.UpdateArtifactStage(context.Background(), artifact.ID, stage); err != nil {
				log.Printf("[Worker] Failed to persist stage %s for %s: %v", stage, artifact.ID, err)
			}
		},
	}

	result, err := w.pipeline.Run(ctx, req)
	if err != nil {
		stage := models.StageNotStarted
		cause := err
		var se *pipeline.StageError
		if errors.As(err, &se) {
			stage = se.Stage
			cause = se.Cause
		}
		w.markFailed(artifact.ID, stage, cause)
		return
	}

	if result.Title != "" && (artifact.Title == nil || *artifact.Title != result.Title) {
		if err := w.db.UpdateArtifactTitle(context.Background(), artifact.ID, result.Title); err != nil {
			log.Printf("[Worker] Failed to persist title for %s: %v", artifact.ID, err)
		}
	}
	if err := w.db.SetArtifactRemoteURL(context.Background(), artifact.ID, result.RemoteURL); err != nil {
		log.Printf("[Worker] Failed to persist remote URL for %s: %v", artifact.ID, err)
	}

	log.Printf("[Worker] Artifact %s completed: %s", artifact.ID, result.RemoteURL)
}

func (w *Worker) markFailed(artifactID uuid.UUID, stage models.Stage, cause error) {
	log.Printf("[Worker] Artifact %s failed during %s: %v", artifactID, stage, cause)

	// Use a fresh context: the job context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.db.MarkArtifactFailed(ctx, artifactID, stage, cause.Error()); err != nil {
		log.Printf("[Worker] Failed to persist failure for %s: %v", artifactID, err)
	}
}

func removeQuiet(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
