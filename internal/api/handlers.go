package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/echolab/reelcraft/internal/db"
	"github.com/echolab/reelcraft/internal/models"
	"github.com/echolab/reelcraft/internal/queue"
	"github.com/echolab/reelcraft/internal/uploader"
)

// ExportProgressSource reports the live encode fraction for an artifact
// whose render is in the encoding stage. The render pipeline implements it.
type ExportProgressSource interface {
	ExportProgress(artifactID uuid.UUID) (float64, bool)
}

type Handler struct {
	db       *db.DB
	queue    *queue.Queue
	uploader *uploader.Uploader
	exports  ExportProgressSource
}

// NewHandler builds the HTTP handler set. exports may be nil when no
// worker runs in this process.
func NewHandler(database *db.DB, q *queue.Queue, up *uploader.Uploader, exports ExportProgressSource) *Handler {
	return &Handler{
		db:       database,
		queue:    q,
		uploader: up,
		exports:  exports,
	}
}

// CreateArtifact handles POST /v1/artifacts
func (h *Handler) CreateArtifact(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Missing or invalid X-User-ID header")
		return
	}

	var req models.CreateArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate
	if req.NarrationLocator == "" {
		respondError(w, http.StatusBadRequest, "narration_locator is required")
		return
	}
	if req.Style == "" {
		respondError(w, http.StatusBadRequest, "style is required")
		return
	}

	loopStyle := models.LoopForward
	if req.LoopStyle != nil {
		parsed, err := models.ParseLoopStyle(*req.LoopStyle)
		if err != nil {
			respondError(w, http.StatusBadRequest, "loop_style must be forward or pingpong")
			return
		}
		loopStyle = parsed
	}

	quality := models.QualityMedium
	if req.Quality != nil {
		switch models.QualityTier(*req.Quality) {
		case models.QualityHigh, models.QualityMedium, models.QualityLow:
			quality = models.QualityTier(*req.Quality)
		default:
			respondError(w, http.StatusBadRequest, "quality must be high, medium or low")
			return
		}
	}

	artifact := &models.Artifact{
		ID:               uuid.New(),
		UserID:           userID,
		NarrationLocator: req.NarrationLocator,
		Style:            req.Style,
		Title:            req.Title,
		LoopStyle:        loopStyle,
		Quality:          quality,
		Status:           models.ArtifactStatusQueued,
		Stage:            models.StageNotStarted,
	}

	if err := h.db.CreateArtifact(r.Context(), artifact); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create artifact")
		return
	}

	if err := h.queue.EnqueueRenderArtifact(r.Context(), artifact.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue render")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateArtifactResponse{
		ArtifactID: artifact.ID,
		Status:     artifact.Status,
	})
}

// GetArtifact handles GET /v1/artifacts/{id}
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid artifact ID")
		return
	}

	artifact, err := h.db.GetArtifact(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Artifact not found")
		return
	}

	respondJSON(w, http.StatusOK, models.ArtifactResponse{
		Artifact: *artifact,
		Progress: h.artifactProgress(artifact),
	})
}

// ListArtifacts handles GET /v1/artifacts
// Query params:
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Missing or invalid X-User-ID header")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	artifacts, total, err := h.db.ListArtifactsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list artifacts")
		return
	}

	respondJSON(w, http.StatusOK, models.ListArtifactsResponse{
		Artifacts: artifacts,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

// PauseUpload handles POST /v1/artifacts/{id}/upload/pause
func (h *Handler) PauseUpload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid artifact ID")
		return
	}

	if !h.uploader.Pause(id) {
		respondError(w, http.StatusConflict, "No upload in progress for this artifact")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeUpload handles POST /v1/artifacts/{id}/upload/resume
// Restarts the transfer from the durable local copy; the checkpoint left
// behind by the pause decides where it picks up.
func (h *Handler) ResumeUpload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid artifact ID")
		return
	}

	artifact, err := h.db.GetArtifact(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Artifact not found")
		return
	}
	if artifact.RemoteURL != nil {
		respondError(w, http.StatusConflict, "Artifact already uploaded")
		return
	}

	cached := h.uploader.CachePath(artifact.UserID, artifact.ID)
	if _, err := os.Stat(cached); err != nil {
		respondError(w, http.StatusConflict, "No local copy to resume from")
		return
	}

	go func() {
		ctx := context.Background()
		url, err := h.uploader.Upload(ctx, artifact.UserID, artifact.ID, cached)
		if err != nil {
			log.Printf("[API] Resumed upload for %s failed: %v", artifact.ID, err)
			return
		}
		if err := h.db.SetArtifactRemoteURL(ctx, artifact.ID, url); err != nil {
			log.Printf("[API] Failed to persist remote URL for %s: %v", artifact.ID, err)
			return
		}
		if err := h.db.UpdateArtifactStage(ctx, artifact.ID, models.StageCompleted); err != nil {
			log.Printf("[API] Failed to persist stage for %s: %v", artifact.ID, err)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

// stageWeights maps each stage to the fraction of the work done when the
// stage begins. Encoding progress is refined with the live frame fraction
// and uploading progress with the live byte fraction.
var stageWeights = map[models.Stage]float64{
	models.StageNotStarted:           0,
	models.StageRequestingGeneration: 0.05,
	models.StageWaitingForRemoteJob:  0.15,
	models.StageDownloadingResult:    0.45,
	models.StageBuildingComposition:  0.55,
	models.StageApplyingWatermark:    0.60,
	models.StageEncoding:             0.65,
	models.StageUploading:            0.90,
	models.StageCompleted:            1,
	models.StageFailed:               0,
}

func (h *Handler) artifactProgress(artifact *models.Artifact) float64 {
	base := stageWeights[artifact.Stage]
	switch artifact.Stage {
	case models.StageEncoding:
		if h.exports != nil {
			if frac, ok := h.exports.ExportProgress(artifact.ID); ok {
				base += frac * (stageWeights[models.StageUploading] - base)
			}
		}
	case models.StageUploading:
		if frac, ok := h.uploader.Progress(artifact.ID); ok {
			base += frac * (1 - base)
		}
	}
	return base
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
