package models

import (
	"time"

	"github.com/google/uuid"
)

// Enums

// ArtifactStatus is the coarse lifecycle of a narrated-video artifact.
type ArtifactStatus string

const (
	ArtifactStatusQueued     ArtifactStatus = "queued"
	ArtifactStatusProcessing ArtifactStatus = "processing"
	ArtifactStatusCompleted  ArtifactStatus = "completed"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)

// Stage is the pipeline stage an artifact request is currently in.
// Stages advance strictly in order; Failed is reachable from any
// non-terminal stage.
type Stage string

const (
	StageNotStarted           Stage = "not_started"
	StageRequestingGeneration Stage = "requesting_generation"
	StageWaitingForRemoteJob  Stage = "waiting_for_remote_job"
	StageDownloadingResult    Stage = "downloading_result"
	StageBuildingComposition  Stage = "building_composition"
	StageApplyingWatermark    Stage = "applying_watermark"
	StageEncoding             Stage = "encoding"
	StageUploading            Stage = "uploading"
	StageCompleted            Stage = "completed"
	StageFailed               Stage = "failed"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// GenerationStatus is the remote job status as reported by the
// generation service.
type GenerationStatus string

const (
	GenerationStarting   GenerationStatus = "starting"
	GenerationProcessing GenerationStatus = "processing"
	GenerationSucceeded  GenerationStatus = "succeeded"
	GenerationFailed     GenerationStatus = "failed"
)

// GenerationJob tracks one asynchronous remote generation task.
// Only the poller mutates it; it is terminal on succeeded, failed or timeout.
type GenerationJob struct {
	ID            string           `json:"id"`
	Description   string           `json:"description"`
	Style         string           `json:"style"`
	Status        GenerationStatus `json:"status"`
	OutputLocator *string          `json:"output_locator,omitempty"`
	ErrorMessage  *string          `json:"error_message,omitempty"`
}

// QualityTier selects the export preset and bitrate multiplier.
type QualityTier string

const (
	QualityHigh   QualityTier = "high"
	QualityMedium QualityTier = "medium"
	QualityLow    QualityTier = "low"
)

// Artifact is one narration-to-video request, persisted for the lifetime
// of the request and beyond.
type Artifact struct {
	ID               uuid.UUID      `json:"id"`
	UserID           uuid.UUID      `json:"user_id"`
	NarrationLocator string         `json:"narration_locator"`
	Style            string         `json:"style"`
	Title            *string        `json:"title,omitempty"`
	LoopStyle        LoopStyle      `json:"loop_style"`
	Quality          QualityTier    `json:"quality"`
	Status           ArtifactStatus `json:"status"`
	Stage            Stage          `json:"stage"`
	RemoteURL        *string        `json:"remote_url,omitempty"`
	ErrorStage       *string        `json:"error_stage,omitempty"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// UploadCheckpoint records how far a resumable upload has progressed,
// so a suspended or crashed process continues instead of restarting.
type UploadCheckpoint struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	RemoteKey  string    `json:"remote_key"`
	SessionURL string    `json:"session_url"`
	BytesSent  int64     `json:"bytes_sent"`
	TotalBytes int64     `json:"total_bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DTOs for API responses

type CreateArtifactRequest struct {
	NarrationLocator string  `json:"narration_locator"`
	Style            string  `json:"style"`
	Title            *string `json:"title,omitempty"`
	LoopStyle        *string `json:"loop_style,omitempty"` // "forward" (default) or "pingpong"
	Quality          *string `json:"quality,omitempty"`    // "high", "medium" (default), "low"
}

type CreateArtifactResponse struct {
	ArtifactID uuid.UUID      `json:"artifact_id"`
	Status     ArtifactStatus `json:"status"`
}

type ArtifactResponse struct {
	Artifact
	Progress float64 `json:"progress"`
}

type ListArtifactsResponse struct {
	Artifacts []Artifact `json:"artifacts"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}
