package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/echolab/reelcraft/internal/models"
)

func (db *DB) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	query := `
		INSERT INTO artifacts (
			id, user_id, narration_locator, style, title, loop_style, quality, status, stage
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		artifact.ID, artifact.UserID, artifact.NarrationLocator, artifact.Style,
		artifact.Title, artifact.LoopStyle, artifact.Quality, artifact.Status, artifact.Stage,
	).Scan(&artifact.CreatedAt, &artifact.UpdatedAt)
}

func (db *DB) GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	query := `
		SELECT
			id, user_id, narration_locator, style, title, loop_style, quality,
			status, stage, remote_url, error_stage, error_message, created_at, updated_at
		FROM artifacts
		WHERE id = $1
	`

	artifact := &models.Artifact{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&artifact.ID, &artifact.UserID, &artifact.NarrationLocator, &artifact.Style,
		&artifact.Title, &artifact.LoopStyle, &artifact.Quality, &artifact.Status,
		&artifact.Stage, &artifact.RemoteURL, &artifact.ErrorStage, &artifact.ErrorMessage,
		&artifact.CreatedAt, &artifact.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	return artifact, nil
}

func (db *DB) ListArtifactsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Artifact, int, error) {
	var total int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count artifacts: %w", err)
	}

	query := `
		SELECT
			id, user_id, narration_locator, style, title, loop_style, quality,
			status, stage, remote_url, error_stage, error_message, created_at, updated_at
		FROM artifacts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		var a models.Artifact
		err := rows.Scan(
			&a.ID, &a.UserID, &a.NarrationLocator, &a.Style,
			&a.Title, &a.LoopStyle, &a.Quality, &a.Status,
			&a.Stage, &a.RemoteURL, &a.ErrorStage, &a.ErrorMessage,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}

	return artifacts, total, rows.Err()
}

func (db *DB) UpdateArtifactStage(ctx context.Context, id uuid.UUID, stage models.Stage) error {
	status := models.ArtifactStatusProcessing
	if stage == models.StageCompleted {
		status = models.ArtifactStatusCompleted
	}

	query := `
		UPDATE artifacts
		SET stage = $1, status = $2, updated_at = $3
		WHERE id = $4
	`

	_, err := db.ExecContext(ctx, query, stage, status, time.Now(), id)
	return err
}

func (db *DB) UpdateArtifactTitle(ctx context.Context, id uuid.UUID, title string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE artifacts SET title = $1, updated_at = $2 WHERE id = $3`,
		title, time.Now(), id,
	)
	return err
}

func (db *DB) SetArtifactRemoteURL(ctx context.Context, id uuid.UUID, remoteURL string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE artifacts SET remote_url = $1, updated_at = $2 WHERE id = $3`,
		remoteURL, time.Now(), id,
	)
	return err
}

// MarkArtifactFailed records the failing stage together with the cause.
func (db *DB) MarkArtifactFailed(ctx context.Context, id uuid.UUID, stage models.Stage, errorMessage string) error {
	query := `
		UPDATE artifacts
		SET status = $1, stage = $2, error_stage = $3, error_message = $4, updated_at = $5
		WHERE id = $6
	`

	_, err := db.ExecContext(ctx, query,
		models.ArtifactStatusFailed, models.StageFailed, string(stage), errorMessage, time.Now(), id,
	)
	return err
}
