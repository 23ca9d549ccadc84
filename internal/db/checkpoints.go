package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/echolab/reelcraft/internal/models"
)

// SaveCheckpoint upserts the resumable-upload checkpoint for an artifact.
func (db *DB) SaveCheckpoint(ctx context.Context, cp *models.UploadCheckpoint) error {
	query := `
		INSERT INTO upload_checkpoints (artifact_id, remote_key, session_url, bytes_sent, total_bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (artifact_id) DO UPDATE
		SET remote_key = EXCLUDED.remote_key,
		    session_url = EXCLUDED.session_url,
		    bytes_sent = EXCLUDED.bytes_sent,
		    total_bytes = EXCLUDED.total_bytes,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := db.ExecContext(ctx, query,
		cp.ArtifactID, cp.RemoteKey, cp.SessionURL, cp.BytesSent, cp.TotalBytes, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns nil without error when no checkpoint exists.
func (db *DB) GetCheckpoint(ctx context.Context, artifactID uuid.UUID) (*models.UploadCheckpoint, error) {
	query := `
		SELECT artifact_id, remote_key, session_url, bytes_sent, total_bytes, updated_at
		FROM upload_checkpoints
		WHERE artifact_id = $1
	`

	cp := &models.UploadCheckpoint{}
	err := db.QueryRowContext(ctx, query, artifactID).Scan(
		&cp.ArtifactID, &cp.RemoteKey, &cp.SessionURL, &cp.BytesSent, &cp.TotalBytes, &cp.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return cp, nil
}

func (db *DB) DeleteCheckpoint(ctx context.Context, artifactID uuid.UUID) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM upload_checkpoints WHERE artifact_id = $1`, artifactID,
	)
	return err
}
