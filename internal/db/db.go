package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn}, nil
}

// EnsureSchema creates the tables the service needs if they are missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			narration_locator TEXT NOT NULL,
			style TEXT NOT NULL,
			title TEXT,
			loop_style TEXT NOT NULL DEFAULT 'forward',
			quality TEXT NOT NULL DEFAULT 'medium',
			status TEXT NOT NULL DEFAULT 'queued',
			stage TEXT NOT NULL DEFAULT 'not_started',
			remote_url TEXT,
			error_stage TEXT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_user_created
			ON artifacts (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS upload_checkpoints (
			artifact_id UUID PRIMARY KEY REFERENCES artifacts(id) ON DELETE CASCADE,
			remote_key TEXT NOT NULL,
			session_url TEXT NOT NULL,
			bytes_sent BIGINT NOT NULL DEFAULT 0,
			total_bytes BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
