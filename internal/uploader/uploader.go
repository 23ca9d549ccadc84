package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/echolab/reelcraft/internal/models"
)

// CheckpointStore persists upload progress across process restarts.
// Load returns (nil, nil) when no checkpoint exists.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *models.UploadCheckpoint) error
	GetCheckpoint(ctx context.Context, artifactID uuid.UUID) (*models.UploadCheckpoint, error)
	DeleteCheckpoint(ctx context.Context, artifactID uuid.UUID) error
}

// Uploader moves finished artifacts into remote storage. Every upload
// first lands a durable copy in the per-user local cache, so the export
// result survives any network failure; the network transfer itself is
// chunked and checkpointed, resuming from the last acknowledged offset
// after a pause, crash or restart.
type Uploader struct {
	storage     *Storage
	checkpoints CheckpointStore
	cacheDir    string
	chunkSize   int64
	sem         chan struct{}

	mu     sync.Mutex
	active map[uuid.UUID]*uploadTask
}

type uploadTask struct {
	cancel     context.CancelFunc
	bytesSent  atomic.Int64
	totalBytes int64
}

func New(storage *Storage, checkpoints CheckpointStore, cacheDir string, chunkSize int64, maxConcurrent int) *Uploader {
	if chunkSize <= 0 {
		chunkSize = 4 * 1024 * 1024
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Uploader{
		storage:     storage,
		checkpoints: checkpoints,
		cacheDir:    cacheDir,
		chunkSize:   chunkSize,
		sem:         make(chan struct{}, maxConcurrent),
		active:      make(map[uuid.UUID]*uploadTask),
	}
}

// CachePath returns the durable local location of an artifact's video.
func (u *Uploader) CachePath(userID, artifactID uuid.UUID) string {
	return filepath.Join(u.cacheDir, "users", userID.String(), artifactID.String()+".mp4")
}

// StageLocal copies the exported video into the per-user cache and
// syncs it to disk. This happens before any network traffic so the
// result is never lost to an upload failure.
func (u *Uploader) StageLocal(userID, artifactID uuid.UUID, srcPath string) (string, error) {
	dest := u.CachePath(userID, artifactID)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open export result: %w", err)
	}
	defer src.Close()

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to copy into cache: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync cache file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close cache file: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize cache file: %w", err)
	}

	return dest, nil
}

// Upload stages srcPath into the local cache, then transfers it in
// chunks, checkpointing after every acknowledged chunk. Returns the
// public URL of the uploaded object.
func (u *Uploader) Upload(ctx context.Context, userID, artifactID uuid.UUID, srcPath string) (string, error) {
	key := fmt.Sprintf("%s/%s.mp4", userID, artifactID)

	// A resumed upload hands back the cache file itself; copying it
	// onto itself would be pointless.
	cachedPath := u.CachePath(userID, artifactID)
	if filepath.Clean(srcPath) != cachedPath {
		staged, err := u.StageLocal(userID, artifactID, srcPath)
		if err != nil {
			return "", &models.UploadError{Key: key, Err: err}
		}
		cachedPath = staged
	}

	info, err := os.Stat(cachedPath)
	if err != nil {
		return "", &models.UploadError{Key: key, Err: err}
	}
	totalBytes := info.Size()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	task := &uploadTask{cancel: cancel, totalBytes: totalBytes}
	u.mu.Lock()
	if _, exists := u.active[artifactID]; exists {
		u.mu.Unlock()
		return "", &models.UploadError{Key: key, Err: fmt.Errorf("upload already in progress")}
	}
	u.active[artifactID] = task
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		delete(u.active, artifactID)
		u.mu.Unlock()
	}()

	select {
	case u.sem <- struct{}{}:
		defer func() { <-u.sem }()
	case <-taskCtx.Done():
		return "", &models.UploadError{Key: key, Err: taskCtx.Err()}
	}

	if err := u.transfer(taskCtx, task, artifactID, key, cachedPath, totalBytes); err != nil {
		return "", &models.UploadError{Key: key, Err: err}
	}

	if err := u.checkpoints.DeleteCheckpoint(ctx, artifactID); err != nil {
		log.Printf("[Uploader] Failed to clear checkpoint for %s: %v", artifactID, err)
	}

	return u.storage.PublicURL(key), nil
}

func (u *Uploader) transfer(ctx context.Context, task *uploadTask, artifactID uuid.UUID, key, cachedPath string, totalBytes int64) error {
	sessionURL, offset, err := u.resolveSession(ctx, artifactID, key, totalBytes)
	if err != nil {
		return err
	}
	task.bytesSent.Store(offset)

	if offset > 0 {
		log.Printf("[Uploader] Resuming %s from offset %d/%d", artifactID, offset, totalBytes)
	}

	f, err := os.Open(cachedPath)
	if err != nil {
		return fmt.Errorf("failed to open cached file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, u.chunkSize)
	for offset < totalBytes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := f.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read chunk at %d: %w", offset, err)
		}
		if n == 0 {
			return fmt.Errorf("unexpected empty read at offset %d", offset)
		}

		newOffset, err := u.storage.UploadChunk(ctx, sessionURL, offset, buf[:n])
		if err != nil {
			if errors.Is(err, ErrSessionExpired) {
				// The server dropped the session mid-transfer; clear the
				// stale checkpoint so the next attempt starts clean.
				if derr := u.checkpoints.DeleteCheckpoint(ctx, artifactID); derr != nil {
					log.Printf("[Uploader] Failed to clear stale checkpoint for %s: %v", artifactID, derr)
				}
			}
			return err
		}

		offset = newOffset
		task.bytesSent.Store(offset)

		cp := &models.UploadCheckpoint{
			ArtifactID: artifactID,
			RemoteKey:  key,
			SessionURL: sessionURL,
			BytesSent:  offset,
			TotalBytes: totalBytes,
		}
		if err := u.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
	}

	log.Printf("[Uploader] Upload complete for %s (%d bytes)", artifactID, totalBytes)
	return nil
}

// resolveSession reuses a checkpointed session when the server still
// knows it, reconciling the offset against the server's answer, and
// creates a fresh session otherwise.
func (u *Uploader) resolveSession(ctx context.Context, artifactID uuid.UUID, key string, totalBytes int64) (string, int64, error) {
	cp, err := u.checkpoints.GetCheckpoint(ctx, artifactID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if cp != nil && cp.SessionURL != "" && cp.TotalBytes == totalBytes {
		offset, err := u.storage.SessionOffset(ctx, cp.SessionURL)
		switch {
		case err == nil:
			return cp.SessionURL, offset, nil
		case errors.Is(err, ErrSessionExpired):
			log.Printf("[Uploader] Session for %s expired, starting over", artifactID)
		default:
			return "", 0, err
		}
	}

	sessionURL, err := u.storage.CreateSession(ctx, key, totalBytes)
	if err != nil {
		return "", 0, err
	}

	cp = &models.UploadCheckpoint{
		ArtifactID: artifactID,
		RemoteKey:  key,
		SessionURL: sessionURL,
		BytesSent:  0,
		TotalBytes: totalBytes,
	}
	if err := u.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return "", 0, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return sessionURL, 0, nil
}

// Pause stops an in-flight upload, leaving its checkpoint in place.
// Returns false when no upload for the artifact is active.
func (u *Uploader) Pause(artifactID uuid.UUID) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	task, ok := u.active[artifactID]
	if !ok {
		return false
	}
	task.cancel()
	return true
}

// Progress reports the sent fraction of an active upload.
func (u *Uploader) Progress(artifactID uuid.UUID) (float64, bool) {
	u.mu.Lock()
	task, ok := u.active[artifactID]
	u.mu.Unlock()
	if !ok || task.totalBytes == 0 {
		return 0, ok
	}
	return float64(task.bytesSent.Load()) / float64(task.totalBytes), true
}
