package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/echolab/reelcraft/internal/models"
)

// tusServer is a minimal in-memory resumable-upload endpoint.
type tusServer struct {
	mu       sync.Mutex
	sessions map[string][]byte
	lengths  map[string]int64
	nextID   int
	patches  int
}

func newTusServer() *tusServer {
	return &tusServer{
		sessions: make(map[string][]byte),
		lengths:  make(map[string]int64),
	}
}

func (ts *tusServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		switch {
		case r.Method == "POST" && r.URL.Path == "/storage/v1/upload/resumable":
			length, _ := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
			ts.nextID++
			id := fmt.Sprintf("sess-%d", ts.nextID)
			ts.sessions[id] = nil
			ts.lengths[id] = length
			w.Header().Set("Location", "/storage/v1/upload/resumable/"+id)
			w.WriteHeader(http.StatusCreated)

		case r.Method == "HEAD" && strings.HasPrefix(r.URL.Path, "/storage/v1/upload/resumable/"):
			id := strings.TrimPrefix(r.URL.Path, "/storage/v1/upload/resumable/")
			data, ok := ts.sessions[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Upload-Offset", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)

		case r.Method == "PATCH" && strings.HasPrefix(r.URL.Path, "/storage/v1/upload/resumable/"):
			id := strings.TrimPrefix(r.URL.Path, "/storage/v1/upload/resumable/")
			data, ok := ts.sessions[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			offset, _ := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
			if offset != int64(len(data)) {
				w.WriteHeader(http.StatusConflict)
				return
			}
			chunk, _ := io.ReadAll(r.Body)
			ts.sessions[id] = append(data, chunk...)
			ts.patches++
			w.Header().Set("Upload-Offset", strconv.Itoa(len(ts.sessions[id])))
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
}

func (ts *tusServer) bytesFor(id string) []byte {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]byte(nil), ts.sessions[id]...)
}

// memStore is an in-memory CheckpointStore with an optional save hook.
type memStore struct {
	mu     sync.Mutex
	cps    map[uuid.UUID]models.UploadCheckpoint
	onSave func(*models.UploadCheckpoint)
}

func newMemStore() *memStore {
	return &memStore{cps: make(map[uuid.UUID]models.UploadCheckpoint)}
}

func (m *memStore) SaveCheckpoint(_ context.Context, cp *models.UploadCheckpoint) error {
	m.mu.Lock()
	m.cps[cp.ArtifactID] = *cp
	hook := m.onSave
	m.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (m *memStore) GetCheckpoint(_ context.Context, id uuid.UUID) (*models.UploadCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[id]
	if !ok {
		return nil, nil
	}
	out := cp
	return &out, nil
}

func (m *memStore) DeleteCheckpoint(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, id)
	return nil
}

func (m *memStore) has(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cps[id]
	return ok
}

func writeTempVideo(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "export.mp4")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write temp video: %v", err)
	}
	return path
}

func TestUploadChunked(t *testing.T) {
	ts := newTusServer()
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	store := newMemStore()
	storage := NewStorage(srv.URL, "test-key", "artifacts")
	u := New(storage, store, t.TempDir(), 4096, 2)

	userID := uuid.New()
	artifactID := uuid.New()
	src := writeTempVideo(t, 10_000) // 3 chunks at 4096

	url, err := u.Upload(context.Background(), userID, artifactID, src)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	wantURL := fmt.Sprintf("%s/storage/v1/object/public/artifacts/%s/%s.mp4", srv.URL, userID, artifactID)
	if url != wantURL {
		t.Errorf("url = %q, want %q", url, wantURL)
	}

	got := ts.bytesFor("sess-1")
	want, _ := os.ReadFile(src)
	if !bytes.Equal(got, want) {
		t.Errorf("uploaded %d bytes, want %d matching bytes", len(got), len(want))
	}
	if ts.patches != 3 {
		t.Errorf("patches = %d, want 3", ts.patches)
	}

	if store.has(artifactID) {
		t.Error("checkpoint not cleared after completed upload")
	}

	// the durable cache copy stays after upload
	if _, err := os.Stat(u.CachePath(userID, artifactID)); err != nil {
		t.Errorf("cache copy missing: %v", err)
	}
}

func TestUploadStagesLocallyBeforeNetwork(t *testing.T) {
	// Server rejects everything with a non-retryable status; the local
	// cache copy must still exist afterwards.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store := newMemStore()
	u := New(NewStorage(srv.URL, "test-key", "artifacts"), store, t.TempDir(), 4096, 2)

	userID := uuid.New()
	artifactID := uuid.New()
	src := writeTempVideo(t, 5000)

	_, err := u.Upload(context.Background(), userID, artifactID, src)
	if err == nil {
		t.Fatal("expected upload error")
	}
	var ue *models.UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %T, want *models.UploadError", err)
	}

	if _, err := os.Stat(u.CachePath(userID, artifactID)); err != nil {
		t.Errorf("cache copy missing after failed upload: %v", err)
	}
}

func TestUploadFromCachePathSkipsStaging(t *testing.T) {
	ts := newTusServer()
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	store := newMemStore()
	u := New(NewStorage(srv.URL, "test-key", "artifacts"), store, t.TempDir(), 4096, 2)

	userID := uuid.New()
	artifactID := uuid.New()
	src := writeTempVideo(t, 10_000)

	if _, err := u.Upload(context.Background(), userID, artifactID, src); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	// A resume hands the cache file back in as the source; it must be
	// transferred as-is, not copied onto itself.
	cached := u.CachePath(userID, artifactID)
	before, err := os.Stat(cached)
	if err != nil {
		t.Fatalf("stat cache copy: %v", err)
	}

	if _, err := u.Upload(context.Background(), userID, artifactID, cached); err != nil {
		t.Fatalf("Upload from cache path: %v", err)
	}

	after, err := os.Stat(cached)
	if err != nil {
		t.Fatalf("stat cache copy: %v", err)
	}
	if !os.SameFile(before, after) {
		t.Error("cache file was re-staged onto itself")
	}
	if _, err := os.Stat(cached + ".partial"); !os.IsNotExist(err) {
		t.Error("staging left a partial file behind")
	}
}

func TestPauseKeepsCheckpointAndResumeCompletes(t *testing.T) {
	ts := newTusServer()
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	store := newMemStore()
	u := New(NewStorage(srv.URL, "test-key", "artifacts"), store, t.TempDir(), 4096, 2)

	userID := uuid.New()
	artifactID := uuid.New()
	src := writeTempVideo(t, 12_000)

	// Pause as soon as the first chunk checkpoint lands.
	var once sync.Once
	store.onSave = func(cp *models.UploadCheckpoint) {
		if cp.BytesSent > 0 {
			once.Do(func() { u.Pause(artifactID) })
		}
	}

	_, err := u.Upload(context.Background(), userID, artifactID, src)
	if err == nil {
		t.Fatal("expected paused upload to return an error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want wrapped context.Canceled", err)
	}

	if !store.has(artifactID) {
		t.Fatal("checkpoint discarded on pause")
	}
	cp, _ := store.GetCheckpoint(context.Background(), artifactID)
	if cp.BytesSent == 0 || cp.BytesSent >= cp.TotalBytes {
		t.Fatalf("checkpoint bytes_sent = %d, want partial progress of %d", cp.BytesSent, cp.TotalBytes)
	}

	// Resume: must reuse the session and finish without resending
	// acknowledged bytes.
	store.onSave = nil
	patchesBefore := ts.patches

	if _, err := u.Upload(context.Background(), userID, artifactID, src); err != nil {
		t.Fatalf("resume: %v", err)
	}

	want, _ := os.ReadFile(src)
	if got := ts.bytesFor("sess-1"); !bytes.Equal(got, want) {
		t.Errorf("resumed upload produced %d bytes, want %d matching bytes", len(got), len(want))
	}
	remaining := (12_000 - int(cp.BytesSent) + 4095) / 4096
	if ts.patches-patchesBefore != remaining {
		t.Errorf("resume sent %d chunks, want %d", ts.patches-patchesBefore, remaining)
	}
	if store.has(artifactID) {
		t.Error("checkpoint not cleared after resumed upload completed")
	}
}

func TestExpiredSessionStartsOver(t *testing.T) {
	ts := newTusServer()
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	store := newMemStore()
	u := New(NewStorage(srv.URL, "test-key", "artifacts"), store, t.TempDir(), 4096, 2)

	userID := uuid.New()
	artifactID := uuid.New()
	src := writeTempVideo(t, 5000)

	// Seed a checkpoint pointing at a session the server never had.
	store.SaveCheckpoint(context.Background(), &models.UploadCheckpoint{
		ArtifactID: artifactID,
		RemoteKey:  fmt.Sprintf("%s/%s.mp4", userID, artifactID),
		SessionURL: srv.URL + "/storage/v1/upload/resumable/sess-gone",
		BytesSent:  4096,
		TotalBytes: 5000,
	})

	if _, err := u.Upload(context.Background(), userID, artifactID, src); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	want, _ := os.ReadFile(src)
	if got := ts.bytesFor("sess-1"); !bytes.Equal(got, want) {
		t.Errorf("fresh session holds %d bytes, want %d", len(got), len(want))
	}
}

func TestProgressFraction(t *testing.T) {
	ts := newTusServer()
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	store := newMemStore()
	u := New(NewStorage(srv.URL, "test-key", "artifacts"), store, t.TempDir(), 4096, 2)

	artifactID := uuid.New()

	// Not active yet
	if _, ok := u.Progress(artifactID); ok {
		t.Error("Progress reported an inactive upload as active")
	}

	progressSeen := make(chan float64, 16)
	store.onSave = func(cp *models.UploadCheckpoint) {
		if p, ok := u.Progress(cp.ArtifactID); ok {
			progressSeen <- p
		}
	}

	if _, err := u.Upload(context.Background(), uuid.New(), artifactID, writeTempVideo(t, 8192)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	close(progressSeen)

	var last float64 = -1
	for p := range progressSeen {
		if p < 0 || p > 1 {
			t.Errorf("progress %v out of [0,1]", p)
		}
		if p < last {
			t.Errorf("progress went backwards: %v after %v", p, last)
		}
		last = p
	}
	if last != 1 {
		t.Errorf("final progress = %v, want 1", last)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(attempt)
		if d < baseRetryDelay {
			t.Errorf("attempt %d: delay %v below base", attempt, d)
		}
		// cap plus max 25% jitter
		if d > maxRetryDelay+maxRetryDelay/4 {
			t.Errorf("attempt %d: delay %v above cap", attempt, d)
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{408, 429, 502, 503, 504} {
		if !isRetryableStatus(status) {
			t.Errorf("status %d should be retryable", status)
		}
	}
	for _, status := range []int{400, 401, 403, 404, 413, 500} {
		if isRetryableStatus(status) {
			t.Errorf("status %d should not be retryable", status)
		}
	}
}

func TestUploadChunkRetriesOnTransientStatus(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	var got []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == "PATCH" {
			if failures > 0 {
				failures--
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			body, _ := io.ReadAll(r.Body)
			got = append(got, body...)
			w.Header().Set("Upload-Offset", strconv.Itoa(len(got)))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewStorage(srv.URL, "test-key", "artifacts")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	chunk := []byte("hello chunk")
	newOffset, err := s.UploadChunk(ctx, srv.URL+"/sess", 0, chunk)
	if err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if newOffset != int64(len(chunk)) {
		t.Errorf("offset = %d, want %d", newOffset, len(chunk))
	}
	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, chunk) {
		t.Errorf("server received %q, want %q", got, chunk)
	}
}
