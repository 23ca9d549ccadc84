package uploader

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// Per-chunk timeout — generous for multi-megabyte PATCH bodies
	chunkTimeout = 180 * time.Second

	// Session create / offset probe timeout
	controlTimeout = 30 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// ErrSessionExpired is returned when the remote store no longer knows
// the upload session; the caller must create a fresh one.
var ErrSessionExpired = errors.New("upload session expired")

// Storage talks the resumable-upload (tus) surface of the object store.
// Sessions survive process restarts, so a checkpointed upload can pick
// up at whatever offset the server last acknowledged.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
}

func NewStorage(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        url,
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: chunkTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// CreateSession opens a resumable upload session for key and returns the
// session URL used for subsequent chunk PATCHes.
func (s *Storage) CreateSession(ctx context.Context, key string, totalBytes int64) (string, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/upload/resumable", s.url)

	metadata := fmt.Sprintf("bucketName %s,objectName %s,contentType %s",
		base64.StdEncoding.EncodeToString([]byte(s.Bucket)),
		base64.StdEncoding.EncodeToString([]byte(key)),
		base64.StdEncoding.EncodeToString([]byte("video/mp4")),
	)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Session create retry %d/%d for %s (waiting %v)...", attempt, maxRetries, key, delay)

			select {
			case <-ctx.Done():
				return "", fmt.Errorf("session create cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, controlTimeout)

		req, err := http.NewRequestWithContext(reqCtx, "POST", endpoint, nil)
		if err != nil {
			cancel()
			return "", fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Tus-Resumable", "1.0.0")
		req.Header.Set("Upload-Length", strconv.FormatInt(totalBytes, 10))
		req.Header.Set("Upload-Metadata", metadata)
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to create session: %w", err)
			if isRetryableError(err) {
				log.Printf("[Storage] Session create attempt %d failed (retryable): %v", attempt+1, err)
				continue
			}
			return "", lastErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusCreated {
			location := resp.Header.Get("Location")
			if location == "" {
				return "", fmt.Errorf("session created without a Location header")
			}
			return s.resolveSessionURL(location)
		}

		lastErr = fmt.Errorf("session create failed with status %d: %s", resp.StatusCode, string(body))

		if isRetryableStatus(resp.StatusCode) {
			log.Printf("[Storage] Session create attempt %d returned status %d (retryable)", attempt+1, resp.StatusCode)
			continue
		}

		return "", lastErr
	}

	return "", fmt.Errorf("session create failed after %d attempts: %w", maxRetries+1, lastErr)
}

// SessionOffset asks the server how many bytes of the session it has
// acknowledged. Returns ErrSessionExpired when the session is gone.
func (s *Storage) SessionOffset(ctx context.Context, sessionURL string) (int64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "HEAD", sessionURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Tus-Resumable", "1.0.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to probe session: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		offset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad Upload-Offset header: %w", err)
		}
		return offset, nil
	case http.StatusNotFound, http.StatusGone:
		return 0, ErrSessionExpired
	default:
		return 0, fmt.Errorf("session probe failed with status %d", resp.StatusCode)
	}
}

// UploadChunk sends one chunk at the given offset and returns the new
// server-acknowledged offset.
func (s *Storage) UploadChunk(ctx context.Context, sessionURL string, offset int64, chunk []byte) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Chunk retry %d/%d at offset %d (waiting %v)...", attempt, maxRetries, offset, delay)

			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("chunk upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, chunkTimeout)

		req, err := http.NewRequestWithContext(reqCtx, "PATCH", sessionURL, bytes.NewReader(chunk))
		if err != nil {
			cancel()
			return 0, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Tus-Resumable", "1.0.0")
		req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
		req.Header.Set("Content-Type", "application/offset+octet-stream")
		req.Header.Set("Content-Length", strconv.Itoa(len(chunk)))

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to upload chunk: %w", err)
			if isRetryableError(err) {
				log.Printf("[Storage] Chunk attempt %d failed (retryable): %v", attempt+1, err)
				continue
			}
			return 0, lastErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		switch {
		case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
			newOffset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
			if err != nil {
				// Server accepted the chunk but sent no usable offset;
				// assume the whole chunk landed.
				return offset + int64(len(chunk)), nil
			}
			return newOffset, nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return 0, ErrSessionExpired
		case resp.StatusCode == http.StatusConflict:
			// Offset mismatch — the caller reconciles via SessionOffset.
			return 0, fmt.Errorf("offset conflict at %d: %s", offset, truncate(string(body), 200))
		}

		lastErr = fmt.Errorf("chunk upload failed with status %d: %s", resp.StatusCode, string(body))

		if isRetryableStatus(resp.StatusCode) {
			log.Printf("[Storage] Chunk attempt %d returned status %d (retryable)", attempt+1, resp.StatusCode)
			continue
		}

		return 0, lastErr
	}

	return 0, fmt.Errorf("chunk upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

// PublicURL returns the public URL for an uploaded object.
func (s *Storage) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, key)
}

// resolveSessionURL makes a possibly-relative Location header absolute.
func (s *Storage) resolveSessionURL(location string) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("bad session location %q: %w", location, err)
	}
	if loc.IsAbs() {
		return location, nil
	}
	base, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("bad storage url %q: %w", s.url, err)
	}
	return base.ResolveReference(loc).String(), nil
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
