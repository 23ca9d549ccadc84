package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/echolab/reelcraft/internal/models"
)

// ---------------------------------------------------------------------------
// Remote clip generation client.
// Follows a deferred request pattern: submit generation → poll by job id →
// hand the output locator to the downloader.
// ---------------------------------------------------------------------------

const (
	genCallTimeout     = 30 * time.Second  // Timeout for individual HTTP calls, not the full poll cycle
	genDownloadTimeout = 120 * time.Second // Downloads can be large
)

// Generator is the contract the pipeline talks to: submit a generation
// request, then wait for its output locator.
type Generator interface {
	Submit(ctx context.Context, description, style string) (string, error)
	AwaitCompletion(ctx context.Context, jobID string) (string, error)
}

// PollConfig is the backoff and timeout policy for the remote wait.
type PollConfig struct {
	BaseInterval  time.Duration // First wait between polls
	MaxInterval   time.Duration // Backoff ceiling
	BackoffFactor float64       // Interval multiplier after every non-terminal poll
	MaxAttempts   int           // Hard cap on poll count
	Timeout       time.Duration // Overall wall-clock limit on the wait

	// RetryTransportErrors treats network/deserialization failures during a
	// poll like transient statuses instead of propagating them as fatal.
	RetryTransportErrors bool
}

// DefaultPollConfig matches the production policy: 5s base interval,
// 1.5x growth capped at 30s, 15 minute overall limit.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		BaseInterval:  5 * time.Second,
		MaxInterval:   30 * time.Second,
		BackoffFactor: 1.5,
		MaxAttempts:   120,
		Timeout:       15 * time.Minute,
	}
}

// NextInterval returns the wait that follows the given one: multiplied by
// the backoff factor and clamped to the ceiling. The sequence is
// non-decreasing for factors >= 1.
func (c PollConfig) NextInterval(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * c.BackoffFactor)
	if next > c.MaxInterval {
		next = c.MaxInterval
	}
	return next
}

// GenerateClient talks to the remote generation REST API.
type GenerateClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cfg        PollConfig
}

var _ Generator = (*GenerateClient)(nil)

func NewGenerateClient(baseURL, apiKey string, cfg PollConfig) *GenerateClient {
	return &GenerateClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: genCallTimeout,
		},
		cfg: cfg,
	}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// genSubmitRequest is the body for POST /v1/generations
type genSubmitRequest struct {
	Description string `json:"description"`
	Style       string `json:"style"`
}

// genSubmitResponse is the response from POST /v1/generations
type genSubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// genStatusResponse is the response from GET /v1/generations/{job_id}
type genStatusResponse struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"` // URI of the generated clip, present on success
	Error  string `json:"error,omitempty"`  // Remote-side failure message
}

// Submit sends a generation request and returns the remote job id.
func (c *GenerateClient) Submit(ctx context.Context, description, style string) (string, error) {
	if description == "" {
		return "", fmt.Errorf("%w: description is required", models.ErrInvalidInput)
	}
	if style == "" {
		return "", fmt.Errorf("%w: style is required", models.ErrInvalidInput)
	}

	body, err := json.Marshal(genSubmitRequest{Description: description, Style: style})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &models.NetworkError{Op: "submit", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &models.NetworkError{Op: "submit", Err: err}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", &models.RemoteAPIError{Status: resp.StatusCode, Message: truncate(string(respBody), 300)}
	}

	var submitResp genSubmitResponse
	if err := json.Unmarshal(respBody, &submitResp); err != nil {
		return "", &models.RemoteAPIError{Status: resp.StatusCode, Message: fmt.Sprintf("unparseable submit response: %v", err)}
	}

	if submitResp.JobID == "" {
		return "", &models.RemoteAPIError{Status: resp.StatusCode, Message: "no job_id in submit response"}
	}

	log.Printf("[Poller] Generation submitted, job_id=%s", submitResp.JobID)
	return submitResp.JobID, nil
}

// AwaitCompletion waits for the remote job to finish and returns its
// output locator.
//
// The overall timeout is a race between two tasks feeding one
// single-resolution slot: the polling loop and a wall-clock timer.
// Whichever writes first wins; the loser is cancelled through the shared
// context. If the timer wins the result is ErrTimedOut.
func (c *GenerateClient) AwaitCompletion(ctx context.Context, jobID string) (string, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		locator string
		err     error
	}
	slot := make(chan outcome, 1)

	// Task 1: the polling loop.
	go func() {
		locator, err := c.pollUntilTerminal(raceCtx, jobID)
		select {
		case slot <- outcome{locator, err}:
		default: // Timer already resolved the slot; this result is discarded.
		}
	}()

	// Task 2: the wall-clock timer.
	go func() {
		timer := time.NewTimer(c.cfg.Timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case slot <- outcome{"", fmt.Errorf("%w after %v (job_id=%s)", models.ErrTimedOut, c.cfg.Timeout, jobID)}:
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

// pollUntilTerminal polls the job status until it reaches a terminal
// classification or the attempt budget runs out.
//
// Classification per poll:
//   - succeeded: requires a parseable output locator; absence is a fatal
//     RemoteAPIError.
//   - failed: the remote-supplied message propagates verbatim; no retry.
//   - starting/processing: wait and poll again.
//   - anything else: logged and treated as transient.
func (c *GenerateClient) pollUntilTerminal(ctx context.Context, jobID string) (string, error) {
	interval := c.cfg.BaseInterval

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		status, err := c.getStatus(ctx, jobID)
		if err != nil {
			if c.cfg.RetryTransportErrors && ctx.Err() == nil {
				log.Printf("[Poller] Poll %d transport error (retrying per policy): %v", attempt, err)
			} else {
				return "", fmt.Errorf("poll attempt %d: %w", attempt, err)
			}
		} else {
			switch models.GenerationStatus(status.Status) {
			case models.GenerationSucceeded:
				locator := status.Output
				if locator == "" {
					return "", &models.RemoteAPIError{Message: fmt.Sprintf("job %s succeeded without an output locator", jobID)}
				}
				if _, perr := url.Parse(locator); perr != nil {
					return "", &models.RemoteAPIError{Message: fmt.Sprintf("job %s output locator unparseable: %v", jobID, perr)}
				}
				log.Printf("[Poller] Poll %d: succeeded (job_id=%s)", attempt, jobID)
				return locator, nil

			case models.GenerationFailed:
				msg := status.Error
				if msg == "" {
					msg = "unknown error"
				}
				return "", &models.RemoteAPIError{Message: msg}

			case models.GenerationStarting, models.GenerationProcessing:
				log.Printf("[Poller] Poll %d: status=%s (next poll in %v)", attempt, status.Status, interval)

			default:
				// Unknown status values are transient: newer API versions may
				// add intermediate states we don't know about yet.
				log.Printf("[Poller] Poll %d: unrecognized status %q, continuing (next poll in %v)", attempt, status.Status, interval)
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("generation wait cancelled: %w", ctx.Err())
		case <-time.After(interval):
		}

		interval = c.cfg.NextInterval(interval)
	}

	return "", fmt.Errorf("%w: poll attempt budget exhausted (%d attempts, job_id=%s)", models.ErrTimedOut, c.cfg.MaxAttempts, jobID)
}

// getStatus fetches the current remote job status.
func (c *GenerateClient) getStatus(ctx context.Context, jobID string) (*genStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/v1/generations/%s", c.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.NetworkError{Op: "poll", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.NetworkError{Op: "poll", Err: err}
	}

	// 202 is a valid "still working" poll response alongside 200.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &models.RemoteAPIError{Status: resp.StatusCode, Message: truncate(string(body), 300)}
	}

	var status genStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, &models.RemoteAPIError{Status: resp.StatusCode, Message: fmt.Sprintf("unparseable status response: %v", err)}
	}

	return &status, nil
}

// truncate limits a string to maxLen characters for log and error output.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
