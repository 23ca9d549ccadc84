package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the generation pipeline. Everything the pipeline can
// fail with maps onto one of these, so the orchestrator can record
// {stage, cause} without string matching.

// ErrInvalidInput flags a request the caller can fix (missing style or
// description, bad locator). Wrap it with context via fmt.Errorf.
var ErrInvalidInput = errors.New("invalid input")

// ErrTimedOut is the overall wall-clock timeout on the remote generation
// wait; the timer task won the race against the polling loop.
var ErrTimedOut = errors.New("generation timed out")

// NetworkError wraps a transport-level failure (dial, TLS, read).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteAPIError is a structured failure reported by the generation
// service: a non-2xx status, an unparseable payload, or a remote-side
// job failure (whose message is preserved verbatim).
type RemoteAPIError struct {
	Status  int
	Message string
}

func (e *RemoteAPIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote API error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote API error: %s", e.Message)
}

// AssetError flags a source clip that is missing or unusable (no video
// track, undecodable, zero duration).
type AssetError struct {
	Locator string
	Reason  string
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset %s: %s", e.Locator, e.Reason)
}

// ExportError carries the terminal encoder status for a failed export.
type ExportError struct {
	Reason string
	Err    error
}

func (e *ExportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("export %s", e.Reason)
}

func (e *ExportError) Unwrap() error { return e.Err }

// UploadError flags a failed durable upload after retries were exhausted.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s failed: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
