// Package queue provides the durable, at-least-once work queue that feeds the
// transcoding pipeline. Jobs are keyed by video id: enqueueing a video that
// already has a non-terminal job merges into the existing job instead of
// creating a second one.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("queue closed")
	// ErrNotFound is returned when acknowledging a job the queue does not
	// know about, typically after its visibility timeout expired and the
	// job was handed to another worker.
	ErrNotFound = errors.New("job not found")
)

// Job is one unit of pipeline work. Attempts counts deliveries including the
// current one.
type Job struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"videoId"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
}

// DeadLetter records a job that exhausted its budget or failed terminally.
type DeadLetter struct {
	Job    Job       `json:"job"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Queue delivers jobs at least once. A claimed job that is neither acked,
// retried, nor dead-lettered before the visibility timeout reappears for
// another worker, so consumers must be idempotent.
type Queue interface {
	// Enqueue registers work for the video, returning the job id. When a
	// non-terminal job already exists for the video the call is a no-op
	// and the existing job id is returned.
	Enqueue(ctx context.Context, videoID string) (string, error)
	// Claim blocks until a job is available or ctx is cancelled.
	Claim(ctx context.Context) (*Job, error)
	// Ack marks the claimed job finished and releases its dedup key.
	Ack(ctx context.Context, jobID string) error
	// Retry schedules redelivery after delay with the attempt count
	// incremented and the failure reason recorded.
	Retry(ctx context.Context, jobID string, delay time.Duration, reason string) error
	// DeadLetter terminates the job into the dead-letter bucket.
	DeadLetter(ctx context.Context, jobID string, reason string) error
	// Cancel removes a pending job for the video, best effort. A job
	// already claimed by a worker is not interrupted; the pipeline's
	// existence re-check discards its output instead.
	Cancel(ctx context.Context, videoID string) error
	Close() error
}

// Backoff returns the delay before the next delivery of a job on its given
// attempt (1-based). Growth is exponential from base, capped at max, with no
// jitter so redelivery timing stays deterministic under test.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

func newJobID() string {
	return ulid.Make().String()
}
