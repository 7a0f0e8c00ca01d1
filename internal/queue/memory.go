package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryConfig tunes the in-memory queue. Zero values pick defaults suited to
// a single-process deployment.
type MemoryConfig struct {
	// VisibilityTimeout bounds how long a claimed job may stay unacked
	// before it is redelivered.
	VisibilityTimeout time.Duration
	// SweepInterval controls how often expired claims and due retries are
	// promoted back to the ready list.
	SweepInterval time.Duration
}

const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultSweepInterval     = 100 * time.Millisecond
)

type jobState int

const (
	stateReady jobState = iota
	stateDelayed
	stateInflight
)

type memoryJob struct {
	job         Job
	state       jobState
	availableAt time.Time
	deadline    time.Time
}

// NewMemoryQueue initialises an in-memory queue suitable for tests and
// single-process deployments.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	q := &MemoryQueue{
		visibility: cfg.VisibilityTimeout,
		jobs:       make(map[string]*memoryJob),
		byVideo:    make(map[string]string),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go q.sweep(cfg.SweepInterval)
	return q
}

// MemoryQueue implements Queue for a single process. All state lives behind
// one mutex; claimers park on a wake channel instead of spinning.
type MemoryQueue struct {
	visibility time.Duration

	mu          sync.Mutex
	jobs        map[string]*memoryJob
	byVideo     map[string]string
	ready       []string
	deadLetters []DeadLetter
	closed      bool

	wake chan struct{}
	done chan struct{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, videoID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if existing, ok := q.byVideo[videoID]; ok {
		return existing, nil
	}
	job := &memoryJob{
		job: Job{
			ID:         newJobID(),
			VideoID:    videoID,
			Attempts:   0,
			EnqueuedAt: time.Now().UTC(),
		},
		state: stateReady,
	}
	q.jobs[job.job.ID] = job
	q.byVideo[videoID] = job.job.ID
	q.ready = append(q.ready, job.job.ID)
	q.signal()
	return job.job.ID, nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			entry, ok := q.jobs[id]
			if !ok {
				q.mu.Unlock()
				continue
			}
			entry.state = stateInflight
			entry.deadline = time.Now().Add(q.visibility)
			entry.job.Attempts++
			entry.job.StartedAt = time.Now().UTC()
			claimed := entry.job
			q.mu.Unlock()
			return &claimed, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.wake:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	delete(q.jobs, jobID)
	delete(q.byVideo, entry.job.VideoID)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, jobID string, delay time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	entry.job.LastError = reason
	if delay <= 0 {
		entry.state = stateReady
		q.ready = append(q.ready, jobID)
		q.signal()
		return nil
	}
	entry.state = stateDelayed
	entry.availableAt = time.Now().Add(delay)
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, jobID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	delete(q.jobs, jobID)
	delete(q.byVideo, entry.job.VideoID)
	q.deadLetters = append(q.deadLetters, DeadLetter{
		Job:    entry.job,
		Reason: reason,
		At:     time.Now().UTC(),
	})
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, videoID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobID, ok := q.byVideo[videoID]
	if !ok {
		return nil
	}
	entry := q.jobs[jobID]
	if entry == nil || entry.state == stateInflight {
		// In-flight work is not preempted; the pipeline discards its
		// output once it notices the video is gone.
		return nil
	}
	delete(q.jobs, jobID)
	delete(q.byVideo, videoID)
	for i, id := range q.ready {
		if id == jobID {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			break
		}
	}
	return nil
}

// DeadLetters returns a snapshot of the terminal failure bucket.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// sweep promotes due retries and redelivers claims whose visibility timeout
// expired. Runs until Close.
func (q *MemoryQueue) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
		}
		now := time.Now()
		q.mu.Lock()
		promoted := false
		for id, entry := range q.jobs {
			switch entry.state {
			case stateDelayed:
				if !entry.availableAt.After(now) {
					entry.state = stateReady
					q.ready = append(q.ready, id)
					promoted = true
				}
			case stateInflight:
				if !entry.deadline.After(now) {
					entry.state = stateReady
					q.ready = append(q.ready, id)
					promoted = true
				}
			}
		}
		if promoted {
			q.signal()
		}
		q.mu.Unlock()
	}
}
