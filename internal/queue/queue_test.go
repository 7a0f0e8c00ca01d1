package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 4, want: 16 * time.Second},
		{attempt: 6, want: time.Minute},
		{attempt: 20, want: time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, base, max); got != tc.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDefaultsAndClamps(t *testing.T) {
	if got := Backoff(0, 0, 0); got != time.Second {
		t.Fatalf("zero-value backoff = %s, want 1s", got)
	}
	if got := Backoff(3, 0, 0); got != 4*time.Second {
		t.Fatalf("uncapped backoff = %s, want 4s", got)
	}
}

func newTestQueue(t *testing.T, cfg MemoryConfig) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(cfg)
	t.Cleanup(func() { q.Close() })
	return q
}

func claimWithin(t *testing.T, q *MemoryQueue, timeout time.Duration) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestMemoryEnqueueDeduplicatesByVideo(t *testing.T) {
	q := newTestQueue(t, MemoryConfig{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "vid-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, "vid-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first != second {
		t.Fatalf("duplicate enqueue created a second job: %s vs %s", first, second)
	}

	job := claimWithin(t, q, time.Second)
	if job.VideoID != "vid-1" || job.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", job)
	}

	// Still inflight, so no second delivery should exist yet.
	ctx2, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Claim(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected empty queue, got err %v", err)
	}
}

func TestMemoryEnqueueDeduplicatesUnderContention(t *testing.T) {
	q := newTestQueue(t, MemoryConfig{})
	ctx := context.Background()

	const racers = 16
	ids := make([]string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := q.Enqueue(ctx, "vid-1")
			if err != nil {
				t.Errorf("enqueue %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < racers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("racing enqueues split into jobs %s and %s", ids[0], ids[i])
		}
	}

	job := claimWithin(t, q, time.Second)
	if job.ID != ids[0] || job.VideoID != "vid-1" {
		t.Fatalf("unexpected claimed job: %+v", job)
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Claim(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a single delivery, got err %v", err)
	}
}

func TestMemoryAckReleasesDedupKey(t *testing.T) {
	q := newTestQueue(t, MemoryConfig{})
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, "vid-1")
	job := claimWithin(t, q, time.Second)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	second, err := q.Enqueue(ctx, "vid-1")
	if err != nil {
		t.Fatalf("re-enqueue after ack: %v", err)
	}
	if second == first {
		t.Fatal("acked job id must not be reused for a fresh enqueue")
	}
	if err := q.Ack(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double ack: got %v, want ErrNotFound", err)
	}
}

func TestMemoryRetryRedeliversAfterDelay(t *testing.T) {
	q := newTestQueue(t, MemoryConfig{SweepInterval: 10 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, "vid-1")
	job := claimWithin(t, q, time.Second)

	if err := q.Retry(ctx, job.ID, 50*time.Millisecond, "probe timeout"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	redelivered := claimWithin(t, q, time.Second)
	if redelivered.ID != job.ID {
		t.Fatalf("retry delivered a different job: %s vs %s", redelivered.ID, job.ID)
	}
	if redelivered.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", redelivered.Attempts)
	}
	if redelivered.LastError != "probe timeout" {
		t.Fatalf("last error = %q", redelivered.LastError)
	}
}

func TestMemoryVisibilityTimeoutRedelivers(t *testing.T) {
	q := newTestQueue(t, MemoryConfig{
		VisibilityTimeout: 40 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
	})
	ctx := context.Background()

	q.Enqueue(ctx, "vid-1")
	job := claimWithin(t, q, time.Second)

	// Never acked; the sweeper must hand it out again.
	redelivered := claimWithin(t, q, time.Second)
	if redelivered.ID != job.ID {
		t.Fatalf("expected redelivery of %s, got %s", job.ID, redelivered.ID)
	}
	if redelivered.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", redelivered.Attempts)
	}
}

func TestMemoryDeadLetterTerminatesJob(t *testing.T) {
	q := newTestQueue(t, MemoryConfig{})
	ctx := context.Background()

	q.Enqueue(ctx, "vid-1")
	job := claimWithin(t, q, time.Second)

	if err := q.DeadLetter(ctx, job.ID, "unsupported codec"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	letters := q.DeadLetters()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Job.VideoID != "vid-1" || letters[0].Reason != "unsupported codec" {
		t.Fatalf("unexpected dead letter: %+v", letters[0])
	}

	// Dedup key is released, so the video may be submitted again.
	if _, err := q.Enqueue(ctx, "vid-1"); err != nil {
		t.Fatalf("enqueue after dead-letter: %v", err)
	}
}

func TestMemoryCancelRemovesPendingOnly(t *testing.T) {
	q := newTestQueue(t, MemoryConfig{})
	ctx := context.Background()

	q.Enqueue(ctx, "vid-pending")
	q.Enqueue(ctx, "vid-inflight")

	inflight := claimWithin(t, q, time.Second)
	for inflight.VideoID != "vid-inflight" {
		// Claimed the other one first; put it back immediately and
		// claim again.
		if err := q.Retry(ctx, inflight.ID, 0, ""); err != nil {
			t.Fatalf("retry: %v", err)
		}
		inflight = claimWithin(t, q, time.Second)
	}

	if err := q.Cancel(ctx, "vid-pending"); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if err := q.Cancel(ctx, "vid-inflight"); err != nil {
		t.Fatalf("cancel inflight: %v", err)
	}
	if err := q.Cancel(ctx, "vid-unknown"); err != nil {
		t.Fatalf("cancel unknown: %v", err)
	}

	// The inflight job survives cancellation and can still be acked.
	if err := q.Ack(ctx, inflight.ID); err != nil {
		t.Fatalf("ack inflight after cancel: %v", err)
	}
}

func TestMemoryClaimUnblocksOnClose(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{})

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Claim(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("claim after close: got %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("claim did not unblock on close")
	}

	if _, err := q.Enqueue(context.Background(), "vid"); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after close: got %v, want ErrClosed", err)
	}
}

func TestRedisReplyParsing(t *testing.T) {
	readGroupReply := []interface{}{
		[]interface{}{
			"vodworks:jobs",
			[]interface{}{
				[]interface{}{"1-1", []interface{}{"payload", `{"id":"j1","videoId":"v1"}`}},
			},
		},
	}
	entries := parseReadGroupEntries(readGroupReply)
	if len(entries) != 1 || entries[0].ID != "1-1" {
		t.Fatalf("readgroup parse: %+v", entries)
	}

	autoClaimReply := []interface{}{
		"0-0",
		[]interface{}{
			[]interface{}{"2-0", []interface{}{"payload", []byte(`{"id":"j2","videoId":"v2"}`)}},
		},
		[]interface{}{},
	}
	entries = parseAutoClaimEntries(autoClaimReply)
	if len(entries) != 1 || entries[0].ID != "2-0" {
		t.Fatalf("autoclaim parse: %+v", entries)
	}
	if string(entries[0].Payload) != `{"id":"j2","videoId":"v2"}` {
		t.Fatalf("autoclaim payload: %q", entries[0].Payload)
	}

	if got := parseStreamEntries([]interface{}{}); len(got) != 0 {
		t.Fatalf("empty xrange parse: %+v", got)
	}
}
