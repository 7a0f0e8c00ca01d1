package server

import (
	"testing"
	"time"
)

func TestTokenBucketRefills(t *testing.T) {
	bucket := newTokenBucket(100, 1)
	if !bucket.Allow() {
		t.Fatal("expected first token to be available")
	}
	if bucket.Allow() {
		t.Fatal("expected bucket to be drained")
	}
	time.Sleep(20 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("expected bucket to refill over time")
	}
}

func TestAllowUploadZeroLimitDisablesThrottle(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 10; i++ {
		allowed, _, err := rl.AllowUpload("10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("expected unlimited uploads, got allowed=%v err=%v", allowed, err)
		}
	}
}

func TestAllowUploadIsolatesClients(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{UploadLimit: 2, UploadWindow: time.Hour})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowUpload("10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("upload %d: expected allowed, got allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, retryAfter, err := rl.AllowUpload("10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("expected third upload to be throttled")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %s", retryAfter)
	}

	allowed, _, err = rl.AllowUpload("10.0.0.2")
	if err != nil || !allowed {
		t.Fatalf("expected other client unaffected, got allowed=%v err=%v", allowed, err)
	}
}
