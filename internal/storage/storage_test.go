package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodworks/internal/models"
)

func newTestStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return store
}

func TestCreateVideoDefaults(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	video, err := store.CreateVideo(ctx, CreateVideoParams{
		Title:        "  Launch Recap  ",
		Description:  "Highlights from the launch.",
		Category:     "documentary",
		OriginalPath: "videos/original/abc.mp4",
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if video.ID == "" {
		t.Fatal("expected generated id")
	}
	if video.Title != "Launch Recap" {
		t.Fatalf("title not trimmed: %q", video.Title)
	}
	if video.Status != models.StatusUploaded {
		t.Fatalf("status = %s, want uploaded", video.Status)
	}
	if video.CreatedAt.IsZero() || !video.CreatedAt.Equal(video.UpdatedAt) {
		t.Fatalf("timestamps not initialised: %+v", video)
	}
}

func TestCreateVideoValidation(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if _, err := store.CreateVideo(ctx, CreateVideoParams{Title: "   "}); err == nil {
		t.Fatal("expected error for empty title")
	}
	if _, err := store.CreateVideo(ctx, CreateVideoParams{Title: "x", Category: "podcast"}); err == nil {
		t.Fatal("expected error for unknown category")
	}
	if _, err := store.CreateVideo(ctx, CreateVideoParams{Title: "x", Category: ""}); err != nil {
		t.Fatalf("empty category must be accepted: %v", err)
	}
}

func TestCreateVideoNormalizesTitleToNFC(t *testing.T) {
	store := newTestStorage(t)

	// "é" as 'e' + combining acute must collapse to the precomposed rune.
	decomposed := "Café Session"
	video, err := store.CreateVideo(context.Background(), CreateVideoParams{Title: decomposed})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if !strings.Contains(video.Title, "é") {
		t.Fatalf("title not NFC-normalized: %q", video.Title)
	}
}

func TestStatusTransitions(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	video, _ := store.CreateVideo(ctx, CreateVideoParams{Title: "clip"})

	advance := func(to models.VideoStatus) error {
		_, err := store.UpdateVideo(ctx, video.ID, VideoUpdate{Status: &to})
		return err
	}

	// Skipping queued is not allowed.
	if err := advance(models.StatusProcessing); err == nil {
		t.Fatal("uploaded -> processing must be rejected")
	}
	if err := advance(models.StatusQueued); err != nil {
		t.Fatalf("uploaded -> queued: %v", err)
	}
	if err := advance(models.StatusProcessing); err != nil {
		t.Fatalf("queued -> processing: %v", err)
	}
	// Retry path.
	if err := advance(models.StatusQueued); err != nil {
		t.Fatalf("processing -> queued: %v", err)
	}
	if err := advance(models.StatusProcessing); err != nil {
		t.Fatalf("queued -> processing: %v", err)
	}
	if err := advance(models.StatusReady); err != nil {
		t.Fatalf("processing -> ready: %v", err)
	}
	// Ready is terminal.
	if err := advance(models.StatusQueued); err == nil {
		t.Fatal("ready -> queued must be rejected")
	}
}

func TestFailedVideoCanBeResubmitted(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	video, _ := store.CreateVideo(ctx, CreateVideoParams{Title: "clip"})
	for _, status := range []models.VideoStatus{models.StatusQueued, models.StatusProcessing} {
		s := status
		if _, err := store.UpdateVideo(ctx, video.ID, VideoUpdate{Status: &s}); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}

	failed := models.StatusFailed
	reason := "unsupported codec"
	updated, err := store.UpdateVideo(ctx, video.ID, VideoUpdate{Status: &failed, Error: &reason})
	if err != nil {
		t.Fatalf("fail video: %v", err)
	}
	if updated.Error != reason {
		t.Fatalf("error = %q, want %q", updated.Error, reason)
	}

	queued := models.StatusQueued
	resubmitted, err := store.UpdateVideo(ctx, video.ID, VideoUpdate{Status: &queued})
	if err != nil {
		t.Fatalf("failed -> queued: %v", err)
	}
	if resubmitted.Error != "" {
		t.Fatalf("error must clear on resubmit, got %q", resubmitted.Error)
	}
}

func TestUpdateVideoRenditionsAndThumbnail(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	video, _ := store.CreateVideo(ctx, CreateVideoParams{Title: "clip"})
	renditions := []models.Rendition{
		{Resolution: "480p", Width: 854, Height: 480, Bandwidth: 800000, SegmentCount: 12, Complete: true},
	}
	thumb := "videos/processed/" + video.ID + "/thumbnail.jpg"
	updated, err := store.UpdateVideo(ctx, video.ID, VideoUpdate{
		Renditions:    &renditions,
		ThumbnailPath: &thumb,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.Renditions) != 1 || updated.ThumbnailPath != thumb {
		t.Fatalf("update not applied: %+v", updated)
	}

	// Mutating the caller's slice must not leak into the store.
	renditions[0].SegmentCount = 99
	got, _ := store.GetVideo(ctx, video.ID)
	if got.Renditions[0].SegmentCount != 12 {
		t.Fatal("stored renditions alias caller slice")
	}
}

func TestUpdateVideoNotFound(t *testing.T) {
	store := newTestStorage(t)
	status := models.StatusQueued
	if _, err := store.UpdateVideo(context.Background(), "missing", VideoUpdate{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := store.DeleteVideo(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing: got %v, want ErrNotFound", err)
	}
}

func TestListVideosFiltersAndOrders(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store := newTestStorage(t, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	ctx := context.Background()

	first, _ := store.CreateVideo(ctx, CreateVideoParams{Title: "first", Category: "drama"})
	second, _ := store.CreateVideo(ctx, CreateVideoParams{Title: "second", Category: "comedy"})

	all := store.ListVideos(ctx, ListVideosFilter{})
	if len(all) != 2 {
		t.Fatalf("list = %d entries, want 2", len(all))
	}
	if all[0].ID != second.ID {
		t.Fatal("newest video must sort first")
	}

	drama := store.ListVideos(ctx, ListVideosFilter{Category: "drama"})
	if len(drama) != 1 || drama[0].ID != first.ID {
		t.Fatalf("category filter: %+v", drama)
	}

	uploaded := store.ListVideos(ctx, ListVideosFilter{Status: models.StatusUploaded})
	if len(uploaded) != 2 {
		t.Fatalf("status filter: %d entries, want 2", len(uploaded))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	video, err := store.CreateVideo(context.Background(), CreateVideoParams{Title: "persisted"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.GetVideo(context.Background(), video.ID)
	if !ok || got.Title != "persisted" {
		t.Fatalf("video lost across reopen: %+v ok=%v", got, ok)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	video, _ := store.CreateVideo(ctx, CreateVideoParams{Title: "clip"})

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	queued := models.StatusQueued
	if _, err := store.UpdateVideo(ctx, video.ID, VideoUpdate{Status: &queued}); err == nil {
		t.Fatal("expected persist failure")
	}
	store.persistOverride = nil

	got, _ := store.GetVideo(ctx, video.ID)
	if got.Status != models.StatusUploaded {
		t.Fatalf("status mutated despite persist failure: %s", got.Status)
	}
}

func TestPersistLeavesNoTempFiles(t *testing.T) {
	store := newTestStorage(t)
	if _, err := store.CreateVideo(context.Background(), CreateVideoParams{Title: "clip"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(store.filePath))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "store-") && strings.HasSuffix(entry.Name(), ".json") && entry.Name() != "store.json" {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}
