package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"vodworks/internal/layout"
	"vodworks/internal/queue"
	"vodworks/internal/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, storage.Repository, *layout.Manager, *queue.MemoryQueue) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	manager, err := layout.NewManager(filepath.Join(dir, "media"))
	if err != nil {
		t.Fatalf("open layout: %v", err)
	}
	q := queue.NewMemoryQueue(queue.MemoryConfig{})
	t.Cleanup(func() {
		_ = q.Close()
		_ = store.Close(context.Background())
	})
	coordinator, err := New(Config{Store: store, Queue: q, Layout: manager})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinator, store, manager, q
}

func seedVideo(t *testing.T, store storage.Repository, manager *layout.Manager) string {
	t.Helper()
	video, err := store.CreateVideo(context.Background(), storage.CreateVideoParams{Title: "clip"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	originalPath, err := manager.OriginalPath(video.ID, "mp4")
	if err != nil {
		t.Fatalf("original path: %v", err)
	}
	if err := manager.Write(originalPath, []byte("source")); err != nil {
		t.Fatalf("write original: %v", err)
	}
	variantPath, err := manager.VariantPath(video.ID, "480p")
	if err != nil {
		t.Fatalf("variant path: %v", err)
	}
	if err := manager.Write(variantPath, []byte("#EXTM3U\n")); err != nil {
		t.Fatalf("write variant: %v", err)
	}
	return video.ID
}

func TestDeleteVideoRemovesRecordJobAndArtifacts(t *testing.T) {
	coordinator, store, manager, q := newTestCoordinator(t)
	ctx := context.Background()

	videoID := seedVideo(t, store, manager)
	if _, err := q.Enqueue(ctx, videoID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := coordinator.DeleteVideo(ctx, videoID); err != nil {
		t.Fatalf("delete video: %v", err)
	}

	if _, ok := store.GetVideo(ctx, videoID); ok {
		t.Fatal("expected metadata record to be gone")
	}
	variantPath, _ := manager.VariantPath(videoID, "480p")
	if manager.Exists(variantPath) {
		t.Fatal("expected processed artifacts to be gone")
	}
	originalPath, _ := manager.OriginalPath(videoID, "mp4")
	if manager.Exists(originalPath) {
		t.Fatal("expected original upload to be gone")
	}

	// The pending job was cancelled, so re-enqueueing mints a fresh job id.
	jobID, err := q.Enqueue(ctx, videoID)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected fresh job id after cancel")
	}
}

func TestDeleteVideoUnknownID(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)
	err := coordinator.DeleteVideo(context.Background(), "01J00000000000000000000000")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepOrphansReclaimsTreesWithoutRecords(t *testing.T) {
	coordinator, store, manager, _ := newTestCoordinator(t)
	ctx := context.Background()

	keptID := seedVideo(t, store, manager)

	orphanID := "01JORPHAN0000000000000000X"
	orphanPath, err := manager.VariantPath(orphanID, "720p")
	if err != nil {
		t.Fatalf("orphan path: %v", err)
	}
	if err := manager.Write(orphanPath, []byte("#EXTM3U\n")); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	reclaimed, err := coordinator.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != orphanID {
		t.Fatalf("expected [%s] reclaimed, got %v", orphanID, reclaimed)
	}
	if manager.Exists(orphanPath) {
		t.Fatal("expected orphan tree to be removed")
	}

	keptVariant, _ := manager.VariantPath(keptID, "480p")
	if !manager.Exists(keptVariant) {
		t.Fatal("expected live video's artifacts to survive the sweep")
	}
}

func TestSweepOrphansEmptyTree(t *testing.T) {
	coordinator, _, manager, _ := newTestCoordinator(t)

	if err := os.RemoveAll(filepath.Join(manager.Root(), "videos", "processed")); err != nil {
		t.Fatalf("remove processed dir: %v", err)
	}
	reclaimed, err := coordinator.SweepOrphans(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("expected no orphans, got %v", reclaimed)
	}
}
