package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vodworks/internal/engine"
	"vodworks/internal/layout"
	"vodworks/internal/models"
	"vodworks/internal/notify"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/queue"
	"vodworks/internal/storage"
)

type fakeEngine struct {
	mu          sync.Mutex
	probeCalls  int
	encodeCalls int

	probeErr    error
	probeErrs   int // fail this many probes before succeeding
	encodeErr   error
	encodeGate  chan struct{} // when set, Encode blocks until closed
	failOn      string        // resolution whose encode fails
	failOnErr   error
	segmentSpec []float64
}

func (f *fakeEngine) Probe(ctx context.Context, inputPath string) (engine.Probe, error) {
	f.mu.Lock()
	f.probeCalls++
	calls := f.probeCalls
	f.mu.Unlock()
	if f.probeErr != nil && (f.probeErrs == 0 || calls <= f.probeErrs) {
		return engine.Probe{}, f.probeErr
	}
	return engine.Probe{Duration: 24500 * time.Millisecond, Width: 1920, Height: 1080, Codec: "h264"}, nil
}

func (f *fakeEngine) Encode(ctx context.Context, req engine.EncodeRequest) (engine.EncodeResult, error) {
	f.mu.Lock()
	f.encodeCalls++
	f.mu.Unlock()
	if f.encodeGate != nil {
		select {
		case <-f.encodeGate:
		case <-ctx.Done():
			return engine.EncodeResult{}, ctx.Err()
		}
	}
	if f.encodeErr != nil {
		return engine.EncodeResult{}, f.encodeErr
	}
	if f.failOn != "" && req.Spec.Resolution == f.failOn {
		return engine.EncodeResult{}, f.failOnErr
	}
	durations := f.segmentSpec
	if durations == nil {
		durations = []float64{10, 10, 4.5}
	}
	// Materialize the segments the way a real encoder would.
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return engine.EncodeResult{}, err
	}
	for i := range durations {
		segPath := filepath.Join(req.OutputDir, "segment-"+itoa(i)+".ts")
		if err := os.WriteFile(segPath, []byte("ts"), 0o644); err != nil {
			return engine.EncodeResult{}, err
		}
	}
	return engine.EncodeResult{SegmentCount: len(durations), SegmentDurations: durations}, nil
}

func (f *fakeEngine) Thumbnail(ctx context.Context, inputPath, outputPath string, offset time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("jpg"), 0o644)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type harness struct {
	pipeline *Pipeline
	store    *storage.Storage
	queue    *queue.MemoryQueue
	layout   *layout.Manager
	engine   *fakeEngine
	notify   *notify.MemoryPublisher
	metrics  *metrics.Recorder
}

func newHarness(t *testing.T, eng *fakeEngine, mutate func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	manager, err := layout.NewManager(filepath.Join(dir, "media"))
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	q := queue.NewMemoryQueue(queue.MemoryConfig{SweepInterval: 10 * time.Millisecond})
	publisher := notify.NewMemoryPublisher()
	recorder := metrics.New()

	cfg := Config{
		Queue:       q,
		Store:       store,
		Engine:      eng,
		Layout:      manager,
		Notifier:    publisher,
		Metrics:     recorder,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Workers:     1,
		MaxAttempts: 3,
		RetryBase:   10 * time.Millisecond,
		RetryMax:    50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
		_ = q.Close()
	})
	return &harness{pipeline: p, store: store, queue: q, layout: manager, engine: eng, notify: publisher, metrics: recorder}
}

func (h *harness) createVideo(t *testing.T) models.Video {
	t.Helper()
	video, err := h.store.CreateVideo(context.Background(), storage.CreateVideoParams{Title: "clip"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	originalPath, err := h.layout.OriginalPath(video.ID, "mp4")
	if err != nil {
		t.Fatalf("original path: %v", err)
	}
	if err := h.layout.Write(originalPath, []byte("mp4-bytes")); err != nil {
		t.Fatalf("write original: %v", err)
	}
	video, err = h.store.UpdateVideo(context.Background(), video.ID, storage.VideoUpdate{OriginalPath: &originalPath})
	if err != nil {
		t.Fatalf("record original path: %v", err)
	}
	return video
}

func waitForStatus(t *testing.T, store *storage.Storage, id string, want models.VideoStatus) models.Video {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		video, ok := store.GetVideo(context.Background(), id)
		if ok && video.Status == want {
			return video
		}
		time.Sleep(10 * time.Millisecond)
	}
	video, _ := store.GetVideo(context.Background(), id)
	t.Fatalf("video %s never reached %s, stuck at %s (error=%q)", id, want, video.Status, video.Error)
	return models.Video{}
}

func TestPipelineHappyPath(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng, nil)
	video := h.createVideo(t)
	h.pipeline.Start()

	if _, err := h.pipeline.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ready := waitForStatus(t, h.store, video.ID, models.StatusReady)
	if len(ready.Renditions) != 3 {
		t.Fatalf("renditions = %d, want 3", len(ready.Renditions))
	}
	for _, rendition := range ready.Renditions {
		if !rendition.Complete || rendition.SegmentCount != 3 {
			t.Fatalf("incomplete rendition: %+v", rendition)
		}
		if !h.layout.Exists(rendition.PlaylistPath) {
			t.Fatalf("variant playlist missing: %s", rendition.PlaylistPath)
		}
	}
	if ready.ThumbnailPath == "" || !h.layout.Exists(ready.ThumbnailPath) {
		t.Fatalf("thumbnail missing: %q", ready.ThumbnailPath)
	}
	masterPath, _ := h.layout.MasterPath(video.ID)
	if !h.layout.Exists(masterPath) {
		t.Fatal("master playlist missing")
	}

	events, _ := h.metrics.JobCounts()
	if events["succeeded"] != 1 {
		t.Fatalf("job counters: %+v", events)
	}
}

func TestPipelinePublishesStatusChanges(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng, nil)
	video := h.createVideo(t)
	h.pipeline.Start()

	if _, err := h.pipeline.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, h.store, video.ID, models.StatusReady)

	var sequence []models.VideoStatus
	for _, event := range h.notify.Events() {
		if event.VideoID == video.ID {
			sequence = append(sequence, event.NewStatus)
		}
	}
	want := []models.VideoStatus{models.StatusQueued, models.StatusProcessing, models.StatusReady}
	if len(sequence) != len(want) {
		t.Fatalf("status sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", sequence, want)
		}
	}
}

func TestPipelineTerminalFailureDeadLetters(t *testing.T) {
	eng := &fakeEngine{probeErr: engine.Terminal("probe", errors.New("moov atom not found"))}
	h := newHarness(t, eng, nil)
	video := h.createVideo(t)
	h.pipeline.Start()

	if _, err := h.pipeline.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStatus(t, h.store, video.ID, models.StatusFailed)
	if failed.Error == "" {
		t.Fatal("failure reason not recorded")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.queue.DeadLetters()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	letters := h.queue.DeadLetters()
	if len(letters) != 1 || letters[0].Job.VideoID != video.ID {
		t.Fatalf("dead letters: %+v", letters)
	}

	masterPath, _ := h.layout.MasterPath(video.ID)
	if h.layout.Exists(masterPath) {
		t.Fatal("failed video must not publish a master playlist")
	}
}

func TestPipelineDeadLetterReclaimsArtifacts(t *testing.T) {
	eng := &fakeEngine{encodeErr: engine.Transient("encode", errors.New("encoder crashed"))}
	h := newHarness(t, eng, nil)
	video := h.createVideo(t)
	h.pipeline.Start()

	if _, err := h.pipeline.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStatus(t, h.store, video.ID, models.StatusFailed)
	if failed.Error == "" {
		t.Fatal("failure reason not recorded")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.queue.DeadLetters()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(h.queue.DeadLetters()) != 1 {
		t.Fatalf("dead letters: %+v", h.queue.DeadLetters())
	}

	// The thumbnail lands before the encodes run, so it is the partial
	// artifact that would otherwise be stranded on disk.
	thumbnailPath, _ := h.layout.ThumbnailPath(video.ID)
	if h.layout.Exists(thumbnailPath) {
		t.Fatalf("partial artifact survived dead-letter: %s", thumbnailPath)
	}
	if h.layout.Exists(video.OriginalPath) {
		t.Fatalf("original survived dead-letter: %s", video.OriginalPath)
	}
}

func TestPipelineTransientFailureRetriesThenSucceeds(t *testing.T) {
	eng := &fakeEngine{
		probeErr:  engine.Transient("probe", errors.New("probe timeout")),
		probeErrs: 1,
	}
	h := newHarness(t, eng, nil)
	video := h.createVideo(t)
	h.pipeline.Start()

	if _, err := h.pipeline.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, h.store, video.ID, models.StatusReady)
	events, _ := h.metrics.JobCounts()
	if events["retried"] != 1 || events["succeeded"] != 1 {
		t.Fatalf("job counters: %+v", events)
	}
}

func TestPipelineAllOrNothingLadder(t *testing.T) {
	eng := &fakeEngine{
		failOn:    "720p",
		failOnErr: engine.Terminal("encode", errors.New("unsupported codec")),
	}
	h := newHarness(t, eng, nil)
	video := h.createVideo(t)
	h.pipeline.Start()

	if _, err := h.pipeline.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStatus(t, h.store, video.ID, models.StatusFailed)
	if len(failed.Renditions) != 0 {
		t.Fatalf("partial ladder published: %+v", failed.Renditions)
	}
	masterPath, _ := h.layout.MasterPath(video.ID)
	if h.layout.Exists(masterPath) {
		t.Fatal("master must not exist after a failed rendition")
	}
}

func TestPipelineDiscardsOutputWhenVideoDeletedMidEncode(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{encodeGate: gate}
	h := newHarness(t, eng, func(cfg *Config) {
		cfg.EncodeParallelism = 1
	})
	video := h.createVideo(t)
	h.pipeline.Start()

	if _, err := h.pipeline.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, h.store, video.ID, models.StatusProcessing)

	if err := h.store.DeleteVideo(context.Background(), video.ID); err != nil {
		t.Fatalf("delete video: %v", err)
	}
	close(gate)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, _ := h.metrics.JobCounts()
		if events["discarded"] >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	events, _ := h.metrics.JobCounts()
	if events["discarded"] == 0 {
		t.Fatal("job was not discarded after video deletion")
	}

	masterPath, _ := h.layout.MasterPath(video.ID)
	if h.layout.Exists(masterPath) {
		t.Fatal("output tree survived deletion")
	}
}

func TestPipelineDiscardOriginalsPolicy(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng, func(cfg *Config) {
		cfg.DiscardOriginals = true
	})
	video := h.createVideo(t)
	h.pipeline.Start()

	if _, err := h.pipeline.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ready := waitForStatus(t, h.store, video.ID, models.StatusReady)

	if h.layout.Exists(ready.OriginalPath) {
		t.Fatal("original should be discarded after success")
	}
}

func TestPipelineSubmitMergesDuplicates(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{encodeGate: gate}
	h := newHarness(t, eng, nil)
	video := h.createVideo(t)
	h.pipeline.Start()
	defer close(gate)

	first, err := h.pipeline.Submit(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := h.pipeline.Submit(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first != second {
		t.Fatalf("duplicate submit created a second job: %s vs %s", first, second)
	}
}

func TestPipelineShutdownStopsWorkers(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng, nil)
	h.pipeline.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.pipeline.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
