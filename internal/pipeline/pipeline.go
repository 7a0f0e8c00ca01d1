// Package pipeline drives claimed transcoding jobs through probing, encoding,
// thumbnail extraction, and playlist assembly. Workers are idempotent: every
// artifact lands on a deterministic path via an atomic write, so a redelivered
// job overwrites its previous partial output instead of corrupting it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vodworks/internal/engine"
	"vodworks/internal/layout"
	"vodworks/internal/models"
	"vodworks/internal/notify"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/playlist"
	"vodworks/internal/queue"
	"vodworks/internal/storage"
)

// Config wires the pipeline's collaborators. Queue, Store, Engine, and Layout
// are required; everything else has defaults.
type Config struct {
	Queue    queue.Queue
	Store    storage.Repository
	Engine   engine.Engine
	Layout   *layout.Manager
	Notifier notify.Publisher
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	// Workers is the number of concurrent job claimers.
	Workers int
	// Ladder overrides the default rendition set.
	Ladder []models.RenditionSpec
	// MaxAttempts bounds deliveries per job before dead-lettering.
	MaxAttempts int
	// RetryBase and RetryMax shape the exponential backoff between attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
	// EncodeParallelism bounds concurrent renditions within one job.
	EncodeParallelism int
	// ThumbnailOffset is the timestamp the poster frame is taken from.
	ThumbnailOffset time.Duration
	// DiscardOriginals deletes the uploaded source after a successful
	// transcode instead of retaining it for future re-encodes.
	DiscardOriginals bool
}

const (
	defaultWorkers           = 2
	defaultMaxAttempts       = 3
	defaultRetryBase         = 5 * time.Second
	defaultRetryMax          = 5 * time.Minute
	defaultEncodeParallelism = 2
	defaultThumbnailOffset   = time.Second
)

// Pipeline owns the worker pool consuming the job queue.
type Pipeline struct {
	queue    queue.Queue
	store    storage.Repository
	engine   engine.Engine
	layout   *layout.Manager
	notifier notify.Publisher
	metrics  *metrics.Recorder
	logger   *slog.Logger

	workers           int
	ladder            []models.RenditionSpec
	maxAttempts       int
	retryBase         time.Duration
	retryMax          time.Duration
	encodeParallelism int
	thumbnailOffset   time.Duration
	discardOriginals  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Layout == nil {
		return nil, errors.New("layout is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}
	parallelism := cfg.EncodeParallelism
	if parallelism <= 0 {
		parallelism = defaultEncodeParallelism
	}
	offset := cfg.ThumbnailOffset
	if offset <= 0 {
		offset = defaultThumbnailOffset
	}
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = models.DefaultLadder()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NoopPublisher{}
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		queue:             cfg.Queue,
		store:             cfg.Store,
		engine:            cfg.Engine,
		layout:            cfg.Layout,
		notifier:          notifier,
		metrics:           recorder,
		logger:            logger,
		workers:           workers,
		ladder:            append([]models.RenditionSpec(nil), ladder...),
		maxAttempts:       maxAttempts,
		retryBase:         retryBase,
		retryMax:          retryMax,
		encodeParallelism: parallelism,
		thumbnailOffset:   offset,
		discardOriginals:  cfg.DiscardOriginals,
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// Start launches the worker pool and re-enqueues jobs for videos that were
// mid-flight when the previous process stopped.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.recoverPending()
}

// Shutdown stops claiming new jobs and waits for in-flight work to finish or
// ctx to expire. Unfinished jobs reappear after their visibility timeout.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit moves the video into the queue. Submitting a video that already has
// a pending job merges into it; resubmitting a failed video restarts it.
func (p *Pipeline) Submit(ctx context.Context, videoID string) (string, error) {
	video, ok := p.store.GetVideo(ctx, videoID)
	if !ok {
		return "", storage.ErrNotFound
	}
	if video.Status == models.StatusQueued || video.Status == models.StatusProcessing {
		return p.queue.Enqueue(ctx, videoID)
	}

	queued := models.StatusQueued
	if _, err := p.store.UpdateVideo(ctx, videoID, storage.VideoUpdate{Status: &queued}); err != nil {
		return "", err
	}
	jobID, err := p.queue.Enqueue(ctx, videoID)
	if err != nil {
		return "", fmt.Errorf("enqueue video %s: %w", videoID, err)
	}
	p.publishStatus(ctx, videoID, video.Status, models.StatusQueued, "")
	return jobID, nil
}

// recoverPending re-enqueues videos stranded in queued or processing by a
// previous process. Queue dedup makes this safe against doubled submissions.
func (p *Pipeline) recoverPending() {
	for _, status := range []models.VideoStatus{models.StatusQueued, models.StatusProcessing} {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		for _, video := range p.store.ListVideos(p.ctx, storage.ListVideosFilter{Status: status}) {
			if _, err := p.queue.Enqueue(p.ctx, video.ID); err != nil {
				if errors.Is(err, queue.ErrClosed) {
					return
				}
				p.logger.Error("pipeline recovery enqueue failed", "video_id", video.ID, "error", err)
			}
		}
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		job, err := p.queue.Claim(p.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Error("pipeline claim failed", "error", err)
			continue
		}
		p.processJob(job)
	}
}

func (p *Pipeline) processJob(job *queue.Job) {
	ctx := p.ctx
	logger := p.logger.With("job_id", job.ID, "video_id", job.VideoID, "attempt", job.Attempts)
	p.metrics.JobClaimed()

	video, ok := p.store.GetVideo(ctx, job.VideoID)
	if !ok {
		// The video was deleted while the job sat in the queue.
		logger.Info("discarding job for deleted video")
		p.ackJob(ctx, job.ID)
		p.metrics.JobDiscarded()
		return
	}
	if video.Status.Terminal() {
		logger.Info("discarding redelivered job for settled video", "status", video.Status)
		p.ackJob(ctx, job.ID)
		p.metrics.JobDiscarded()
		return
	}

	processing := models.StatusProcessing
	if _, err := p.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{Status: &processing}); err != nil {
		logger.Error("failed to mark video processing", "error", err)
		p.retryJob(ctx, job, err.Error())
		return
	}
	p.publishStatus(ctx, video.ID, video.Status, models.StatusProcessing, "")

	result, err := p.runStages(ctx, video)
	if err != nil {
		p.settleFailure(ctx, job, video, err, logger)
		return
	}

	// The video may have been deleted while encoding ran. Its output is
	// orphaned; remove it instead of publishing a ghost.
	if _, ok := p.store.GetVideo(ctx, video.ID); !ok {
		logger.Info("video deleted during processing, removing output")
		if err := p.layout.DeleteTree(video.ID); err != nil {
			logger.Error("failed to remove orphaned output", "error", err)
		}
		p.ackJob(ctx, job.ID)
		p.metrics.JobDiscarded()
		return
	}

	ready := models.StatusReady
	if _, err := p.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{
		Status:        &ready,
		ThumbnailPath: &result.thumbnailPath,
		Renditions:    &result.renditions,
	}); err != nil {
		logger.Error("failed to mark video ready", "error", err)
		p.retryJob(ctx, job, err.Error())
		return
	}
	p.publishStatus(ctx, video.ID, models.StatusProcessing, models.StatusReady, "")

	if p.discardOriginals {
		if err := p.layout.DeleteOriginal(video.ID); err != nil {
			logger.Error("failed to discard original", "error", err)
		}
	}

	p.ackJob(ctx, job.ID)
	p.metrics.JobSucceeded()
	logger.Info("video transcoded", "renditions", len(result.renditions), "duration_ms", time.Since(job.StartedAt).Milliseconds())
}

type stageResult struct {
	thumbnailPath string
	renditions    []models.Rendition
}

// runStages executes probe, thumbnail, the rendition fan-out, and master
// playlist assembly. The ladder is all-or-nothing: one failed rendition fails
// the whole job, and nothing is published.
func (p *Pipeline) runStages(ctx context.Context, video models.Video) (stageResult, error) {
	inputPath := video.OriginalPath
	if inputPath == "" {
		return stageResult{}, engine.Terminal("probe", errors.New("original upload path is empty"))
	}
	if !p.layout.Exists(inputPath) {
		return stageResult{}, engine.Terminal("probe", fmt.Errorf("original upload missing at %s", inputPath))
	}

	if _, err := p.engine.Probe(ctx, inputPath); err != nil {
		return stageResult{}, err
	}

	thumbnailPath, err := p.layout.ThumbnailPath(video.ID)
	if err != nil {
		return stageResult{}, engine.Terminal("thumbnail", err)
	}
	if !p.layout.Exists(thumbnailPath) {
		if err := p.engine.Thumbnail(ctx, inputPath, thumbnailPath, p.thumbnailOffset); err != nil {
			return stageResult{}, err
		}
	}

	renditions := make([]models.Rendition, len(p.ladder))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.encodeParallelism)
	for i, spec := range p.ladder {
		i, spec := i, spec
		group.Go(func() error {
			rendition, err := p.encodeRendition(groupCtx, video.ID, inputPath, spec)
			if err != nil {
				return err
			}
			renditions[i] = rendition
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return stageResult{}, err
	}

	masterPath, err := p.layout.MasterPath(video.ID)
	if err != nil {
		return stageResult{}, engine.Terminal("assemble", err)
	}
	if err := p.layout.Write(masterPath, []byte(playlist.Master(renditions))); err != nil {
		return stageResult{}, engine.Transient("assemble", err)
	}

	return stageResult{thumbnailPath: thumbnailPath, renditions: renditions}, nil
}

func (p *Pipeline) encodeRendition(ctx context.Context, videoID, inputPath string, spec models.RenditionSpec) (models.Rendition, error) {
	outputDir, err := p.layout.RenditionDir(videoID, spec.Resolution)
	if err != nil {
		return models.Rendition{}, engine.Terminal("encode", err)
	}
	variantPath, err := p.layout.VariantPath(videoID, spec.Resolution)
	if err != nil {
		return models.Rendition{}, engine.Terminal("encode", err)
	}

	start := time.Now()
	result, err := p.engine.Encode(ctx, engine.EncodeRequest{
		InputPath:    inputPath,
		OutputDir:    outputDir,
		PlaylistPath: variantPath,
		Spec:         spec,
	})
	if err != nil {
		p.metrics.ObserveEncode(spec.Resolution, "failed", time.Since(start))
		return models.Rendition{}, err
	}
	p.metrics.ObserveEncode(spec.Resolution, "ok", time.Since(start))

	// Regenerate the variant playlist from the measured durations so a
	// redelivered job produces byte-identical output.
	variant := playlist.Variant(playlist.VariantInput{SegmentDurations: result.SegmentDurations})
	if err := p.layout.Write(variantPath, []byte(variant)); err != nil {
		return models.Rendition{}, engine.Transient("encode", err)
	}

	return models.Rendition{
		Resolution:   spec.Resolution,
		Width:        spec.Width,
		Height:       spec.Height,
		Bandwidth:    spec.Bandwidth,
		PlaylistPath: variantPath,
		SegmentCount: result.SegmentCount,
		Complete:     true,
	}, nil
}

// settleFailure decides between retry and dead-letter for a failed job.
func (p *Pipeline) settleFailure(ctx context.Context, job *queue.Job, video models.Video, failure error, logger *slog.Logger) {
	reason := failure.Error()
	kind := engine.Classify(failure)

	if kind == engine.KindTransient && job.Attempts < p.maxAttempts {
		delay := queue.Backoff(job.Attempts, p.retryBase, p.retryMax)
		logger.Warn("transcode attempt failed, retrying", "error", failure, "delay", delay.String())
		queued := models.StatusQueued
		if _, err := p.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{Status: &queued, Error: &reason}); err != nil {
			logger.Error("failed to requeue video", "error", err)
		} else {
			p.publishStatus(ctx, video.ID, models.StatusProcessing, models.StatusQueued, reason)
		}
		p.retryJobWithDelay(ctx, job, delay, reason)
		return
	}

	if kind == engine.KindTerminal {
		logger.Error("transcode failed terminally", "error", failure)
	} else {
		logger.Error("transcode exhausted attempt budget", "error", failure, "attempts", job.Attempts)
	}

	failed := models.StatusFailed
	if _, err := p.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{Status: &failed, Error: &reason}); err != nil {
		logger.Error("failed to mark video failed", "error", err)
	} else {
		p.publishStatus(ctx, video.ID, models.StatusProcessing, models.StatusFailed, reason)
	}
	// The job will never run again, so the original upload and whatever
	// partial renditions landed on disk are unreachable. Reclaim them now;
	// the orphan sweep cannot, because the failed record still exists.
	if err := p.layout.DeleteTree(video.ID); err != nil {
		logger.Error("failed to remove artifacts for dead-lettered video", "error", err)
	}
	if err := p.queue.DeadLetter(ctx, job.ID, reason); err != nil && !errors.Is(err, queue.ErrNotFound) {
		p.logger.Error("dead-letter failed", "job_id", job.ID, "error", err)
	}
	p.metrics.JobDeadLettered()
}

func (p *Pipeline) retryJob(ctx context.Context, job *queue.Job, reason string) {
	p.retryJobWithDelay(ctx, job, queue.Backoff(job.Attempts, p.retryBase, p.retryMax), reason)
}

func (p *Pipeline) retryJobWithDelay(ctx context.Context, job *queue.Job, delay time.Duration, reason string) {
	if err := p.queue.Retry(ctx, job.ID, delay, reason); err != nil && !errors.Is(err, queue.ErrNotFound) {
		p.logger.Error("retry scheduling failed", "job_id", job.ID, "error", err)
	}
	p.metrics.JobRetried()
}

func (p *Pipeline) ackJob(ctx context.Context, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		p.logger.Error("ack failed", "job_id", jobID, "error", err)
	}
}

func (p *Pipeline) publishStatus(ctx context.Context, videoID string, from, to models.VideoStatus, reason string) {
	err := p.notifier.PublishStatusChange(ctx, notify.StatusChange{
		VideoID:    videoID,
		OldStatus:  from,
		NewStatus:  to,
		Error:      reason,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("status change publish failed", "video_id", videoID, "error", err)
	}
}
