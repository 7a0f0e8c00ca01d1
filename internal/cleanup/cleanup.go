// Package cleanup removes every trace of a deleted video and sweeps the
// artifact tree for orphans left behind by crashes between a metadata delete
// and the corresponding filesystem delete.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vodworks/internal/layout"
	"vodworks/internal/queue"
	"vodworks/internal/storage"
)

// Config wires the coordinator's collaborators. Store and Layout are
// required; Queue is optional because a delete still has to succeed when the
// queue is unreachable.
type Config struct {
	Store  storage.Repository
	Queue  queue.Queue
	Layout *layout.Manager
	Logger *slog.Logger

	// SweepInterval is how often the orphan sweeper runs. Zero disables the
	// periodic sweep; SweepOrphans can still be called directly.
	SweepInterval time.Duration
}

// Coordinator deletes videos in a fixed order: cancel the pending job, drop
// the metadata row, then remove artifacts. The record disappears before the
// files do, so a crash mid-delete leaves an orphaned tree that the sweeper
// reclaims, never a live record pointing at missing files.
type Coordinator struct {
	store  storage.Repository
	queue  queue.Queue
	layout *layout.Manager
	logger *slog.Logger

	sweepInterval time.Duration

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Layout == nil {
		return nil, errors.New("layout is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:         cfg.Store,
		queue:         cfg.Queue,
		layout:        cfg.Layout,
		logger:        logger,
		sweepInterval: cfg.SweepInterval,
		done:          make(chan struct{}),
	}, nil
}

// DeleteVideo removes the video's pending job, its metadata record, and its
// artifacts. Returns storage.ErrNotFound when no such video exists. A video
// that is mid-transcode is handled by the pipeline's own existence re-check
// after its stages finish.
func (c *Coordinator) DeleteVideo(ctx context.Context, videoID string) error {
	if c.queue != nil {
		if err := c.queue.Cancel(ctx, videoID); err != nil && !errors.Is(err, queue.ErrNotFound) && !errors.Is(err, queue.ErrClosed) {
			c.logger.Warn("cleanup could not cancel pending job", "video_id", videoID, "error", err)
		}
	}
	if err := c.store.DeleteVideo(ctx, videoID); err != nil {
		return err
	}
	if err := c.layout.DeleteTree(videoID); err != nil {
		return fmt.Errorf("delete artifacts for %s: %w", videoID, err)
	}
	c.logger.Info("video deleted", "video_id", videoID)
	return nil
}

// SweepOrphans removes artifact trees whose video no longer exists in the
// repository and returns the ids it reclaimed.
func (c *Coordinator) SweepOrphans(ctx context.Context) ([]string, error) {
	ids, err := c.layout.ProcessedVideoIDs()
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return reclaimed, ctx.Err()
		default:
		}
		if _, ok := c.store.GetVideo(ctx, id); ok {
			continue
		}
		if err := c.layout.DeleteTree(id); err != nil {
			c.logger.Error("orphan sweep delete failed", "video_id", id, "error", err)
			continue
		}
		c.logger.Info("orphaned artifacts reclaimed", "video_id", id)
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

// Start launches the periodic orphan sweeper when a sweep interval is
// configured.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.sweepInterval <= 0 {
		c.started = true
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop halts the periodic sweeper and waits for an in-flight sweep to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := c.SweepOrphans(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("orphan sweep failed", "error", err)
			}
			cancel()
		}
	}
}
