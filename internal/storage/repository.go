package storage

import (
	"context"
	"errors"
	"fmt"

	"vodworks/internal/models"
)

var (
	// ErrNotFound is returned when the referenced video does not exist.
	ErrNotFound = errors.New("video not found")
)

// CreateVideoParams captures the attributes that can be set when registering
// an uploaded video.
type CreateVideoParams struct {
	Title        string
	Description  string
	Category     string
	OriginalPath string
}

// VideoUpdate represents the fields that can be modified for an existing
// video. Nil fields are left untouched.
type VideoUpdate struct {
	Title         *string
	Description   *string
	Category      *string
	Status        *models.VideoStatus
	Error         *string
	OriginalPath  *string
	ThumbnailPath *string
	Renditions    *[]models.Rendition
}

// ListVideosFilter narrows ListVideos results. Zero value lists everything.
type ListVideosFilter struct {
	Status   models.VideoStatus
	Category string
}

// Repository exposes the datastore operations required by API handlers, the
// transcoding pipeline, and the cleanup coordinator.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, bool)
	ListVideos(ctx context.Context, filter ListVideosFilter) []models.Video
	UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error)
	DeleteVideo(ctx context.Context, id string) error

	Close(ctx context.Context) error
}

// validTransition enforces the forward-only status machine. Retries move a
// video back to queued, and any non-terminal state may fail.
func validTransition(from, to models.VideoStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case models.StatusUploaded:
		return to == models.StatusQueued || to == models.StatusFailed
	case models.StatusQueued:
		return to == models.StatusProcessing || to == models.StatusFailed
	case models.StatusProcessing:
		return to == models.StatusQueued || to == models.StatusReady || to == models.StatusFailed
	case models.StatusFailed:
		// A failed video may be resubmitted.
		return to == models.StatusQueued
	case models.StatusReady:
		return false
	}
	return false
}

func checkTransition(from, to models.VideoStatus) error {
	if !to.Valid() {
		return fmt.Errorf("invalid status %q", to)
	}
	if !validTransition(from, to) {
		return fmt.Errorf("invalid status transition %s -> %s", from, to)
	}
	return nil
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
