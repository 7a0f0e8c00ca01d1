package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"

	"vodworks/internal/models"
)

type dataset struct {
	Videos map[string]models.Video `json:"videos"`
}

func newDataset() dataset {
	return dataset{Videos: make(map[string]models.Video)}
}

// Storage is the JSON-file-backed repository. Every mutation rewrites the
// snapshot atomically, so a crash mid-write leaves the previous snapshot
// intact.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens (or creates) the JSON snapshot at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneVideo(v models.Video) models.Video {
	cloned := v
	if v.Renditions != nil {
		cloned.Renditions = append([]models.Rendition(nil), v.Renditions...)
	}
	return cloned
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, video := range src.Videos {
		clone.Videos[id] = cloneVideo(video)
	}
	return clone
}

func generateID() string {
	return ulid.Make().String()
}

// normalizeTitle trims and NFC-normalizes the title so lookups and dedup
// comparisons do not depend on the uploader's Unicode composition form.
func normalizeTitle(title string) string {
	return norm.NFC.String(strings.TrimSpace(title))
}

func (s *Storage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

func (s *Storage) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	title := normalizeTitle(params.Title)
	if title == "" {
		return models.Video{}, errors.New("title is required")
	}
	category := strings.TrimSpace(params.Category)
	if !models.ValidCategory(category) {
		return models.Video{}, fmt.Errorf("unknown category %q", category)
	}

	now := s.clock()
	video := models.Video{
		ID:           generateID(),
		Title:        title,
		Description:  strings.TrimSpace(params.Description),
		Category:     category,
		Status:       models.StatusUploaded,
		OriginalPath: params.OriginalPath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.data.Videos[video.ID] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, video.ID)
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

func (s *Storage) GetVideo(ctx context.Context, id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, false
	}
	return cloneVideo(video), true
}

func (s *Storage) ListVideos(ctx context.Context, filter ListVideosFilter) []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		if filter.Status != "" && video.Status != filter.Status {
			continue
		}
		if filter.Category != "" && video.Category != filter.Category {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	return videos
}

func (s *Storage) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	video, ok := updatedData.Videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	applied, err := applyVideoUpdate(video, update, s.clock())
	if err != nil {
		return models.Video{}, err
	}

	updatedData.Videos[id] = applied
	if err := s.persistDataset(updatedData); err != nil {
		return models.Video{}, err
	}
	s.data = updatedData
	return cloneVideo(applied), nil
}

// applyVideoUpdate validates and applies the update against one video. Shared
// between drivers so both enforce the same status machine.
func applyVideoUpdate(video models.Video, update VideoUpdate, now time.Time) (models.Video, error) {
	if update.Title != nil {
		title := normalizeTitle(*update.Title)
		if title == "" {
			return models.Video{}, errors.New("title cannot be empty")
		}
		video.Title = title
	}
	if update.Description != nil {
		video.Description = strings.TrimSpace(*update.Description)
	}
	if update.Category != nil {
		category := strings.TrimSpace(*update.Category)
		if !models.ValidCategory(category) {
			return models.Video{}, fmt.Errorf("unknown category %q", category)
		}
		video.Category = category
	}
	if update.Status != nil {
		if err := checkTransition(video.Status, *update.Status); err != nil {
			return models.Video{}, err
		}
		video.Status = *update.Status
		if *update.Status != models.StatusFailed && update.Error == nil {
			video.Error = ""
		}
	}
	if update.Error != nil {
		video.Error = strings.TrimSpace(*update.Error)
	}
	if update.OriginalPath != nil {
		video.OriginalPath = *update.OriginalPath
	}
	if update.ThumbnailPath != nil {
		video.ThumbnailPath = *update.ThumbnailPath
	}
	if update.Renditions != nil {
		video.Renditions = append([]models.Rendition(nil), (*update.Renditions)...)
	}
	video.UpdatedAt = now
	return video, nil
}

func (s *Storage) DeleteVideo(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	if _, ok := updatedData.Videos[id]; !ok {
		return ErrNotFound
	}
	delete(updatedData.Videos, id)

	if err := s.persistDataset(updatedData); err != nil {
		return err
	}
	s.data = updatedData
	return nil
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}
