// Package layout maps (video id, artifact kind, resolution, segment index)
// tuples to deterministic filesystem paths and owns the primitive read, write,
// and delete operations on the artifact tree. Every other component goes
// through this package so storage specifics stay in one place.
package layout

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidComponent is returned when a video id, extension, or resolution
// contains characters that could escape the media root.
var ErrInvalidComponent = errors.New("invalid path component")

const (
	originalDir  = "original"
	processedDir = "processed"
	videosDir    = "videos"

	thumbnailFile = "thumbnail.jpg"
	masterFile    = "master.m3u8"
	variantFile   = "playlist.m3u8"
)

// Manager derives artifact paths beneath a single media root. Path derivation
// is a pure function of its inputs, so re-deriving after a crash always lands
// on the same files.
type Manager struct {
	root string
}

// NewManager roots a Manager at dir, creating the base tree when absent.
func NewManager(dir string) (*Manager, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("media root is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	for _, sub := range []string{originalDir, processedDir} {
		if err := os.MkdirAll(filepath.Join(abs, videosDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("prepare media root: %w", err)
		}
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute media root directory.
func (m *Manager) Root() string {
	return m.root
}

// OriginalPath returns videos/original/{videoId}.{ext}.
func (m *Manager) OriginalPath(videoID, ext string) (string, error) {
	if err := validateComponent(videoID); err != nil {
		return "", err
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "mp4"
	}
	if err := validateComponent(ext); err != nil {
		return "", err
	}
	return filepath.Join(m.root, videosDir, originalDir, videoID+"."+ext), nil
}

// ThumbnailPath returns videos/processed/{videoId}/thumbnail.jpg.
func (m *Manager) ThumbnailPath(videoID string) (string, error) {
	if err := validateComponent(videoID); err != nil {
		return "", err
	}
	return filepath.Join(m.processedRoot(videoID), thumbnailFile), nil
}

// MasterPath returns videos/processed/{videoId}/master.m3u8.
func (m *Manager) MasterPath(videoID string) (string, error) {
	if err := validateComponent(videoID); err != nil {
		return "", err
	}
	return filepath.Join(m.processedRoot(videoID), masterFile), nil
}

// VariantPath returns videos/processed/{videoId}/{resolution}/playlist.m3u8.
func (m *Manager) VariantPath(videoID, resolution string) (string, error) {
	if err := validateComponent(videoID); err != nil {
		return "", err
	}
	if err := validateComponent(resolution); err != nil {
		return "", err
	}
	return filepath.Join(m.processedRoot(videoID), resolution, variantFile), nil
}

// SegmentPath returns videos/processed/{videoId}/{resolution}/segment-{n}.ts.
func (m *Manager) SegmentPath(videoID, resolution string, index int) (string, error) {
	if err := validateComponent(videoID); err != nil {
		return "", err
	}
	if err := validateComponent(resolution); err != nil {
		return "", err
	}
	if index < 0 {
		return "", fmt.Errorf("segment index %d: %w", index, ErrInvalidComponent)
	}
	name := fmt.Sprintf("segment-%d.ts", index)
	return filepath.Join(m.processedRoot(videoID), resolution, name), nil
}

// RenditionDir returns the directory holding one resolution's playlist and
// segments.
func (m *Manager) RenditionDir(videoID, resolution string) (string, error) {
	if err := validateComponent(videoID); err != nil {
		return "", err
	}
	if err := validateComponent(resolution); err != nil {
		return "", err
	}
	return filepath.Join(m.processedRoot(videoID), resolution), nil
}

// Exists reports whether the path refers to an existing regular file.
func (m *Manager) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Write stores data at path atomically: the bytes land in a temp file in the
// destination directory and are renamed into place, so readers never observe
// a partially written artifact.
func (m *Manager) Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish %s: %w", path, err)
	}
	return nil
}

// Open returns a reader over the artifact at path. Missing files surface as
// fs.ErrNotExist so callers can translate them into not-found responses.
func (m *Manager) Open(path string) (io.ReadSeekCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// ReadFile returns the artifact bytes at path.
func (m *Manager) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// DeleteTree removes every artifact belonging to the video: the processed
// tree and any original file. Missing files are not errors, which keeps the
// operation safe against partially written or already swept trees.
func (m *Manager) DeleteTree(videoID string) error {
	if err := validateComponent(videoID); err != nil {
		return err
	}
	if err := os.RemoveAll(m.processedRoot(videoID)); err != nil {
		return fmt.Errorf("delete processed tree for %s: %w", videoID, err)
	}
	pattern := filepath.Join(m.root, videosDir, originalDir, videoID+".*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("locate original for %s: %w", videoID, err)
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete original %s: %w", match, err)
		}
	}
	return nil
}

// DeleteOriginal removes only the original upload, used when the retention
// policy discards sources after a successful transcode.
func (m *Manager) DeleteOriginal(videoID string) error {
	if err := validateComponent(videoID); err != nil {
		return err
	}
	pattern := filepath.Join(m.root, videosDir, originalDir, videoID+".*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("locate original for %s: %w", videoID, err)
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete original %s: %w", match, err)
		}
	}
	return nil
}

// ProcessedVideoIDs lists the video ids that currently own a processed
// artifact tree. The cleanup coordinator compares this against the repository
// to find orphans.
func (m *Manager) ProcessedVideoIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, videosDir, processedDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list processed tree: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

func (m *Manager) processedRoot(videoID string) string {
	return filepath.Join(m.root, videosDir, processedDir, videoID)
}

func validateComponent(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("empty component: %w", ErrInvalidComponent)
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_':
		default:
			return fmt.Errorf("component %q: %w", value, ErrInvalidComponent)
		}
	}
	return nil
}
