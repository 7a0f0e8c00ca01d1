package models

import (
	"strings"
	"time"
)

// VideoStatus tracks a video through the transcoding pipeline. Transitions
// move forward only, except for processing→queued on retry and any
// state→failed when the job exhausts its attempts.
type VideoStatus string

const (
	StatusUploaded   VideoStatus = "uploaded"
	StatusQueued     VideoStatus = "queued"
	StatusProcessing VideoStatus = "processing"
	StatusReady      VideoStatus = "ready"
	StatusFailed     VideoStatus = "failed"
)

// Valid reports whether the status is one of the known pipeline states.
func (s VideoStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusQueued, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status can no longer advance.
func (s VideoStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

type Video struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Description   string      `json:"description,omitempty"`
	Category      string      `json:"category,omitempty"`
	Status        VideoStatus `json:"status"`
	OriginalPath  string      `json:"originalPath"`
	ThumbnailPath string      `json:"thumbnailPath,omitempty"`
	Renditions    []Rendition `json:"renditions,omitempty"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Ready reports whether the video reached the servable state. Partial ladders
// are never servable.
func (v Video) Ready() bool {
	return v.Status == StatusReady
}

// Rendition is one resolution's complete encoded output for a video.
type Rendition struct {
	Resolution   string `json:"resolution"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Bandwidth    int    `json:"bandwidth"`
	PlaylistPath string `json:"playlistPath,omitempty"`
	SegmentCount int    `json:"segmentCount"`
	Complete     bool   `json:"complete"`
}

// RenditionSpec describes one rung of the bitrate ladder handed to the
// transcoding engine.
type RenditionSpec struct {
	Resolution   string `json:"resolution"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Bandwidth    int    `json:"bandwidth"`
	VideoBitrate string `json:"videoBitrate"`
	AudioBitrate string `json:"audioBitrate"`
}

// DefaultLadder returns the fixed set of target resolutions a video is
// encoded into when no override is configured.
func DefaultLadder() []RenditionSpec {
	return []RenditionSpec{
		{Resolution: "480p", Width: 854, Height: 480, Bandwidth: 800000, VideoBitrate: "800k", AudioBitrate: "96k"},
		{Resolution: "720p", Width: 1280, Height: 720, Bandwidth: 2800000, VideoBitrate: "2800k", AudioBitrate: "128k"},
		{Resolution: "1080p", Width: 1920, Height: 1080, Bandwidth: 5000000, VideoBitrate: "5000k", AudioBitrate: "192k"},
	}
}

var categories = []string{
	"action", "adventure", "animation", "biography", "comedy", "crime",
	"documentary", "drama", "family", "fantasy", "historical", "horror",
	"musical", "mystery", "romance", "science_fiction", "sport", "thriller",
}

// Categories returns the fixed category vocabulary accepted on video creation.
func Categories() []string {
	out := make([]string, len(categories))
	copy(out, categories)
	return out
}

// ValidCategory reports whether the category is empty or part of the fixed
// vocabulary.
func ValidCategory(category string) bool {
	if strings.TrimSpace(category) == "" {
		return true
	}
	for _, known := range categories {
		if known == category {
			return true
		}
	}
	return false
}
