package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vodworks/internal/layout"
	"vodworks/internal/models"
	"vodworks/internal/storage"
)

// defaultMaxUploadBytes caps uploads at 4 GiB unless overridden.
const defaultMaxUploadBytes = 4 << 30

type renditionResponse struct {
	Resolution   string `json:"resolution"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Bandwidth    int    `json:"bandwidth"`
	SegmentCount int    `json:"segmentCount"`
	PlaylistURL  string `json:"playlistUrl"`
}

type videoResponse struct {
	ID           string              `json:"id"`
	Title        string              `json:"title"`
	Description  string              `json:"description,omitempty"`
	Category     string              `json:"category,omitempty"`
	Status       string              `json:"status"`
	Error        string              `json:"error,omitempty"`
	ThumbnailURL string              `json:"thumbnailUrl,omitempty"`
	PlaybackURL  string              `json:"playbackUrl,omitempty"`
	Renditions   []renditionResponse `json:"renditions,omitempty"`
	CreatedAt    string              `json:"createdAt"`
	UpdatedAt    string              `json:"updatedAt"`
}

func newVideoResponse(video models.Video) videoResponse {
	resp := videoResponse{
		ID:          video.ID,
		Title:       video.Title,
		Description: video.Description,
		Category:    video.Category,
		Status:      string(video.Status),
		Error:       video.Error,
		CreatedAt:   video.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   video.UpdatedAt.Format(time.RFC3339Nano),
	}
	if video.ThumbnailPath != "" {
		resp.ThumbnailURL = fmt.Sprintf("/videos/%s/thumbnail.jpg", video.ID)
	}
	if video.Ready() {
		resp.PlaybackURL = fmt.Sprintf("/videos/%s/master.m3u8", video.ID)
		resp.Renditions = make([]renditionResponse, 0, len(video.Renditions))
		for _, rendition := range video.Renditions {
			resp.Renditions = append(resp.Renditions, renditionResponse{
				Resolution:   rendition.Resolution,
				Width:        rendition.Width,
				Height:       rendition.Height,
				Bandwidth:    rendition.Bandwidth,
				SegmentCount: rendition.SegmentCount,
				PlaylistURL:  fmt.Sprintf("/videos/%s/%s/playlist.m3u8", video.ID, rendition.Resolution),
			})
		}
	}
	return resp
}

// Videos serves the /api/videos collection: GET lists with optional status
// and category filters, POST registers a multipart upload and queues it for
// transcoding.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := storage.ListVideosFilter{
			Category: strings.TrimSpace(r.URL.Query().Get("category")),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status := models.VideoStatus(raw)
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", raw))
				return
			}
			filter.Status = status
		}
		videos := h.Store.ListVideos(r.Context(), filter)
		response := make([]videoResponse, 0, len(videos))
		for _, video := range videos {
			response = append(response, newVideoResponse(video))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		contentType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
		switch {
		case strings.HasPrefix(contentType, "multipart/form-data"):
			h.createVideoFromMultipart(w, r)
		case strings.HasPrefix(contentType, "application/json"):
			h.createVideoFromJSON(w, r)
		default:
			writeError(w, http.StatusUnsupportedMediaType, errors.New("multipart/form-data or application/json payload required"))
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
	}
}

type createVideoRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	OriginalPath string `json:"originalPath"`
}

// createVideoFromJSON registers a source file an upstream collaborator has
// already placed on disk. The record starts out uploaded and moves to queued
// once the transcode job is accepted.
func (h *Handler) createVideoFromJSON(w http.ResponseWriter, r *http.Request) {
	var req createVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OriginalPath = strings.TrimSpace(req.OriginalPath)
	if req.OriginalPath == "" {
		writeError(w, http.StatusBadRequest, errors.New("originalPath is required"))
		return
	}
	info, err := os.Stat(req.OriginalPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("originalPath %s is not a readable file", req.OriginalPath))
		return
	}

	video, err := h.Store.CreateVideo(r.Context(), storage.CreateVideoParams{
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		OriginalPath: req.OriginalPath,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := h.Pipeline.Submit(r.Context(), video.ID); err != nil {
		h.Logger.Error("transcode submission failed", "video_id", video.ID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("queue transcode: %w", err))
		return
	}
	if refreshed, ok := h.Store.GetVideo(r.Context(), video.ID); ok {
		video = refreshed
	}
	writeJSON(w, http.StatusCreated, newVideoResponse(video))
}

type uploadedMedia struct {
	tempPath     string
	size         int64
	originalName string
}

func (h *Handler) createVideoFromMultipart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUpload)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid multipart payload"))
		return
	}

	params := storage.CreateVideoParams{}
	var media *uploadedMedia
	defer func() {
		if media != nil && media.tempPath != "" {
			_ = os.Remove(media.tempPath)
		}
	}()

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart data: %w", err))
			return
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if name == "file" {
			if media != nil {
				_ = part.Close()
				continue
			}
			saved, saveErr := h.saveUploadPart(part)
			if saveErr != nil {
				writeError(w, http.StatusBadRequest, saveErr)
				return
			}
			media = saved
			continue
		}
		payload, readErr := io.ReadAll(part)
		_ = part.Close()
		if readErr != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read form field: %w", readErr))
			return
		}
		value := strings.TrimSpace(string(payload))
		switch name {
		case "title":
			params.Title = value
		case "description":
			params.Description = value
		case "category":
			params.Category = value
		}
	}

	if media == nil || media.size == 0 {
		writeError(w, http.StatusBadRequest, errors.New("file field is required"))
		return
	}
	if params.Title == "" {
		name := media.originalName
		if ext := filepath.Ext(name); ext != "" {
			name = strings.TrimSuffix(name, ext)
		}
		params.Title = name
	}

	video, err := h.Store.CreateVideo(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	videoID := video.ID
	originalPath, err := h.publishUpload(videoID, media)
	if err != nil {
		_ = h.Store.DeleteVideo(r.Context(), videoID)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	media = nil

	video, err = h.Store.UpdateVideo(r.Context(), videoID, storage.VideoUpdate{OriginalPath: &originalPath})
	if err != nil {
		_ = os.Remove(originalPath)
		_ = h.Store.DeleteVideo(r.Context(), videoID)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if _, err := h.Pipeline.Submit(r.Context(), videoID); err != nil {
		h.Logger.Error("transcode submission failed", "video_id", videoID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("queue transcode: %w", err))
		return
	}
	if refreshed, ok := h.Store.GetVideo(r.Context(), videoID); ok {
		video = refreshed
	}
	writeJSON(w, http.StatusCreated, newVideoResponse(video))
}

// saveUploadPart streams the file part into a temp file under the media root
// so the final rename never crosses filesystems.
func (h *Handler) saveUploadPart(part *multipart.Part) (*uploadedMedia, error) {
	defer part.Close()
	tmp, err := os.CreateTemp(h.Layout.Root(), ".upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()
	written, err := io.Copy(tmp, part)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("save upload: %w", err)
	}
	return &uploadedMedia{
		tempPath:     tmp.Name(),
		size:         written,
		originalName: part.FileName(),
	}, nil
}

// publishUpload moves the temp upload onto its deterministic original path.
func (h *Handler) publishUpload(videoID string, media *uploadedMedia) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(media.originalName)), ".")
	finalPath, err := h.Layout.OriginalPath(videoID, ext)
	if errors.Is(err, layout.ErrInvalidComponent) {
		finalPath, err = h.Layout.OriginalPath(videoID, "mp4")
	}
	if err != nil {
		return "", fmt.Errorf("derive upload path: %w", err)
	}
	if err := os.Rename(media.tempPath, finalPath); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	media.tempPath = ""
	return finalPath, nil
}

type updateVideoRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
}

// VideoByID serves /api/videos/{id} and the transcode subresource.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/videos/")
	if path == "" {
		writeError(w, http.StatusNotFound, errors.New("video id missing"))
		return
	}
	parts := strings.Split(path, "/")
	videoID := strings.TrimSpace(parts[0])
	if len(parts) > 1 && strings.TrimSpace(parts[1]) == "transcode" {
		h.resubmitVideo(w, r, videoID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		video, ok := h.Store.GetVideo(r.Context(), videoID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
			return
		}
		writeJSON(w, http.StatusOK, newVideoResponse(video))
	case http.MethodPatch:
		var req updateVideoRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		update := storage.VideoUpdate{
			Title:       req.Title,
			Description: req.Description,
			Category:    req.Category,
		}
		video, err := h.Store.UpdateVideo(r.Context(), videoID, update)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, newVideoResponse(video))
	case http.MethodDelete:
		if err := h.Cleanup.DeleteVideo(r.Context(), videoID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
	}
}

// resubmitVideo requeues a failed (or stuck) video for another transcode
// attempt. Videos that already finished successfully are immutable.
func (h *Handler) resubmitVideo(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	video, ok := h.Store.GetVideo(r.Context(), videoID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return
	}
	if video.Status == models.StatusReady {
		writeError(w, http.StatusConflict, fmt.Errorf("video %s is already transcoded", videoID))
		return
	}
	jobID, err := h.Pipeline.Submit(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"videoId": videoID,
		"jobId":   jobID,
		"status":  string(models.StatusQueued),
	})
}

// Categories lists the fixed category vocabulary accepted on upload.
func (h *Handler) Categories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"categories": models.Categories()})
}
