package api

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"vodworks/internal/models"
)

const (
	playlistContentType  = "application/vnd.apple.mpegurl"
	segmentContentType   = "video/mp2t"
	thumbnailContentType = "image/jpeg"
)

// Stream serves the HLS read path under /videos/:
//
//	/videos/{id}/master.m3u8
//	/videos/{id}/thumbnail.jpg
//	/videos/{id}/{resolution}/playlist.m3u8
//	/videos/{id}/{resolution}/segment-{n}.ts
//
// The bare aliases /master, /playlist/{resolution}, and
// /segment/{resolution}/{n} resolve to the same artifacts for clients that
// address streams by identifier rather than by manifest URI. Playlists and
// segments are only reachable once the video is ready; partial ladders are
// never exposed.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/videos/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
		writeError(w, http.StatusNotFound, errors.New("unknown stream path"))
		return
	}
	videoID := parts[0]

	video, ok := h.Store.GetVideo(r.Context(), videoID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "thumbnail.jpg":
		h.serveThumbnail(w, r, video)
	case len(parts) == 2 && (parts[1] == "master.m3u8" || parts[1] == "master"):
		h.serveMaster(w, r, video)
	case len(parts) == 3 && parts[2] == "playlist.m3u8":
		h.serveVariant(w, r, video, parts[1])
	case len(parts) == 3 && parts[1] == "playlist":
		h.serveVariant(w, r, video, parts[2])
	case len(parts) == 4 && parts[1] == "segment":
		if !h.requireReady(w, video) {
			return
		}
		h.serveSegment(w, r, video, parts[2], "segment-"+parts[3]+".ts")
	case len(parts) == 3:
		if !h.requireReady(w, video) {
			return
		}
		h.serveSegment(w, r, video, parts[1], parts[2])
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown stream path"))
	}
}

func (h *Handler) serveMaster(w http.ResponseWriter, r *http.Request, video models.Video) {
	if !h.requireReady(w, video) {
		return
	}
	masterPath, err := h.Layout.MasterPath(video.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.New("unknown stream path"))
		return
	}
	h.servePlaylist(w, r, masterPath, "master")
}

func (h *Handler) serveVariant(w http.ResponseWriter, r *http.Request, video models.Video, resolution string) {
	if !h.requireReady(w, video) {
		return
	}
	rendition, ok := findRendition(video, resolution)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s has no %s rendition", video.ID, resolution))
		return
	}
	variantPath, err := h.Layout.VariantPath(video.ID, rendition.Resolution)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.New("unknown stream path"))
		return
	}
	h.servePlaylist(w, r, variantPath, "variant")
}

// requireReady rejects playback of videos that have not finished transcoding.
// Missing videos are 404s; known-but-unfinished videos are 409s so clients
// can distinguish "retry later" from "gone".
func (h *Handler) requireReady(w http.ResponseWriter, video models.Video) bool {
	if video.Ready() {
		return true
	}
	writeError(w, http.StatusConflict, fmt.Errorf("video %s is not ready (status %s)", video.ID, video.Status))
	return false
}

func findRendition(video models.Video, resolution string) (models.Rendition, bool) {
	for _, rendition := range video.Renditions {
		if rendition.Resolution == resolution && rendition.Complete {
			return rendition, true
		}
	}
	return models.Rendition{}, false
}

// servePlaylist returns the playlist bytes with a content-addressed ETag so
// unchanged playlists revalidate without a body transfer.
func (h *Handler) servePlaylist(w http.ResponseWriter, r *http.Request, path, kind string) {
	data, err := h.Layout.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, errors.New("playlist not found"))
			return
		}
		h.Logger.Error("playlist read failed", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("playlist unavailable"))
		return
	}

	sum := blake2b.Sum256(data)
	etag := fmt.Sprintf("%q", fmt.Sprintf("%x", sum[:16]))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=60")
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
	h.Metrics.PlaylistServed(kind)
}

// serveSegment streams one MPEG-TS segment with range support.
func (h *Handler) serveSegment(w http.ResponseWriter, r *http.Request, video models.Video, resolution, name string) {
	rendition, ok := findRendition(video, resolution)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s has no %s rendition", video.ID, resolution))
		return
	}

	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".ts") {
		writeError(w, http.StatusNotFound, errors.New("unknown stream path"))
		return
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".ts")
	index, err := strconv.Atoi(trimmed)
	if err != nil || index < 0 || index >= rendition.SegmentCount {
		writeError(w, http.StatusNotFound, fmt.Errorf("segment %s out of range", trimmed))
		return
	}

	segmentPath, err := h.Layout.SegmentPath(video.ID, resolution, index)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.New("unknown stream path"))
		return
	}
	file, err := h.Layout.Open(segmentPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, errors.New("segment not found"))
			return
		}
		h.Logger.Error("segment open failed", "path", segmentPath, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("segment unavailable"))
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, name, video.UpdatedAt, file)
	h.Metrics.SegmentServed(resolution)
}

func (h *Handler) serveThumbnail(w http.ResponseWriter, r *http.Request, video models.Video) {
	if video.ThumbnailPath == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s has no thumbnail", video.ID))
		return
	}
	file, err := h.Layout.Open(video.ThumbnailPath)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.New("thumbnail not found"))
		return
	}
	defer file.Close()
	w.Header().Set("Content-Type", thumbnailContentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, "thumbnail.jpg", video.UpdatedAt, file)
}
