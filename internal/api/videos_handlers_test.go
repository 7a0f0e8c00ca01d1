package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"vodworks/internal/cleanup"
	"vodworks/internal/layout"
	"vodworks/internal/models"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/storage"
)

type fakeSubmitter struct {
	store storage.Repository
	calls []string
	err   error
}

func (f *fakeSubmitter) Submit(ctx context.Context, videoID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, videoID)
	queued := models.StatusQueued
	if _, err := f.store.UpdateVideo(ctx, videoID, storage.VideoUpdate{Status: &queued}); err != nil {
		return "", err
	}
	return "job-" + strconv.Itoa(len(f.calls)), nil
}

type apiHarness struct {
	handler   *Handler
	store     storage.Repository
	layout    *layout.Manager
	submitter *fakeSubmitter
}

func newAPIHarness(t *testing.T) *apiHarness {
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
	coordinator, err := cleanup.New(cleanup.Config{Store: store, Layout: manager})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	submitter := &fakeSubmitter{store: store}
	handler := NewHandler(store, submitter, coordinator, manager, WithMetrics(metrics.New()))
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return &apiHarness{handler: handler, store: store, layout: manager, submitter: submitter}
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("write field %s: %v", name, err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := part.Write(payload); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestCreateVideoFromMultipart(t *testing.T) {
	h := newAPIHarness(t)

	body, contentType := multipartUpload(t, map[string]string{
		"title":       "Highlights reel",
		"description": "best moments",
		"category":    "sport",
	}, "reel.mp4", []byte("mp4 bytes"))

	req := httptest.NewRequest(http.MethodPost, "/api/videos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.handler.Videos(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp videoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Title != "Highlights reel" || resp.Category != "sport" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Status != string(models.StatusQueued) {
		t.Fatalf("expected queued status, got %s", resp.Status)
	}
	if len(h.submitter.calls) != 1 || h.submitter.calls[0] != resp.ID {
		t.Fatalf("expected one submission for %s, got %v", resp.ID, h.submitter.calls)
	}

	originalPath, err := h.layout.OriginalPath(resp.ID, "mp4")
	if err != nil {
		t.Fatalf("original path: %v", err)
	}
	data, err := h.layout.ReadFile(originalPath)
	if err != nil {
		t.Fatalf("read stored upload: %v", err)
	}
	if string(data) != "mp4 bytes" {
		t.Fatalf("stored upload corrupted: %q", data)
	}
}

func TestCreateVideoTitleDefaultsToFilename(t *testing.T) {
	h := newAPIHarness(t)

	body, contentType := multipartUpload(t, nil, "vacation-day-3.mov", []byte("mov"))
	req := httptest.NewRequest(http.MethodPost, "/api/videos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.handler.Videos(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp videoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Title != "vacation-day-3" {
		t.Fatalf("expected filename-derived title, got %q", resp.Title)
	}
}

func TestCreateVideoRequiresFile(t *testing.T) {
	h := newAPIHarness(t)

	body, contentType := multipartUpload(t, map[string]string{"title": "no file"}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/videos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.handler.Videos(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if videos := h.store.ListVideos(context.Background(), storage.ListVideosFilter{}); len(videos) != 0 {
		t.Fatalf("expected no records, got %d", len(videos))
	}
}

func TestCreateVideoUnknownCategory(t *testing.T) {
	h := newAPIHarness(t)

	body, contentType := multipartUpload(t, map[string]string{"category": "knitting"}, "clip.mp4", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/videos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.handler.Videos(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateVideoRejectsNonMultipart(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(`{"title":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.Videos(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func seedStatus(t *testing.T, store storage.Repository, videoID string, path []models.VideoStatus) {
	t.Helper()
	for i := range path {
		status := path[i]
		if _, err := store.UpdateVideo(context.Background(), videoID, storage.VideoUpdate{Status: &status}); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
	}
}

func TestListVideosFilters(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	first, err := h.store.CreateVideo(ctx, storage.CreateVideoParams{Title: "first", Category: "drama"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := h.store.CreateVideo(ctx, storage.CreateVideoParams{Title: "second", Category: "comedy"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	seedStatus(t, h.store, second.ID, []models.VideoStatus{models.StatusQueued})

	req := httptest.NewRequest(http.MethodGet, "/api/videos?status=queued", nil)
	rec := httptest.NewRecorder()
	h.handler.Videos(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listed []videoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != second.ID {
		t.Fatalf("expected only %s, got %+v", second.ID, listed)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/videos?category=drama", nil)
	rec = httptest.NewRecorder()
	h.handler.Videos(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != first.ID {
		t.Fatalf("expected only %s, got %+v", first.ID, listed)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/videos?status=sideways", nil)
	rec = httptest.NewRecorder()
	h.handler.Videos(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestVideoByIDLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/api/videos/missing", nil)
	rec := httptest.NewRecorder()
	h.handler.VideoByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown video, got %d", rec.Code)
	}

	video, err := h.store.CreateVideo(ctx, storage.CreateVideoParams{Title: "patch me"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}

	patch := strings.NewReader(`{"title":"patched","category":"drama"}`)
	req = httptest.NewRequest(http.MethodPatch, "/api/videos/"+video.ID, patch)
	rec = httptest.NewRecorder()
	h.handler.VideoByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp videoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode patch response: %v", err)
	}
	if resp.Title != "patched" || resp.Category != "drama" {
		t.Fatalf("patch not applied: %+v", resp)
	}

	variantPath, err := h.layout.VariantPath(video.ID, "480p")
	if err != nil {
		t.Fatalf("variant path: %v", err)
	}
	if err := h.layout.Write(variantPath, []byte("#EXTM3U\n")); err != nil {
		t.Fatalf("write variant: %v", err)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/videos/"+video.ID, nil)
	rec = httptest.NewRecorder()
	h.handler.VideoByID(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := h.store.GetVideo(ctx, video.ID); ok {
		t.Fatal("expected record to be deleted")
	}
	if h.layout.Exists(variantPath) {
		t.Fatal("expected artifacts to be deleted")
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/videos/"+video.ID, nil)
	rec = httptest.NewRecorder()
	h.handler.VideoByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on double delete, got %d", rec.Code)
	}
}

func TestPatchRejectsUnknownFields(t *testing.T) {
	h := newAPIHarness(t)
	video, err := h.store.CreateVideo(context.Background(), storage.CreateVideoParams{Title: "strict"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}

	req := httptest.NewRequest(http.MethodPatch, "/api/videos/"+video.ID, strings.NewReader(`{"status":"ready"}`))
	rec := httptest.NewRecorder()
	h.handler.VideoByID(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestResubmitVideo(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	video, err := h.store.CreateVideo(ctx, storage.CreateVideoParams{Title: "flaky"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	seedStatus(t, h.store, video.ID, []models.VideoStatus{models.StatusQueued, models.StatusProcessing, models.StatusFailed})

	req := httptest.NewRequest(http.MethodPost, "/api/videos/"+video.ID+"/transcode", nil)
	rec := httptest.NewRecorder()
	h.handler.VideoByID(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode resubmit response: %v", err)
	}
	if resp["videoId"] != video.ID || resp["jobId"] == "" {
		t.Fatalf("unexpected resubmit response %v", resp)
	}

	refreshed, _ := h.store.GetVideo(ctx, video.ID)
	if refreshed.Status != models.StatusQueued {
		t.Fatalf("expected queued after resubmit, got %s", refreshed.Status)
	}
}

func TestResubmitReadyVideoConflicts(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	video, err := h.store.CreateVideo(ctx, storage.CreateVideoParams{Title: "done"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	seedStatus(t, h.store, video.ID, []models.VideoStatus{models.StatusQueued, models.StatusProcessing, models.StatusReady})

	req := httptest.NewRequest(http.MethodPost, "/api/videos/"+video.ID+"/transcode", nil)
	rec := httptest.NewRecorder()
	h.handler.VideoByID(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(h.submitter.calls) != 0 {
		t.Fatalf("expected no submission, got %v", h.submitter.calls)
	}
}

func TestCategories(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/categories", nil)
	rec := httptest.NewRecorder()
	h.handler.Categories(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode categories: %v", err)
	}
	if len(resp["categories"]) == 0 {
		t.Fatal("expected non-empty category list")
	}
}

func TestHealthReportsDatastore(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read health body: %v", err)
	}
	if !strings.Contains(string(payload), `"datastore"`) {
		t.Fatalf("expected datastore component in %s", payload)
	}
}

func TestCreateVideoFromJSON(t *testing.T) {
	h := newAPIHarness(t)

	sourcePath := filepath.Join(t.TempDir(), "ingested.mp4")
	if err := os.WriteFile(sourcePath, []byte("mp4 bytes"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	payload := `{"title":"Imported clip","category":"sport","originalPath":` + strconv.Quote(sourcePath) + `}`
	req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.Videos(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp videoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(models.StatusQueued) {
		t.Fatalf("expected queued status, got %s", resp.Status)
	}
	if len(h.submitter.calls) != 1 || h.submitter.calls[0] != resp.ID {
		t.Fatalf("expected one submission for %s, got %v", resp.ID, h.submitter.calls)
	}
	stored, ok := h.store.GetVideo(context.Background(), resp.ID)
	if !ok || stored.OriginalPath != sourcePath {
		t.Fatalf("expected stored original path %q, got %+v", sourcePath, stored)
	}
}

func TestCreateVideoFromJSONRequiresExistingFile(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(`{"title":"No file"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.Videos(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing originalPath: expected 400, got %d", rec.Code)
	}

	payload := `{"title":"Gone","originalPath":"/nonexistent/source.mp4"}`
	req = httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.handler.Videos(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing file on disk: expected 400, got %d", rec.Code)
	}
	if len(h.submitter.calls) != 0 {
		t.Fatalf("expected no submissions, got %v", h.submitter.calls)
	}
}
