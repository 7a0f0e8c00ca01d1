package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// EncodeLabel identifies one rendition encode outcome.
type EncodeLabel struct {
	Resolution string
	Status     string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, transcoding job lifecycle events, per-rendition encode outcomes,
// and streaming delivery. It coordinates concurrent writers via a RWMutex
// while exposing a thread-safe gauge for active job tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	jobEvents       map[string]uint64
	encodeEvents    map[EncodeLabel]uint64
	encodeDuration  map[EncodeLabel]time.Duration
	servedPlaylists map[string]uint64
	servedSegments  map[string]uint64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobEvents:       make(map[string]uint64),
		encodeEvents:    make(map[EncodeLabel]uint64),
		encodeDuration:  make(map[EncodeLabel]time.Duration),
		servedPlaylists: make(map[string]uint64),
		servedSegments:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobClaimed records a worker picking up a transcoding job and increments the
// active job gauge.
func (r *Recorder) JobClaimed() {
	r.incrementJobEvent("claimed")
	r.activeJobs.Add(1)
}

// JobSucceeded records a completed job and decrements the active job gauge.
func (r *Recorder) JobSucceeded() {
	r.incrementJobEvent("succeeded")
	r.decrementGauge(&r.activeJobs)
}

// JobRetried records a job being rescheduled after a transient failure and
// decrements the active job gauge.
func (r *Recorder) JobRetried() {
	r.incrementJobEvent("retried")
	r.decrementGauge(&r.activeJobs)
}

// JobDeadLettered records a job that failed terminally or exhausted its
// attempt budget, decrementing the active job gauge.
func (r *Recorder) JobDeadLettered() {
	r.incrementJobEvent("dead_lettered")
	r.decrementGauge(&r.activeJobs)
}

// JobDiscarded records a claimed job dropped because its video no longer
// exists.
func (r *Recorder) JobDiscarded() {
	r.incrementJobEvent("discarded")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) incrementJobEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.jobEvents[normalized]++
	r.mu.Unlock()
}

// ObserveEncode records the outcome and wall time of one rendition encode.
func (r *Recorder) ObserveEncode(resolution, status string, duration time.Duration) {
	label := EncodeLabel{
		Resolution: normalizeName(resolution),
		Status:     normalizeName(status),
	}
	r.mu.Lock()
	r.encodeEvents[label]++
	r.encodeDuration[label] += duration
	r.mu.Unlock()
}

// PlaylistServed counts playlist deliveries by kind ("master" or a
// resolution name).
func (r *Recorder) PlaylistServed(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.servedPlaylists[normalized]++
	r.mu.Unlock()
}

// SegmentServed counts media segment deliveries by resolution.
func (r *Recorder) SegmentServed(resolution string) {
	normalized := normalizeName(resolution)
	r.mu.Lock()
	r.servedSegments[normalized]++
	r.mu.Unlock()
}

// ActiveJobs exposes the current gauge of jobs being processed.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns a copy of the job event counters and the current active
// job gauge, for testing and reporting.
func (r *Recorder) JobCounts() (events map[string]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// EncodeCounts returns a copy of the encode outcome counters.
func (r *Recorder) EncodeCounts() map[EncodeLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[EncodeLabel]uint64, len(r.encodeEvents))
	for k, v := range r.encodeEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[string]uint64)
	r.encodeEvents = make(map[EncodeLabel]uint64)
	r.encodeDuration = make(map[EncodeLabel]time.Duration)
	r.servedPlaylists = make(map[string]uint64)
	r.servedSegments = make(map[string]uint64)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobEvents := r.sortedJobEvents()
	encodeLabels := r.sortedEncodeLabels()
	playlistKinds := sortedKeys(r.servedPlaylists)
	segmentResolutions := sortedKeys(r.servedSegments)

	fmt.Fprintln(w, "# HELP vodworks_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vodworks_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodworks_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodworks_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodworks_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vodworks_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vodworks_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vodworks_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodworks_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodworks_jobs_total Transcoding job lifecycle events by outcome")
	fmt.Fprintln(w, "# TYPE vodworks_jobs_total counter")
	for _, event := range jobEvents {
		count := r.jobEvents[event]
		fmt.Fprintf(w, "vodworks_jobs_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP vodworks_active_jobs Current number of jobs being processed")
	fmt.Fprintln(w, "# TYPE vodworks_active_jobs gauge")
	fmt.Fprintf(w, "vodworks_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP vodworks_encodes_total Rendition encode outcomes by resolution and status")
	fmt.Fprintln(w, "# TYPE vodworks_encodes_total counter")
	for _, label := range encodeLabels {
		count := r.encodeEvents[label]
		fmt.Fprintf(w, "vodworks_encodes_total{resolution=\"%s\",status=\"%s\"} %d\n", label.Resolution, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP vodworks_encode_duration_seconds_sum Cumulative rendition encode wall time in seconds")
	fmt.Fprintln(w, "# TYPE vodworks_encode_duration_seconds_sum counter")
	for _, label := range encodeLabels {
		duration := r.encodeDuration[label].Seconds()
		fmt.Fprintf(w, "vodworks_encode_duration_seconds_sum{resolution=\"%s\",status=\"%s\"} %f\n", label.Resolution, label.Status, duration)
	}

	fmt.Fprintln(w, "# HELP vodworks_playlists_served_total Playlist deliveries by kind")
	fmt.Fprintln(w, "# TYPE vodworks_playlists_served_total counter")
	for _, kind := range playlistKinds {
		count := r.servedPlaylists[kind]
		fmt.Fprintf(w, "vodworks_playlists_served_total{kind=\"%s\"} %d\n", kind, count)
	}

	fmt.Fprintln(w, "# HELP vodworks_segments_served_total Media segment deliveries by resolution")
	fmt.Fprintln(w, "# TYPE vodworks_segments_served_total counter")
	for _, resolution := range segmentResolutions {
		count := r.servedSegments[resolution]
		fmt.Fprintf(w, "vodworks_segments_served_total{resolution=\"%s\"} %d\n", resolution, count)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobEvents() []string {
	return sortedKeys(r.jobEvents)
}

func (r *Recorder) sortedEncodeLabels() []EncodeLabel {
	seen := make(map[EncodeLabel]struct{}, len(r.encodeEvents)+len(r.encodeDuration))
	for label := range r.encodeEvents {
		seen[label] = struct{}{}
	}
	for label := range r.encodeDuration {
		seen[label] = struct{}{}
	}
	labels := make([]EncodeLabel, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Resolution != labels[j].Resolution {
			return labels[i].Resolution < labels[j].Resolution
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// JobClaimed increments counters on the default recorder.
func JobClaimed() {
	defaultRecorder.JobClaimed()
}

// JobSucceeded records a completed job on the default recorder.
func JobSucceeded() {
	defaultRecorder.JobSucceeded()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
