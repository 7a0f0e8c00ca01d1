package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FFmpegConfig tunes the exec-based engine implementation.
type FFmpegConfig struct {
	FFmpegPath     string
	FFprobePath    string
	SegmentSeconds int
	Timeout        time.Duration
	Logger         *slog.Logger
}

const (
	defaultSegmentSeconds = 10
	defaultEncodeTimeout  = 30 * time.Minute
)

// FFmpeg shells out to ffmpeg/ffprobe. Each invocation runs under its own
// timeout so a wedged process cannot hold a pipeline worker forever.
type FFmpeg struct {
	ffmpeg         string
	ffprobe        string
	segmentSeconds int
	timeout        time.Duration
	logger         *slog.Logger
}

// NewFFmpeg builds the engine, filling defaults for unset fields.
func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	eng := &FFmpeg{
		ffmpeg:         strings.TrimSpace(cfg.FFmpegPath),
		ffprobe:        strings.TrimSpace(cfg.FFprobePath),
		segmentSeconds: cfg.SegmentSeconds,
		timeout:        cfg.Timeout,
		logger:         cfg.Logger,
	}
	if eng.ffmpeg == "" {
		eng.ffmpeg = "ffmpeg"
	}
	if eng.ffprobe == "" {
		eng.ffprobe = "ffprobe"
	}
	if eng.segmentSeconds <= 0 {
		eng.segmentSeconds = defaultSegmentSeconds
	}
	if eng.timeout <= 0 {
		eng.timeout = defaultEncodeTimeout
	}
	if eng.logger == nil {
		eng.logger = slog.Default()
	}
	return eng
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

// Probe validates the input container. A non-zero ffprobe exit is a terminal
// failure: retrying cannot fix a corrupt file.
func (e *FFmpeg) Probe(ctx context.Context, inputPath string) (Probe, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.ffprobe,
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		inputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Probe{}, Transient("probe", ctxErr)
		}
		return Probe{}, Terminal("probe", fmt.Errorf("%s: %w", firstLine(stderr.String()), err))
	}
	probe, err := parseProbeOutput(output)
	if err != nil {
		return Probe{}, Terminal("probe", err)
	}
	return probe, nil
}

func parseProbeOutput(data []byte) (Probe, error) {
	var ff ffprobeOutput
	if err := json.Unmarshal(data, &ff); err != nil {
		return Probe{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	probe := Probe{}
	if duration, err := strconv.ParseFloat(ff.Format.Duration, 64); err == nil {
		probe.Duration = time.Duration(duration * float64(time.Second))
	}
	for _, stream := range ff.Streams {
		if stream.CodecType == "video" {
			probe.Width = stream.Width
			probe.Height = stream.Height
			probe.Codec = stream.CodecName
			break
		}
	}
	if probe.Codec == "" {
		return Probe{}, errors.New("no video stream found")
	}
	return probe, nil
}

// Encode produces one resolution's segmented rendition. The segment filename
// pattern and playlist location come from the caller so re-runs overwrite the
// same deterministic paths.
func (e *FFmpeg) Encode(ctx context.Context, req EncodeRequest) (EncodeResult, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return EncodeResult{}, Transient("encode", fmt.Errorf("prepare output dir: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	segmentPattern := filepath.Join(req.OutputDir, "segment-%d.ts")
	args := []string{
		"-y",
		"-i", req.InputPath,
		"-vf", fmt.Sprintf("scale=%d:%d", req.Spec.Width, req.Spec.Height),
		"-c:v", "libx264",
		"-b:v", req.Spec.VideoBitrate,
		"-c:a", "aac",
		"-b:a", req.Spec.AudioBitrate,
		"-hls_time", strconv.Itoa(e.segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern,
		req.PlaylistPath,
	}

	cmd := exec.CommandContext(ctx, e.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	started := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return EncodeResult{}, Transient("encode", ctxErr)
		}
		detail := firstLine(stderr.String())
		wrapped := fmt.Errorf("%s: %w", detail, err)
		if terminalStderr(stderr.String()) {
			return EncodeResult{}, Terminal("encode", wrapped)
		}
		return EncodeResult{}, Transient("encode", wrapped)
	}
	e.logger.Debug("encode finished",
		"resolution", req.Spec.Resolution,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	durations, err := readVariantDurations(req.PlaylistPath)
	if err != nil {
		return EncodeResult{}, Transient("encode", err)
	}
	if len(durations) == 0 {
		return EncodeResult{}, Transient("encode", fmt.Errorf("no segments produced for %s", req.Spec.Resolution))
	}
	return EncodeResult{SegmentCount: len(durations), SegmentDurations: durations}, nil
}

// Thumbnail extracts a single still frame at offset.
func (e *FFmpeg) Thumbnail(ctx context.Context, inputPath, outputPath string, offset time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return Transient("thumbnail", fmt.Errorf("prepare output dir: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.ffmpeg,
		"-y",
		"-ss", formatOffset(offset),
		"-i", inputPath,
		"-vframes", "1",
		"-q:v", "2",
		outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Transient("thumbnail", ctxErr)
		}
		wrapped := fmt.Errorf("%s: %w", firstLine(stderr.String()), err)
		if terminalStderr(stderr.String()) {
			return Terminal("thumbnail", wrapped)
		}
		return Transient("thumbnail", wrapped)
	}
	return nil
}

// readVariantDurations parses the EXTINF entries out of the playlist ffmpeg
// wrote. The assembler later regenerates the playlist deterministically from
// these durations.
func readVariantDurations(path string) ([]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open variant playlist: %w", err)
	}
	defer file.Close()
	return parseVariantDurations(file)
}

func parseVariantDurations(r interface{ Read([]byte) (int, error) }) ([]float64, error) {
	var durations []float64
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#EXTINF:") {
			continue
		}
		value := strings.TrimSuffix(strings.TrimPrefix(line, "#EXTINF:"), ",")
		value = strings.SplitN(value, ",", 2)[0]
		duration, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("parse segment duration %q: %w", line, err)
		}
		durations = append(durations, duration)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan variant playlist: %w", err)
	}
	return durations, nil
}

var terminalMarkers = []string{
	"invalid data found",
	"moov atom not found",
	"unsupported codec",
	"decoder not found",
	"invalid argument",
}

func terminalStderr(stderr string) bool {
	lowered := strings.ToLower(stderr)
	for _, marker := range terminalMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if s == "" {
		return "ffmpeg failed"
	}
	return s
}

func formatOffset(offset time.Duration) string {
	if offset <= 0 {
		offset = time.Second
	}
	return fmt.Sprintf("%.3f", offset.Seconds())
}
