// Package engine wraps the external media-conversion capability behind a
// small contract the pipeline can drive and whose failures it can classify.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vodworks/internal/models"
)

// ErrorKind partitions engine failures into the two classes the pipeline
// cares about: transient failures are retried within the job's attempt
// budget, terminal failures fail the video immediately.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindTerminal
)

func (k ErrorKind) String() string {
	if k == KindTerminal {
		return "terminal"
	}
	return "transient"
}

// Error carries the classification alongside the underlying failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine %s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Terminal wraps err as a permanent failure that retrying cannot fix.
func Terminal(op string, err error) *Error {
	return &Error{Kind: KindTerminal, Op: op, Err: err}
}

// Transient wraps err as a failure worth retrying.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Classify returns the error's kind. Unknown errors default to transient so
// the retry budget, not a misclassification, decides the video's fate.
func Classify(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindTransient
}

// Probe describes the validated input container.
type Probe struct {
	Duration time.Duration
	Width    int
	Height   int
	Codec    string
}

// EncodeRequest asks for one resolution's segmented rendition.
type EncodeRequest struct {
	InputPath    string
	OutputDir    string
	PlaylistPath string
	Spec         models.RenditionSpec
}

// EncodeResult reports the produced rendition.
type EncodeResult struct {
	SegmentCount     int
	SegmentDurations []float64
}

// Engine is the contract around the external transcoder. Implementations
// must treat OutputDir as theirs to overwrite: the pipeline re-runs encodes
// against the same deterministic paths after redelivery.
type Engine interface {
	Probe(ctx context.Context, inputPath string) (Probe, error)
	Encode(ctx context.Context, req EncodeRequest) (EncodeResult, error)
	Thumbnail(ctx context.Context, inputPath, outputPath string, offset time.Duration) error
}

// Noop is an Engine used in tests and in deployments where transcoding is
// intentionally disabled. It performs no external calls and returns benign
// defaults so wiring code needs no conditional logic.
type Noop struct{}

func (Noop) Probe(ctx context.Context, inputPath string) (Probe, error) {
	return Probe{}, nil
}

func (Noop) Encode(ctx context.Context, req EncodeRequest) (EncodeResult, error) {
	return EncodeResult{}, nil
}

func (Noop) Thumbnail(ctx context.Context, inputPath, outputPath string, offset time.Duration) error {
	return nil
}
