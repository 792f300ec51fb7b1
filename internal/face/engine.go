// Package face implements the biometric verification engine: it derives a
// reference descriptor once per session, samples live frames, and yields a
// match decision per sample based on Euclidean descriptor distance.
package face

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"math"
	"sync"

	"presenca/internal/capture"
)

const (
	// DescriptorSize is the embedding length the recognizer produces.
	DescriptorSize = 128
	// MatchThreshold is the maximum descriptor distance still considered
	// the same person.
	MatchThreshold = 0.6
)

var (
	// ErrNotReady means Initialize has not completed.
	ErrNotReady = errors.New("face engine not initialized")
	// ErrInFlight means a previous comparison for this session is still
	// running; the tick must be dropped, not queued.
	ErrInFlight = errors.New("comparison already in flight")
	// ErrNoReferenceFace means the enrolled reference image contains no
	// detectable face. This is a configuration failure, not a live
	// mismatch, and is fatal for the session.
	ErrNoReferenceFace = errors.New("no face in reference image")
)

// Outcome classifies one live-frame comparison.
type Outcome int

const (
	OutcomeMatch Outcome = iota
	OutcomeNoMatch
	OutcomeNoFace
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeNoFace:
		return "no_face"
	}
	return "unknown"
}

// Result is the decision for one sampled frame.
type Result struct {
	Outcome  Outcome
	Distance float64
}

// Engine compares live frames against the enrolled reference identity.
// One engine serves exactly one attendance session; it never shares state
// across sessions.
type Engine struct {
	rec          Recognizer
	referenceURL string
	threshold    float64

	mu        sync.Mutex
	ready     bool
	inFlight  bool
	reference []float32
}

// NewEngine builds an engine for one session. threshold defaults to
// MatchThreshold when zero.
func NewEngine(rec Recognizer, referenceURL string, threshold float64) *Engine {
	if threshold <= 0 {
		threshold = MatchThreshold
	}
	return &Engine{rec: rec, referenceURL: referenceURL, threshold: threshold}
}

// Initialize prepares the recognition models. It must complete before any
// comparison; repeated calls after success are cheap no-ops.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.rec.Health(ctx); err != nil {
		return fmt.Errorf("model load failed: %w", err)
	}

	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	return nil
}

// Ready reports whether Initialize has completed, so the UI can show a
// loading indicator.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// CompareOnce evaluates a single live frame against the reference
// descriptor. The reference is computed on the first call and cached for the
// session. Overlapping calls are rejected with ErrInFlight so a timer tick
// can never stack comparisons.
func (e *Engine) CompareOnce(ctx context.Context, frame capture.Frame) (Result, error) {
	e.mu.Lock()
	if !e.ready {
		e.mu.Unlock()
		return Result{}, ErrNotReady
	}
	if e.inFlight {
		e.mu.Unlock()
		return Result{}, ErrInFlight
	}
	e.inFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	ref, err := e.referenceDescriptor(ctx)
	if err != nil {
		return Result{}, err
	}

	raw := frame.Raw
	if len(raw) == 0 && frame.Image != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, frame.Image); err != nil {
			return Result{}, fmt.Errorf("frame encode failed: %w", err)
		}
		raw = buf.Bytes()
	}

	live, err := e.rec.DescriptorFromImage(ctx, raw)
	if errors.Is(err, ErrNoFace) {
		return Result{Outcome: OutcomeNoFace}, nil
	}
	if err != nil {
		return Result{}, err
	}

	dist, err := EuclideanDistance(ref, live)
	if err != nil {
		return Result{}, err
	}
	if dist < e.threshold {
		return Result{Outcome: OutcomeMatch, Distance: dist}, nil
	}
	return Result{Outcome: OutcomeNoMatch, Distance: dist}, nil
}

func (e *Engine) referenceDescriptor(ctx context.Context) ([]float32, error) {
	e.mu.Lock()
	ref := e.reference
	e.mu.Unlock()
	if ref != nil {
		return ref, nil
	}

	ref, err := e.rec.DescriptorFromURL(ctx, e.referenceURL)
	if errors.Is(err, ErrNoFace) {
		return nil, ErrNoReferenceFace
	}
	if err != nil {
		return nil, fmt.Errorf("reference descriptor failed: %w", err)
	}

	e.mu.Lock()
	e.reference = ref
	e.mu.Unlock()
	return ref, nil
}

// EuclideanDistance computes the L2 distance between two descriptors.
func EuclideanDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("descriptor length mismatch: %d vs %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
