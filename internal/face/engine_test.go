package face

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"presenca/internal/capture"
)

// fakeRecognizer serves scripted descriptors and counts calls.
type fakeRecognizer struct {
	refDescriptor  []float32
	refErr         error
	liveDescriptor []float32
	liveErr        error
	block          chan struct{} // when set, DescriptorFromImage waits on it

	refCalls  atomic.Int32
	liveCalls atomic.Int32
}

func (r *fakeRecognizer) Health(ctx context.Context) error { return nil }

func (r *fakeRecognizer) DescriptorFromURL(ctx context.Context, imageURL string) ([]float32, error) {
	r.refCalls.Add(1)
	return r.refDescriptor, r.refErr
}

func (r *fakeRecognizer) DescriptorFromImage(ctx context.Context, raw []byte) ([]float32, error) {
	r.liveCalls.Add(1)
	if r.block != nil {
		<-r.block
	}
	return r.liveDescriptor, r.liveErr
}

func descriptor(fill float32) []float32 {
	d := make([]float32, DescriptorSize)
	for i := range d {
		d[i] = fill
	}
	return d
}

func frame() capture.Frame {
	return capture.Frame{Raw: []byte{0x1}, At: time.Now()}
}

func TestCompareOnceRequiresInitialize(t *testing.T) {
	e := NewEngine(&fakeRecognizer{}, "http://ref/img.jpg", 0)
	if _, err := e.CompareOnce(context.Background(), frame()); !errors.Is(err, ErrNotReady) {
		t.Errorf("got %v, want ErrNotReady", err)
	}
}

func TestCompareOnceOutcomes(t *testing.T) {
	// distance between all-zero and all-v descriptors is v*sqrt(128);
	// sqrt(128) ≈ 11.31, so v = 0.05 → ~0.57 (match) and v = 0.06 → ~0.68.
	tests := []struct {
		name string
		live []float32
		want Outcome
	}{
		{"match under threshold", descriptor(0.05), OutcomeMatch},
		{"no match over threshold", descriptor(0.06), OutcomeNoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecognizer{refDescriptor: descriptor(0), liveDescriptor: tt.live}
			e := NewEngine(rec, "http://ref/img.jpg", 0)
			if err := e.Initialize(context.Background()); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			res, err := e.CompareOnce(context.Background(), frame())
			if err != nil {
				t.Fatalf("compare: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("outcome = %v (distance %.3f), want %v", res.Outcome, res.Distance, tt.want)
			}
		})
	}
}

func TestNoFaceInLiveFrame(t *testing.T) {
	rec := &fakeRecognizer{refDescriptor: descriptor(0), liveErr: ErrNoFace}
	e := NewEngine(rec, "http://ref/img.jpg", 0)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	res, err := e.CompareOnce(context.Background(), frame())
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Outcome != OutcomeNoFace {
		t.Errorf("outcome = %v, want OutcomeNoFace", res.Outcome)
	}
}

func TestNoFaceInReferenceIsFatal(t *testing.T) {
	rec := &fakeRecognizer{refErr: ErrNoFace}
	e := NewEngine(rec, "http://ref/img.jpg", 0)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := e.CompareOnce(context.Background(), frame()); !errors.Is(err, ErrNoReferenceFace) {
		t.Errorf("got %v, want ErrNoReferenceFace", err)
	}
}

func TestReferenceComputedOnce(t *testing.T) {
	rec := &fakeRecognizer{refDescriptor: descriptor(0), liveDescriptor: descriptor(1)}
	e := NewEngine(rec, "http://ref/img.jpg", 0)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := e.CompareOnce(context.Background(), frame()); err != nil {
			t.Fatalf("compare %d: %v", i, err)
		}
	}
	if got := rec.refCalls.Load(); got != 1 {
		t.Errorf("reference descriptor computed %d times, want 1", got)
	}
}

func TestOverlappingComparisonDropped(t *testing.T) {
	rec := &fakeRecognizer{
		refDescriptor:  descriptor(0),
		liveDescriptor: descriptor(1),
		block:          make(chan struct{}),
	}
	e := NewEngine(rec, "http://ref/img.jpg", 0)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = e.CompareOnce(context.Background(), frame())
	}()

	// Wait until the first comparison reaches the recognizer, then fire a
	// second tick; it must be rejected, not queued.
	for rec.liveCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := e.CompareOnce(context.Background(), frame()); !errors.Is(err, ErrInFlight) {
		t.Errorf("got %v, want ErrInFlight", err)
	}

	close(rec.block)
	wg.Wait()
}

func TestEuclideanDistanceMismatchedLengths(t *testing.T) {
	if _, err := EuclideanDistance(make([]float32, 128), make([]float32, 64)); err == nil {
		t.Error("expected error for mismatched descriptor lengths")
	}
}
