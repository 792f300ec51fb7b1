package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"
)

// fakeDevice counts opens/closes and serves blank frames.
type fakeDevice struct {
	mu       sync.Mutex
	opens    int
	closes   int
	open     bool
	failOpen bool
}

func (d *fakeDevice) Open(facing Facing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOpen {
		return errors.New("permission denied")
	}
	d.opens++
	d.open = true
	return nil
}

func (d *fakeDevice) Grab() (Frame, error) {
	return Frame{Image: image.NewGray(image.Rect(0, 0, 2, 2)), At: time.Now()}, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	d.open = false
	return nil
}

func (d *fakeDevice) counts() (int, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes, d.open
}

func TestLiveSourceStreamsAndStops(t *testing.T) {
	dev := &fakeDevice{}
	src := NewLiveSource(dev, FacingUser, time.Millisecond)

	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case _, ok := <-frames:
		if !ok {
			t.Fatal("feed closed before any frame")
		}
	case <-time.After(time.Second):
		t.Fatal("no frame within 1s")
	}

	src.Stop()
	if _, closes, open := dev.counts(); closes == 0 || open {
		t.Errorf("device not released: closes=%d open=%v", closes, open)
	}

	// No frames after Stop; feed must be closed.
	for range frames {
	}
}

func TestLiveSourceOpenFailure(t *testing.T) {
	src := NewLiveSource(&fakeDevice{failOpen: true}, FacingEnvironment, time.Millisecond)
	if _, err := src.Start(context.Background()); !errors.Is(err, ErrCameraUnavailable) {
		t.Errorf("got %v, want ErrCameraUnavailable", err)
	}
}

func TestUploadSourceOneShot(t *testing.T) {
	src := NewUploadSource(image.NewGray(image.Rect(0, 0, 2, 2)), []byte{1})

	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	n := 0
	for range frames {
		n++
	}
	if n != 1 {
		t.Fatalf("got %d frames, want 1", n)
	}

	if _, err := src.Start(context.Background()); !errors.Is(err, ErrUploadOnly) {
		t.Errorf("second start: got %v, want ErrUploadOnly", err)
	}
}

func TestManagerExclusiveHandle(t *testing.T) {
	devA := &fakeDevice{}
	devB := &fakeDevice{}
	m := NewManager()

	if _, err := m.Acquire(context.Background(), NewLiveSource(devA, FacingEnvironment, time.Millisecond)); err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	if _, err := m.Acquire(context.Background(), NewLiveSource(devB, FacingUser, time.Millisecond)); err != nil {
		t.Fatalf("acquire B: %v", err)
	}

	if _, closesA, openA := devA.counts(); closesA == 0 || openA {
		t.Errorf("first stream not released before second acquire")
	}
	if opensB, _, _ := devB.counts(); opensB != 1 {
		t.Errorf("second device opens = %d, want 1", opensB)
	}

	m.Release()
	if _, closesB, openB := devB.counts(); closesB == 0 || openB {
		t.Errorf("release did not close active device")
	}
}
