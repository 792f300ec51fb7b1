// Package capture abstracts frame acquisition for the attendance pipeline.
// Two sources exist: a live camera stream polled at a fixed cadence, and a
// single uploaded still image. The camera handle is exclusive; a Manager
// guarantees the previous stream is fully released before a new one opens.
package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

// ErrCameraUnavailable is returned when the device cannot be opened
// (permission denied, no device). The caller returns to the idle state.
var ErrCameraUnavailable = errors.New("camera unavailable")

// ErrUploadOnly marks operations a one-shot upload source cannot serve.
var ErrUploadOnly = errors.New("upload source is one-shot")

// Facing selects which camera a stream opens. QR scanning uses the
// environment camera, face verification the user camera; the two are
// separate acquisitions and never share a handle.
type Facing int

const (
	FacingEnvironment Facing = iota
	FacingUser
)

// Frame is one captured snapshot. Raw carries the encoded bytes when the
// device provides them (evidence upload, remote descriptor extraction).
type Frame struct {
	Image image.Image
	Raw   []byte
	At    time.Time
}

// Device is the camera abstraction behind a live source.
type Device interface {
	Open(facing Facing) error
	Grab() (Frame, error)
	Close() error
}

// Source is the acquisition contract shared by live and upload modes.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop()
}

// LiveSource polls a Device at a fixed interval and publishes frames.
// Frames are dropped, not queued, when the consumer lags.
type LiveSource struct {
	device   Device
	facing   Facing
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLiveSource builds a live source; interval defaults to 100ms (~10 Hz).
func NewLiveSource(device Device, facing Facing, interval time.Duration) *LiveSource {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &LiveSource{device: device, facing: facing, interval: interval}
}

// Start opens the device and begins the polling loop.
func (s *LiveSource) Start(ctx context.Context) (<-chan Frame, error) {
	if err := s.device.Open(s.facing); err != nil {
		return nil, ErrCameraUnavailable
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Frame)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame, err := s.device.Grab()
				if err != nil {
					continue
				}
				select {
				case out <- frame:
				default:
					// consumer busy, drop
				}
			}
		}
	}()
	return out, nil
}

// Stop halts the polling loop and releases the device. It does not return
// until the loop has exited, so no frame is published after Stop.
func (s *LiveSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	_ = s.device.Close()
}

// UploadSource wraps a single still image as a one-shot frame feed. Only
// valid for QR decoding; face verification requires a live stream so a
// static photo cannot stand in for a person.
type UploadSource struct {
	frame Frame
	once  sync.Once
}

func NewUploadSource(img image.Image, raw []byte) *UploadSource {
	return &UploadSource{frame: Frame{Image: img, Raw: raw, At: time.Now()}}
}

// Start yields exactly one frame and closes the feed.
func (s *UploadSource) Start(ctx context.Context) (<-chan Frame, error) {
	out := make(chan Frame, 1)
	emitted := false
	s.once.Do(func() {
		out <- s.frame
		emitted = true
	})
	close(out)
	if !emitted {
		return nil, ErrUploadOnly
	}
	return out, nil
}

// Stop is a no-op; there is nothing to release.
func (s *UploadSource) Stop() {}
