package capture

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"time"
)

// FileDevice replays a fixed sequence of image files as camera frames.
// The agent uses it on hosts without a camera bridge; tests use it to feed
// deterministic frames through the pipeline. The last frame repeats once the
// sequence is exhausted, like a camera that keeps seeing the same scene.
type FileDevice struct {
	paths []string

	mu   sync.Mutex
	open bool
	next int
}

func NewFileDevice(paths ...string) *FileDevice {
	return &FileDevice{paths: paths}
}

func (d *FileDevice) Open(facing Facing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.paths) == 0 {
		return errors.New("no frame files configured")
	}
	d.open = true
	d.next = 0
	return nil
}

func (d *FileDevice) Grab() (Frame, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return Frame{}, errors.New("device not open")
	}
	idx := d.next
	if idx >= len(d.paths) {
		idx = len(d.paths) - 1
	} else {
		d.next++
	}
	path := d.paths[idx]
	d.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Frame{}, err
	}
	return Frame{Image: img, Raw: raw, At: time.Now()}, nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}
