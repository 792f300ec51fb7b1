// Package geo provides the best-effort device geolocation probe. One attempt
// per session, fired in parallel with everything else; failure is recorded
// but never blocks the attendance flow.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrPermissionDenied = errors.New("geolocation permission denied")
	ErrUnsupported      = errors.New("geolocation not supported")
)

// Coordinates is a device position fix.
type Coordinates struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Result carries the outcome of one probe.
type Result struct {
	Coords *Coordinates
	Err    error
}

// Locator is a single-shot position provider.
type Locator interface {
	Locate(ctx context.Context) (*Coordinates, error)
}

// Probe runs the locator once in the background. The returned channel
// delivers exactly one Result and is then closed, so a select against it
// never blocks the rest of the pipeline.
func Probe(ctx context.Context, locator Locator) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		if locator == nil {
			out <- Result{Err: ErrUnsupported}
			return
		}
		coords, err := locator.Locate(ctx)
		out <- Result{Coords: coords, Err: err}
	}()
	return out
}

// HTTPLocator queries a device location gateway for the current position.
type HTTPLocator struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPLocator(baseURL string) *HTTPLocator {
	return &HTTPLocator{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (l *HTTPLocator) Locate(ctx context.Context) (*Coordinates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.BaseURL+"/position", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("location gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrPermissionDenied
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("location gateway error: %s", resp.Status)
	}

	var coords Coordinates
	if err := json.NewDecoder(resp.Body).Decode(&coords); err != nil {
		return nil, fmt.Errorf("failed to decode position: %w", err)
	}
	return &coords, nil
}

// Static always reports a fixed position. Used by the agent's dev mode and
// by tests.
type Static struct {
	Coords Coordinates
}

func (s Static) Locate(ctx context.Context) (*Coordinates, error) {
	c := s.Coords
	return &c, nil
}
