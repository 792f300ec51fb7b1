package face

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoFace is returned when the recognizer detects no face in the input.
var ErrNoFace = errors.New("no face detected in image")

// Recognizer produces 128-float face descriptors. The production
// implementation talks to the face recognition microservice; tests plug in
// fakes.
type Recognizer interface {
	Health(ctx context.Context) error
	DescriptorFromURL(ctx context.Context, imageURL string) ([]float32, error)
	DescriptorFromImage(ctx context.Context, raw []byte) ([]float32, error)
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// NewClient creates a client. Skip short-circuits every call with canned
// descriptors so the pipeline runs without the microservice in dev.
func NewClient(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// DescriptorFromURL requests an embedding for a hosted image.
func (c *Client) DescriptorFromURL(ctx context.Context, imageURL string) ([]float32, error) {
	if c.Skip {
		return cannedDescriptor(0), nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}
	return c.embed(ctx, map[string]string{"image_url": imageURL})
}

// DescriptorFromImage requests an embedding for raw encoded image bytes.
func (c *Client) DescriptorFromImage(ctx context.Context, raw []byte) ([]float32, error) {
	if c.Skip {
		return cannedDescriptor(0), nil
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("image data required")
	}
	return c.embed(ctx, map[string]string{
		"image_data": base64.StdEncoding.EncodeToString(raw),
	})
}

func (c *Client) embed(ctx context.Context, payload map[string]string) ([]float32, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Embedding     []float32 `json:"embedding"`
		FacesDetected int       `json:"faces_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.FacesDetected == 0 || len(out.Embedding) == 0 {
		return nil, ErrNoFace
	}
	return out.Embedding, nil
}

// cannedDescriptor returns a deterministic 128-dim embedding for Skip mode.
func cannedDescriptor(seed float32) []float32 {
	d := make([]float32, DescriptorSize)
	for i := range d {
		d[i] = seed + float32(i)/float32(DescriptorSize)
	}
	return d
}
