// Package submit posts the verified attendance event to the backend. One
// network call per attempt; failures surface to the user for a manual
// resubmit and are never retried automatically, so a transient network error
// cannot create duplicate attendance records.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"presenca/internal/credential"
	"presenca/internal/geo"
)

// Record is the submission payload. Location and evidence are best-effort
// and omitted when absent.
type Record struct {
	ClassID    string           `json:"classId"`
	ClassName  string           `json:"className"`
	Professor  string           `json:"professor"`
	Timestamp  string           `json:"timestamp"`
	Location   *geo.Coordinates `json:"location,omitempty"`
	ImageURL   string           `json:"imageUrl,omitempty"`
	VerifiedAt time.Time        `json:"verifiedAt"`
}

// Ack is the backend acknowledgment.
type Ack struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
}

// SubmissionError is the typed failure envelope from a submission attempt.
type SubmissionError struct {
	StatusCode int
	Message    string
}

func (e *SubmissionError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("submission failed: %s", e.Message)
	}
	return fmt.Sprintf("submission failed (%d): %s", e.StatusCode, e.Message)
}

// Gateway posts attendance records to the collection API.
type Gateway struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewGateway(baseURL, token string) *Gateway {
	return &Gateway{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Submit issues exactly one POST for the verified credential. The caller
// decides whether to offer a manual retry on error.
func (g *Gateway) Submit(ctx context.Context, cred *credential.ClassCredential, loc *geo.Coordinates, imageURL string) (*Ack, error) {
	rec := Record{
		ClassID:    cred.ClassID,
		ClassName:  cred.ClassName,
		Professor:  cred.Professor,
		Timestamp:  cred.Timestamp,
		Location:   loc,
		ImageURL:   imageURL,
		VerifiedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/attendance/qrcode", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return nil, &SubmissionError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg := decodeErrorEnvelope(resp.Body)
		return nil, &SubmissionError{StatusCode: resp.StatusCode, Message: msg}
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, &SubmissionError{StatusCode: resp.StatusCode, Message: "unreadable acknowledgment"}
	}
	return &ack, nil
}

func decodeErrorEnvelope(r io.Reader) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return "request rejected"
}
