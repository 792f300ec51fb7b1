package submit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"presenca/internal/credential"
	"presenca/internal/geo"
)

func testCredential() *credential.ClassCredential {
	return &credential.ClassCredential{
		ClassID:   "mat-301",
		ClassName: "Cálculo III",
		Professor: "Dr. Silva",
		Timestamp: "2025-03-10T08:00:00Z",
	}
}

func TestSubmitPostsOnce(t *testing.T) {
	var calls atomic.Int32
	var got Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/attendance/qrcode" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Ack{RecordID: "rec-1", Status: "pending"})
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "tok")
	ack, err := g.Submit(context.Background(), testCredential(), &geo.Coordinates{Lat: 1, Lng: 2}, "https://cdn/e.jpg")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.RecordID != "rec-1" {
		t.Errorf("record id = %q", ack.RecordID)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if got.ClassID != "mat-301" || got.Location == nil || got.Location.Lat != 1 {
		t.Errorf("payload = %+v", got)
	}
	if got.VerifiedAt.IsZero() {
		t.Error("verifiedAt not set")
	}
}

func TestSubmitNullLocationOmitted(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_ = json.NewEncoder(w).Encode(Ack{RecordID: "rec-2", Status: "pending"})
	}))
	defer srv.Close()

	if _, err := NewGateway(srv.URL, "tok").Submit(context.Background(), testCredential(), nil, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, present := raw["location"]; present {
		t.Error("location should be omitted when the probe failed")
	}
}

func TestSubmitErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error": "already recorded"}`))
	}))
	defer srv.Close()

	_, err := NewGateway(srv.URL, "tok").Submit(context.Background(), testCredential(), nil, "")
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("got %T, want *SubmissionError", err)
	}
	if subErr.StatusCode != http.StatusConflict || subErr.Message != "already recorded" {
		t.Errorf("error = %+v", subErr)
	}
}

func TestSubmitNetworkFailure(t *testing.T) {
	g := NewGateway("http://127.0.0.1:1", "tok")
	_, err := g.Submit(context.Background(), testCredential(), nil, "")
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("got %T, want *SubmissionError", err)
	}
	if subErr.StatusCode != 0 {
		t.Errorf("status = %d, want 0 for transport failure", subErr.StatusCode)
	}
}
