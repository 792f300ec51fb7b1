package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type failingLocator struct{ err error }

func (l failingLocator) Locate(ctx context.Context) (*Coordinates, error) {
	return nil, l.err
}

func TestProbeDeliversOneResult(t *testing.T) {
	ch := Probe(context.Background(), Static{Coords: Coordinates{Lat: -23.55, Lng: -46.63}})

	res, ok := <-ch
	if !ok {
		t.Fatal("channel closed without result")
	}
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Coords.Lat != -23.55 || res.Coords.Lng != -46.63 {
		t.Errorf("coords = %+v", res.Coords)
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed after single result")
	}
}

func TestProbeFailureIsNonFatal(t *testing.T) {
	ch := Probe(context.Background(), failingLocator{err: ErrPermissionDenied})
	select {
	case res := <-ch:
		if !errors.Is(res.Err, ErrPermissionDenied) {
			t.Errorf("got %v, want ErrPermissionDenied", res.Err)
		}
		if res.Coords != nil {
			t.Error("coords should be nil on failure")
		}
	case <-time.After(time.Second):
		t.Fatal("probe did not report within 1s")
	}
}

func TestProbeNilLocator(t *testing.T) {
	res := <-Probe(context.Background(), nil)
	if !errors.Is(res.Err, ErrUnsupported) {
		t.Errorf("got %v, want ErrUnsupported", res.Err)
	}
}

func TestHTTPLocator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/position" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"latitude": -23.55, "longitude": -46.63}`))
	}))
	defer srv.Close()

	coords, err := NewHTTPLocator(srv.URL).Locate(context.Background())
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if coords.Lat != -23.55 {
		t.Errorf("lat = %v", coords.Lat)
	}
}

func TestHTTPLocatorPermissionDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := NewHTTPLocator(srv.URL).Locate(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("got %v, want ErrPermissionDenied", err)
	}
}
