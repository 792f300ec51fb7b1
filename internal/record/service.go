package record

import (
	"context"
	"errors"
	"time"
)

// Store is the persistence surface the service needs; satisfied by
// Repository and by test fakes.
type Store interface {
	RecentRecord(ctx context.Context, deviceID, classID string, window time.Duration) (*Record, error)
	Insert(ctx context.Context, rec Record) (Record, error)
}

// Service accepts verified attendance submissions and deduplicates them.
type Service struct {
	store       Store
	dedupWindow time.Duration
}

// NewService creates a service backed by a store.
func NewService(store Store, dedupWindow time.Duration) *Service {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	return &Service{store: store, dedupWindow: dedupWindow}
}

// Accept records a verified attendance event. A resubmission for the same
// device and class inside the dedup window returns the existing record
// instead of creating a duplicate, so a manual retry after a lost
// acknowledgment stays idempotent.
func (s *Service) Accept(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.DeviceID == "" || rec.ClassID == "" {
		return Record{}, false, errors.New("device and class required")
	}
	if recent, err := s.store.RecentRecord(ctx, rec.DeviceID, rec.ClassID, s.dedupWindow); err != nil {
		return Record{}, false, err
	} else if recent != nil {
		return *recent, true, nil
	}

	if rec.VerifiedAt.IsZero() {
		rec.VerifiedAt = time.Now().UTC()
	}
	rec.Status = "pending"
	created, err := s.store.Insert(ctx, rec)
	return created, false, err
}
