package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is a stored attendance event as accepted by the collection API.
type Record struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	ClassID    string     `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Professor  string     `json:"professor"`
	ClassTime  string     `json:"class_time"`
	VerifiedAt time.Time  `json:"verified_at"`
	Lat        *float64   `json:"lat,omitempty"`
	Lng        *float64   `json:"lng,omitempty"`
	ImageURL   string     `json:"image_url,omitempty"`
	Status     string     `json:"status"`
	MatchScore *float64   `json:"match_score,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertDevice ensures a device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// RecentRecord returns a record for the same device and class inside the
// dedup window, or nil.
func (r *Repository) RecentRecord(ctx context.Context, deviceID, classID string, window time.Duration) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, device_id, class_id, class_name, professor, class_time,
		       verified_at, lat, lng, image_url, status, match_score, created_at
		FROM attendance_records
		WHERE device_id = $1 AND class_id = $2
		  AND verified_at >= NOW() - ($3 * interval '1 second')
		ORDER BY verified_at DESC
		LIMIT 1
	`, deviceID, classID, window.Seconds())
	var rec Record
	if err := scanRecord(row, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Insert writes a new record.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.VerifiedAt.IsZero() {
		rec.VerifiedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = "pending"
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, device_id, class_id, class_name, professor, class_time,
			 verified_at, lat, lng, image_url, status, match_score)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at
	`, rec.ID, rec.DeviceID, rec.ClassID, rec.ClassName, rec.Professor, rec.ClassTime,
		rec.VerifiedAt, rec.Lat, rec.Lng, rec.ImageURL, rec.Status, rec.MatchScore)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns a single record by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, device_id, class_id, class_name, professor, class_time,
		       verified_at, lat, lng, image_url, status, match_score, created_at
		FROM attendance_records WHERE id = $1
	`, id)
	var rec Record
	if err := scanRecord(row, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// UpdateStatus updates processing status and score after the worker runs.
func (r *Repository) UpdateStatus(ctx context.Context, id, status string, score *float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, match_score = COALESCE($3, match_score)
		WHERE id = $1
	`, id, status, score)
	return err
}

// List returns records with basic filters.
func (r *Repository) List(ctx context.Context, deviceID, classID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, device_id, class_id, class_name, professor, class_time,
		verified_at, lat, lng, image_url, status, match_score, created_at
		FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if deviceID != "" {
		args = append(args, deviceID)
		clauses = append(clauses, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if classID != "" {
		args = append(args, classID)
		clauses = append(clauses, fmt.Sprintf("class_id = $%d", len(args)))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += fmt.Sprintf(" ORDER BY verified_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.ClassID, &rec.ClassName, &rec.Professor,
			&rec.ClassTime, &rec.VerifiedAt, &rec.Lat, &rec.Lng, &rec.ImageURL,
			&rec.Status, &rec.MatchScore, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, rec *Record) error {
	return row.Scan(&rec.ID, &rec.DeviceID, &rec.ClassID, &rec.ClassName, &rec.Professor,
		&rec.ClassTime, &rec.VerifiedAt, &rec.Lat, &rec.Lng, &rec.ImageURL,
		&rec.Status, &rec.MatchScore, &rec.CreatedAt)
}
