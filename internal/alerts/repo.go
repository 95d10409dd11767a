package alerts

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Repository persists admin alerts in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a new active alert.
func (r *Repository) Insert(ctx context.Context, a Alert) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = "active"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_alerts (id, type, severity, message, device_id, user_id, room_id, timestamp, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Type, a.Severity, a.Message, a.DeviceID, a.UserID, a.RoomID, a.Timestamp, a.Status)
	return a.ID, err
}

// HasActive reports whether an active alert of the given type already
// exists for the same device or user. Used to avoid alert storms from
// periodic monitors.
func (r *Repository) HasActive(ctx context.Context, alertType string, deviceID, userID *string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id FROM admin_alerts
		WHERE status = 'active' AND type = $1
		  AND ($2::text IS NULL OR device_id = $2)
		  AND ($3::text IS NULL OR user_id = $3)
		LIMIT 1
	`, alertType, deviceID, userID)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListActive returns active alerts, newest first.
func (r *Repository) ListActive(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, severity, message, device_id, user_id, room_id, timestamp, status
		FROM admin_alerts WHERE status = 'active'
		ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Message, &a.DeviceID, &a.UserID, &a.RoomID, &a.Timestamp, &a.Status); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Resolve marks an alert resolved.
func (r *Repository) Resolve(ctx context.Context, id, resolvedBy string, resolvedAtMs int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_alerts
		SET status = 'resolved', resolved_at = $2, resolved_by = $3
		WHERE id = $1
	`, id, resolvedAtMs, resolvedBy)
	return err
}
