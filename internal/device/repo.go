package device

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Repository persists devices in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const deviceColumns = `id, chip_id, token_hash, name, room_id, status, last_seen, firmware_version`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.ChipID, &d.TokenHash, &d.Name, &d.RoomID, &d.Status, &d.LastSeen, &d.FirmwareVersion)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeviceByChipID returns a device by hardware chip id, nil when absent.
func (r *Repository) DeviceByChipID(ctx context.Context, chipID string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE chip_id = $1
	`, chipID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// DeviceByID returns a device by id, nil when absent.
func (r *Repository) DeviceByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE id = $1
	`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// Insert writes a new device row.
func (r *Repository) Insert(ctx context.Context, d Device) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, chip_id, token_hash, name, room_id, status, last_seen, firmware_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.ChipID, d.TokenHash, d.Name, d.RoomID, d.Status, d.LastSeen, d.FirmwareVersion)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// List returns every device ordered by name.
func (r *Repository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// SetStatus updates a device status.
func (r *Repository) SetStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET status = $2 WHERE id = $1`, id, status)
	return err
}

// Touch records a heartbeat: status, last seen, and firmware when the
// device reports one.
func (r *Repository) Touch(ctx context.Context, id, status string, lastSeenMs int64, firmware *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET status = $2, last_seen = $3, firmware_version = COALESCE($4, firmware_version)
		WHERE id = $1
	`, id, status, lastSeenMs, firmware)
	return err
}

// AssignRoom binds a device to a room and sets its status.
func (r *Repository) AssignRoom(ctx context.Context, id, roomID, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET room_id = $2, status = $3 WHERE id = $1
	`, id, roomID, status)
	return err
}

// SetTokenHash rotates the stored credential hash.
func (r *Repository) SetTokenHash(ctx context.Context, id, hash string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET token_hash = $2 WHERE id = $1`, id, hash)
	return err
}

// Stale returns connected (online or active) devices whose last heartbeat
// is older than the cutoff.
func (r *Repository) Stale(ctx context.Context, cutoffMs int64) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE status IN ('online', 'active') AND last_seen < $1
	`, cutoffMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// RoomName returns the display name of a room.
func (r *Repository) RoomName(ctx context.Context, roomID string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT name FROM rooms WHERE id = $1`, roomID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}

// RoomWhitelist returns carded students actively enrolled in the
// homeroom hosted by a room under the active semester.
func (r *Repository) RoomWhitelist(ctx context.Context, roomID string) ([]WhitelistEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.card_uid, u.role
		FROM homerooms h
		JOIN semesters sem ON sem.id = h.semester_id AND sem.status = 'active'
		JOIN homeroom_students hs ON hs.homeroom_id = h.id AND hs.status = 'active'
		JOIN users u ON u.id = hs.student_id
		WHERE h.room_id = $1 AND u.card_uid IS NOT NULL
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWhitelist(rows)
}

// StaffWhitelist returns every carded teacher, staff member, and admin.
func (r *Repository) StaffWhitelist(ctx context.Context) ([]WhitelistEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, card_uid, role FROM users
		WHERE role IN ('teacher', 'staff', 'admin') AND card_uid IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWhitelist(rows)
}

func collectWhitelist(rows *sql.Rows) ([]WhitelistEntry, error) {
	var entries []WhitelistEntry
	for rows.Next() {
		var e WhitelistEntry
		if err := rows.Scan(&e.UserID, &e.CardUID, &e.Role); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
