package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gatekeeper/internal/schedule"
	"gatekeeper/internal/session"
)

// Repository persists access logs and attendance records in Postgres.
// Session reads are delegated to the session repository so the reconciler
// and the materializer see the same rows.
type Repository struct {
	db       *sql.DB
	sessions *session.Repository
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB, sessionRepo *session.Repository) *Repository {
	return &Repository{db: db, sessions: sessionRepo}
}

// InsertAccessLog appends a raw scan to the audit trail. Rows are never
// updated afterwards.
func (r *Repository) InsertAccessLog(ctx context.Context, evt AccessEvent) (string, error) {
	id := evt.ID
	if id == "" {
		id = uuid.NewString()
	}
	telemetry, err := json.Marshal(evt.Telemetry)
	if err != nil {
		return "", err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO access_logs (id, user_id, room_id, method, action, result, ts, ts_type, telemetry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, evt.UserID, evt.RoomID, evt.Method, evt.Action, evt.Result, evt.Timestamp, evt.TimestampType, telemetry)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Room returns a room by id, nil when absent.
func (r *Repository) Room(ctx context.Context, roomID string) (*schedule.Room, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, node_id, gps_lat, gps_lng FROM rooms WHERE id = $1
	`, roomID)
	var room schedule.Room
	var lat, lng sql.NullFloat64
	if err := row.Scan(&room.ID, &room.Name, &room.NodeID, &lat, &lng); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lat.Valid && lng.Valid {
		room.GPS = &schedule.GPS{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &room, nil
}

// BoundDeviceID returns the phone a user is bound to, nil when unbound.
func (r *Repository) BoundDeviceID(ctx context.Context, userID string) (*string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT device_id FROM user_devices WHERE user_id = $1
	`, userID)
	var deviceID string
	if err := row.Scan(&deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &deviceID, nil
}

// HomeroomForRoom returns the active-semester homeroom bound to a room,
// nil when the room hosts none.
func (r *Repository) HomeroomForRoom(ctx context.Context, roomID string) (*schedule.Homeroom, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT h.id, h.room_id, h.semester_id, h.name, h.grade_level, h.section
		FROM homerooms h
		JOIN semesters s ON s.id = h.semester_id
		WHERE h.room_id = $1 AND s.status = 'active'
	`, roomID)
	var h schedule.Homeroom
	if err := row.Scan(&h.ID, &h.RoomID, &h.SemesterID, &h.Name, &h.GradeLevel, &h.Section); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

// SessionForHomeroomAt returns the homeroom's session in progress at the
// event instant: window started by tsMs, slot not yet over at the local
// clock. The bounds come from the timestamp alone, so a session the sweep
// already closed still accepts its own in-period scans. HH:MM strings
// compare lexicographically. When slots abut the latest-starting one wins.
func (r *Repository) SessionForHomeroomAt(ctx context.Context, homeroomID, date, clock string, tsMs int64) (*session.DailySession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT ds.id, ds.schedule_slot_id, ds.school_day_id, ds.date, ds.status, ds.window_start, ds.window_end
		FROM daily_sessions ds
		JOIN schedule_slots sl ON sl.id = ds.schedule_slot_id
		WHERE sl.homeroom_id = $1 AND ds.date = $2
		  AND ds.status <> 'cancelled'
		  AND ds.window_start <= $3
		  AND sl.end_time >= $4
		ORDER BY ds.window_start DESC
		LIMIT 1
	`, homeroomID, date, tsMs, clock)
	var s session.DailySession
	if err := row.Scan(&s.ID, &s.ScheduleSlotID, &s.SchoolDayID, &s.Date, &s.Status, &s.WindowStart, &s.WindowEnd); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

const recordColumns = `id, daily_session_id, student_id, status, scan_time, method, marked_manually, marked_by, note, telemetry`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var telemetry []byte
	err := row.Scan(&rec.ID, &rec.DailySessionID, &rec.StudentID, &rec.Status,
		&rec.ScanTime, &rec.Method, &rec.MarkedManually, &rec.MarkedBy, &rec.Note, &telemetry)
	if err != nil {
		return nil, err
	}
	if len(telemetry) > 0 {
		if err := json.Unmarshal(telemetry, &rec.Telemetry); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// RecordForSession returns one student's record for a session, nil when
// the student was never enrolled into it.
func (r *Repository) RecordForSession(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance
		WHERE daily_session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Record returns a record by id, nil when absent.
func (r *Repository) Record(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance WHERE id = $1
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Session returns a session by id.
func (r *Repository) Session(ctx context.Context, id string) (*session.DailySession, error) {
	return r.sessions.Session(ctx, id)
}

// Slot returns a schedule slot by id, nil when absent.
func (r *Repository) Slot(ctx context.Context, id string) (*schedule.ScheduleSlot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, homeroom_id, subject_id, teacher_id, day_of_week, start_time, end_time
		FROM schedule_slots WHERE id = $1
	`, id)
	var slot schedule.ScheduleSlot
	if err := row.Scan(&slot.ID, &slot.HomeroomID, &slot.SubjectID, &slot.TeacherID,
		&slot.DayOfWeek, &slot.StartTime, &slot.EndTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &slot, nil
}

// PatchRecord applies a partial update. Nil patch fields leave their
// columns untouched; an all-nil patch is a no-op.
func (r *Repository) PatchRecord(ctx context.Context, recordID string, patch RecordPatch) error {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ScanTime != nil {
		add("scan_time", *patch.ScanTime)
	}
	if patch.Method != nil {
		add("method", *patch.Method)
	}
	if patch.MarkedManually != nil {
		add("marked_manually", *patch.MarkedManually)
	}
	if patch.MarkedBy != nil {
		add("marked_by", *patch.MarkedBy)
	}
	if patch.Note != nil {
		add("note", *patch.Note)
	}
	if patch.Telemetry != nil {
		telemetry, err := json.Marshal(patch.Telemetry)
		if err != nil {
			return err
		}
		add("telemetry", telemetry)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, recordID)
	query := fmt.Sprintf(`UPDATE attendance SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// SessionRoster returns every record of a session ordered by student id.
func (r *Repository) SessionRoster(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance
		WHERE daily_session_id = $1
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// StudentHistory returns a student's records newest-session first.
func (r *Repository) StudentHistory(ctx context.Context, studentID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.daily_session_id, a.student_id, a.status, a.scan_time, a.method,
		       a.marked_manually, a.marked_by, a.note, a.telemetry
		FROM attendance a
		JOIN daily_sessions ds ON ds.id = a.daily_session_id
		WHERE a.student_id = $1
		ORDER BY ds.window_start DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// OfflineScanStats aggregates, per student, scans since the cutoff and
// how many of them claimed no internet. Non-student accounts are skipped.
func (r *Repository) OfflineScanStats(ctx context.Context, sinceMs int64) ([]OfflineScanStat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.student_id, u.name, COUNT(*),
		       COUNT(*) FILTER (WHERE a.telemetry->>'hasInternet' = 'false')
		FROM attendance a
		JOIN users u ON u.id = a.student_id AND u.role = 'student'
		WHERE a.scan_time > $1
		GROUP BY a.student_id, u.name
	`, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stats []OfflineScanStat
	for rows.Next() {
		var st OfflineScanStat
		if err := rows.Scan(&st.StudentID, &st.StudentName, &st.Total, &st.NoInternet); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// SharedDeviceUsage counts distinct accounts per reported phone id in
// access logs since the cutoff, returning only phones seen with several.
func (r *Repository) SharedDeviceUsage(ctx context.Context, sinceMs int64) ([]DeviceUsage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT telemetry->>'deviceId', COUNT(DISTINCT user_id)
		FROM access_logs
		WHERE ts > $1 AND telemetry->>'deviceId' IS NOT NULL
		GROUP BY telemetry->>'deviceId'
		HAVING COUNT(DISTINCT user_id) >= 2
	`, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var usage []DeviceUsage
	for rows.Next() {
		var u DeviceUsage
		if err := rows.Scan(&u.DeviceID, &u.Users); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
