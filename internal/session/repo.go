package session

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"gatekeeper/internal/schedule"
)

// Repository persists daily sessions in Postgres. Calendar and slot reads
// are delegated to the schedule repository so both services see the same
// rows.
type Repository struct {
	db       *sql.DB
	schedule *schedule.Repository
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB, scheduleRepo *schedule.Repository) *Repository {
	return &Repository{db: db, schedule: scheduleRepo}
}

// SchoolDay returns a calendar entry by id.
func (r *Repository) SchoolDay(ctx context.Context, id string) (*schedule.SchoolDay, error) {
	return r.schedule.SchoolDay(ctx, id)
}

// ActiveSemester returns the active semester.
func (r *Repository) ActiveSemester(ctx context.Context) (*schedule.Semester, error) {
	return r.schedule.ActiveSemester(ctx)
}

// EnsureSchoolDay returns the school day for a date, creating a regular
// one when the calendar has no entry yet.
func (r *Repository) EnsureSchoolDay(ctx context.Context, semesterID, date string) (*schedule.SchoolDay, error) {
	day, err := r.schedule.SchoolDayByDate(ctx, date)
	if err != nil || day != nil {
		return day, err
	}
	id, _, err := r.schedule.InsertSchoolDay(ctx, schedule.SchoolDay{
		SemesterID: semesterID,
		Date:       date,
		DayType:    schedule.DayRegular,
	})
	if err != nil {
		return nil, err
	}
	return r.schedule.SchoolDay(ctx, id)
}

// SlotsByDay returns every slot active on a weekday.
func (r *Repository) SlotsByDay(ctx context.Context, dayOfWeek int) ([]schedule.ScheduleSlot, error) {
	return r.schedule.SlotsByDay(ctx, dayOfWeek)
}

// ActiveStudentIDs returns the ids of students actively enrolled in a
// homeroom.
func (r *Repository) ActiveStudentIDs(ctx context.Context, homeroomID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM homeroom_students
		WHERE homeroom_id = $1 AND status = 'active'
	`, homeroomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertSession writes a session under the (schedule_slot_id, date) unique
// index. A conflict means the pair is already materialized.
func (r *Repository) InsertSession(ctx context.Context, s DailySession) (string, bool, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_sessions (id, schedule_slot_id, school_day_id, date, status, window_start, window_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (schedule_slot_id, date) DO NOTHING
	`, s.ID, s.ScheduleSlotID, s.SchoolDayID, s.Date, s.Status, s.WindowStart, s.WindowEnd)
	if err != nil {
		return "", false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", false, nil
	}
	return s.ID, true, nil
}

// InsertAbsentRecord writes the initial absent attendance row for a
// (session, student) pair. The unique index makes this idempotent.
func (r *Repository) InsertAbsentRecord(ctx context.Context, sessionID, studentID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, daily_session_id, student_id, status, marked_manually)
		VALUES ($1, $2, $3, 'absent', FALSE)
		ON CONFLICT (daily_session_id, student_id) DO NOTHING
	`, uuid.NewString(), sessionID, studentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Session returns a session by id, nil when absent.
func (r *Repository) Session(ctx context.Context, id string) (*DailySession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, schedule_slot_id, school_day_id, date, status, window_start, window_end
		FROM daily_sessions WHERE id = $1
	`, id)
	var s DailySession
	if err := row.Scan(&s.ID, &s.ScheduleSlotID, &s.SchoolDayID, &s.Date, &s.Status, &s.WindowStart, &s.WindowEnd); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// MarkOpenDue opens upcoming sessions whose window has started.
func (r *Repository) MarkOpenDue(ctx context.Context, nowMs int64) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE daily_sessions SET status = 'open'
		WHERE status = 'upcoming' AND window_start <= $1
	`, nowMs)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkClosedDue closes open sessions whose window has ended.
func (r *Repository) MarkClosedDue(ctx context.Context, nowMs int64) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE daily_sessions SET status = 'closed'
		WHERE status = 'open' AND window_end <= $1
	`, nowMs)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
