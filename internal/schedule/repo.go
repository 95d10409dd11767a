package schedule

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Repository persists schedule and calendar data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ActiveSemester returns the semester currently marked active.
func (r *Repository) ActiveSemester(ctx context.Context) (*Semester, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, start_date, end_date, status
		FROM semesters WHERE status = 'active'
		LIMIT 1
	`)
	var sem Semester
	if err := row.Scan(&sem.ID, &sem.Name, &sem.StartDate, &sem.EndDate, &sem.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sem, nil
}

// SchoolDayByDate returns the calendar entry for a date, nil when absent.
func (r *Repository) SchoolDayByDate(ctx context.Context, date string) (*SchoolDay, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, semester_id, date, day_type, holiday_name
		FROM school_days WHERE date = $1
		LIMIT 1
	`, date)
	var day SchoolDay
	if err := row.Scan(&day.ID, &day.SemesterID, &day.Date, &day.DayType, &day.HolidayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &day, nil
}

// SchoolDay returns a calendar entry by id, nil when absent.
func (r *Repository) SchoolDay(ctx context.Context, id string) (*SchoolDay, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, semester_id, date, day_type, holiday_name
		FROM school_days WHERE id = $1
	`, id)
	var day SchoolDay
	if err := row.Scan(&day.ID, &day.SemesterID, &day.Date, &day.DayType, &day.HolidayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &day, nil
}

// InsertSchoolDay creates a calendar entry. The (semester_id, date) unique
// index makes re-generation idempotent; a conflict reports inserted=false.
func (r *Repository) InsertSchoolDay(ctx context.Context, day SchoolDay) (string, bool, error) {
	if day.ID == "" {
		day.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO school_days (id, semester_id, date, day_type, holiday_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (semester_id, date) DO NOTHING
	`, day.ID, day.SemesterID, day.Date, day.DayType, day.HolidayName)
	if err != nil {
		return "", false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		existing, err := r.SchoolDayByDate(ctx, day.Date)
		if err != nil || existing == nil {
			return "", false, err
		}
		return existing.ID, false, nil
	}
	return day.ID, true, nil
}

// PatchSchoolDayHoliday flips a day to holiday.
func (r *Repository) PatchSchoolDayHoliday(ctx context.Context, id, holidayName string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE school_days SET day_type = 'holiday', holiday_name = $2 WHERE id = $1
	`, id, holidayName)
	return err
}

// Slot returns a schedule slot by id, nil when absent.
func (r *Repository) Slot(ctx context.Context, id string) (*ScheduleSlot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, homeroom_id, subject_id, teacher_id, day_of_week, start_time, end_time
		FROM schedule_slots WHERE id = $1
	`, id)
	var slot ScheduleSlot
	if err := row.Scan(&slot.ID, &slot.HomeroomID, &slot.SubjectID, &slot.TeacherID, &slot.DayOfWeek, &slot.StartTime, &slot.EndTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &slot, nil
}

// SlotsForHomeroomDay returns one homeroom's slots on a weekday.
func (r *Repository) SlotsForHomeroomDay(ctx context.Context, homeroomID string, dayOfWeek int) ([]ScheduleSlot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, homeroom_id, subject_id, teacher_id, day_of_week, start_time, end_time
		FROM schedule_slots
		WHERE homeroom_id = $1 AND day_of_week = $2
		ORDER BY start_time
	`, homeroomID, dayOfWeek)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSlots(rows)
}

// SlotsByDay returns every slot active on a weekday.
func (r *Repository) SlotsByDay(ctx context.Context, dayOfWeek int) ([]ScheduleSlot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, homeroom_id, subject_id, teacher_id, day_of_week, start_time, end_time
		FROM schedule_slots
		WHERE day_of_week = $1
		ORDER BY start_time
	`, dayOfWeek)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSlots(rows)
}

func scanSlots(rows *sql.Rows) ([]ScheduleSlot, error) {
	var res []ScheduleSlot
	for rows.Next() {
		var slot ScheduleSlot
		if err := rows.Scan(&slot.ID, &slot.HomeroomID, &slot.SubjectID, &slot.TeacherID, &slot.DayOfWeek, &slot.StartTime, &slot.EndTime); err != nil {
			return nil, err
		}
		res = append(res, slot)
	}
	return res, rows.Err()
}

// InsertSlot writes a new slot.
func (r *Repository) InsertSlot(ctx context.Context, slot ScheduleSlot) (string, error) {
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedule_slots (id, homeroom_id, subject_id, teacher_id, day_of_week, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, slot.ID, slot.HomeroomID, slot.SubjectID, slot.TeacherID, slot.DayOfWeek, slot.StartTime, slot.EndTime)
	return slot.ID, err
}

// UpdateSlot overwrites the admin-mutable fields of a slot.
func (r *Repository) UpdateSlot(ctx context.Context, slot ScheduleSlot) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE schedule_slots
		SET subject_id = $2, teacher_id = $3, day_of_week = $4, start_time = $5, end_time = $6
		WHERE id = $1
	`, slot.ID, slot.SubjectID, slot.TeacherID, slot.DayOfWeek, slot.StartTime, slot.EndTime)
	return err
}

// DeleteSlot removes a slot.
func (r *Repository) DeleteSlot(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedule_slots WHERE id = $1`, id)
	return err
}

// Homeroom returns a homeroom by id, nil when absent.
func (r *Repository) Homeroom(ctx context.Context, id string) (*Homeroom, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, room_id, semester_id, name, grade_level, section
		FROM homerooms WHERE id = $1
	`, id)
	var hr Homeroom
	if err := row.Scan(&hr.ID, &hr.RoomID, &hr.SemesterID, &hr.Name, &hr.GradeLevel, &hr.Section); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &hr, nil
}

// InsertHomeroom writes a new homeroom.
func (r *Repository) InsertHomeroom(ctx context.Context, hr Homeroom) (string, error) {
	if hr.ID == "" {
		hr.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO homerooms (id, room_id, semester_id, name, grade_level, section)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, hr.ID, hr.RoomID, hr.SemesterID, hr.Name, hr.GradeLevel, hr.Section)
	return hr.ID, err
}

// ActiveEnrollmentsForStudent returns a student's active enrollments.
func (r *Repository) ActiveEnrollmentsForStudent(ctx context.Context, studentID string) ([]Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, homeroom_id, student_id, enrolled_at, status
		FROM homeroom_students
		WHERE student_id = $1 AND status = 'active'
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.ID, &e.HomeroomID, &e.StudentID, &e.EnrolledAt, &e.Status); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SetEnrollmentStatus updates one enrollment row.
func (r *Repository) SetEnrollmentStatus(ctx context.Context, enrollmentID, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE homeroom_students SET status = $2 WHERE id = $1
	`, enrollmentID, status)
	return err
}

// InsertEnrollment writes a new enrollment.
func (r *Repository) InsertEnrollment(ctx context.Context, e Enrollment) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO homeroom_students (id, homeroom_id, student_id, enrolled_at, status)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.HomeroomID, e.StudentID, e.EnrolledAt, e.Status)
	return e.ID, err
}

// CancelSessionsForDate cancels every non-terminal session on a date.
func (r *Repository) CancelSessionsForDate(ctx context.Context, date string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE daily_sessions SET status = 'cancelled'
		WHERE date = $1 AND status NOT IN ('closed', 'cancelled')
	`, date)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CancelFutureSessionsForSlot cancels a slot's sessions dated today or
// later that have not already closed.
func (r *Repository) CancelFutureSessionsForSlot(ctx context.Context, slotID, fromDate string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE daily_sessions SET status = 'cancelled'
		WHERE schedule_slot_id = $1 AND date >= $2 AND status NOT IN ('closed', 'cancelled')
	`, slotID, fromDate)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
