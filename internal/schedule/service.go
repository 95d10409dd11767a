package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/localtime"
)

// Sentinel errors surfaced to handlers.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
)

// Store is the persistence surface the schedule service needs.
type Store interface {
	ActiveSemester(ctx context.Context) (*Semester, error)
	SchoolDayByDate(ctx context.Context, date string) (*SchoolDay, error)
	InsertSchoolDay(ctx context.Context, day SchoolDay) (string, bool, error)
	PatchSchoolDayHoliday(ctx context.Context, id, holidayName string) error

	Slot(ctx context.Context, id string) (*ScheduleSlot, error)
	SlotsForHomeroomDay(ctx context.Context, homeroomID string, dayOfWeek int) ([]ScheduleSlot, error)
	InsertSlot(ctx context.Context, slot ScheduleSlot) (string, error)
	UpdateSlot(ctx context.Context, slot ScheduleSlot) error
	DeleteSlot(ctx context.Context, id string) error

	Homeroom(ctx context.Context, id string) (*Homeroom, error)
	InsertHomeroom(ctx context.Context, hr Homeroom) (string, error)
	ActiveEnrollmentsForStudent(ctx context.Context, studentID string) ([]Enrollment, error)
	SetEnrollmentStatus(ctx context.Context, enrollmentID, status string) error
	InsertEnrollment(ctx context.Context, e Enrollment) (string, error)

	CancelSessionsForDate(ctx context.Context, date string) (int, error)
	CancelFutureSessionsForSlot(ctx context.Context, slotID, fromDate string) (int, error)
}

// Service owns the weekly template and the school calendar.
type Service struct {
	store    Store
	resolver *localtime.Resolver
	now      func() time.Time
}

// NewService creates a schedule service.
func NewService(store Store, resolver *localtime.Resolver) *Service {
	return &Service{store: store, resolver: resolver, now: time.Now}
}

// ActiveSemester returns the current active semester, ErrNotFound when
// none is configured.
func (s *Service) ActiveSemester(ctx context.Context) (*Semester, error) {
	const op = "schedule.ActiveSemester"

	semester, err := s.store.ActiveSemester(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if semester == nil {
		return nil, fmt.Errorf("%s: %w: no active semester", op, ErrNotFound)
	}
	return semester, nil
}

// SlotInput is the payload for creating a slot.
type SlotInput struct {
	HomeroomID string
	SubjectID  string
	TeacherID  string
	DayOfWeek  int
	StartTime  string
	EndTime    string
}

func validateSlotTimes(dayOfWeek int, start, end string) error {
	if dayOfWeek < 0 || dayOfWeek > 6 {
		return fmt.Errorf("%w: day of week must be 0..6", ErrValidation)
	}
	if !localtime.ValidClock(start) || !localtime.ValidClock(end) {
		return fmt.Errorf("%w: times must be HH:MM (24-hour)", ErrValidation)
	}
	if start >= end {
		return fmt.Errorf("%w: start time must be before end time", ErrValidation)
	}
	return nil
}

// overlaps reports whether [aStart,aEnd] and [bStart,bEnd] intersect.
// Matching is a closed interval on both ends, so back-to-back slots that
// share a boundary minute count as overlapping.
func overlaps(aStart, aEnd, bStart, bEnd string) bool {
	return aStart <= bEnd && bStart <= aEnd
}

// AddSlot creates a weekly slot. Slots of one homeroom must never overlap
// in time on the same weekday; the reconciler relies on that here rather
// than re-checking per event.
func (s *Service) AddSlot(ctx context.Context, p auth.Principal, in SlotInput) (*ScheduleSlot, error) {
	const op = "schedule.AddSlot"

	if p.Role != auth.RoleAdmin {
		return nil, fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	if err := validateSlotTimes(in.DayOfWeek, in.StartTime, in.EndTime); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	existing, err := s.store.SlotsForHomeroomDay(ctx, in.HomeroomID, in.DayOfWeek)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, other := range existing {
		if overlaps(in.StartTime, in.EndTime, other.StartTime, other.EndTime) {
			return nil, fmt.Errorf("%s: %w: slot overlaps %s-%s", op, ErrValidation, other.StartTime, other.EndTime)
		}
	}

	slot := ScheduleSlot{
		HomeroomID: in.HomeroomID,
		SubjectID:  in.SubjectID,
		TeacherID:  in.TeacherID,
		DayOfWeek:  in.DayOfWeek,
		StartTime:  in.StartTime,
		EndTime:    in.EndTime,
	}
	id, err := s.store.InsertSlot(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	slot.ID = id
	return &slot, nil
}

// UpdateSlot applies a partial update, validating the merged result.
func (s *Service) UpdateSlot(ctx context.Context, p auth.Principal, slotID string, patch SlotPatch) (*ScheduleSlot, error) {
	const op = "schedule.UpdateSlot"

	if p.Role != auth.RoleAdmin {
		return nil, fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	slot, err := s.store.Slot(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if slot == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	if patch.SubjectID != nil {
		slot.SubjectID = *patch.SubjectID
	}
	if patch.TeacherID != nil {
		slot.TeacherID = *patch.TeacherID
	}
	if patch.DayOfWeek != nil {
		slot.DayOfWeek = *patch.DayOfWeek
	}
	if patch.StartTime != nil {
		slot.StartTime = *patch.StartTime
	}
	if patch.EndTime != nil {
		slot.EndTime = *patch.EndTime
	}
	if err := validateSlotTimes(slot.DayOfWeek, slot.StartTime, slot.EndTime); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	others, err := s.store.SlotsForHomeroomDay(ctx, slot.HomeroomID, slot.DayOfWeek)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, other := range others {
		if other.ID == slot.ID {
			continue
		}
		if overlaps(slot.StartTime, slot.EndTime, other.StartTime, other.EndTime) {
			return nil, fmt.Errorf("%s: %w: slot overlaps %s-%s", op, ErrValidation, other.StartTime, other.EndTime)
		}
	}

	if err := s.store.UpdateSlot(ctx, *slot); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return slot, nil
}

// DeleteSlot removes a slot and cancels its own future non-closed
// sessions. Past and closed sessions are left untouched.
func (s *Service) DeleteSlot(ctx context.Context, p auth.Principal, slotID string) (int, error) {
	const op = "schedule.DeleteSlot"

	if p.Role != auth.RoleAdmin {
		return 0, fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	slot, err := s.store.Slot(ctx, slotID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if slot == nil {
		return 0, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	today := s.resolver.DateString(s.now())
	cancelled, err := s.store.CancelFutureSessionsForSlot(ctx, slotID, today)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.DeleteSlot(ctx, slotID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return cancelled, nil
}

// MarkHoliday flags a date as a holiday and cancels that date's sessions.
// If the date has no school-day row yet, one is created under the active
// semester.
func (s *Service) MarkHoliday(ctx context.Context, p auth.Principal, date, name string) (string, error) {
	const op = "schedule.MarkHoliday"

	if p.Role != auth.RoleAdmin {
		return "", fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	if _, err := s.resolver.ParseDate(date); err != nil {
		return "", fmt.Errorf("%s: %w: bad date %q", op, ErrValidation, date)
	}

	day, err := s.store.SchoolDayByDate(ctx, date)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if day != nil {
		if err := s.store.PatchSchoolDayHoliday(ctx, day.ID, name); err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if _, err := s.store.CancelSessionsForDate(ctx, date); err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		return day.ID, nil
	}

	semester, err := s.store.ActiveSemester(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if semester == nil {
		return "", fmt.Errorf("%s: %w: no active semester to link holiday", op, ErrValidation)
	}
	id, _, err := s.store.InsertSchoolDay(ctx, SchoolDay{
		SemesterID:  semester.ID,
		Date:        date,
		DayType:     DayHoliday,
		HolidayName: &name,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

// GenerateSchoolDays fills in regular weekday school days across the
// semester's date range. Existing days are kept as they are.
func (s *Service) GenerateSchoolDays(ctx context.Context, p auth.Principal, semester Semester) (int, error) {
	const op = "schedule.GenerateSchoolDays"

	if p.Role != auth.RoleAdmin {
		return 0, fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	start, err := s.resolver.ParseDate(semester.StartDate)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: bad start date", op, ErrValidation)
	}
	end, err := s.resolver.ParseDate(semester.EndDate)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: bad end date", op, ErrValidation)
	}

	created := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		wd := d.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			continue
		}
		_, inserted, err := s.store.InsertSchoolDay(ctx, SchoolDay{
			SemesterID: semester.ID,
			Date:       s.resolver.DateString(d),
			DayType:    DayRegular,
		})
		if err != nil {
			return created, fmt.Errorf("%s: %w", op, err)
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// IsSchoolDay reports whether classes run on the given date and why not
// otherwise. A date with no calendar entry counts as a school day.
func (s *Service) IsSchoolDay(ctx context.Context, date string) (bool, string, error) {
	const op = "schedule.IsSchoolDay"

	if s.resolver.IsWeekend(date) {
		return false, "weekend", nil
	}
	day, err := s.store.SchoolDayByDate(ctx, date)
	if err != nil {
		return false, "", fmt.Errorf("%s: %w", op, err)
	}
	if day == nil {
		return true, DayRegular, nil
	}
	if day.DayType == DayHoliday {
		reason := "holiday"
		if day.HolidayName != nil && *day.HolidayName != "" {
			reason = *day.HolidayName
		}
		return false, reason, nil
	}
	return true, day.DayType, nil
}

// EnrollStudent places a student into a homeroom, transferring them out of
// any other active enrollment in the same semester first.
func (s *Service) EnrollStudent(ctx context.Context, p auth.Principal, homeroomID, studentID string) (string, error) {
	const op = "schedule.EnrollStudent"

	if p.Role != auth.RoleAdmin {
		return "", fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	homeroom, err := s.store.Homeroom(ctx, homeroomID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if homeroom == nil {
		return "", fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	active, err := s.store.ActiveEnrollmentsForStudent(ctx, studentID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	for _, enroll := range active {
		other, err := s.store.Homeroom(ctx, enroll.HomeroomID)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if other != nil && other.SemesterID == homeroom.SemesterID {
			if err := s.store.SetEnrollmentStatus(ctx, enroll.ID, EnrollTransferred); err != nil {
				return "", fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	id, err := s.store.InsertEnrollment(ctx, Enrollment{
		HomeroomID: homeroomID,
		StudentID:  studentID,
		EnrolledAt: s.now(),
		Status:     EnrollActive,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

// CreateHomeroom links a cohort to a room for a semester.
func (s *Service) CreateHomeroom(ctx context.Context, p auth.Principal, hr Homeroom) (string, error) {
	const op = "schedule.CreateHomeroom"

	if p.Role != auth.RoleAdmin {
		return "", fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	id, err := s.store.InsertHomeroom(ctx, hr)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}
