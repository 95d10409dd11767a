package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/localtime"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/schedule"
)

// ErrNotFound is returned when the referenced school day does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface the materializer needs.
type Store interface {
	SchoolDay(ctx context.Context, id string) (*schedule.SchoolDay, error)
	ActiveSemester(ctx context.Context) (*schedule.Semester, error)
	EnsureSchoolDay(ctx context.Context, semesterID, date string) (*schedule.SchoolDay, error)
	SlotsByDay(ctx context.Context, dayOfWeek int) ([]schedule.ScheduleSlot, error)
	ActiveStudentIDs(ctx context.Context, homeroomID string) ([]string, error)

	// InsertSession reports inserted=false when the (slot, date) pair
	// already has a session; the caller treats that as already done.
	InsertSession(ctx context.Context, s DailySession) (id string, inserted bool, err error)
	InsertAbsentRecord(ctx context.Context, sessionID, studentID string) (inserted bool, err error)

	MarkOpenDue(ctx context.Context, nowMs int64) (int, error)
	MarkClosedDue(ctx context.Context, nowMs int64) (int, error)
}

// Service materializes recurring slots into dated sessions and sweeps
// their lifecycle statuses.
type Service struct {
	store    Store
	resolver *localtime.Resolver
	now      func() time.Time
}

// NewService creates a session service.
func NewService(store Store, resolver *localtime.Resolver) *Service {
	return &Service{store: store, resolver: resolver, now: time.Now}
}

// Materialize expands every slot active on the school day's weekday into a
// dated session plus absent attendance skeletons for each enrolled
// student. Holidays and weekends produce nothing; re-invocation for an
// already-materialized (slot, date) is a no-op, relying on the store's
// uniqueness guarantee rather than application locking.
func (s *Service) Materialize(ctx context.Context, schoolDayID string) (int, error) {
	const op = "session.Materialize"

	day, err := s.store.SchoolDay(ctx, schoolDayID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if day == nil {
		return 0, fmt.Errorf("%s: %w: school day %s", op, ErrNotFound, schoolDayID)
	}
	if day.DayType == schedule.DayHoliday {
		return 0, nil
	}
	date, err := s.resolver.ParseDate(day.Date)
	if err != nil {
		return 0, fmt.Errorf("%s: bad date %q: %w", op, day.Date, err)
	}
	weekday := date.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return 0, nil
	}

	slots, err := s.store.SlotsByDay(ctx, int(weekday))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	created := 0
	for _, slot := range slots {
		startMs, err := s.resolver.ParseTimeForDate(day.Date, slot.StartTime)
		if err != nil {
			return created, fmt.Errorf("%s: slot %s: %w", op, slot.ID, err)
		}
		endMs, err := s.resolver.ParseTimeForDate(day.Date, slot.EndTime)
		if err != nil {
			return created, fmt.Errorf("%s: slot %s: %w", op, slot.ID, err)
		}
		windowStart, windowEnd := Window(startMs, endMs-startMs)

		sess := DailySession{
			ScheduleSlotID: slot.ID,
			SchoolDayID:    day.ID,
			Date:           day.Date,
			Status:         StatusUpcoming,
			WindowStart:    windowStart,
			WindowEnd:      windowEnd,
		}
		sessionID, inserted, err := s.store.InsertSession(ctx, sess)
		if err != nil {
			return created, fmt.Errorf("%s: slot %s: %w", op, slot.ID, err)
		}
		if !inserted {
			// A concurrent or earlier call won; already materialized.
			continue
		}
		created++
		metrics.SessionsMaterialized.Inc()

		students, err := s.store.ActiveStudentIDs(ctx, slot.HomeroomID)
		if err != nil {
			return created, fmt.Errorf("%s: slot %s: %w", op, slot.ID, err)
		}
		for _, studentID := range students {
			if _, err := s.store.InsertAbsentRecord(ctx, sessionID, studentID); err != nil {
				return created, fmt.Errorf("%s: slot %s student %s: %w", op, slot.ID, studentID, err)
			}
		}
	}
	return created, nil
}

// MaterializeToday is the worker entry point: it resolves the active
// semester, ensures today's school-day row exists, and materializes it.
// Weekends are skipped before touching the calendar.
func (s *Service) MaterializeToday(ctx context.Context) (int, error) {
	const op = "session.MaterializeToday"

	now := s.now()
	weekday := s.resolver.DayOfWeek(now)
	if weekday == 0 || weekday == 6 {
		return 0, nil
	}
	semester, err := s.store.ActiveSemester(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if semester == nil {
		return 0, nil
	}
	day, err := s.store.EnsureSchoolDay(ctx, semester.ID, s.resolver.DateString(now))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if day == nil || day.DayType == schedule.DayHoliday {
		return 0, nil
	}
	return s.Materialize(ctx, day.ID)
}

// SweepStatuses advances session lifecycles: upcoming sessions whose
// window has opened become open, open sessions whose window has ended
// become closed.
func (s *Service) SweepStatuses(ctx context.Context) (opened, closed int, err error) {
	const op = "session.SweepStatuses"

	nowMs := s.now().UnixMilli()
	opened, err = s.store.MarkOpenDue(ctx, nowMs)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}
	closed, err = s.store.MarkClosedDue(ctx, nowMs)
	if err != nil {
		return opened, 0, fmt.Errorf("%s: %w", op, err)
	}
	return opened, closed, nil
}
