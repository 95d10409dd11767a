package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gatekeeper/internal/alerts"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/localtime"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/schedule"
	"gatekeeper/internal/session"
)

// MaxClockDriftMs is how far an interactive client's claimed timestamp
// may sit from server time before it is replaced: 5 minutes.
const MaxClockDriftMs = 5 * 60 * 1000

// Sentinel errors surfaced to handlers.
var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrValidation  = errors.New("validation failed")
	ErrOutOfRange  = errors.New("must be physically present in the classroom")
	ErrNoSession   = errors.New("no class session found at this time")
	ErrNotEnrolled = errors.New("student not enrolled in this homeroom")
)

// Store is the persistence surface the reconciler needs.
type Store interface {
	InsertAccessLog(ctx context.Context, evt AccessEvent) (string, error)

	Room(ctx context.Context, roomID string) (*schedule.Room, error)
	BoundDeviceID(ctx context.Context, userID string) (*string, error)
	HomeroomForRoom(ctx context.Context, roomID string) (*schedule.Homeroom, error)
	SessionForHomeroomAt(ctx context.Context, homeroomID, date, clock string, tsMs int64) (*session.DailySession, error)
	RecordForSession(ctx context.Context, sessionID, studentID string) (*Record, error)

	Record(ctx context.Context, id string) (*Record, error)
	Session(ctx context.Context, id string) (*session.DailySession, error)
	Slot(ctx context.Context, id string) (*schedule.ScheduleSlot, error)
	PatchRecord(ctx context.Context, recordID string, patch RecordPatch) error

	SessionRoster(ctx context.Context, sessionID string) ([]Record, error)
	StudentHistory(ctx context.Context, studentID string, limit int) ([]Record, error)

	OfflineScanStats(ctx context.Context, sinceMs int64) ([]OfflineScanStat, error)
	SharedDeviceUsage(ctx context.Context, sinceMs int64) ([]DeviceUsage, error)
}

// Service reconciles access events against materialized sessions.
type Service struct {
	store    Store
	resolver *localtime.Resolver
	alerts   *alerts.Publisher
	now      func() time.Time
}

// NewService creates a reconciler.
func NewService(store Store, resolver *localtime.Resolver, publisher *alerts.Publisher) *Service {
	return &Service{store: store, resolver: resolver, alerts: publisher, now: time.Now}
}

// miss reasons from matching; empty string means a full match.
const (
	missNoHomeroom  = "no_homeroom"
	missNoSession   = "no_session"
	missNotEnrolled = "not_enrolled"
)

// match walks room to homeroom to session to record for an event timestamp.
// The lookup keys on the event's own instant: the session whose window has
// started by the timestamp and whose slot had not yet ended at that local
// clock. Current session status plays no part (cancelled aside), so a scan
// in the second half of class and a batch synced hours later both land on
// the session they happened in. A miss at any step is a valid "no
// attendance consequence" outcome, not an error.
func (s *Service) match(ctx context.Context, roomID, userID string, tsMs int64) (*session.DailySession, *Record, string, error) {
	local := s.resolver.FromMillis(tsMs)
	date := s.resolver.DateString(local)
	clock := s.resolver.ClockString(local)

	homeroom, err := s.store.HomeroomForRoom(ctx, roomID)
	if err != nil {
		return nil, nil, "", err
	}
	if homeroom == nil {
		return nil, nil, missNoHomeroom, nil
	}

	sess, err := s.store.SessionForHomeroomAt(ctx, homeroom.ID, date, clock, tsMs)
	if err != nil {
		return nil, nil, "", err
	}
	if sess == nil {
		return nil, nil, missNoSession, nil
	}

	record, err := s.store.RecordForSession(ctx, sess.ID, userID)
	if err != nil {
		return nil, nil, "", err
	}
	if record == nil {
		return nil, nil, missNotEnrolled, nil
	}
	return sess, record, "", nil
}

// apply decides present vs. late and patches the record. Late is a strict
// threshold: anything at or before windowEnd is present, anything after
// is late; nothing converts a late arrival back to absent. A manually
// marked record keeps its status, but scan time, method, and telemetry
// are persisted regardless so the latest physical scan stays visible.
func (s *Service) apply(ctx context.Context, sess *session.DailySession, record *Record, evt AccessEvent) (string, error) {
	status := StatusPresent
	if evt.Timestamp > sess.WindowEnd {
		status = StatusLate
	}

	patch := RecordPatch{
		ScanTime:  &evt.Timestamp,
		Method:    &evt.Method,
		Telemetry: &evt.Telemetry,
	}
	if !record.MarkedManually {
		patch.Status = &status
	}
	if err := s.store.PatchRecord(ctx, record.ID, patch); err != nil {
		return "", err
	}
	if record.MarkedManually {
		return record.Status, nil
	}
	return status, nil
}

// evaluateFlags runs anti-cheat against the event and raises advisory
// alerts for every finding. It never fails the caller.
func (s *Service) evaluateFlags(ctx context.Context, evt AccessEvent, room *schedule.Room) []string {
	var bound *string
	var err error
	if evt.Telemetry.DeviceID != nil {
		bound, err = s.store.BoundDeviceID(ctx, evt.UserID)
		if err != nil {
			log.Printf("device binding lookup failed for %s: %v", evt.UserID, err)
		}
	}
	var roomGPS *schedule.GPS
	roomName := evt.RoomID
	if room != nil {
		roomGPS = room.GPS
		roomName = room.Name
	}

	flags := EvaluateAntiCheat(evt.Telemetry, bound, roomGPS, roomName)
	types := make([]string, 0, len(flags))
	for _, flag := range flags {
		types = append(types, flag.Type)
		metrics.AntiCheatFlags.WithLabelValues(flag.Type).Inc()
		s.alerts.Raise(ctx, alerts.Alert{
			Type:     flag.Type,
			Severity: alerts.SeverityMedium,
			Message:  flag.Message,
			UserID:   &evt.UserID,
			RoomID:   &evt.RoomID,
			DeviceID: evt.Telemetry.DeviceID,
		})
	}
	return types
}

// Reconcile processes one access event from the hardware path. The event
// is always appended to the access log; matching failures produce an
// unmatched outcome, never an error.
func (s *Service) Reconcile(ctx context.Context, evt AccessEvent) (Outcome, error) {
	const op = "attendance.Reconcile"

	if evt.UserID == "" || evt.RoomID == "" {
		return Outcome{}, fmt.Errorf("%s: %w: user and room required", op, ErrValidation)
	}
	if evt.Timestamp <= 0 {
		return Outcome{}, fmt.Errorf("%s: %w: timestamp required", op, ErrValidation)
	}

	if _, err := s.store.InsertAccessLog(ctx, evt); err != nil {
		return Outcome{}, fmt.Errorf("%s: log event: %w", op, err)
	}

	room, err := s.store.Room(ctx, evt.RoomID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	outcome := Outcome{Flags: s.evaluateFlags(ctx, evt, room)}

	if evt.Action != ActionAttendance {
		metrics.EventsReconciled.WithLabelValues("gate").Inc()
		return outcome, nil
	}

	sess, record, miss, err := s.match(ctx, evt.RoomID, evt.UserID, evt.Timestamp)
	if err != nil {
		return outcome, fmt.Errorf("%s: %w", op, err)
	}
	if miss != "" {
		metrics.EventsReconciled.WithLabelValues("unmatched").Inc()
		return outcome, nil
	}

	status, err := s.apply(ctx, sess, record, evt)
	if err != nil {
		return outcome, fmt.Errorf("%s: %w", op, err)
	}
	outcome.Matched = true
	outcome.Status = status
	metrics.EventsReconciled.WithLabelValues(status).Inc()
	return outcome, nil
}

// ReconcileBatch processes an ordered batch from one device. Events are
// reconciled independently; one failure never aborts its siblings. The
// hardware cannot retry individual events once synced, so only the
// accepted count goes back.
func (s *Service) ReconcileBatch(ctx context.Context, events []AccessEvent) int {
	accepted := 0
	for _, evt := range events {
		if _, err := s.Reconcile(ctx, evt); err != nil {
			log.Printf("batch event for user %s dropped: %v", evt.UserID, err)
			continue
		}
		accepted++
	}
	return accepted
}

// InteractiveScan is a single online scan from the mobile app.
type InteractiveScan struct {
	RoomID    string
	Timestamp int64
	Method    string
	Telemetry Telemetry
}

// RecordInteractive handles the trimmed online path. It reuses the same
// window and matching logic as the batch path, but unlike the offline
// buffer it can push back: clock drift beyond tolerance is replaced with
// server time, and a scan outside the geofence is rejected outright.
func (s *Service) RecordInteractive(ctx context.Context, p auth.Principal, in InteractiveScan) (Outcome, error) {
	const op = "attendance.RecordInteractive"

	if p.UserID == "" {
		return Outcome{}, fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	if in.Method != MethodCard && in.Method != MethodPhone {
		return Outcome{}, fmt.Errorf("%s: %w: bad method %q", op, ErrValidation, in.Method)
	}

	nowMs := s.now().UnixMilli()
	ts := in.Timestamp
	drift := ts - nowMs
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxClockDriftMs {
		// Clock spoofing or a badly skewed phone; trust the server.
		s.alerts.Raise(ctx, alerts.Alert{
			Type:     alerts.TypeSuspectTime,
			Severity: alerts.SeverityMedium,
			Message:  fmt.Sprintf("Large clock drift detected: %ds", drift/1000),
			UserID:   &p.UserID,
		})
		metrics.AntiCheatFlags.WithLabelValues(alerts.TypeSuspectTime).Inc()
		ts = nowMs
	}

	room, err := s.store.Room(ctx, in.RoomID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	if room == nil {
		return Outcome{}, fmt.Errorf("%s: %w: room %s", op, ErrNotFound, in.RoomID)
	}

	evt := AccessEvent{
		UserID:        p.UserID,
		RoomID:        in.RoomID,
		Method:        in.Method,
		Action:        ActionAttendance,
		Result:        "OK",
		Timestamp:     ts,
		TimestampType: TimestampServer,
		Telemetry:     in.Telemetry,
	}
	if _, err := s.store.InsertAccessLog(ctx, evt); err != nil {
		return Outcome{}, fmt.Errorf("%s: log event: %w", op, err)
	}

	outcome := Outcome{Flags: s.evaluateFlags(ctx, evt, room)}

	// The online path enforces the geofence: the student is holding a
	// connected phone and can simply walk closer.
	if in.Telemetry.GPS != nil && room.GPS != nil {
		if Haversine(in.Telemetry.GPS.Lat, in.Telemetry.GPS.Lng, room.GPS.Lat, room.GPS.Lng) > GeofenceRadiusMeters {
			return outcome, fmt.Errorf("%s: %w", op, ErrOutOfRange)
		}
	}

	sess, record, miss, err := s.match(ctx, in.RoomID, p.UserID, ts)
	if err != nil {
		return outcome, fmt.Errorf("%s: %w", op, err)
	}
	switch miss {
	case missNoHomeroom, missNoSession:
		return outcome, fmt.Errorf("%s: %w", op, ErrNoSession)
	case missNotEnrolled:
		return outcome, fmt.Errorf("%s: %w", op, ErrNotEnrolled)
	}

	status, err := s.apply(ctx, sess, record, evt)
	if err != nil {
		return outcome, fmt.Errorf("%s: %w", op, err)
	}
	outcome.Matched = true
	outcome.Status = status
	metrics.EventsReconciled.WithLabelValues(status).Inc()
	return outcome, nil
}

// Pattern analysis lookbacks and thresholds.
const (
	offlineScanLookback   = 7 * 24 * time.Hour
	deviceShareLookback   = 12 * time.Hour
	offlineScanMinSamples = 5
)

// AnalyzeSuspiciousActivity mines recent telemetry for patterns no single
// scan reveals: students whose scans are mostly "no internet" claims, and
// phones used by more than one account. Findings become advisory
// SUSPECT_DEVICE alerts; the publisher suppresses repeats while one is
// still active.
func (s *Service) AnalyzeSuspiciousActivity(ctx context.Context) (int, error) {
	const op = "attendance.AnalyzeSuspiciousActivity"

	now := s.now()
	raised := 0

	stats, err := s.store.OfflineScanStats(ctx, now.Add(-offlineScanLookback).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	for _, st := range stats {
		if st.Total < offlineScanMinSamples || st.NoInternet*2 <= st.Total {
			continue
		}
		studentID := st.StudentID
		pct := (st.NoInternet*100 + st.Total/2) / st.Total
		metrics.AntiCheatFlags.WithLabelValues(alerts.TypeSuspectDevice).Inc()
		s.alerts.Raise(ctx, alerts.Alert{
			Type:     alerts.TypeSuspectDevice,
			Severity: alerts.SeverityMedium,
			Message:  fmt.Sprintf("Student %q has %d%% no-internet scans (%d/%d) in 7 days", st.StudentName, pct, st.NoInternet, st.Total),
			UserID:   &studentID,
		})
		raised++
	}

	usage, err := s.store.SharedDeviceUsage(ctx, now.Add(-deviceShareLookback).UnixMilli())
	if err != nil {
		return raised, fmt.Errorf("%s: %w", op, err)
	}
	for _, u := range usage {
		if u.Users < 2 {
			continue
		}
		deviceID := u.DeviceID
		metrics.AntiCheatFlags.WithLabelValues(alerts.TypeSuspectDevice).Inc()
		s.alerts.Raise(ctx, alerts.Alert{
			Type:     alerts.TypeSuspectDevice,
			Severity: alerts.SeverityHigh,
			Message:  fmt.Sprintf("Hardware device %s was used by %d different accounts in 12 hours", deviceID, u.Users),
			DeviceID: &deviceID,
		})
		raised++
	}
	return raised, nil
}

// Override applies a manual attendance mark. Teachers may only touch
// sessions of their own slots; admins may touch any. A manual mark wins
// over every later automatic scan for that session.
func (s *Service) Override(ctx context.Context, p auth.Principal, attendanceID, status string, note *string) error {
	const op = "attendance.Override"

	if p.Role != auth.RoleTeacher && p.Role != auth.RoleAdmin {
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	switch status {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
	default:
		return fmt.Errorf("%s: %w: bad status %q", op, ErrValidation, status)
	}

	record, err := s.store.Record(ctx, attendanceID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if record == nil {
		return fmt.Errorf("%s: %w: attendance record", op, ErrNotFound)
	}
	sess, err := s.store.Session(ctx, record.DailySessionID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if sess == nil {
		return fmt.Errorf("%s: %w: session", op, ErrNotFound)
	}
	slot, err := s.store.Slot(ctx, sess.ScheduleSlotID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if slot == nil {
		return fmt.Errorf("%s: %w: schedule slot", op, ErrNotFound)
	}
	if p.Role == auth.RoleTeacher && slot.TeacherID != p.UserID {
		return fmt.Errorf("%s: %w: not your class", op, ErrForbidden)
	}

	manual := true
	patch := RecordPatch{
		Status:         &status,
		Note:           note,
		MarkedManually: &manual,
		MarkedBy:       &p.UserID,
	}
	if err := s.store.PatchRecord(ctx, record.ID, patch); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SessionRoster returns the attendance records of one session. Students
// cannot read rosters.
func (s *Service) SessionRoster(ctx context.Context, p auth.Principal, sessionID string) ([]Record, error) {
	const op = "attendance.SessionRoster"

	if !p.IsStaff() {
		return nil, fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	records, err := s.store.SessionRoster(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

// StudentHistory returns a student's attendance history, newest first.
// Students may only read their own.
func (s *Service) StudentHistory(ctx context.Context, p auth.Principal, studentID string, limit int) ([]Record, error) {
	const op = "attendance.StudentHistory"

	if p.Role == auth.RoleStudent && p.UserID != studentID {
		return nil, fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	records, err := s.store.StudentHistory(ctx, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}
