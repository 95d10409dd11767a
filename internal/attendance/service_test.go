package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"gatekeeper/internal/alerts"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/localtime"
	"gatekeeper/internal/schedule"
	"gatekeeper/internal/session"
)

type fakeStore struct {
	logs []AccessEvent

	rooms     map[string]*schedule.Room
	bound     map[string]*string
	homerooms map[string]*schedule.Homeroom    // by room id
	sessions  map[string]*session.DailySession // by homeroom id
	records   map[string]*Record               // by "sessionID|studentID"
	byID      map[string]*Record
	slots     map[string]*schedule.ScheduleSlot
	patches   map[string][]RecordPatch

	offlineStats []OfflineScanStat
	deviceUsage  []DeviceUsage
}

func newStore() *fakeStore {
	return &fakeStore{
		rooms:     map[string]*schedule.Room{},
		bound:     map[string]*string{},
		homerooms: map[string]*schedule.Homeroom{},
		sessions:  map[string]*session.DailySession{},
		records:   map[string]*Record{},
		byID:      map[string]*Record{},
		slots:     map[string]*schedule.ScheduleSlot{},
		patches:   map[string][]RecordPatch{},
	}
}

func (f *fakeStore) InsertAccessLog(_ context.Context, evt AccessEvent) (string, error) {
	f.logs = append(f.logs, evt)
	return "log-1", nil
}

func (f *fakeStore) Room(_ context.Context, id string) (*schedule.Room, error) {
	return f.rooms[id], nil
}

func (f *fakeStore) BoundDeviceID(_ context.Context, userID string) (*string, error) {
	return f.bound[userID], nil
}

func (f *fakeStore) HomeroomForRoom(_ context.Context, roomID string) (*schedule.Homeroom, error) {
	return f.homerooms[roomID], nil
}

func (f *fakeStore) SessionForHomeroomAt(_ context.Context, homeroomID, date, clock string, tsMs int64) (*session.DailySession, error) {
	s := f.sessions[homeroomID]
	if s == nil || s.Date != date || s.Status == session.StatusCancelled {
		return nil, nil
	}
	if s.WindowStart > tsMs {
		return nil, nil
	}
	if slot := f.slots[s.ScheduleSlotID]; slot != nil && clock > slot.EndTime {
		return nil, nil
	}
	return s, nil
}

func (f *fakeStore) RecordForSession(_ context.Context, sessionID, studentID string) (*Record, error) {
	return f.records[sessionID+"|"+studentID], nil
}

func (f *fakeStore) Record(_ context.Context, id string) (*Record, error) {
	return f.byID[id], nil
}

func (f *fakeStore) Session(_ context.Context, id string) (*session.DailySession, error) {
	for _, s := range f.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Slot(_ context.Context, id string) (*schedule.ScheduleSlot, error) {
	return f.slots[id], nil
}

func (f *fakeStore) PatchRecord(_ context.Context, recordID string, patch RecordPatch) error {
	f.patches[recordID] = append(f.patches[recordID], patch)
	rec := f.byID[recordID]
	if rec == nil {
		return errors.New("no such record")
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.ScanTime != nil {
		rec.ScanTime = patch.ScanTime
	}
	if patch.Method != nil {
		rec.Method = patch.Method
	}
	if patch.MarkedManually != nil {
		rec.MarkedManually = *patch.MarkedManually
	}
	if patch.MarkedBy != nil {
		rec.MarkedBy = patch.MarkedBy
	}
	if patch.Note != nil {
		rec.Note = patch.Note
	}
	return nil
}

func (f *fakeStore) SessionRoster(_ context.Context, sessionID string) ([]Record, error) {
	var out []Record
	for key, rec := range f.records {
		if len(key) > len(sessionID) && key[:len(sessionID)] == sessionID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) OfflineScanStats(context.Context, int64) ([]OfflineScanStat, error) {
	return f.offlineStats, nil
}

func (f *fakeStore) SharedDeviceUsage(context.Context, int64) ([]DeviceUsage, error) {
	return f.deviceUsage, nil
}

func (f *fakeStore) StudentHistory(_ context.Context, studentID string, _ int) ([]Record, error) {
	var out []Record
	for _, rec := range f.byID {
		if rec.StudentID == studentID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// memSink captures raised alerts.
type memSink struct {
	inserted []alerts.Alert
}

func (m *memSink) Insert(_ context.Context, a alerts.Alert) (string, error) {
	m.inserted = append(m.inserted, a)
	return "alert-1", nil
}

func (m *memSink) HasActive(context.Context, string, *string, *string) (bool, error) {
	return false, nil
}

type fixture struct {
	store    *fakeStore
	sink     *memSink
	svc      *Service
	resolver *localtime.Resolver

	classStart int64
	windowEnd  int64
}

// newFixture sets up one homeroom in room r1 with a Monday 09:00-10:00
// class on 2026-03-02 and an absent record for student "alice".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	resolver := localtime.NewResolver(7 * time.Hour)
	start, err := resolver.ParseTimeForDate("2026-03-02", "09:00")
	if err != nil {
		t.Fatalf("parse class start: %v", err)
	}

	store := newStore()
	store.rooms["r1"] = &schedule.Room{ID: "r1", Name: "Room 4A"}
	store.homerooms["r1"] = &schedule.Homeroom{ID: "hr1", RoomID: "r1"}
	store.slots["slot1"] = &schedule.ScheduleSlot{ID: "slot1", HomeroomID: "hr1", TeacherID: "teach1", DayOfWeek: 1, StartTime: "09:00", EndTime: "10:00"}
	store.sessions["hr1"] = &session.DailySession{
		ID:             "sess1",
		ScheduleSlotID: "slot1",
		Date:           "2026-03-02",
		Status:         session.StatusOpen,
		WindowStart:    start - 15*60*1000,
		WindowEnd:      start + 30*60*1000,
	}
	rec := &Record{ID: "rec1", DailySessionID: "sess1", StudentID: "alice", Status: StatusAbsent}
	store.records["sess1|alice"] = rec
	store.byID["rec1"] = rec

	sink := &memSink{}
	svc := NewService(store, resolver, alerts.NewPublisher(sink, nil))
	return &fixture{
		store:      store,
		sink:       sink,
		svc:        svc,
		resolver:   resolver,
		classStart: start,
		windowEnd:  start + 30*60*1000,
	}
}

func event(ts int64) AccessEvent {
	return AccessEvent{
		UserID:        "alice",
		RoomID:        "r1",
		Method:        MethodCard,
		Action:        ActionAttendance,
		Result:        "OK",
		Timestamp:     ts,
		TimestampType: TimestampLocal,
	}
}

func TestReconcileLateBoundary(t *testing.T) {
	tests := []struct {
		name       string
		offsetMs   int64
		wantStatus string
	}{
		{"early in pre-window", -10 * 60 * 1000, StatusPresent},
		{"one minute before window end", 29 * 60 * 1000, StatusPresent},
		{"exactly at window end", 30 * 60 * 1000, StatusPresent},
		{"one minute past window end", 31 * 60 * 1000, StatusLate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out, err := f.svc.Reconcile(context.Background(), event(f.classStart+tt.offsetMs))
			if err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}
			if !out.Matched {
				t.Fatal("event should have matched")
			}
			if out.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", out.Status, tt.wantStatus)
			}
		})
	}
}

func TestReconcileAfterSessionClosed(t *testing.T) {
	// The status sweep closes a session at its window end, the class
	// midpoint. Scans during the rest of the period must still match as
	// late; only a scan past the period end goes unmatched.
	tests := []struct {
		name        string
		offsetMs    int64
		wantMatched bool
		wantStatus  string
	}{
		{"second half of class", 45 * 60 * 1000, true, StatusLate},
		{"last minute of class", 59 * 60 * 1000, true, StatusLate},
		{"after the period ends", 61 * 60 * 1000, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.sessions["hr1"].Status = session.StatusClosed
			out, err := f.svc.Reconcile(context.Background(), event(f.classStart+tt.offsetMs))
			if err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}
			if out.Matched != tt.wantMatched {
				t.Fatalf("matched = %v, want %v", out.Matched, tt.wantMatched)
			}
			if out.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", out.Status, tt.wantStatus)
			}
		})
	}
}

func TestReconcileBatchDelayedSync(t *testing.T) {
	// A scanner that lost its network buffers events and syncs them long
	// after the sweep has closed the session. The events carry their
	// original timestamps and must land on the session they happened in.
	f := newFixture(t)
	f.store.sessions["hr1"].Status = session.StatusClosed

	accepted := f.svc.ReconcileBatch(context.Background(), []AccessEvent{
		event(f.classStart + 5*60*1000),
	})
	if accepted != 1 {
		t.Fatalf("accepted = %d, want 1", accepted)
	}
	if got := f.store.byID["rec1"].Status; got != StatusPresent {
		t.Errorf("record status = %q, want present from the buffered scan", got)
	}
}

func TestReconcileAlwaysLogs(t *testing.T) {
	f := newFixture(t)
	// Unknown room: no homeroom, so no match, but the log row must land.
	evt := event(f.classStart)
	evt.RoomID = "r-unknown"
	out, err := f.svc.Reconcile(context.Background(), evt)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Matched {
		t.Error("event in unknown room should not match")
	}
	if len(f.store.logs) != 1 {
		t.Fatalf("access log rows = %d, want 1", len(f.store.logs))
	}
}

func TestReconcileGateEventSkipsMatching(t *testing.T) {
	f := newFixture(t)
	evt := event(f.classStart)
	evt.Action = ActionOpenGate
	out, err := f.svc.Reconcile(context.Background(), evt)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Matched {
		t.Error("gate event should not match a session")
	}
	if len(f.store.patches["rec1"]) != 0 {
		t.Error("gate event must not touch attendance records")
	}
}

func TestReconcileManualMarkWins(t *testing.T) {
	f := newFixture(t)
	rec := f.store.byID["rec1"]
	rec.Status = StatusExcused
	rec.MarkedManually = true

	out, err := f.svc.Reconcile(context.Background(), event(f.classStart))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Status != StatusExcused {
		t.Errorf("outcome status = %q, want the manual %q", out.Status, StatusExcused)
	}
	if rec.Status != StatusExcused {
		t.Errorf("record status = %q, manual mark must not be overwritten", rec.Status)
	}
	if rec.ScanTime == nil {
		t.Error("scan time should still be persisted on a manually marked record")
	}
}

func TestReconcileUnenrolledStudent(t *testing.T) {
	f := newFixture(t)
	evt := event(f.classStart)
	evt.UserID = "mallory"
	out, err := f.svc.Reconcile(context.Background(), evt)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Matched {
		t.Error("unenrolled student should not match")
	}
}

func TestReconcileRaisesAntiCheatFlags(t *testing.T) {
	f := newFixture(t)
	f.store.rooms["r1"].GPS = &schedule.GPS{Lat: 13.7563, Lng: 100.5018}
	f.store.bound["alice"] = strptr("phone-a")

	evt := event(f.classStart)
	evt.Telemetry = Telemetry{
		DeviceID: strptr("phone-b"),
		GPS:      &schedule.GPS{Lat: 13.7563 + deg150m, Lng: 100.5018},
	}
	out, err := f.svc.Reconcile(context.Background(), evt)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(out.Flags) != 2 {
		t.Fatalf("flags = %v, want device and gps flags", out.Flags)
	}
	if !out.Matched || out.Status != StatusPresent {
		t.Errorf("flags are advisory: outcome = %+v, want present match", out)
	}
	if len(f.sink.inserted) != 2 {
		t.Errorf("alerts persisted = %d, want 2", len(f.sink.inserted))
	}
}

func TestReconcileBatchPartialSuccess(t *testing.T) {
	f := newFixture(t)
	bad := event(f.classStart)
	bad.UserID = ""
	events := []AccessEvent{event(f.classStart), bad, event(f.classStart + time.Minute.Milliseconds())}
	accepted := f.svc.ReconcileBatch(context.Background(), events)
	if accepted != 2 {
		t.Fatalf("accepted = %d, want 2", accepted)
	}
}

func TestAnalyzeSuspiciousActivity(t *testing.T) {
	f := newFixture(t)
	f.store.offlineStats = []OfflineScanStat{
		{StudentID: "alice", StudentName: "Alice", Total: 6, NoInternet: 4},
		{StudentID: "bob", StudentName: "Bob", Total: 6, NoInternet: 2},   // under the ratio
		{StudentID: "carol", StudentName: "Carol", Total: 4, NoInternet: 4}, // too few scans
	}
	f.store.deviceUsage = []DeviceUsage{{DeviceID: "phone-x", Users: 3}}

	raised, err := f.svc.AnalyzeSuspiciousActivity(context.Background())
	if err != nil {
		t.Fatalf("AnalyzeSuspiciousActivity failed: %v", err)
	}
	if raised != 2 {
		t.Fatalf("raised = %d, want 2 (offline pattern + shared phone)", raised)
	}
	var byUser, byDevice *alerts.Alert
	for i := range f.sink.inserted {
		a := &f.sink.inserted[i]
		if a.Type != alerts.TypeSuspectDevice {
			t.Fatalf("alert type = %q, want SUSPECT_DEVICE", a.Type)
		}
		if a.UserID != nil {
			byUser = a
		}
		if a.DeviceID != nil {
			byDevice = a
		}
	}
	if byUser == nil || *byUser.UserID != "alice" || byUser.Severity != alerts.SeverityMedium {
		t.Errorf("offline-pattern alert = %+v, want medium alert for alice", byUser)
	}
	if byDevice == nil || *byDevice.DeviceID != "phone-x" || byDevice.Severity != alerts.SeverityHigh {
		t.Errorf("shared-phone alert = %+v, want high alert for phone-x", byDevice)
	}
}

func TestInteractiveClockDrift(t *testing.T) {
	f := newFixture(t)
	serverNow := f.classStart
	f.svc.now = func() time.Time { return time.UnixMilli(serverNow) }

	claimed := serverNow - 10*60*1000 // ten minutes in the past
	out, err := f.svc.RecordInteractive(context.Background(), auth.Principal{UserID: "alice", Role: auth.RoleStudent}, InteractiveScan{
		RoomID:    "r1",
		Timestamp: claimed,
		Method:    MethodPhone,
	})
	if err != nil {
		t.Fatalf("RecordInteractive failed: %v", err)
	}
	if !out.Matched || out.Status != StatusPresent {
		t.Fatalf("outcome = %+v, want present match at substituted server time", out)
	}
	if len(f.store.logs) != 1 || f.store.logs[0].Timestamp != serverNow {
		t.Errorf("logged timestamp = %d, want server time %d", f.store.logs[0].Timestamp, serverNow)
	}
	found := false
	for _, a := range f.sink.inserted {
		if a.Type == alerts.TypeSuspectTime {
			found = true
		}
	}
	if !found {
		t.Error("clock drift should raise a time alert")
	}
}

func TestInteractiveGeofenceRejects(t *testing.T) {
	f := newFixture(t)
	f.store.rooms["r1"].GPS = &schedule.GPS{Lat: 13.7563, Lng: 100.5018}
	f.svc.now = func() time.Time { return time.UnixMilli(f.classStart) }

	_, err := f.svc.RecordInteractive(context.Background(), auth.Principal{UserID: "alice", Role: auth.RoleStudent}, InteractiveScan{
		RoomID:    "r1",
		Timestamp: f.classStart,
		Method:    MethodPhone,
		Telemetry: Telemetry{GPS: &schedule.GPS{Lat: 13.7563 + deg150m, Lng: 100.5018}},
	})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
	if f.store.byID["rec1"].Status != StatusAbsent {
		t.Error("rejected scan must not change attendance")
	}
}

func TestInteractiveNoSession(t *testing.T) {
	f := newFixture(t)
	// Two hours before class the window has not opened.
	early := f.classStart - 2*60*60*1000
	f.svc.now = func() time.Time { return time.UnixMilli(early) }
	_, err := f.svc.RecordInteractive(context.Background(), auth.Principal{UserID: "alice", Role: auth.RoleStudent}, InteractiveScan{
		RoomID:    "r1",
		Timestamp: early,
		Method:    MethodPhone,
	})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestOverrideAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		p       auth.Principal
		wantErr error
	}{
		{"student forbidden", auth.Principal{UserID: "alice", Role: auth.RoleStudent}, ErrForbidden},
		{"other teacher forbidden", auth.Principal{UserID: "teach2", Role: auth.RoleTeacher}, ErrForbidden},
		{"own teacher allowed", auth.Principal{UserID: "teach1", Role: auth.RoleTeacher}, nil},
		{"admin allowed", auth.Principal{UserID: "head", Role: auth.RoleAdmin}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.svc.Override(context.Background(), tt.p, "rec1", StatusExcused, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Override failed: %v", err)
			}
			rec := f.store.byID["rec1"]
			if rec.Status != StatusExcused || !rec.MarkedManually {
				t.Errorf("record = %+v, want excused manual mark", rec)
			}
			if rec.MarkedBy == nil || *rec.MarkedBy != tt.p.UserID {
				t.Errorf("markedBy should record the overriding principal")
			}
		})
	}
}

func TestOverrideRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Override(context.Background(), auth.Principal{UserID: "head", Role: auth.RoleAdmin}, "rec1", "vanished", nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestManualMarkSurvivesLaterScan(t *testing.T) {
	f := newFixture(t)
	admin := auth.Principal{UserID: "head", Role: auth.RoleAdmin}
	if err := f.svc.Override(context.Background(), admin, "rec1", StatusExcused, nil); err != nil {
		t.Fatalf("Override failed: %v", err)
	}
	out, err := f.svc.Reconcile(context.Background(), event(f.classStart))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Status != StatusExcused {
		t.Errorf("status = %q, manual mark must win over later scan", out.Status)
	}
}

func TestStudentHistoryAccess(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.StudentHistory(context.Background(), auth.Principal{UserID: "bob", Role: auth.RoleStudent}, "alice", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden for another student's history", err)
	}
	records, err := f.svc.StudentHistory(context.Background(), auth.Principal{UserID: "alice", Role: auth.RoleStudent}, "alice", 10)
	if err != nil {
		t.Fatalf("own history failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}

func TestSessionRosterStaffOnly(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.SessionRoster(context.Background(), auth.Principal{UserID: "alice", Role: auth.RoleStudent}, "sess1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden for students", err)
	}
	records, err := f.svc.SessionRoster(context.Background(), auth.Principal{UserID: "teach1", Role: auth.RoleTeacher}, "sess1")
	if err != nil {
		t.Fatalf("roster failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}
