package device

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gatekeeper/internal/alerts"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/ratelimit"
)

type fakeStore struct {
	byChip map[string]*Device
	byID   map[string]*Device

	roomNames    map[string]string
	roomEntries  map[string][]WhitelistEntry
	staffEntries []WhitelistEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byChip:      map[string]*Device{},
		byID:        map[string]*Device{},
		roomNames:   map[string]string{},
		roomEntries: map[string][]WhitelistEntry{},
	}
}

func (f *fakeStore) add(d *Device) {
	f.byChip[d.ChipID] = d
	f.byID[d.ID] = d
}

func (f *fakeStore) DeviceByChipID(_ context.Context, chipID string) (*Device, error) {
	return f.byChip[chipID], nil
}

func (f *fakeStore) DeviceByID(_ context.Context, id string) (*Device, error) {
	return f.byID[id], nil
}

func (f *fakeStore) Insert(_ context.Context, d Device) (string, error) {
	if d.ID == "" {
		d.ID = "dev-" + d.ChipID
	}
	f.add(&d)
	return d.ID, nil
}

func (f *fakeStore) List(context.Context) ([]Device, error) {
	var out []Device
	for _, d := range f.byID {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeStore) SetStatus(_ context.Context, id, status string) error {
	f.byID[id].Status = status
	return nil
}

func (f *fakeStore) Touch(_ context.Context, id, status string, lastSeenMs int64, firmware *string) error {
	d := f.byID[id]
	d.Status = status
	d.LastSeen = &lastSeenMs
	if firmware != nil {
		d.FirmwareVersion = firmware
	}
	return nil
}

func (f *fakeStore) AssignRoom(_ context.Context, id, roomID, status string) error {
	d := f.byID[id]
	d.RoomID = &roomID
	d.Status = status
	return nil
}

func (f *fakeStore) SetTokenHash(_ context.Context, id, hash string) error {
	f.byID[id].TokenHash = hash
	return nil
}

func (f *fakeStore) Stale(_ context.Context, cutoffMs int64) ([]Device, error) {
	var out []Device
	for _, d := range f.byID {
		if d.Status != StatusOnline && d.Status != StatusActive {
			continue
		}
		if d.LastSeen != nil && *d.LastSeen < cutoffMs {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeStore) RoomName(_ context.Context, roomID string) (string, error) {
	return f.roomNames[roomID], nil
}

func (f *fakeStore) RoomWhitelist(_ context.Context, roomID string) ([]WhitelistEntry, error) {
	return f.roomEntries[roomID], nil
}

func (f *fakeStore) StaffWhitelist(context.Context) ([]WhitelistEntry, error) {
	return f.staffEntries, nil
}

type memSink struct {
	inserted []alerts.Alert
	active   map[string]bool
}

func (m *memSink) Insert(_ context.Context, a alerts.Alert) (string, error) {
	m.inserted = append(m.inserted, a)
	key := a.Type
	if a.DeviceID != nil {
		key += "|" + *a.DeviceID
	}
	if m.active == nil {
		m.active = map[string]bool{}
	}
	m.active[key] = true
	return "alert-1", nil
}

func (m *memSink) HasActive(_ context.Context, alertType string, deviceID, _ *string) (bool, error) {
	key := alertType
	if deviceID != nil {
		key += "|" + *deviceID
	}
	return m.active[key], nil
}

func newTestService(store *fakeStore, sink *memSink) *Service {
	return NewService(store, ratelimit.NewMemory(), alerts.NewPublisher(sink, nil), 5, time.Hour)
}

func TestRegisterIssuesTokenOnce(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &memSink{})

	first, err := svc.Register(context.Background(), "AABBCCDD", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if first.Status != "registered" || first.Token == "" {
		t.Fatalf("first registration = %+v, want a token", first)
	}
	if len(first.Token) != 48 {
		t.Errorf("token length = %d, want 48 hex chars", len(first.Token))
	}

	d := store.byChip["AABBCCDD"]
	if d.Status != StatusPending {
		t.Errorf("new device status = %q, want pending", d.Status)
	}
	if !strings.Contains(d.Name, "CCDD") {
		t.Errorf("device name %q should carry the chip id suffix", d.Name)
	}
	if d.TokenHash == first.Token {
		t.Error("raw token must not be stored")
	}
	if !VerifyToken(first.Token, d.TokenHash) {
		t.Error("stored hash should verify the issued token")
	}

	second, err := svc.Register(context.Background(), "AABBCCDD", nil)
	if err != nil {
		t.Fatalf("repeat registration failed: %v", err)
	}
	if second.Status != "already_registered" {
		t.Errorf("repeat status = %q, want already_registered", second.Status)
	}
	if second.Token != "" {
		t.Error("repeat registration must not re-issue the token")
	}
}

func TestRegisterRateLimit(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &memSink{})

	for i := 0; i < 5; i++ {
		if _, err := svc.Register(context.Background(), "CHIP1", nil); err != nil {
			t.Fatalf("attempt %d failed: %v", i+1, err)
		}
	}
	if _, err := svc.Register(context.Background(), "CHIP1", nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("attempt 6: err = %v, want ErrRateLimited", err)
	}
	// A different chip id has its own window.
	if _, err := svc.Register(context.Background(), "CHIP2", nil); err != nil {
		t.Fatalf("other chip blocked: %v", err)
	}
}

func TestAuthenticateUniformFailures(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &memSink{})

	res, err := svc.Register(context.Background(), "CHIP1", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), "CHIP1", res.Token); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}

	disabled := store.byChip["CHIP1"]
	cases := []struct {
		name  string
		setup func()
		chip  string
		token string
	}{
		{"unknown chip", func() {}, "NOPE", res.Token},
		{"wrong token", func() {}, "CHIP1", "deadbeef"},
		{"empty token", func() {}, "CHIP1", ""},
		{"disabled device", func() { disabled.Status = StatusDisabled }, "CHIP1", res.Token},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			_, err := svc.Authenticate(context.Background(), tt.chip, tt.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("err = %v, want the uniform ErrUnauthorized", err)
			}
		})
	}
}

func TestTokenVerification(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	hash := HashToken(token)
	if !VerifyToken(token, hash) {
		t.Fatal("token should verify against its own hash")
	}
	if VerifyToken(token+"0", hash) {
		t.Error("longer token must not verify")
	}
	if VerifyToken(token[:len(token)-1], hash) {
		t.Error("truncated token must not verify")
	}
	other, _ := GenerateToken()
	if VerifyToken(other, hash) {
		t.Error("different token must not verify")
	}
}

func TestHeartbeatPromotion(t *testing.T) {
	tests := []struct {
		name          string
		from          string
		want          string
		wantActivated bool
	}{
		{"active goes online", StatusActive, StatusOnline, true},
		{"offline recovers", StatusOffline, StatusOnline, true},
		{"online stays online", StatusOnline, StatusOnline, true},
		{"pending stays pending", StatusPending, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			svc := newTestService(store, &memSink{})
			res, err := svc.Register(context.Background(), "CHIP1", nil)
			if err != nil {
				t.Fatalf("Register failed: %v", err)
			}
			store.byChip["CHIP1"].Status = tt.from

			fw := "1.2.3"
			hb, err := svc.Heartbeat(context.Background(), "CHIP1", res.Token, &fw)
			if err != nil {
				t.Fatalf("Heartbeat failed: %v", err)
			}
			d := hb.Device
			if d.Status != tt.want {
				t.Errorf("status = %q, want %q", d.Status, tt.want)
			}
			if hb.Activated != tt.wantActivated {
				t.Errorf("activated = %v, want %v", hb.Activated, tt.wantActivated)
			}
			if d.LastSeen == nil {
				t.Error("heartbeat should stamp last seen")
			}
			if d.FirmwareVersion == nil || *d.FirmwareVersion != "1.2.3" {
				t.Error("heartbeat should record firmware version")
			}
		})
	}
}

func TestHeartbeatReportsRoomName(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &memSink{})
	res, err := svc.Register(context.Background(), "CHIP1", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	hb, err := svc.Heartbeat(context.Background(), "CHIP1", res.Token, nil)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if hb.RoomName != "Unassigned" {
		t.Errorf("room name = %q, want Unassigned before assignment", hb.RoomName)
	}

	store.roomNames["room1"] = "Room 4A"
	admin := auth.Principal{UserID: "head", Role: auth.RoleAdmin}
	if err := svc.AssignToRoom(context.Background(), admin, store.byChip["CHIP1"].ID, "room1"); err != nil {
		t.Fatalf("AssignToRoom failed: %v", err)
	}
	hb, err = svc.Heartbeat(context.Background(), "CHIP1", res.Token, nil)
	if err != nil {
		t.Fatalf("Heartbeat after assign failed: %v", err)
	}
	if hb.RoomName != "Room 4A" {
		t.Errorf("room name = %q, want Room 4A", hb.RoomName)
	}
}

func TestWhitelistScoping(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &memSink{})
	store.roomEntries["room1"] = []WhitelistEntry{
		{UserID: "alice", CardUID: "card-a", Role: "student"},
		{UserID: "teach1", CardUID: "card-t", Role: "teacher"},
	}
	store.staffEntries = []WhitelistEntry{
		{UserID: "teach1", CardUID: "card-t", Role: "teacher"},
		{UserID: "head", CardUID: "card-h", Role: "admin"},
	}

	room := "room1"
	d := &Device{ID: "dev1", Status: StatusOnline, RoomID: &room}
	entries, err := svc.Whitelist(context.Background(), d)
	if err != nil {
		t.Fatalf("Whitelist failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3 (roster + staff, deduplicated)", len(entries))
	}

	unassigned := &Device{ID: "dev2", Status: StatusPending}
	if _, err := svc.Whitelist(context.Background(), unassigned); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unassigned device: err = %v, want ErrUnauthorized", err)
	}
}

func TestUnprovisionedDeviceIndistinguishable(t *testing.T) {
	// A pending device with a valid token and any device with a bad token
	// must fail the assigned-only endpoints with the same error, so chip
	// ids reveal nothing about provisioning state.
	store := newFakeStore()
	svc := newTestService(store, &memSink{})
	res, err := svc.Register(context.Background(), "CHIP1", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, pendingErr := svc.AuthenticateAssigned(context.Background(), "CHIP1", res.Token)
	if !errors.Is(pendingErr, ErrUnauthorized) {
		t.Fatalf("pending device: err = %v, want ErrUnauthorized", pendingErr)
	}
	_, badTokenErr := svc.AuthenticateAssigned(context.Background(), "CHIP1", "deadbeef")
	if !errors.Is(badTokenErr, ErrUnauthorized) {
		t.Fatalf("bad token: err = %v, want ErrUnauthorized", badTokenErr)
	}

	// An assigned device with good credentials passes.
	admin := auth.Principal{UserID: "head", Role: auth.RoleAdmin}
	if err := svc.AssignToRoom(context.Background(), admin, store.byChip["CHIP1"].ID, "room1"); err != nil {
		t.Fatalf("AssignToRoom failed: %v", err)
	}
	if _, err := svc.AuthenticateAssigned(context.Background(), "CHIP1", res.Token); err != nil {
		t.Fatalf("assigned device rejected: %v", err)
	}
}

func TestMonitorHealth(t *testing.T) {
	store := newFakeStore()
	sink := &memSink{}
	svc := newTestService(store, sink)
	now := time.Now()
	svc.now = func() time.Time { return now }

	staleSeen := now.Add(-20 * time.Minute).UnixMilli()
	freshSeen := now.Add(-5 * time.Minute).UnixMilli()
	room := "room1"
	store.add(&Device{ID: "stale", ChipID: "C1", Name: "Hall Scanner", Status: StatusOnline, LastSeen: &staleSeen, RoomID: &room})
	store.add(&Device{ID: "fresh", ChipID: "C2", Name: "Gate Scanner", Status: StatusOnline, LastSeen: &freshSeen})
	// Provisioned but never heartbeated since activation.
	store.add(&Device{ID: "silent", ChipID: "C3", Name: "Lab Scanner", Status: StatusActive, LastSeen: &staleSeen, RoomID: &room})

	flagged, err := svc.MonitorHealth(context.Background())
	if err != nil {
		t.Fatalf("MonitorHealth failed: %v", err)
	}
	if flagged != 2 {
		t.Fatalf("flagged = %d, want the stale online and silent active devices", flagged)
	}
	if store.byID["stale"].Status != StatusOffline {
		t.Error("stale device should be marked offline")
	}
	if store.byID["silent"].Status != StatusOffline {
		t.Error("silent active device should be marked offline")
	}
	if store.byID["fresh"].Status != StatusOnline {
		t.Error("fresh device must stay online")
	}
	if len(sink.inserted) != 2 {
		t.Fatalf("alerts = %+v, want one DEVICE_OFFLINE per flagged device", sink.inserted)
	}
	for _, a := range sink.inserted {
		if a.Type != alerts.TypeDeviceOffline {
			t.Fatalf("alert type = %q, want DEVICE_OFFLINE", a.Type)
		}
	}

	// The same outage must not raise a second alert.
	store.byID["stale"].Status = StatusOnline
	if _, err := svc.MonitorHealth(context.Background()); err != nil {
		t.Fatalf("second MonitorHealth failed: %v", err)
	}
	if len(sink.inserted) != 2 {
		t.Errorf("alerts = %d after repeat sweep, want still 2", len(sink.inserted))
	}
}

func TestAdminOpsRequireAdmin(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &memSink{})
	if _, err := svc.Register(context.Background(), "CHIP1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	id := store.byChip["CHIP1"].ID

	teacher := auth.Principal{UserID: "teach1", Role: auth.RoleTeacher}
	if err := svc.AssignToRoom(context.Background(), teacher, id, "room1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("teacher assign: err = %v, want ErrForbidden", err)
	}
	if _, err := svc.ResetToken(context.Background(), teacher, id); !errors.Is(err, ErrForbidden) {
		t.Fatalf("teacher reset: err = %v, want ErrForbidden", err)
	}

	admin := auth.Principal{UserID: "head", Role: auth.RoleAdmin}
	if err := svc.AssignToRoom(context.Background(), admin, id, "room1"); err != nil {
		t.Fatalf("admin assign failed: %v", err)
	}
	d := store.byID[id]
	if d.RoomID == nil || *d.RoomID != "room1" || d.Status != StatusActive {
		t.Errorf("device after assign = %+v, want active in room1", d)
	}

	oldHash := d.TokenHash
	token, err := svc.ResetToken(context.Background(), admin, id)
	if err != nil {
		t.Fatalf("admin reset failed: %v", err)
	}
	if d.TokenHash == oldHash {
		t.Error("reset should rotate the stored hash")
	}
	if !VerifyToken(token, d.TokenHash) {
		t.Error("new token should verify against the rotated hash")
	}
}
