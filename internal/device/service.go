package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gatekeeper/internal/alerts"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/ratelimit"
)

// OfflineAfter is how long a device may go silent before the health
// monitor declares it offline.
const OfflineAfter = 15 * time.Minute

// Sentinel errors surfaced to handlers.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("too many registration attempts")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("validation failed")
)

// Store is the persistence surface for devices.
type Store interface {
	DeviceByChipID(ctx context.Context, chipID string) (*Device, error)
	DeviceByID(ctx context.Context, id string) (*Device, error)
	Insert(ctx context.Context, d Device) (string, error)
	List(ctx context.Context) ([]Device, error)

	SetStatus(ctx context.Context, id, status string) error
	Touch(ctx context.Context, id, status string, lastSeenMs int64, firmware *string) error
	AssignRoom(ctx context.Context, id, roomID, status string) error
	SetTokenHash(ctx context.Context, id, hash string) error

	Stale(ctx context.Context, cutoffMs int64) ([]Device, error)

	RoomName(ctx context.Context, roomID string) (string, error)
	RoomWhitelist(ctx context.Context, roomID string) ([]WhitelistEntry, error)
	StaffWhitelist(ctx context.Context) ([]WhitelistEntry, error)
}

// Service owns the device fleet: registration, credential checks,
// liveness, and the offline card whitelist.
type Service struct {
	store    Store
	limiter  ratelimit.Limiter
	alerts   *alerts.Publisher
	regLimit int
	regWin   time.Duration
	now      func() time.Time
}

// NewService creates a device service.
func NewService(store Store, limiter ratelimit.Limiter, publisher *alerts.Publisher, regLimit int, regWindow time.Duration) *Service {
	return &Service{
		store:    store,
		limiter:  limiter,
		alerts:   publisher,
		regLimit: regLimit,
		regWin:   regWindow,
		now:      time.Now,
	}
}

// RegisterResult is the registration response. Token is set exactly once,
// on first registration; it is never recoverable afterwards.
type RegisterResult struct {
	Status   string `json:"status"`
	DeviceID string `json:"deviceId,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Register enrolls a scanner by chip id. Repeat calls are harmless but
// never re-issue the token, so a stolen chip id alone is worthless. The
// per-chip rate limit blunts registration floods.
func (s *Service) Register(ctx context.Context, chipID string, firmware *string) (RegisterResult, error) {
	const op = "device.Register"

	if chipID == "" {
		return RegisterResult{}, fmt.Errorf("%s: %w: chip id required", op, ErrValidation)
	}

	ok, err := s.limiter.Allow(ctx, "register:"+chipID, s.regLimit, s.regWin)
	if err != nil {
		// A broken limiter backend should not brick the fleet.
		log.Printf("register rate limit check failed for %s: %v", chipID, err)
		ok = true
	}
	if !ok {
		return RegisterResult{}, fmt.Errorf("%s: %w", op, ErrRateLimited)
	}

	existing, err := s.store.DeviceByChipID(ctx, chipID)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if existing != nil {
		return RegisterResult{Status: "already_registered", DeviceID: existing.ID}, nil
	}

	token, err := GenerateToken()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("%s: %w", op, err)
	}
	suffix := chipID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	nowMs := s.now().UnixMilli()
	id, err := s.store.Insert(ctx, Device{
		ChipID:          chipID,
		TokenHash:       HashToken(token),
		Name:            fmt.Sprintf("Unassigned Device (%s)", suffix),
		Status:          StatusPending,
		LastSeen:        &nowMs,
		FirmwareVersion: firmware,
	})
	if err != nil {
		return RegisterResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return RegisterResult{Status: "registered", DeviceID: id, Token: token}, nil
}

// Authenticate resolves a chip id and token to a device. Every failure
// mode yields the same error so a caller learns nothing about which chip
// ids exist.
func (s *Service) Authenticate(ctx context.Context, chipID, token string) (*Device, error) {
	const op = "device.Authenticate"

	d, err := s.store.DeviceByChipID(ctx, chipID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if d == nil || !VerifyToken(token, d.TokenHash) || d.Status == StatusDisabled {
		metrics.DeviceAuthFailures.Inc()
		return nil, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	return d, nil
}

// requireAssigned rejects devices that cannot serve scans yet: pending
// devices await room assignment. Offline devices pass, since a scanner
// returning from a network outage must be able to sync its buffer. The
// rejection is the same ErrUnauthorized a bad token yields, so a caller
// cannot tell an unprovisioned chip from a wrong credential.
func requireAssigned(d *Device) error {
	if d.Status == StatusPending || d.RoomID == nil {
		metrics.DeviceAuthFailures.Inc()
		return ErrUnauthorized
	}
	return nil
}

// AuthenticateAssigned resolves credentials and additionally requires a
// room-assigned device, for endpoints that only make sense once a device
// serves a room.
func (s *Service) AuthenticateAssigned(ctx context.Context, chipID, token string) (*Device, error) {
	const op = "device.AuthenticateAssigned"

	d, err := s.Authenticate(ctx, chipID, token)
	if err != nil {
		return nil, err
	}
	if err := requireAssigned(d); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return d, nil
}

// HeartbeatResult is the liveness response: the device itself, whether an
// admin has provisioned it yet, and the name of its room.
type HeartbeatResult struct {
	Device    *Device
	Activated bool
	RoomName  string
}

// Heartbeat records liveness. Active and offline devices are promoted to
// online; pending devices stay pending so a heartbeat cannot skip room
// assignment.
func (s *Service) Heartbeat(ctx context.Context, chipID, token string, firmware *string) (HeartbeatResult, error) {
	const op = "device.Heartbeat"

	d, err := s.Authenticate(ctx, chipID, token)
	if err != nil {
		return HeartbeatResult{}, err
	}
	status := d.Status
	if status == StatusActive || status == StatusOffline {
		status = StatusOnline
	}
	nowMs := s.now().UnixMilli()
	if err := s.store.Touch(ctx, d.ID, status, nowMs, firmware); err != nil {
		return HeartbeatResult{}, fmt.Errorf("%s: %w", op, err)
	}
	d.Status = status
	d.LastSeen = &nowMs
	if firmware != nil {
		d.FirmwareVersion = firmware
	}
	roomName := "Unassigned"
	if d.RoomID != nil {
		name, err := s.store.RoomName(ctx, *d.RoomID)
		if err != nil {
			return HeartbeatResult{}, fmt.Errorf("%s: %w", op, err)
		}
		roomName = name
	}
	return HeartbeatResult{Device: d, Activated: status != StatusPending, RoomName: roomName}, nil
}

// Whitelist returns the cards a device may accept while offline: the
// active roster of the homeroom in its room plus all staff, or staff only
// when the room hosts no homeroom.
func (s *Service) Whitelist(ctx context.Context, d *Device) ([]WhitelistEntry, error) {
	const op = "device.Whitelist"

	if err := requireAssigned(d); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	entries, err := s.store.RoomWhitelist(ctx, *d.RoomID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	staff, err := s.store.StaffWhitelist(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.UserID] = struct{}{}
	}
	for _, e := range staff {
		if _, dup := seen[e.UserID]; dup {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AssignToRoom binds a device to a room and activates it. Admin only.
func (s *Service) AssignToRoom(ctx context.Context, p auth.Principal, deviceID, roomID string) error {
	const op = "device.AssignToRoom"

	if p.Role != auth.RoleAdmin {
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	if roomID == "" {
		return fmt.Errorf("%s: %w: room id required", op, ErrValidation)
	}
	d, err := s.store.DeviceByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if d == nil {
		return fmt.Errorf("%s: %w: device", op, ErrNotFound)
	}
	status := d.Status
	if status == StatusPending {
		status = StatusActive
	}
	if err := s.store.AssignRoom(ctx, d.ID, roomID, status); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ResetToken rotates a device credential and returns the new token once.
// Admin only.
func (s *Service) ResetToken(ctx context.Context, p auth.Principal, deviceID string) (string, error) {
	const op = "device.ResetToken"

	if p.Role != auth.RoleAdmin {
		return "", fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	d, err := s.store.DeviceByID(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if d == nil {
		return "", fmt.Errorf("%s: %w: device", op, ErrNotFound)
	}
	token, err := GenerateToken()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.SetTokenHash(ctx, d.ID, HashToken(token)); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}

// Disable revokes a device without deleting its history. Admin only.
func (s *Service) Disable(ctx context.Context, p auth.Principal, deviceID string) error {
	const op = "device.Disable"

	if p.Role != auth.RoleAdmin {
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	d, err := s.store.DeviceByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if d == nil {
		return fmt.Errorf("%s: %w: device", op, ErrNotFound)
	}
	if err := s.store.SetStatus(ctx, d.ID, StatusDisabled); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// List returns the fleet. Staff only.
func (s *Service) List(ctx context.Context, p auth.Principal) ([]Device, error) {
	const op = "device.List"

	if !p.IsStaff() {
		return nil, fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	devices, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return devices, nil
}

// MonitorHealth flags online and active devices that have gone silent
// past the threshold, marking them offline and raising one alert each.
// Active counts as connected so a scanner that never heartbeats after
// provisioning is still caught. The alert publisher dedups, so a device
// stuck offline does not spam admins every sweep.
func (s *Service) MonitorHealth(ctx context.Context) (int, error) {
	const op = "device.MonitorHealth"

	cutoff := s.now().Add(-OfflineAfter).UnixMilli()
	stale, err := s.store.Stale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	flagged := 0
	for i := range stale {
		d := &stale[i]
		if err := s.store.SetStatus(ctx, d.ID, StatusOffline); err != nil {
			log.Printf("mark device %s offline: %v", d.ID, err)
			continue
		}
		s.alerts.Raise(ctx, alerts.Alert{
			Type:     alerts.TypeDeviceOffline,
			Severity: alerts.SeverityHigh,
			Message:  fmt.Sprintf("Device %s has not reported for over %d minutes", d.Name, int(OfflineAfter.Minutes())),
			DeviceID: &d.ID,
			RoomID:   d.RoomID,
		})
		flagged++
	}
	return flagged, nil
}
