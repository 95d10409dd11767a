package attendance

import "gatekeeper/internal/schedule"

// Attendance statuses.
const (
	StatusPresent = "present"
	StatusLate    = "late"
	StatusAbsent  = "absent"
	StatusExcused = "excused"
)

// Scan methods.
const (
	MethodCard  = "card"
	MethodPhone = "phone"
)

// Event actions. Only ATTENDANCE events are matched against sessions;
// OPEN_GATE traffic is logged for audit and nothing more.
const (
	ActionOpenGate   = "OPEN_GATE"
	ActionAttendance = "ATTENDANCE"
)

// Timestamp provenance, as reported by the hardware.
const (
	TimestampServer = "server"
	TimestampLocal  = "local"
)

// Telemetry is the anti-cheat payload attached to scans. All fields are
// attacker-influenceable and optionally absent, which is why they only
// ever produce advisory flags.
type Telemetry struct {
	DeviceTime  *int64        `json:"deviceTime,omitempty"`
	TimeSource  *string       `json:"timeSource,omitempty"`
	HasInternet *bool         `json:"hasInternet,omitempty"`
	DeviceID    *string       `json:"deviceId,omitempty"`
	GPS         *schedule.GPS `json:"gps,omitempty"`
	ScanOrder   *int          `json:"scanOrder,omitempty"`
}

// AccessEvent is one raw scan. Rows are append-only: they are never
// updated after insert and serve as the audit trail and the reconciler's
// sole input.
type AccessEvent struct {
	ID            string    `json:"id,omitempty"`
	UserID        string    `json:"userId"`
	RoomID        string    `json:"roomId"`
	Method        string    `json:"method"`
	Action        string    `json:"action"`
	Result        string    `json:"result"`
	Timestamp     int64     `json:"timestamp"` // epoch ms
	TimestampType string    `json:"timestampType"`
	Telemetry     Telemetry `json:"telemetry"`
}

// Record is one student's attendance for one daily session. Exactly one
// exists per (session, student); the materializer creates it absent and
// only transitions mutate it afterwards.
type Record struct {
	ID             string    `json:"id"`
	DailySessionID string    `json:"dailySessionId"`
	StudentID      string    `json:"studentId"`
	Status         string    `json:"status"`
	ScanTime       *int64    `json:"scanTime,omitempty"`
	Method         *string   `json:"method,omitempty"`
	MarkedManually bool      `json:"markedManually"`
	MarkedBy       *string   `json:"markedBy,omitempty"`
	Note           *string   `json:"note,omitempty"`
	Telemetry      Telemetry `json:"telemetry"`
}

// RecordPatch is a field-level partial update for a record. Nil fields are
// left untouched; the service layer decides which fields may be set, with
// manual marks taking precedence over automatic scans.
type RecordPatch struct {
	Status         *string
	ScanTime       *int64
	Method         *string
	MarkedManually *bool
	MarkedBy       *string
	Note           *string
	Telemetry      *Telemetry
}

// OfflineScanStat aggregates one student's recent scans for the pattern
// analyzer: how many there were and how many claimed no internet.
type OfflineScanStat struct {
	StudentID   string
	StudentName string
	Total       int
	NoInternet  int
}

// DeviceUsage counts the distinct accounts seen on one reported phone.
type DeviceUsage struct {
	DeviceID string
	Users    int
}

// Outcome reports what a reconciliation did. Unmatched events are not
// errors: the scan is logged and simply has no attendance consequence.
type Outcome struct {
	Matched bool     `json:"matched"`
	Status  string   `json:"status,omitempty"`
	Flags   []string `json:"flags,omitempty"`
}
