package alerts

// Alert types raised by the engine. All are advisory.
const (
	TypeDeviceOffline = "DEVICE_OFFLINE"
	TypeSuspectGPS    = "SUSPECT_GPS"
	TypeSuspectDevice = "SUSPECT_DEVICE"
	TypeSuspectTime   = "SUSPECT_TIME"
)

// Severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Alert is an advisory flag for administrators. Raising one never blocks
// the operation that triggered it.
type Alert struct {
	ID        string  `json:"id,omitempty"`
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	DeviceID  *string `json:"deviceId,omitempty"`
	UserID    *string `json:"userId,omitempty"`
	RoomID    *string `json:"roomId,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Status    string  `json:"status"`
}
