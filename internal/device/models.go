package device

// Device lifecycle statuses. pending devices have registered but are not
// yet assigned to a room; disabled devices keep their row but fail auth.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusDisabled = "disabled"
)

// Device is one wall-mounted scanner. The chip id is burned into the
// hardware and unique; the token hash is the only credential material
// ever stored.
type Device struct {
	ID              string  `json:"id"`
	ChipID          string  `json:"chipId"`
	TokenHash       string  `json:"-"`
	Name            string  `json:"name"`
	RoomID          *string `json:"roomId,omitempty"`
	Status          string  `json:"status"`
	LastSeen        *int64  `json:"lastSeen,omitempty"` // epoch ms
	FirmwareVersion *string `json:"firmwareVersion,omitempty"`
}

// WhitelistEntry is one card the device may accept offline.
type WhitelistEntry struct {
	UserID  string `json:"userId"`
	CardUID string `json:"cardUid"`
	Role    string `json:"role"`
}
