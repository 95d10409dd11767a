package session

// Session statuses. Closed and cancelled are terminal.
const (
	StatusUpcoming  = "upcoming"
	StatusOpen      = "open"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
)

// DailySession is one dated occurrence of a schedule slot. At most one
// session exists per (schedule slot, date).
type DailySession struct {
	ID             string
	ScheduleSlotID string
	SchoolDayID    string
	Date           string // YYYY-MM-DD
	Status         string
	WindowStart    int64 // epoch ms
	WindowEnd      int64 // epoch ms
}
