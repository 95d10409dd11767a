package schedule

import "time"

// Semester statuses.
const (
	SemesterActive   = "active"
	SemesterUpcoming = "upcoming"
	SemesterArchived = "archived"
)

// School day types. Only holiday suppresses session materialization;
// exam and half_day behave like regular days.
const (
	DayRegular = "regular"
	DayExam    = "exam"
	DayHalfDay = "half_day"
	DayHoliday = "holiday"
)

// Enrollment statuses.
const (
	EnrollActive      = "active"
	EnrollTransferred = "transferred"
	EnrollDropped     = "dropped"
)

// GPS is a WGS84 coordinate pair.
type GPS struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Semester is an academic term bounded by calendar dates.
type Semester struct {
	ID        string
	Name      string
	StartDate string // YYYY-MM-DD
	EndDate   string
	Status    string
}

// SchoolDay is one calendar date within a semester.
type SchoolDay struct {
	ID          string
	SemesterID  string
	Date        string // YYYY-MM-DD, unique per semester
	DayType     string
	HolidayName *string
}

// Room is a physical location a device can be bound to.
type Room struct {
	ID     string
	Name   string
	NodeID *string
	GPS    *GPS
}

// Homeroom is a student cohort tied to a room for one semester.
type Homeroom struct {
	ID         string
	RoomID     string
	SemesterID string
	Name       string
	GradeLevel *string
	Section    *string
}

// Enrollment links a student to a homeroom.
type Enrollment struct {
	ID         string
	HomeroomID string
	StudentID  string
	EnrolledAt time.Time
	Status     string
}

// Subject is a course taught in slots.
type Subject struct {
	ID   string
	Name string
	Code *string
}

// ScheduleSlot is a recurring weekly time block. Start and end times are
// zero-padded HH:MM, so lexicographic comparison orders them correctly.
type ScheduleSlot struct {
	ID         string
	HomeroomID string
	SubjectID  string
	TeacherID  string
	DayOfWeek  int // 0=Sunday .. 6=Saturday
	StartTime  string
	EndTime    string
}

// SlotPatch carries admin-mutable slot fields for partial updates. Nil
// fields are left unchanged.
type SlotPatch struct {
	SubjectID *string
	TeacherID *string
	DayOfWeek *int
	StartTime *string
	EndTime   *string
}
