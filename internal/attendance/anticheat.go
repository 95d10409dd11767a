package attendance

import (
	"fmt"
	"math"

	"gatekeeper/internal/alerts"
	"gatekeeper/internal/schedule"
)

// GeofenceRadiusMeters is how far from the room a scan's GPS may be
// before it is flagged.
const GeofenceRadiusMeters = 100

const earthRadiusMeters = 6371000

// Haversine returns the great-circle distance in meters between two
// WGS84 points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Flag is one advisory anti-cheat finding.
type Flag struct {
	Type    string
	Message string
}

// EvaluateAntiCheat scores an event's telemetry against the student's
// bound device and the room's known location. It is stateless and never
// rejects anything: telemetry is attacker-influenceable and sometimes
// absent, so the system records suspicion instead of denying attendance.
func EvaluateAntiCheat(tel Telemetry, boundDeviceID *string, roomGPS *schedule.GPS, roomName string) []Flag {
	var flags []Flag

	if tel.DeviceID != nil && boundDeviceID != nil && *boundDeviceID != "" && *tel.DeviceID != *boundDeviceID {
		flags = append(flags, Flag{
			Type:    alerts.TypeSuspectDevice,
			Message: fmt.Sprintf("Account used on unauthorized device: %s", *tel.DeviceID),
		})
	}

	if tel.GPS != nil && roomGPS != nil {
		dist := Haversine(tel.GPS.Lat, tel.GPS.Lng, roomGPS.Lat, roomGPS.Lng)
		if dist > GeofenceRadiusMeters {
			flags = append(flags, Flag{
				Type:    alerts.TypeSuspectGPS,
				Message: fmt.Sprintf("Scan %dm away from room %s", int(math.Round(dist)), roomName),
			})
		}
	}

	return flags
}
