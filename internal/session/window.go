package session

// PreWindowMs is how early a scan may arrive and still count: 15 minutes.
const PreWindowMs = 15 * 60 * 1000

// Window computes the scan window for a session starting at startMs and
// running for durationMs. The window opens 15 minutes before the start and
// ends at the session midpoint; a scan past the midpoint is late, not
// rejected. Every ingestion path must use this same function so windows
// agree regardless of arrival channel.
func Window(startMs, durationMs int64) (windowStart, windowEnd int64) {
	return startMs - PreWindowMs, startMs + durationMs/2
}
