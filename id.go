package termpilot

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for run IDs, orchestrator IDs, and plan IDs.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// nowMillis returns current time as Unix milliseconds. Step timestamps use
// millisecond precision so ordering survives JSON round trips.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
