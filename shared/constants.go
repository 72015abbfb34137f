package shared

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// NATS subjects
const (
	NATSSubjectSeatEvents    = "seats.events.%s" // formatted with performance ID
	NATSSubjectAllSeatEvents = "seats.events.>"
)

// Timeouts and durations
const (
	DefaultLeaseDuration  = 5 * time.Minute
	DefaultBookingCutoff  = 30 * time.Minute
	DefaultSeatMapTTL     = 10 * time.Minute
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongWait     = 60 * time.Second
	WebSocketPingPeriod   = (WebSocketPongWait * 9) / 10
	WebSocketMaxMessage   = 64 * 1024
)

// Holder limits
const (
	DefaultMaxSeatsPerHolder = 8
	DefaultCommitRetries     = 3
)

// Demo venue configuration used to seed the in-memory store
const (
	DemoPerformanceID = "demo"
	DemoRows          = 10
	DemoCols          = 10
)

// Server configuration
const (
	DefaultBookingPort = "8080"
	DefaultEdgePort    = "3000"
)

// API endpoints
const (
	APIEndpointSeats        = "/api/performances/%s/seats"
	APIEndpointSnapshot     = "/api/performances/%s/snapshot"
	APIEndpointLocks        = "/api/performances/%s/locks"
	APIEndpointLocksRelease = "/api/performances/%s/locks/release"
	APIEndpointLocksRenew   = "/api/performances/%s/locks/renew"
	APIEndpointBookings     = "/api/performances/%s/bookings"
	APIEndpointBooking      = "/api/bookings/%s"
	APIEndpointCancel       = "/api/bookings/%s/cancel"
	APIEndpointHealth       = "/health"
	WebSocketEndpoint       = "/ws"
)

// ValidPerformanceID reports whether id can be used as a single NATS subject
// token: non-empty, printable, without whitespace, '.', '*' or '>'.
func ValidPerformanceID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || !unicode.IsPrint(r)
	})
}

// SeatEventsSubject returns the NATS subject for one performance topic.
func SeatEventsSubject(performanceID string) string {
	return fmt.Sprintf(NATSSubjectSeatEvents, performanceID)
}

// GetSeatID generates a seat ID from row and column, e.g. (0, 9) -> "A10".
func GetSeatID(row, col int) string {
	rowLetter := string(rune('A' + row))
	return rowLetter + strconv.Itoa(col+1)
}
