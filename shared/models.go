package shared

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Seat statuses
const (
	SeatAvailable = "available"
	SeatHeld      = "held"
	SeatBooked    = "booked"
)

// Seat is one entry of a performance's seat map together with its live status.
type Seat struct {
	ID        string          `json:"id"`
	Tier      string          `json:"tier"`
	Price     decimal.Decimal `json:"price"`
	Status    string          `json:"status"`
	HeldBy    string          `json:"held_by,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// EventType names the kind of change published on a performance topic.
type EventType string

const (
	EventLocked   EventType = "locked"
	EventReleased EventType = "released"
	EventBooked   EventType = "booked"
)

// ReleaseReason explains why a lease went away.
type ReleaseReason string

const (
	ReasonVoluntary    ReleaseReason = "voluntary"
	ReasonExpired      ReleaseReason = "expired"
	ReasonDisconnected ReleaseReason = "disconnected"
	ReasonCancelled    ReleaseReason = "cancelled"
)

// Valid reports whether r is one of the known release reasons.
func (r ReleaseReason) Valid() bool {
	switch r {
	case ReasonVoluntary, ReasonExpired, ReasonDisconnected, ReasonCancelled:
		return true
	}
	return false
}

// SeatEvent is a single state change on a performance topic. Seq increases
// monotonically per performance.
type SeatEvent struct {
	Type          EventType     `json:"type"`
	PerformanceID string        `json:"performance_id"`
	SeatIDs       []string      `json:"seat_ids"`
	HolderID      string        `json:"holder_id,omitempty"`
	LeaseID       string        `json:"lease_id,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty"`
	Reason        ReleaseReason `json:"reason,omitempty"`
	BookingID     string        `json:"booking_id,omitempty"`
	Seq           uint64        `json:"seq"`
	Timestamp     time.Time     `json:"timestamp"`
}

// LeasedSeat is one seat currently covered by a live lease.
type LeasedSeat struct {
	SeatID    string    `json:"seat_id"`
	HolderID  string    `json:"holder_id"`
	LeaseID   string    `json:"lease_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshot is the state of a performance topic as of event Seq.
type Snapshot struct {
	PerformanceID string       `json:"performance_id"`
	Seq           uint64       `json:"seq"`
	Leases        []LeasedSeat `json:"leases"`
	Booked        []string     `json:"booked"`
}

// Message types for WebSocket communication
const (
	MessageTypeJoin          = "JOIN"
	MessageTypeLeave         = "LEAVE"
	MessageTypeToggleSeat    = "TOGGLE_SEAT"
	MessageTypeRequestLock   = "REQUEST_LOCK"
	MessageTypeReleaseLock   = "RELEASE_LOCK"
	MessageTypeCommitBooking = "COMMIT_BOOKING"

	MessageTypeWelcome          = "WELCOME"
	MessageTypeSnapshot         = "SNAPSHOT"
	MessageTypeLockSuccess      = "LOCK_SUCCESS"
	MessageTypeLockFailed       = "LOCK_FAILED"
	MessageTypeSeatLocked       = "SEAT_LOCKED"
	MessageTypeSeatReleased     = "SEAT_RELEASED"
	MessageTypeSeatBooked       = "SEAT_BOOKED"
	MessageTypeBookingConfirmed = "BOOKING_CONFIRMED"
	MessageTypeBookingFailed    = "BOOKING_FAILED"
	MessageTypeError            = "ERROR"
)

// ClientMessage represents a message from the browser to the server
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServerMessage represents a message from the server to the browser
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// JoinPayload is the data of a JOIN message.
type JoinPayload struct {
	PerformanceID string `json:"performance_id"`
	UserID        string `json:"user_id"`
}

// SeatsPayload is the data of TOGGLE_SEAT, REQUEST_LOCK and RELEASE_LOCK messages.
type SeatsPayload struct {
	SeatID  string   `json:"seat_id,omitempty"`
	SeatIDs []string `json:"seat_ids,omitempty"`
}

// LockRequest asks the booking service to lease seats.
type LockRequest struct {
	HolderID string   `json:"holder_id" binding:"required"`
	SeatIDs  []string `json:"seat_ids" binding:"required,min=1,dive,required"`
}

// ReleaseRequest gives seats back. Reason defaults to voluntary.
type ReleaseRequest struct {
	HolderID string        `json:"holder_id" binding:"required"`
	SeatIDs  []string      `json:"seat_ids" binding:"required,min=1,dive,required"`
	Reason   ReleaseReason `json:"reason,omitempty" binding:"omitempty,release_reason"`
}

// RenewRequest extends a live lease.
type RenewRequest struct {
	HolderID string `json:"holder_id" binding:"required"`
	LeaseID  string `json:"lease_id" binding:"required,uuid"`
}

// CommitRequest converts held seats into a booking.
type CommitRequest struct {
	HolderID string   `json:"holder_id" binding:"required"`
	SeatIDs  []string `json:"seat_ids" binding:"required,min=1,dive,required"`
}

// CancelRequest cancels a confirmed booking.
type CancelRequest struct {
	HolderID string `json:"holder_id" binding:"required"`
}

// LockResponse is returned for a granted lock request.
type LockResponse struct {
	LeaseID   string    `json:"lease_id"`
	SeatIDs   []string  `json:"seat_ids"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReleaseResponse lists the seats that were actually released.
type ReleaseResponse struct {
	Released []string `json:"released"`
}
