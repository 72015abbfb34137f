// Package booking owns durable bookings: the store abstraction with its
// memory and Postgres implementations, and the Committer that converts held
// seats into a confirmed booking.
package booking

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"showtime-booking/internal/errs"
	"showtime-booking/internal/seatmap"
	"showtime-booking/shared"
)

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

type Performance struct {
	ID             string                           `json:"id"`
	Title          string                           `json:"title"`
	StartsAt       time.Time                        `json:"starts_at"`
	TotalSeats     int                              `json:"total_seats"`
	AvailableSeats int                              `json:"available_seats"`
	Prices         map[seatmap.Tier]decimal.Decimal `json:"prices"`
}

type Seat struct {
	SeatID string          `json:"seat_id"`
	Tier   seatmap.Tier    `json:"tier"`
	Price  decimal.Decimal `json:"price"`
}

type Booking struct {
	ID            string          `json:"id"`
	PerformanceID string          `json:"performance_id"`
	HolderID      string          `json:"holder_id"`
	Seats         []Seat          `json:"seats"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SeatIDs returns the seat ids covered by the booking.
func (b *Booking) SeatIDs() []string {
	ids := make([]string, len(b.Seats))
	for i, s := range b.Seats {
		ids[i] = s.SeatID
	}
	return ids
}

// validPerformance rejects ids that would not map onto one seat event subject.
func validPerformance(id string) error {
	if shared.ValidPerformanceID(id) {
		return nil
	}
	return &errs.ValidationError{
		Reason:  errs.ReasonInvalidRequest,
		Message: fmt.Sprintf("performance id %q must be non-empty without whitespace, '.', '*' or '>'", id),
	}
}

func sameSeats(a, b []string) bool {
	a = slices.Clone(a)
	b = slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// Store persists performances and bookings. Implementations report
// retryable failures as *errs.TransientStoreError.
type Store interface {
	seatmap.Provider

	GetPerformance(ctx context.Context, performanceID string) (*Performance, error)
	ListPerformances(ctx context.Context) ([]Performance, error)

	// CreateBooking atomically re-checks that none of the seats belong to a
	// confirmed booking, inserts the booking and decrements availableSeats.
	// Seats already booked are reported in an *errs.ConflictError and
	// nothing is written.
	CreateBooking(ctx context.Context, b *Booking) error

	GetBooking(ctx context.Context, bookingID string) (*Booking, error)

	// CancelBooking marks a confirmed booking cancelled and gives its seats
	// back to availableSeats.
	CancelBooking(ctx context.Context, bookingID, holderID string) (*Booking, error)

	BookedSeats(ctx context.Context, performanceID string) ([]string, error)
}

// Notifier is told about booking lifecycle changes after they are durable.
type Notifier interface {
	BookingConfirmed(ctx context.Context, b *Booking) error
	BookingCancelled(ctx context.Context, b *Booking) error
}

// price builds the priced seat list and its total from the tier table.
func price(perf *Performance, m *seatmap.SeatMap, seatIDs []string) ([]Seat, decimal.Decimal, bool) {
	seats := make([]Seat, 0, len(seatIDs))
	total := decimal.Zero

	for _, id := range seatIDs {
		tier, ok := m.Tier(id)
		if !ok {
			return nil, decimal.Zero, false
		}
		p, ok := perf.Prices[tier]
		if !ok {
			return nil, decimal.Zero, false
		}
		seats = append(seats, Seat{SeatID: id, Tier: tier, Price: p})
		total = total.Add(p)
	}

	return seats, total, true
}
