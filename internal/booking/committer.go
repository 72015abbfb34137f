package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"showtime-booking/internal/errs"
	"showtime-booking/internal/registry"
	"showtime-booking/internal/seatmap"
	"showtime-booking/shared"
)

type CommitterOptions struct {
	Store    Store
	Registry *registry.Registry
	// SeatMaps defaults to Store.
	SeatMaps seatmap.Provider
	Notifier Notifier
	Logger   *slog.Logger

	// Cutoff is the minimum lead time before a performance starts.
	Cutoff time.Duration
	// Retries bounds the retries of transient store failures.
	Retries int
	// RetryInterval is the first backoff interval.
	RetryInterval time.Duration
	Now           func() time.Time
}

// Committer is the only writer of bookings. It checks the booking window and
// the caller's leases, then converts the leased seats into a durable booking.
type Committer struct {
	store    Store
	seatMaps seatmap.Provider
	registry *registry.Registry
	notifier Notifier
	logger   *slog.Logger
	cutoff   time.Duration
	retries  int
	interval time.Duration
	now      func() time.Time

	committed metric.Int64Counter
	failures  metric.Int64Counter
}

func NewCommitter(opts CommitterOptions) *Committer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SeatMaps == nil {
		opts.SeatMaps = opts.Store
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}

	c := &Committer{
		store:    opts.Store,
		seatMaps: opts.SeatMaps,
		registry: opts.Registry,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		cutoff:   opts.Cutoff,
		retries:  opts.Retries,
		interval: opts.RetryInterval,
		now:      opts.Now,
	}

	meter := otel.Meter("showtime-booking/booking")
	c.committed, _ = meter.Int64Counter("bookings_committed", metric.WithDescription("Bookings confirmed"))
	c.failures, _ = meter.Int64Counter("booking_commit_failures", metric.WithDescription("Commits rejected or failed"))

	return c
}

// Commit converts holderID's leased seats into a confirmed booking. It
// returns a ValidationError, WindowError, LeaseError or ConflictError for
// requests the caller must fix, and a TransientStoreError once retries are
// exhausted. On any failure no booking exists and the caller's leases on
// seats not booked by someone else stay intact.
func (c *Committer) Commit(ctx context.Context, performanceID, holderID string, seatIDs []string) (*Booking, error) {
	b, err := c.commit(ctx, performanceID, holderID, seatIDs)
	if err != nil {
		c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", errs.Code(err))))
		c.logger.Info("commit rejected",
			"performance_id", performanceID, "holder_id", holderID, "seat_ids", seatIDs, "code", errs.Code(err), "error", err)
		return nil, err
	}

	c.committed.Add(ctx, 1)
	c.logger.Info("booking confirmed",
		"booking_id", b.ID, "performance_id", performanceID, "holder_id", holderID, "seat_ids", seatIDs,
		"total_amount", b.TotalAmount.String())

	if c.notifier != nil {
		if err := c.notifier.BookingConfirmed(ctx, b); err != nil {
			c.logger.Warn("booking confirmation notification failed", "booking_id", b.ID, "error", err)
		}
	}

	return b, nil
}

func (c *Committer) commit(ctx context.Context, performanceID, holderID string, seatIDs []string) (*Booking, error) {
	var perf *Performance
	err := c.retry(ctx, func() (err error) {
		perf, err = c.store.GetPerformance(ctx, performanceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	m, err := c.seatMaps.SeatMap(ctx, performanceID)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(seatIDs); err != nil {
		return nil, err
	}

	if perf.StartsAt.Sub(c.now()) < c.cutoff {
		return nil, &errs.WindowError{StartsAt: perf.StartsAt, Cutoff: c.cutoff}
	}

	if err := c.registry.Pin(performanceID, holderID, seatIDs); err != nil {
		return nil, err
	}

	seats, total, ok := price(perf, m, seatIDs)
	if !ok {
		c.registry.Unpin(performanceID, holderID, seatIDs)
		return nil, fmt.Errorf("performance %s has no price for a requested seat tier", performanceID)
	}

	b := &Booking{
		ID:            uuid.NewString(),
		PerformanceID: performanceID,
		HolderID:      holderID,
		Seats:         seats,
		TotalAmount:   total,
		Status:        StatusConfirmed,
		CreatedAt:     c.now().UTC(),
	}

	err = c.retry(ctx, func() error {
		return c.store.CreateBooking(ctx, b)
	})
	if err != nil {
		c.registry.Unpin(performanceID, holderID, seatIDs)

		var conflict *errs.ConflictError
		if errors.As(err, &conflict) {
			c.registry.MarkBooked(performanceID, conflict.Seats, "")
		}
		return nil, err
	}

	c.registry.Convert(performanceID, holderID, seatIDs, b.ID)
	return b, nil
}

// Cancel cancels holderID's booking and frees its seats.
func (c *Committer) Cancel(ctx context.Context, bookingID, holderID string) (*Booking, error) {
	var b *Booking
	err := c.retry(ctx, func() (err error) {
		b, err = c.store.CancelBooking(ctx, bookingID, holderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.registry.Unbook(b.PerformanceID, b.SeatIDs(), b.ID)
	c.logger.Info("booking cancelled", "booking_id", b.ID, "performance_id", b.PerformanceID, "holder_id", holderID)

	if c.notifier != nil {
		if err := c.notifier.BookingCancelled(ctx, b); err != nil {
			c.logger.Warn("booking cancellation notification failed", "booking_id", b.ID, "error", err)
		}
	}

	return b, nil
}

// retry runs op with exponential backoff while it fails with a transient
// store error, at most c.retries extra times.
func (c *Committer) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.interval
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !errs.IsTransient(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("transient store failure", "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retries)), ctx))
}

// WarmRegistry loads the booked seats of every stored performance into the
// registry's booked markers.
func WarmRegistry(ctx context.Context, store Store, reg *registry.Registry) error {
	perfs, err := store.ListPerformances(ctx)
	if err != nil {
		return fmt.Errorf("failed to list performances: %w", err)
	}

	for _, p := range perfs {
		seats, err := store.BookedSeats(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to load booked seats of %s: %w", p.ID, err)
		}
		reg.LoadBooked(p.ID, seats)
	}
	return nil
}

// SeatStatus merges the seat map, prices and a registry snapshot into the
// seat list served to clients.
func SeatStatus(perf *Performance, m *seatmap.SeatMap, snap shared.Snapshot) []shared.Seat {
	held := make(map[string]shared.LeasedSeat, len(snap.Leases))
	for _, l := range snap.Leases {
		held[l.SeatID] = l
	}
	booked := make(map[string]bool, len(snap.Booked))
	for _, id := range snap.Booked {
		booked[id] = true
	}

	ids := m.SeatIDs()
	seats := make([]shared.Seat, 0, len(ids))
	for _, id := range ids {
		tier := m.Seats[id]
		seat := shared.Seat{
			ID:     id,
			Tier:   string(tier),
			Price:  perf.Prices[tier],
			Status: shared.SeatAvailable,
		}
		if booked[id] {
			seat.Status = shared.SeatBooked
		} else if l, ok := held[id]; ok {
			expires := l.ExpiresAt
			seat.Status = shared.SeatHeld
			seat.HeldBy = l.HolderID
			seat.ExpiresAt = &expires
		}
		seats = append(seats, seat)
	}
	return seats
}
