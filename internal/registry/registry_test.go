package registry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showtime-booking/internal/errs"
	"showtime-booking/shared"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []shared.SeatEvent
}

func (r *recorder) Notify(event shared.SeatEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) ofType(t shared.EventType) []shared.SeatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []shared.SeatEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) all() []shared.SeatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shared.SeatEvent(nil), r.events...)
}

func newTestRegistry(t *testing.T, maxSeats int) (*Registry, *fakeClock, *recorder) {
	t.Helper()

	clock := newFakeClock()
	rec := &recorder{}
	reg := New(Options{
		Shards:            8,
		LeaseDuration:     time.Hour,
		MaxSeatsPerHolder: maxSeats,
		Notifier:          rec,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:               clock.Now,
	})
	return reg, clock, rec
}

func TestAcquireIsAllOrNothing(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 8)

	_, err := reg.Acquire("P", "X", []string{"A1"})
	require.NoError(t, err)

	_, err = reg.Acquire("P", "Y", []string{"A1", "A2"})
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"A1"}, conflict.Seats)

	snap := reg.Snapshot("P")
	require.Len(t, snap.Leases, 1)
	assert.Equal(t, "A1", snap.Leases[0].SeatID)
	assert.Equal(t, 0, reg.HeldCount("Y"))

	grant, err := reg.Acquire("P", "Y", []string{"A2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, grant.SeatIDs)
}

func TestAcquireValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 8)

	_, err := reg.Acquire("P", "X", nil)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.ReasonEmptyRequest, verr.Reason)

	_, err = reg.Acquire("P", "X", []string{"A1", "A1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.ReasonDuplicateSeats, verr.Reason)
	assert.Equal(t, []string{"A1"}, verr.Seats)
}

func TestConcurrentAcquireHasExactlyOneWinner(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 8)

	const contenders = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			seats := []string{"A1", fmt.Sprintf("B%d", i+1)}
			if i%2 == 0 {
				seats = []string{fmt.Sprintf("C%d", i+1), "A1"}
			}

			holder := fmt.Sprintf("holder-%d", i)
			_, err := reg.Acquire("P", holder, seats)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, holder)
				return
			}

			var conflict *errs.ConflictError
			if assert.ErrorAs(t, err, &conflict) {
				assert.Equal(t, []string{"A1"}, conflict.Seats)
			}
			losers++
		}(i)
	}
	wg.Wait()

	assert.Len(t, winners, 1)
	assert.Equal(t, contenders-1, losers)
}

func TestHolderCap(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 2)

	_, err := reg.Acquire("P", "X", []string{"A1", "A2"})
	require.NoError(t, err)

	_, err = reg.Acquire("Q", "X", []string{"A3"})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.ReasonHolderCapExceeded, verr.Reason)
	assert.Equal(t, []string{"A3"}, verr.Seats)

	reg.Release("P", "X", []string{"A1"}, shared.ReasonVoluntary)

	_, err = reg.Acquire("Q", "X", []string{"A3"})
	require.NoError(t, err)
	assert.Equal(t, 2, reg.HeldCount("X"))
}

func TestSweepExpiresLeases(t *testing.T) {
	reg, clock, rec := newTestRegistry(t, 8)

	_, err := reg.Acquire("P", "X", []string{"A1", "A2"})
	require.NoError(t, err)

	assert.Zero(t, reg.Sweep(clock.Now().Add(30*time.Minute)))

	clock.Advance(time.Hour)
	assert.Equal(t, 2, reg.Sweep(clock.Now()))

	released := rec.ofType(shared.EventReleased)
	require.Len(t, released, 1)
	assert.Equal(t, shared.ReasonExpired, released[0].Reason)
	assert.ElementsMatch(t, []string{"A1", "A2"}, released[0].SeatIDs)
	assert.Equal(t, "X", released[0].HolderID)

	_, err = reg.Acquire("P", "Y", []string{"A1"})
	require.NoError(t, err)
	assert.Zero(t, reg.HeldCount("X"))
}

func TestExpiredSeatIsReacquirableBeforeSweep(t *testing.T) {
	reg, clock, rec := newTestRegistry(t, 8)

	_, err := reg.Acquire("P", "X", []string{"A1"})
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Second)

	_, err = reg.Acquire("P", "Y", []string{"A1"})
	require.NoError(t, err)

	events := rec.all()
	require.Len(t, events, 3)
	assert.Equal(t, shared.EventReleased, events[1].Type)
	assert.Equal(t, shared.ReasonExpired, events[1].Reason)
	assert.Equal(t, shared.EventLocked, events[2].Type)
	assert.Equal(t, "Y", events[2].HolderID)
}

func TestLeaseTimerReleasesOnTime(t *testing.T) {
	rec := &recorder{}
	reg := New(Options{
		LeaseDuration: 20 * time.Millisecond,
		Notifier:      rec,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := reg.Acquire("P", "X", []string{"A1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.ofType(shared.EventReleased)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, shared.ReasonExpired, rec.ofType(shared.EventReleased)[0].Reason)
	assert.Empty(t, reg.Snapshot("P").Leases)
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg, _, rec := newTestRegistry(t, 8)

	_, err := reg.Acquire("P", "X", []string{"A1"})
	require.NoError(t, err)

	assert.Empty(t, reg.Release("P", "Y", []string{"A1"}, shared.ReasonVoluntary))
	assert.Equal(t, []string{"A1"}, reg.Release("P", "X", []string{"A1"}, shared.ReasonVoluntary))
	assert.Empty(t, reg.Release("P", "X", []string{"A1"}, shared.ReasonVoluntary))
	assert.Empty(t, reg.Release("P", "X", []string{"Z9"}, shared.ReasonVoluntary))

	assert.Len(t, rec.ofType(shared.EventReleased), 1)
}

func TestDisconnectReleasesExactlyOnce(t *testing.T) {
	reg, _, rec := newTestRegistry(t, 8)

	seats := []string{"A1", "A2", "A3", "A4"}
	_, err := reg.Acquire("P", "X", seats)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		total int
		mu    sync.Mutex
	)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			n := reg.ReleaseHolder("X", shared.ReasonDisconnected)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			n := len(reg.Release("P", "X", seats[:2], shared.ReasonVoluntary))
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, len(seats), total)

	var releasedSeats []string
	for _, e := range rec.ofType(shared.EventReleased) {
		releasedSeats = append(releasedSeats, e.SeatIDs...)
	}
	assert.ElementsMatch(t, seats, releasedSeats)
	assert.Zero(t, reg.HeldCount("X"))
}

func TestRenew(t *testing.T) {
	reg, clock, _ := newTestRegistry(t, 8)

	grant, err := reg.Acquire("P", "X", []string{"A1"})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)

	renewed, err := reg.Renew("P", "X", grant.LeaseID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), renewed.ExpiresAt)

	clock.Advance(45 * time.Minute)
	assert.Zero(t, reg.Sweep(clock.Now()))

	_, err = reg.Renew("P", "Y", grant.LeaseID)
	var lerr *errs.LeaseError
	assert.ErrorAs(t, err, &lerr)

	clock.Advance(time.Hour)
	_, err = reg.Renew("P", "X", grant.LeaseID)
	assert.ErrorAs(t, err, &lerr)
}

func TestPinnedSeatsDeferRelease(t *testing.T) {
	reg, clock, rec := newTestRegistry(t, 8)

	_, err := reg.Acquire("P", "X", []string{"A1", "A2"})
	require.NoError(t, err)
	require.NoError(t, reg.Pin("P", "X", []string{"A1", "A2"}))

	assert.Empty(t, reg.Release("P", "X", []string{"A1"}, shared.ReasonDisconnected))

	clock.Advance(2 * time.Hour)
	assert.Zero(t, reg.Sweep(clock.Now()))

	reg.Convert("P", "X", []string{"A1", "A2"}, "b-1")

	assert.Empty(t, rec.ofType(shared.EventReleased))
	booked := rec.ofType(shared.EventBooked)
	require.Len(t, booked, 1)
	assert.Equal(t, "b-1", booked[0].BookingID)
	assert.Equal(t, []string{"A1", "A2"}, booked[0].SeatIDs)

	snap := reg.Snapshot("P")
	assert.Equal(t, []string{"A1", "A2"}, snap.Booked)
	assert.Empty(t, snap.Leases)
	assert.Zero(t, reg.HeldCount("X"))

	_, err = reg.Acquire("P", "Y", []string{"A1"})
	var conflict *errs.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestUnpinAppliesDeferredRelease(t *testing.T) {
	reg, clock, rec := newTestRegistry(t, 8)

	_, err := reg.Acquire("P", "X", []string{"A1", "A2", "A3"})
	require.NoError(t, err)
	require.NoError(t, reg.Pin("P", "X", []string{"A1", "A2"}))

	reg.Release("P", "X", []string{"A1"}, shared.ReasonDisconnected)
	reg.Unpin("P", "X", []string{"A1", "A2"})

	released := rec.ofType(shared.EventReleased)
	require.Len(t, released, 1)
	assert.Equal(t, []string{"A1"}, released[0].SeatIDs)
	assert.Equal(t, shared.ReasonDisconnected, released[0].Reason)

	snap := reg.Snapshot("P")
	require.Len(t, snap.Leases, 2)
	assert.Equal(t, "A2", snap.Leases[0].SeatID)

	require.NoError(t, reg.Pin("P", "X", []string{"A2"}))
	clock.Advance(2 * time.Hour)
	reg.Unpin("P", "X", []string{"A2"})

	released = rec.ofType(shared.EventReleased)
	require.Len(t, released, 2)
	assert.Equal(t, []string{"A2"}, released[1].SeatIDs)
	assert.Equal(t, shared.ReasonExpired, released[1].Reason)
}

func TestPinRejectsSeatsWithoutLiveLease(t *testing.T) {
	reg, clock, _ := newTestRegistry(t, 8)

	_, err := reg.Acquire("P", "X", []string{"A1"})
	require.NoError(t, err)
	_, err = reg.Acquire("P", "Y", []string{"A2"})
	require.NoError(t, err)

	err = reg.Pin("P", "X", []string{"A1", "A2", "A3"})
	var lerr *errs.LeaseError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, []string{"A2", "A3"}, lerr.Seats)

	require.NoError(t, reg.Pin("P", "X", []string{"A1"}))
	reg.Unpin("P", "X", []string{"A1"})

	clock.Advance(2 * time.Hour)
	err = reg.Pin("P", "X", []string{"A1"})
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, []string{"A1"}, lerr.Seats)
}

func TestMarkBookedEvictsLease(t *testing.T) {
	reg, _, rec := newTestRegistry(t, 8)

	_, err := reg.Acquire("P", "X", []string{"A1", "A2"})
	require.NoError(t, err)

	reg.MarkBooked("P", []string{"A1"}, "")

	assert.True(t, reg.IsBooked("P", "A1"))
	assert.Equal(t, 1, reg.HeldCount("X"))
	assert.Len(t, rec.ofType(shared.EventBooked), 1)

	err = reg.Pin("P", "X", []string{"A1", "A2"})
	var lerr *errs.LeaseError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, []string{"A1"}, lerr.Seats)
}

func TestUnbookFreesSeats(t *testing.T) {
	reg, _, rec := newTestRegistry(t, 8)

	reg.LoadBooked("P", []string{"A1", "A2"})
	assert.Empty(t, rec.all())

	freed := reg.Unbook("P", []string{"A1", "A3"}, "b-1")
	assert.Equal(t, []string{"A1"}, freed)

	released := rec.ofType(shared.EventReleased)
	require.Len(t, released, 1)
	assert.Equal(t, shared.ReasonCancelled, released[0].Reason)

	_, err := reg.Acquire("P", "X", []string{"A1"})
	require.NoError(t, err)
}

func TestSnapshotSequence(t *testing.T) {
	reg, _, rec := newTestRegistry(t, 8)

	assert.Zero(t, reg.Snapshot("P").Seq)

	_, err := reg.Acquire("P", "X", []string{"A1"})
	require.NoError(t, err)
	_, err = reg.Acquire("Q", "X", []string{"A1"})
	require.NoError(t, err)
	reg.Release("P", "X", []string{"A1"}, shared.ReasonVoluntary)
	_, err = reg.Acquire("P", "Y", []string{"A2"})
	require.NoError(t, err)

	var last uint64
	for _, e := range rec.all() {
		if e.PerformanceID != "P" {
			continue
		}
		assert.Greater(t, e.Seq, last)
		last = e.Seq
	}

	snap := reg.Snapshot("P")
	assert.Equal(t, last, snap.Seq)
	assert.Equal(t, uint64(1), reg.Snapshot("Q").Seq)
	require.Len(t, snap.Leases, 1)
	assert.Equal(t, "Y", snap.Leases[0].HolderID)
}
