// Package session drives one connected client through seat selection and
// commit. A Session never changes registry or store state itself; it issues
// requests through a Backend and keeps its local view in sync from broadcast
// events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"showtime-booking/internal/booking"
	"showtime-booking/internal/errs"
	"showtime-booking/shared"
)

type State int

const (
	Idle State = iota
	Viewing
	Selecting
	AwaitingLock
	Locked
	Committing
	Confirmed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Viewing:
		return "viewing"
	case Selecting:
		return "selecting"
	case AwaitingLock:
		return "awaiting_lock"
	case Locked:
		return "locked"
	case Committing:
		return "committing"
	case Confirmed:
		return "confirmed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrNoPerformance = errors.New("no performance selected")
	ErrBusy          = errors.New("a previous request is still in flight")
	ErrClosed        = errors.New("session closed")
)

// Backend is the lock registry and committer as seen from a session.
type Backend interface {
	Acquire(ctx context.Context, performanceID, holderID string, seatIDs []string) (*shared.LockResponse, error)
	Release(ctx context.Context, performanceID, holderID string, seatIDs []string, reason shared.ReleaseReason) error
	Commit(ctx context.Context, performanceID, holderID string, seatIDs []string) (*booking.Booking, error)
}

type Session struct {
	id      string
	holder  string
	backend Backend
	logger  *slog.Logger

	mu             sync.Mutex
	state          State
	closed         bool
	performanceID  string
	held           map[string]time.Time
	lockedByOthers map[string]bool
	booked         map[string]bool
}

func New(id, holderID string, backend Backend, logger *slog.Logger) *Session {
	return &Session{
		id:             id,
		holder:         holderID,
		backend:        backend,
		logger:         logger.With("session_id", id, "holder_id", holderID),
		held:           make(map[string]time.Time),
		lockedByOthers: make(map[string]bool),
		booked:         make(map[string]bool),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) HolderID() string { return s.holder }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PerformanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.performanceID
}

// Held returns the seats the session believes it holds, sorted.
func (s *Session) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldLocked()
}

// View switches the session to a performance. Seats held on a previous
// performance are released.
func (s *Session) View(ctx context.Context, performanceID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == AwaitingLock || s.state == Committing {
		s.mu.Unlock()
		return ErrBusy
	}

	prevPerf, prevHeld := s.performanceID, s.heldLocked()
	s.performanceID = performanceID
	s.state = Viewing
	s.held = make(map[string]time.Time)
	s.lockedByOthers = make(map[string]bool)
	s.booked = make(map[string]bool)
	s.mu.Unlock()

	if len(prevHeld) > 0 {
		if err := s.backend.Release(ctx, prevPerf, s.holder, prevHeld, shared.ReasonVoluntary); err != nil {
			s.logger.Warn("failed to release seats of previous performance",
				"performance_id", prevPerf, "seat_ids", prevHeld, "error", err)
		}
	}
	return nil
}

// Leave stops viewing the current performance and releases held seats.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.state == AwaitingLock || s.state == Committing {
		s.mu.Unlock()
		return ErrBusy
	}

	perf, held := s.performanceID, s.heldLocked()
	s.performanceID = ""
	s.state = Idle
	s.held = make(map[string]time.Time)
	s.mu.Unlock()

	if len(held) == 0 {
		return nil
	}
	return s.backend.Release(ctx, perf, s.holder, held, shared.ReasonVoluntary)
}

// ApplySnapshot replaces the known locked and booked sets with a snapshot of
// the current performance. Leases the snapshot attributes to this holder are
// adopted as held.
func (s *Session) ApplySnapshot(snap shared.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.PerformanceID != s.performanceID {
		return
	}

	s.lockedByOthers = make(map[string]bool)
	s.booked = make(map[string]bool)
	for _, id := range snap.Booked {
		s.booked[id] = true
	}
	for _, l := range snap.Leases {
		if l.HolderID == s.holder {
			s.held[l.SeatID] = l.ExpiresAt
			continue
		}
		s.lockedByOthers[l.SeatID] = true
	}
	s.settleLocked()
}

// Toggle selects a free seat or deselects a held one. The lock response is
// nil when the seat was deselected.
func (s *Session) Toggle(ctx context.Context, seatID string) (*shared.LockResponse, error) {
	s.mu.Lock()
	_, held := s.held[seatID]
	s.mu.Unlock()

	if held {
		return nil, s.ReleaseLock(ctx, []string{seatID})
	}
	return s.RequestLock(ctx, []string{seatID})
}

// RequestLock asks the registry for seatIDs. Seats the session already knows
// to be locked by someone else or booked are refused without a round trip.
func (s *Session) RequestLock(ctx context.Context, seatIDs []string) (*shared.LockResponse, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	var unavailable, already []string
	for _, id := range seatIDs {
		switch {
		case s.booked[id] || s.lockedByOthers[id]:
			unavailable = append(unavailable, id)
		case !s.held[id].IsZero():
			already = append(already, id)
		}
	}
	if len(unavailable) > 0 {
		s.mu.Unlock()
		return nil, &errs.ValidationError{Reason: errs.ReasonSeatUnavailable, Message: "seats are locked or booked", Seats: unavailable}
	}
	if len(already) > 0 {
		s.mu.Unlock()
		return nil, &errs.ValidationError{Reason: errs.ReasonInvalidRequest, Message: "seats are already held", Seats: already}
	}

	perf := s.performanceID
	s.state = AwaitingLock
	s.mu.Unlock()

	resp, err := s.backend.Acquire(ctx, perf, s.holder, seatIDs)

	s.mu.Lock()
	if s.closed || s.performanceID != perf {
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		s.releaseStray(perf, resp.SeatIDs)
		return nil, ErrClosed
	}
	defer s.mu.Unlock()

	if err != nil {
		var conflict *errs.ConflictError
		if errors.As(err, &conflict) {
			for _, id := range conflict.Seats {
				delete(s.held, id)
				s.lockedByOthers[id] = true
			}
		}
		s.settleLocked()
		return nil, err
	}

	for _, id := range resp.SeatIDs {
		s.held[id] = resp.ExpiresAt
		delete(s.lockedByOthers, id)
	}
	s.settleLocked()
	return resp, nil
}

// ReleaseLock gives back seats the session holds. Seats it does not hold are
// ignored.
func (s *Session) ReleaseLock(ctx context.Context, seatIDs []string) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	var mine []string
	for _, id := range seatIDs {
		if _, ok := s.held[id]; ok {
			mine = append(mine, id)
		}
	}
	if len(mine) == 0 {
		s.mu.Unlock()
		return nil
	}

	perf := s.performanceID
	s.state = AwaitingLock
	s.mu.Unlock()

	err := s.backend.Release(ctx, perf, s.holder, mine, shared.ReasonVoluntary)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil && s.performanceID == perf {
		for _, id := range mine {
			delete(s.held, id)
		}
	}
	if !s.closed {
		s.settleLocked()
	}
	return err
}

// Commit submits every held seat to the committer. On failure the seats named
// by the error are dropped from the held set and the session goes back to
// selecting, or stays Locked on the seats the error did not name.
func (s *Session) Commit(ctx context.Context) (*booking.Booking, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	seats := s.heldLocked()
	if len(seats) == 0 {
		s.mu.Unlock()
		return nil, &errs.ValidationError{Reason: errs.ReasonEmptyRequest, Message: "no seats are held"}
	}

	perf := s.performanceID
	s.state = Committing
	s.mu.Unlock()

	b, err := s.backend.Commit(ctx, perf, s.holder, seats)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.performanceID != perf {
		return b, err
	}

	if err != nil {
		var conflict *errs.ConflictError
		isConflict := errors.As(err, &conflict)
		for _, id := range errs.Seats(err) {
			delete(s.held, id)
			if isConflict {
				s.booked[id] = true
			}
		}
		s.state = Selecting
		s.settleLocked()

		s.logger.Info("commit failed", "performance_id", perf, "code", errs.Code(err), "seat_ids", errs.Seats(err))
		return nil, err
	}

	for _, id := range seats {
		delete(s.held, id)
		s.booked[id] = true
	}
	s.state = Confirmed

	s.logger.Info("booking confirmed", "performance_id", perf, "booking_id", b.ID)
	return b, nil
}

// Observe applies a broadcast event to the session's local view. Events for
// other performances are ignored.
func (s *Session) Observe(event shared.SeatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.PerformanceID != s.performanceID || s.performanceID == "" {
		return
	}

	mine := event.HolderID == s.holder

	switch event.Type {
	case shared.EventLocked:
		for _, id := range event.SeatIDs {
			if mine {
				if _, ok := s.held[id]; ok {
					s.held[id] = event.ExpiresAt
				}
				continue
			}
			s.lockedByOthers[id] = true
		}

	case shared.EventReleased:
		for _, id := range event.SeatIDs {
			delete(s.lockedByOthers, id)
			if event.Reason == shared.ReasonCancelled {
				delete(s.booked, id)
			}
			if mine {
				delete(s.held, id)
			}
		}

	case shared.EventBooked:
		for _, id := range event.SeatIDs {
			delete(s.lockedByOthers, id)
			s.booked[id] = true
			if s.state != Committing {
				delete(s.held, id)
			}
		}
	}

	if s.state != Committing && s.state != AwaitingLock {
		s.settleLocked()
	}
}

// Available reports whether the session would offer seatID for selection.
func (s *Session) Available(seatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, held := s.held[seatID]
	return !held && !s.booked[seatID] && !s.lockedByOthers[seatID]
}

// Close ends the session. Every seat it holds is released with reason
// disconnected, including seats granted by a request still in flight.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	perf, held := s.performanceID, s.heldLocked()
	s.held = make(map[string]time.Time)
	s.state = Idle
	s.mu.Unlock()

	if len(held) == 0 {
		return
	}

	if err := s.backend.Release(ctx, perf, s.holder, held, shared.ReasonDisconnected); err != nil {
		s.logger.Error("failed to release seats on disconnect", "performance_id", perf, "seat_ids", held, "error", err)
		return
	}
	s.logger.Info("released seats on disconnect", "performance_id", perf, "seat_ids", held)
}

func (s *Session) releaseStray(perf string, seatIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.backend.Release(ctx, perf, s.holder, seatIDs, shared.ReasonDisconnected); err != nil {
		s.logger.Error("failed to release seats granted after close", "performance_id", perf, "seat_ids", seatIDs, "error", err)
	}
}

// readyLocked checks that the session may issue a new request.
func (s *Session) readyLocked() error {
	switch {
	case s.closed:
		return ErrClosed
	case s.performanceID == "":
		return ErrNoPerformance
	case s.state == AwaitingLock || s.state == Committing:
		return ErrBusy
	}
	return nil
}

// settleLocked moves the session to Selecting or Locked depending on whether
// it holds seats.
func (s *Session) settleLocked() {
	if s.performanceID == "" {
		s.state = Idle
		return
	}
	if len(s.held) > 0 {
		s.state = Locked
		return
	}
	switch s.state {
	case Viewing, Confirmed:
		// nothing held yet, or the booking is still on display
	default:
		s.state = Selecting
	}
}

func (s *Session) heldLocked() []string {
	ids := make([]string, 0, len(s.held))
	for id := range s.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
