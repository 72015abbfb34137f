package registry

import (
	"sort"

	"showtime-booking/internal/errs"
	"showtime-booking/shared"
)

// Pin verifies that holderID owns a live lease on every seat and freezes
// those leases for a commit: pinned seats neither expire nor release until
// Unpin or Convert. Any seat that fails the check is named in a LeaseError
// and nothing is pinned.
func (r *Registry) Pin(performanceID, holderID string, seatIDs []string) error {
	if err := checkSeatIDs(seatIDs); err != nil {
		return err
	}

	idx := r.lockSeats(performanceID, seatIDs)
	defer r.unlockShards(idx)

	now := r.now()

	var invalid []string
	for _, id := range seatIDs {
		k := key{performanceID, id}
		e := r.shardFor(k).entries[k]
		if e == nil || e.booked || e.pinned || e.lease.holder != holderID || !e.lease.expiresAt.After(now) {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return &errs.LeaseError{Seats: invalid}
	}

	for _, id := range seatIDs {
		k := key{performanceID, id}
		r.shardFor(k).entries[k].pinned = true
	}
	return nil
}

// Unpin returns pinned seats to their leases after a failed commit. Releases
// requested while the seats were pinned, and expiries that passed meanwhile,
// take effect now.
func (r *Registry) Unpin(performanceID, holderID string, seatIDs []string) {
	if len(seatIDs) == 0 {
		return
	}
	seatIDs = dedupe(seatIDs)

	idx := r.lockSeats(performanceID, seatIDs)
	defer r.unlockShards(idx)

	now := r.now()
	released := make(map[shared.ReleaseReason][]string)

	for _, id := range seatIDs {
		k := key{performanceID, id}
		e := r.shardFor(k).entries[k]
		if e == nil || e.booked || !e.pinned || e.lease.holder != holderID {
			continue
		}
		e.pinned = false

		reason := e.deferred
		e.deferred = ""
		if reason == "" && !e.lease.expiresAt.After(now) {
			reason = shared.ReasonExpired
		}
		if reason == "" {
			continue
		}

		r.removeSeat(k, e)
		released[reason] = append(released[reason], id)
	}

	reasons := make([]string, 0, len(released))
	for reason := range released {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)

	for _, reason := range reasons {
		r.emit(shared.SeatEvent{
			Type:          shared.EventReleased,
			PerformanceID: performanceID,
			SeatIDs:       released[shared.ReleaseReason(reason)],
			HolderID:      holderID,
			Reason:        shared.ReleaseReason(reason),
		})
	}
}

// Convert turns holderID's pinned seats into booked markers once the booking
// is durable, and emits booked. Deferred releases on those seats are dropped.
func (r *Registry) Convert(performanceID, holderID string, seatIDs []string, bookingID string) {
	if len(seatIDs) == 0 {
		return
	}
	seatIDs = dedupe(seatIDs)

	idx := r.lockSeats(performanceID, seatIDs)
	defer r.unlockShards(idx)

	r.book(performanceID, seatIDs, bookingID)

	r.emit(shared.SeatEvent{
		Type:          shared.EventBooked,
		PerformanceID: performanceID,
		SeatIDs:       seatIDs,
		HolderID:      holderID,
		BookingID:     bookingID,
	})
}

// MarkBooked records seats the durable store reports as booked, evicting any
// lease on them, and emits booked.
func (r *Registry) MarkBooked(performanceID string, seatIDs []string, bookingID string) {
	if len(seatIDs) == 0 {
		return
	}
	seatIDs = dedupe(seatIDs)

	idx := r.lockSeats(performanceID, seatIDs)
	defer r.unlockShards(idx)

	r.book(performanceID, seatIDs, bookingID)

	r.emit(shared.SeatEvent{
		Type:          shared.EventBooked,
		PerformanceID: performanceID,
		SeatIDs:       seatIDs,
		BookingID:     bookingID,
	})
}

// LoadBooked warms the booked markers from the durable store without
// emitting events. Used at startup.
func (r *Registry) LoadBooked(performanceID string, seatIDs []string) {
	if len(seatIDs) == 0 {
		return
	}
	seatIDs = dedupe(seatIDs)

	idx := r.lockSeats(performanceID, seatIDs)
	defer r.unlockShards(idx)

	r.book(performanceID, seatIDs, "")
}

// Unbook frees seats of a cancelled booking and emits released with reason
// cancelled. Seats not booked are ignored.
func (r *Registry) Unbook(performanceID string, seatIDs []string, bookingID string) []string {
	if len(seatIDs) == 0 {
		return nil
	}
	seatIDs = dedupe(seatIDs)

	idx := r.lockSeats(performanceID, seatIDs)
	defer r.unlockShards(idx)

	var freed []string
	for _, id := range seatIDs {
		k := key{performanceID, id}
		s := r.shardFor(k)
		if e := s.entries[k]; e != nil && e.booked {
			delete(s.entries, k)
			freed = append(freed, id)
		}
	}

	if len(freed) > 0 {
		r.emit(shared.SeatEvent{
			Type:          shared.EventReleased,
			PerformanceID: performanceID,
			SeatIDs:       freed,
			BookingID:     bookingID,
			Reason:        shared.ReasonCancelled,
		})
	}
	return freed
}

// IsBooked reports whether a seat carries a booked marker.
func (r *Registry) IsBooked(performanceID, seatID string) bool {
	k := key{performanceID, seatID}
	s := r.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	return e != nil && e.booked
}

// book replaces the entries of seatIDs with booked markers. The caller holds
// the shard locks.
func (r *Registry) book(performanceID string, seatIDs []string, bookingID string) {
	for _, id := range seatIDs {
		k := key{performanceID, id}
		s := r.shardFor(k)
		if e := s.entries[k]; e != nil && !e.booked {
			r.untrack(e.lease, k)
		}
		s.entries[k] = &entry{booked: true, bookingID: bookingID}
	}
}
