package registry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"showtime-booking/shared"
)

// Sweep releases every unpinned lease whose expiry is at or before now and
// returns the number of seats released. Each lease is released with reason
// expired, exactly as if its holder had released it.
func (r *Registry) Sweep(now time.Time) int {
	var due []*lease
	seen := make(map[*lease]bool)

	for _, s := range r.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.booked || e.pinned || seen[e.lease] {
				continue
			}
			if !e.lease.expiresAt.After(now) {
				seen[e.lease] = true
				due = append(due, e.lease)
			}
		}
		s.mu.Unlock()
	}

	total := 0
	for _, l := range due {
		total += r.expireLease(l, now)
	}
	return total
}

// Run sweeps on every tick until ctx is done. The per-lease timers release
// most leases on time; the sweep is the backstop.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Info("released expired leases", "seats", n)
			}
		}
	}
}

func (r *Registry) expireLease(l *lease, now time.Time) int {
	idx := r.lockSeats(l.perf, l.seats)
	defer r.unlockShards(idx)

	if l.expiresAt.After(now) {
		return 0
	}

	var expired []string
	for _, id := range l.seats {
		k := key{l.perf, id}
		e := r.shardFor(k).entries[k]
		if e == nil || e.booked || e.lease != l {
			continue
		}
		if e.pinned {
			if e.deferred == "" {
				e.deferred = shared.ReasonExpired
			}
			continue
		}
		r.removeSeat(k, e)
		expired = append(expired, id)
	}

	if len(expired) == 0 {
		return 0
	}

	r.expired.Add(context.Background(), int64(len(expired)), metric.WithAttributes(attribute.String("performance_id", l.perf)))
	r.emit(shared.SeatEvent{
		Type:          shared.EventReleased,
		PerformanceID: l.perf,
		SeatIDs:       expired,
		HolderID:      l.holder,
		LeaseID:       l.id,
		Reason:        shared.ReasonExpired,
	})

	r.logger.Debug("lease expired", "performance_id", l.perf, "holder_id", l.holder, "lease_id", l.id, "seat_ids", expired)
	return len(expired)
}

// dropExpiredSeat frees one seat of a lease that expired before the sweep
// reached it. The caller holds the seat's shard lock.
func (r *Registry) dropExpiredSeat(k key, e *entry) {
	l := e.lease
	r.removeSeat(k, e)

	r.expired.Add(context.Background(), 1, metric.WithAttributes(attribute.String("performance_id", k.perf)))
	r.emit(shared.SeatEvent{
		Type:          shared.EventReleased,
		PerformanceID: k.perf,
		SeatIDs:       []string{k.seat},
		HolderID:      l.holder,
		LeaseID:       l.id,
		Reason:        shared.ReasonExpired,
	})
}
