package registry

import (
	"sort"

	"showtime-booking/shared"
)

// Snapshot returns the live leases and booked seats of a performance as of
// the returned sequence number. Events with a Seq at or below it are already
// reflected in the snapshot.
func (r *Registry) Snapshot(performanceID string) shared.Snapshot {
	idx := r.lockAll()
	defer r.unlockShards(idx)

	now := r.now()
	snap := shared.Snapshot{
		PerformanceID: performanceID,
		Leases:        []shared.LeasedSeat{},
		Booked:        []string{},
	}

	for _, s := range r.shards {
		for k, e := range s.entries {
			if k.perf != performanceID {
				continue
			}
			if e.booked {
				snap.Booked = append(snap.Booked, k.seat)
				continue
			}
			if !e.pinned && !e.lease.expiresAt.After(now) {
				continue
			}
			snap.Leases = append(snap.Leases, shared.LeasedSeat{
				SeatID:    k.seat,
				HolderID:  e.lease.holder,
				LeaseID:   e.lease.id,
				ExpiresAt: e.lease.expiresAt,
			})
		}
	}

	sort.Strings(snap.Booked)
	sort.Slice(snap.Leases, func(i, j int) bool { return snap.Leases[i].SeatID < snap.Leases[j].SeatID })

	r.seqMu.Lock()
	snap.Seq = r.seqs[performanceID]
	r.seqMu.Unlock()

	return snap
}
