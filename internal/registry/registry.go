// Package registry is the process-wide table of seat leases. Every
// (performance, seat) key holds nothing, one lease, or a booked marker, and
// every state change is emitted as a shared.SeatEvent to the Notifier.
//
// Keys are spread over shards guarded by their own mutex. Operations touching
// several seats lock the distinct shards in ascending index order, so
// unrelated seats never contend and multi-seat checks are all-or-nothing.
package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"showtime-booking/internal/errs"
	"showtime-booking/shared"
)

const defaultShards = 64

// Notifier receives every registry event in emission order. Notify is called
// while registry locks are held and must not block.
type Notifier interface {
	Notify(event shared.SeatEvent)
}

type NotifierFunc func(event shared.SeatEvent)

func (f NotifierFunc) Notify(event shared.SeatEvent) { f(event) }

type Options struct {
	Shards            int
	LeaseDuration     time.Duration
	MaxSeatsPerHolder int
	Notifier          Notifier
	Logger            *slog.Logger
	Now               func() time.Time
}

// Grant describes a lease created by Acquire.
type Grant struct {
	LeaseID   string
	SeatIDs   []string
	ExpiresAt time.Time
}

type key struct {
	perf string
	seat string
}

type lease struct {
	id        string
	perf      string
	holder    string
	seats     []string
	expiresAt time.Time // written only with every shard of seats locked
	timer     *time.Timer
	remaining atomic.Int32
}

type entry struct {
	lease     *lease
	bookingID string
	booked    bool
	pinned    bool
	deferred  shared.ReleaseReason
}

type shard struct {
	mu      sync.Mutex
	entries map[key]*entry
}

type Registry struct {
	shards   []*shard
	leaseFor time.Duration
	maxSeats int
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	// index guards held and leases; always taken after shard locks.
	index  sync.Mutex
	held   map[string]map[key]*lease
	leases map[string]*lease

	// seqMu guards seqs; always taken last.
	seqMu sync.Mutex
	seqs  map[string]uint64

	grants    metric.Int64Counter
	conflicts metric.Int64Counter
	expired   metric.Int64Counter
}

func New(opts Options) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = shared.DefaultLeaseDuration
	}
	if opts.MaxSeatsPerHolder <= 0 {
		opts.MaxSeatsPerHolder = shared.DefaultMaxSeatsPerHolder
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(shared.SeatEvent) {})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		shards:   make([]*shard, opts.Shards),
		leaseFor: opts.LeaseDuration,
		maxSeats: opts.MaxSeatsPerHolder,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		now:      opts.Now,
		held:     make(map[string]map[key]*lease),
		leases:   make(map[string]*lease),
		seqs:     make(map[string]uint64),
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[key]*entry)}
	}

	meter := otel.Meter("showtime-booking/registry")
	r.grants, _ = meter.Int64Counter("seat_lock_grants", metric.WithDescription("Seats granted to a lease"))
	r.conflicts, _ = meter.Int64Counter("seat_lock_conflicts", metric.WithDescription("Lock requests rejected with a conflict"))
	r.expired, _ = meter.Int64Counter("seat_leases_expired", metric.WithDescription("Seats released by lease expiry"))

	return r
}

// LeaseDuration is the lifetime given to new and renewed leases.
func (r *Registry) LeaseDuration() time.Duration {
	return r.leaseFor
}

// Acquire leases every seat in seatIDs to holderID or none of them. Seats
// held by a live lease or booked are returned in a ConflictError.
func (r *Registry) Acquire(performanceID, holderID string, seatIDs []string) (*Grant, error) {
	if err := checkSeatIDs(seatIDs); err != nil {
		return nil, err
	}

	idx := r.lockSeats(performanceID, seatIDs)
	defer r.unlockShards(idx)

	now := r.now()

	var conflicts []string
	for _, id := range seatIDs {
		k := key{performanceID, id}
		e := r.shardFor(k).entries[k]
		if e == nil {
			continue
		}
		if !e.booked && !e.pinned && !e.lease.expiresAt.After(now) {
			r.dropExpiredSeat(k, e)
			continue
		}
		conflicts = append(conflicts, id)
	}

	if len(conflicts) > 0 {
		r.conflicts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("performance_id", performanceID)))
		return nil, &errs.ConflictError{Seats: conflicts}
	}

	r.index.Lock()
	current := len(r.held[holderID])
	if current+len(seatIDs) > r.maxSeats {
		r.index.Unlock()
		return nil, &errs.ValidationError{
			Reason:  errs.ReasonHolderCapExceeded,
			Message: "holder would exceed the maximum number of held seats",
			Seats:   append([]string(nil), seatIDs...),
		}
	}

	l := &lease{
		id:        uuid.NewString(),
		perf:      performanceID,
		holder:    holderID,
		seats:     append([]string(nil), seatIDs...),
		expiresAt: now.Add(r.leaseFor),
	}
	l.remaining.Store(int32(len(seatIDs)))

	r.leases[l.id] = l
	for _, id := range seatIDs {
		r.trackLocked(holderID, key{performanceID, id}, l)
	}
	r.index.Unlock()

	for _, id := range seatIDs {
		k := key{performanceID, id}
		r.shardFor(k).entries[k] = &entry{lease: l}
	}

	l.timer = time.AfterFunc(r.leaseFor, func() { r.expireLease(l, r.now()) })

	r.grants.Add(context.Background(), int64(len(seatIDs)), metric.WithAttributes(attribute.String("performance_id", performanceID)))
	r.emit(shared.SeatEvent{
		Type:          shared.EventLocked,
		PerformanceID: performanceID,
		SeatIDs:       l.seats,
		HolderID:      holderID,
		LeaseID:       l.id,
		ExpiresAt:     l.expiresAt,
	})

	return &Grant{LeaseID: l.id, SeatIDs: l.seats, ExpiresAt: l.expiresAt}, nil
}

// Release removes the leases holderID has on seatIDs and returns the seats it
// actually released. Seats that are free, booked or held by someone else are
// skipped. Seats pinned by an in-flight commit are released when the commit
// gives them back.
func (r *Registry) Release(performanceID, holderID string, seatIDs []string, reason shared.ReleaseReason) []string {
	if len(seatIDs) == 0 {
		return nil
	}
	if !reason.Valid() {
		reason = shared.ReasonVoluntary
	}

	seatIDs = dedupe(seatIDs)

	idx := r.lockSeats(performanceID, seatIDs)
	defer r.unlockShards(idx)

	var released []string
	for _, id := range seatIDs {
		k := key{performanceID, id}
		e := r.shardFor(k).entries[k]
		if e == nil || e.booked || e.lease.holder != holderID {
			continue
		}
		if e.pinned {
			if e.deferred == "" {
				e.deferred = reason
			}
			continue
		}
		r.removeSeat(k, e)
		released = append(released, id)
	}

	if len(released) > 0 {
		r.emit(shared.SeatEvent{
			Type:          shared.EventReleased,
			PerformanceID: performanceID,
			SeatIDs:       released,
			HolderID:      holderID,
			Reason:        reason,
		})
	}

	return released
}

// ReleaseHolder releases every seat holderID holds on any performance.
func (r *Registry) ReleaseHolder(holderID string, reason shared.ReleaseReason) int {
	r.index.Lock()
	byPerf := make(map[string][]string)
	for k := range r.held[holderID] {
		byPerf[k.perf] = append(byPerf[k.perf], k.seat)
	}
	r.index.Unlock()

	total := 0
	for perf, seats := range byPerf {
		total += len(r.Release(perf, holderID, seats, reason))
	}
	return total
}

// Renew extends a live lease owned by holderID by the lease duration.
func (r *Registry) Renew(performanceID, holderID, leaseID string) (*Grant, error) {
	r.index.Lock()
	l := r.leases[leaseID]
	r.index.Unlock()

	if l == nil || l.perf != performanceID || l.holder != holderID {
		return nil, &errs.LeaseError{}
	}

	idx := r.lockSeats(performanceID, l.seats)
	defer r.unlockShards(idx)

	now := r.now()

	var live []string
	for _, id := range l.seats {
		k := key{performanceID, id}
		if e := r.shardFor(k).entries[k]; e != nil && !e.booked && e.lease == l {
			live = append(live, id)
		}
	}

	if len(live) == 0 || !l.expiresAt.After(now) {
		return nil, &errs.LeaseError{Seats: l.seats}
	}

	l.expiresAt = now.Add(r.leaseFor)
	l.timer.Reset(r.leaseFor)

	r.emit(shared.SeatEvent{
		Type:          shared.EventLocked,
		PerformanceID: performanceID,
		SeatIDs:       live,
		HolderID:      holderID,
		LeaseID:       l.id,
		ExpiresAt:     l.expiresAt,
	})

	return &Grant{LeaseID: l.id, SeatIDs: live, ExpiresAt: l.expiresAt}, nil
}

// HeldCount returns the number of seats holderID currently leases.
func (r *Registry) HeldCount(holderID string) int {
	r.index.Lock()
	defer r.index.Unlock()
	return len(r.held[holderID])
}

func checkSeatIDs(seatIDs []string) error {
	if len(seatIDs) == 0 {
		return &errs.ValidationError{Reason: errs.ReasonEmptyRequest, Message: "at least one seat is required"}
	}

	seen := make(map[string]bool, len(seatIDs))
	var duplicates []string
	for _, id := range seatIDs {
		if id == "" {
			return &errs.ValidationError{Reason: errs.ReasonInvalidRequest, Message: "seat ids must not be empty"}
		}
		if seen[id] {
			duplicates = append(duplicates, id)
		}
		seen[id] = true
	}
	if len(duplicates) > 0 {
		return &errs.ValidationError{Reason: errs.ReasonDuplicateSeats, Message: "seat ids must be unique", Seats: duplicates}
	}

	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) shardIndex(k key) int {
	h := fnv.New32a()
	h.Write([]byte(k.perf))
	h.Write([]byte{0})
	h.Write([]byte(k.seat))
	return int(h.Sum32() % uint32(len(r.shards)))
}

func (r *Registry) shardFor(k key) *shard {
	return r.shards[r.shardIndex(k)]
}

// lockSeats locks the distinct shards covering seatIDs in ascending order
// and returns them for unlockShards.
func (r *Registry) lockSeats(performanceID string, seatIDs []string) []int {
	set := make(map[int]struct{}, len(seatIDs))
	for _, id := range seatIDs {
		set[r.shardIndex(key{performanceID, id})] = struct{}{}
	}

	idx := make([]int, 0, len(set))
	for i := range set {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		r.shards[i].mu.Lock()
	}
	return idx
}

func (r *Registry) lockAll() []int {
	idx := make([]int, len(r.shards))
	for i := range r.shards {
		idx[i] = i
		r.shards[i].mu.Lock()
	}
	return idx
}

func (r *Registry) unlockShards(idx []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		r.shards[idx[i]].mu.Unlock()
	}
}

// removeSeat drops a leased seat. The caller holds the seat's shard lock.
func (r *Registry) removeSeat(k key, e *entry) {
	delete(r.shardFor(k).entries, k)
	r.untrack(e.lease, k)
}

func (r *Registry) untrack(l *lease, k key) {
	r.index.Lock()
	if seats := r.held[l.holder]; seats != nil {
		delete(seats, k)
		if len(seats) == 0 {
			delete(r.held, l.holder)
		}
	}
	if l.remaining.Add(-1) <= 0 {
		delete(r.leases, l.id)
		if l.timer != nil {
			l.timer.Stop()
		}
	}
	r.index.Unlock()
}

// trackLocked records a seat under its holder. The caller holds r.index.
func (r *Registry) trackLocked(holderID string, k key, l *lease) {
	seats := r.held[holderID]
	if seats == nil {
		seats = make(map[key]*lease)
		r.held[holderID] = seats
	}
	seats[k] = l
}

// emit stamps the event with the next per-performance sequence number and
// hands it to the notifier. Callers hold the shard locks of the event seats.
func (r *Registry) emit(event shared.SeatEvent) {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	r.seqs[event.PerformanceID]++
	event.Seq = r.seqs[event.PerformanceID]
	event.Timestamp = r.now()

	r.notifier.Notify(event)
}
