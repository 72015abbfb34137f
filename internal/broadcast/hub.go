// Package broadcast fans seat events out to the sessions watching a
// performance. Each performance is a topic with one ordered queue and one
// delivery goroutine, so publishing never blocks the producer and every
// member sees a topic's events in production order.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"showtime-booking/shared"
)

const snapshotTimeout = 5 * time.Second

// Subscriber is a topic member. Deliver and DeliverSnapshot run on the topic
// goroutine and must not block.
type Subscriber interface {
	ID() string
	DeliverSnapshot(snapshot shared.Snapshot)
	Deliver(event shared.SeatEvent)
}

// SnapshotSource returns the current state of a performance.
type SnapshotSource interface {
	Snapshot(ctx context.Context, performanceID string) (shared.Snapshot, error)
}

type SnapshotFunc func(ctx context.Context, performanceID string) (shared.Snapshot, error)

func (f SnapshotFunc) Snapshot(ctx context.Context, performanceID string) (shared.Snapshot, error) {
	return f(ctx, performanceID)
}

// HubStats tracks statistics for the hub
type HubStats struct {
	Topics            int       `json:"topics"`
	Members           int       `json:"members"`
	TotalEvents       int64     `json:"total_events"`
	StartedAt         time.Time `json:"started_at"`
	LastBroadcastTime time.Time `json:"last_broadcast_time"`
}

type Hub struct {
	source SnapshotSource
	logger *slog.Logger

	// mu guards topics, stats and every topic's subs; taken before topic.mu.
	mu     sync.Mutex
	topics map[string]*topic
	stats  HubStats

	wg sync.WaitGroup
}

func NewHub(source SnapshotSource, logger *slog.Logger) *Hub {
	return &Hub{
		source: source,
		logger: logger,
		topics: make(map[string]*topic),
		stats:  HubStats{StartedAt: time.Now()},
	}
}

// Join adds sub to a performance topic. The subscriber first receives a
// snapshot, then every event newer than it.
func (h *Hub) Join(ctx context.Context, performanceID string, sub Subscriber) error {
	done := make(chan error, 1)

	h.mu.Lock()
	t := h.topics[performanceID]
	if t == nil {
		t = newTopic(performanceID)
		h.topics[performanceID] = t
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			t.run(h)
		}()
	}
	t.subs[sub.ID()] = true
	t.enqueue(command{kind: cmdJoin, sub: sub, done: done})
	h.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			h.Leave(performanceID, sub.ID())
			return fmt.Errorf("failed to join %s: %w", performanceID, err)
		}
		return nil
	case <-ctx.Done():
		h.Leave(performanceID, sub.ID())
		return ctx.Err()
	}
}

// Leave removes a subscriber. The topic goes away with its last member once
// its queue has drained.
func (h *Hub) Leave(performanceID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[performanceID]
	if t == nil || !t.subs[subscriberID] {
		return
	}

	delete(t.subs, subscriberID)
	t.enqueue(command{kind: cmdLeave, id: subscriberID})

	if len(t.subs) == 0 {
		delete(h.topics, performanceID)
		t.enqueue(command{kind: cmdStop})
	}
}

// Publish queues an event on its performance topic. Events for performances
// nobody watches are dropped.
func (h *Hub) Publish(event shared.SeatEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[event.PerformanceID]
	if t == nil {
		return
	}

	h.stats.TotalEvents++
	h.stats.LastBroadcastTime = time.Now()
	t.enqueue(command{kind: cmdEvent, event: event})
}

// Notify lets the hub serve as a registry notifier.
func (h *Hub) Notify(event shared.SeatEvent) {
	h.Publish(event)
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := h.stats
	stats.Topics = len(h.topics)
	for _, t := range h.topics {
		stats.Members += len(t.subs)
	}
	return stats
}

// Members returns the number of subscribers on a performance topic.
func (h *Hub) Members(performanceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t := h.topics[performanceID]; t != nil {
		return len(t.subs)
	}
	return 0
}

// Close stops every topic and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, t := range h.topics {
		delete(h.topics, id)
		t.enqueue(command{kind: cmdStop})
	}
	h.mu.Unlock()

	h.wg.Wait()
}

type cmdKind int

const (
	cmdEvent cmdKind = iota
	cmdJoin
	cmdLeave
	cmdStop
)

type command struct {
	kind  cmdKind
	event shared.SeatEvent
	sub   Subscriber
	id    string
	done  chan error
}

type member struct {
	sub   Subscriber
	after uint64
}

type topic struct {
	performanceID string
	subs          map[string]bool // guarded by Hub.mu

	mu    sync.Mutex
	cond  *sync.Cond
	queue []command
}

func newTopic(performanceID string) *topic {
	t := &topic{
		performanceID: performanceID,
		subs:          make(map[string]bool),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *topic) enqueue(c command) {
	t.mu.Lock()
	t.queue = append(t.queue, c)
	t.mu.Unlock()
	t.cond.Signal()
}

func (t *topic) next() command {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.queue) == 0 {
		t.cond.Wait()
	}
	c := t.queue[0]
	t.queue[0] = command{}
	t.queue = t.queue[1:]
	return c
}

func (t *topic) run(h *Hub) {
	members := make(map[string]*member)

	for {
		c := t.next()

		switch c.kind {
		case cmdStop:
			return

		case cmdJoin:
			ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
			snap, err := h.source.Snapshot(ctx, t.performanceID)
			cancel()
			if err != nil {
				h.logger.Warn("snapshot for joining subscriber failed",
					"performance_id", t.performanceID, "subscriber_id", c.sub.ID(), "error", err)
				c.done <- err
				continue
			}

			c.sub.DeliverSnapshot(snap)
			members[c.sub.ID()] = &member{sub: c.sub, after: snap.Seq}
			c.done <- nil

		case cmdLeave:
			delete(members, c.id)

		case cmdEvent:
			for _, m := range members {
				if c.event.Seq != 0 && c.event.Seq <= m.after {
					continue
				}
				m.sub.Deliver(c.event)
			}
		}
	}
}
