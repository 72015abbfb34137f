package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showtime-booking/internal/registry"
	"showtime-booking/shared"
)

type fakeSubscriber struct {
	id string

	mu        sync.Mutex
	snapshots []shared.Snapshot
	events    []shared.SeatEvent
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) DeliverSnapshot(snapshot shared.Snapshot) {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshot)
	s.mu.Unlock()
}

func (s *fakeSubscriber) Deliver(event shared.SeatEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *fakeSubscriber) received() []shared.SeatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shared.SeatEvent(nil), s.events...)
}

func (s *fakeSubscriber) snapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticSource(seq uint64) SnapshotSource {
	return SnapshotFunc(func(_ context.Context, performanceID string) (shared.Snapshot, error) {
		return shared.Snapshot{PerformanceID: performanceID, Seq: seq}, nil
	})
}

func TestJoinFiltersEventsCoveredBySnapshot(t *testing.T) {
	hub := NewHub(staticSource(5), discardLogger())
	defer hub.Close()

	sub := &fakeSubscriber{id: "s1"}
	require.NoError(t, hub.Join(context.Background(), "P", sub))
	assert.Equal(t, 1, sub.snapshotCount())

	for seq := uint64(4); seq <= 7; seq++ {
		hub.Publish(shared.SeatEvent{Type: shared.EventLocked, PerformanceID: "P", Seq: seq})
	}

	require.Eventually(t, func() bool { return len(sub.received()) == 2 }, time.Second, 5*time.Millisecond)

	events := sub.received()
	assert.Equal(t, uint64(6), events[0].Seq)
	assert.Equal(t, uint64(7), events[1].Seq)
}

func TestEventsKeepPerTopicOrder(t *testing.T) {
	hub := NewHub(staticSource(0), discardLogger())
	defer hub.Close()

	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	other := &fakeSubscriber{id: "other"}
	require.NoError(t, hub.Join(context.Background(), "P", a))
	require.NoError(t, hub.Join(context.Background(), "P", b))
	require.NoError(t, hub.Join(context.Background(), "Q", other))

	const n = 200
	for seq := uint64(1); seq <= n; seq++ {
		hub.Publish(shared.SeatEvent{Type: shared.EventLocked, PerformanceID: "P", Seq: seq})
	}

	for _, sub := range []*fakeSubscriber{a, b} {
		require.Eventually(t, func() bool { return len(sub.received()) == n }, time.Second, 5*time.Millisecond)
		for i, e := range sub.received() {
			assert.Equal(t, uint64(i+1), e.Seq)
		}
	}
	assert.Empty(t, other.received())
}

func TestLeaveRemovesEmptyTopic(t *testing.T) {
	hub := NewHub(staticSource(0), discardLogger())
	defer hub.Close()

	sub := &fakeSubscriber{id: "s1"}
	require.NoError(t, hub.Join(context.Background(), "P", sub))
	assert.Equal(t, 1, hub.Members("P"))
	assert.Equal(t, 1, hub.GetStats().Topics)

	hub.Leave("P", "s1")
	hub.Leave("P", "s1")

	assert.Zero(t, hub.Members("P"))
	assert.Zero(t, hub.GetStats().Topics)

	hub.Publish(shared.SeatEvent{Type: shared.EventLocked, PerformanceID: "P", Seq: 1})
	assert.Empty(t, sub.received())
}

func TestJoinFailsWhenSnapshotFails(t *testing.T) {
	source := SnapshotFunc(func(context.Context, string) (shared.Snapshot, error) {
		return shared.Snapshot{}, errors.New("booking service down")
	})
	hub := NewHub(source, discardLogger())
	defer hub.Close()

	err := hub.Join(context.Background(), "P", &fakeSubscriber{id: "s1"})
	require.Error(t, err)
	assert.Zero(t, hub.Members("P"))
}

func TestHubFedByRegistry(t *testing.T) {
	var hub *Hub
	reg := registry.New(registry.Options{
		LeaseDuration: time.Hour,
		Notifier:      registry.NotifierFunc(func(e shared.SeatEvent) { hub.Publish(e) }),
		Logger:        discardLogger(),
	})
	hub = NewHub(SnapshotFunc(func(_ context.Context, p string) (shared.Snapshot, error) {
		return reg.Snapshot(p), nil
	}), discardLogger())
	defer hub.Close()

	_, err := reg.Acquire("P", "X", []string{"A1"})
	require.NoError(t, err)

	sub := &fakeSubscriber{id: "watcher"}
	require.NoError(t, hub.Join(context.Background(), "P", sub))

	sub.mu.Lock()
	require.Len(t, sub.snapshots, 1)
	require.Len(t, sub.snapshots[0].Leases, 1)
	assert.Equal(t, "A1", sub.snapshots[0].Leases[0].SeatID)
	sub.mu.Unlock()

	_, err = reg.Acquire("P", "Y", []string{"A2"})
	require.NoError(t, err)
	reg.Release("P", "X", []string{"A1"}, shared.ReasonVoluntary)

	require.Eventually(t, func() bool { return len(sub.received()) == 2 }, time.Second, 5*time.Millisecond)

	events := sub.received()
	assert.Equal(t, shared.EventLocked, events[0].Type)
	assert.Equal(t, []string{"A2"}, events[0].SeatIDs)
	assert.Equal(t, shared.EventReleased, events[1].Type)
	assert.Equal(t, shared.ReasonVoluntary, events[1].Reason)
}

func TestDecodeEvent(t *testing.T) {
	event, err := decodeEvent([]byte(`{"type":"booked","performance_id":"P","seat_ids":["A1"],"booking_id":"b-1","seq":3}`))
	require.NoError(t, err)
	assert.Equal(t, shared.EventBooked, event.Type)
	assert.Equal(t, uint64(3), event.Seq)

	_, err = decodeEvent([]byte(`{"type":"booked"}`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
