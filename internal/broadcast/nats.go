package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"showtime-booking/shared"
)

// NATSPublisher forwards registry events to seats.events.<performanceId>.
// nats.Conn.Publish only buffers, so Notify never blocks on the network.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewNATSPublisher(conn *nats.Conn, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, logger: logger}
}

func (p *NATSPublisher) Notify(event shared.SeatEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal seat event", "performance_id", event.PerformanceID, "error", err)
		return
	}

	if !shared.ValidPerformanceID(event.PerformanceID) {
		p.logger.Error("performance id cannot be used as a subject token", "performance_id", event.PerformanceID)
		return
	}

	if err := p.conn.Publish(shared.SeatEventsSubject(event.PerformanceID), data); err != nil {
		p.logger.Error("failed to publish seat event",
			"performance_id", event.PerformanceID, "type", event.Type, "seq", event.Seq, "error", err)
		return
	}

	p.logger.Debug("published seat event",
		"performance_id", event.PerformanceID, "type", event.Type, "seat_ids", event.SeatIDs, "seq", event.Seq)
}

// NATSRelay feeds events published by the booking service into a local hub.
// NATS invokes the handler serially, which keeps per-topic order.
type NATSRelay struct {
	sub    *nats.Subscription
	logger *slog.Logger
}

func StartNATSRelay(conn *nats.Conn, hub *Hub, logger *slog.Logger) (*NATSRelay, error) {
	r := &NATSRelay{logger: logger}

	sub, err := conn.Subscribe(shared.NATSSubjectAllSeatEvents, func(msg *nats.Msg) {
		event, err := decodeEvent(msg.Data)
		if err != nil {
			logger.Warn("dropping malformed seat event", "subject", msg.Subject, "error", err)
			return
		}
		hub.Publish(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", shared.NATSSubjectAllSeatEvents, err)
	}

	r.sub = sub
	logger.Info("subscribed to seat events", "subject", shared.NATSSubjectAllSeatEvents)
	return r, nil
}

func (r *NATSRelay) Stop() error {
	return r.sub.Unsubscribe()
}

func decodeEvent(data []byte) (shared.SeatEvent, error) {
	var event shared.SeatEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, err
	}
	if event.PerformanceID == "" {
		return event, fmt.Errorf("event without performance id")
	}
	return event, nil
}
