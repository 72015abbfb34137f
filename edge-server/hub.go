package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"showtime-booking/internal/broadcast"
	"showtime-booking/internal/session"
	"showtime-booking/shared"
)

const disconnectTimeout = 5 * time.Second

// HubStats tracks statistics for the hub
type HubStats struct {
	TotalClients     int                `json:"total_clients"`
	TotalConnections int64              `json:"total_connections"`
	StartedAt        time.Time          `json:"started_at"`
	Topics           broadcast.HubStats `json:"topics"`
}

// Hub maintains the set of connected clients. Each client owns a
// reservation session and subscribes to the topic of the performance it
// views.
type Hub struct {
	topics  *broadcast.Hub
	backend session.Backend
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	stats   HubStats
}

func newHub(topics *broadcast.Hub, backend session.Backend, logger *slog.Logger) *Hub {
	return &Hub{
		topics:  topics,
		backend: backend,
		logger:  logger,
		clients: make(map[string]*Client),
		stats:   HubStats{StartedAt: time.Now()},
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.stats.TotalConnections++
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client registered", "client_id", c.id, "total_clients", total)
	h.sendWelcomeMessage(c, total)
}

// unregister disconnects a client: it leaves its topic and its session
// releases every seat it holds. Safe to call more than once.
func (h *Hub) unregister(c *Client) {
	c.closeOnce.Do(func() {
		close(c.done)

		h.mu.Lock()
		delete(h.clients, c.id)
		total := len(h.clients)
		h.mu.Unlock()

		if s := c.currentSession(); s != nil {
			if perf := s.PerformanceID(); perf != "" {
				h.topics.Leave(perf, c.id)
			}

			ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			s.Close(ctx)
			cancel()
		}

		h.logger.Info("client unregistered",
			"client_id", c.id, "total_clients", total, "connected_for", time.Since(c.connectedAt).String())
	})
}

// closeAll disconnects every client; used on shutdown.
func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
		c.close()
	}
}

func (h *Hub) sendWelcomeMessage(c *Client, total int) {
	c.sendMessage(shared.MessageTypeWelcome, map[string]any{
		"client_id":     c.id,
		"total_clients": total,
		"server_time":   time.Now().Unix(),
	})
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	stats := h.stats
	stats.TotalClients = len(h.clients)
	h.mu.RUnlock()

	stats.Topics = h.topics.GetStats()
	return stats
}

// GetClientCount returns the current number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
