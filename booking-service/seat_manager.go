package main

import (
	"context"
	"log/slog"

	"showtime-booking/internal/booking"
	"showtime-booking/internal/registry"
	"showtime-booking/internal/seatmap"
	"showtime-booking/shared"
)

// SeatsResponse is the seat status view of one performance.
type SeatsResponse struct {
	Performance *booking.Performance `json:"performance"`
	Seats       []shared.Seat        `json:"seats"`
	Seq         uint64               `json:"seq"`
}

// SeatManager checks lock requests against the seat map before they reach the
// registry, and builds the seat status views.
type SeatManager struct {
	store    booking.Store
	seatMaps seatmap.Provider
	registry *registry.Registry
	logger   *slog.Logger
}

func NewSeatManager(store booking.Store, seatMaps seatmap.Provider, reg *registry.Registry, logger *slog.Logger) *SeatManager {
	return &SeatManager{store: store, seatMaps: seatMaps, registry: reg, logger: logger}
}

func (m *SeatManager) GetSeats(ctx context.Context, performanceID string) (*SeatsResponse, error) {
	perf, err := m.store.GetPerformance(ctx, performanceID)
	if err != nil {
		return nil, err
	}

	sm, err := m.seatMaps.SeatMap(ctx, performanceID)
	if err != nil {
		return nil, err
	}

	snap := m.registry.Snapshot(performanceID)
	return &SeatsResponse{
		Performance: perf,
		Seats:       booking.SeatStatus(perf, sm, snap),
		Seq:         snap.Seq,
	}, nil
}

// Snapshot returns the registry state of a known performance.
func (m *SeatManager) Snapshot(ctx context.Context, performanceID string) (shared.Snapshot, error) {
	if _, err := m.seatMaps.SeatMap(ctx, performanceID); err != nil {
		return shared.Snapshot{}, err
	}
	return m.registry.Snapshot(performanceID), nil
}

func (m *SeatManager) LockSeats(ctx context.Context, performanceID string, req shared.LockRequest) (*shared.LockResponse, error) {
	sm, err := m.seatMaps.SeatMap(ctx, performanceID)
	if err != nil {
		return nil, err
	}
	if err := sm.Validate(req.SeatIDs); err != nil {
		return nil, err
	}

	grant, err := m.registry.Acquire(performanceID, req.HolderID, req.SeatIDs)
	if err != nil {
		return nil, err
	}

	m.logger.Info("seats locked",
		"performance_id", performanceID, "holder_id", req.HolderID, "seat_ids", grant.SeatIDs, "lease_id", grant.LeaseID)
	return toLockResponse(grant), nil
}

func (m *SeatManager) ReleaseSeats(performanceID string, req shared.ReleaseRequest) shared.ReleaseResponse {
	reason := req.Reason
	if reason == "" {
		reason = shared.ReasonVoluntary
	}

	released := m.registry.Release(performanceID, req.HolderID, req.SeatIDs, reason)
	if len(released) > 0 {
		m.logger.Info("seats released",
			"performance_id", performanceID, "holder_id", req.HolderID, "seat_ids", released, "reason", reason)
	}

	if released == nil {
		released = []string{}
	}
	return shared.ReleaseResponse{Released: released}
}

func (m *SeatManager) RenewLease(performanceID string, req shared.RenewRequest) (*shared.LockResponse, error) {
	grant, err := m.registry.Renew(performanceID, req.HolderID, req.LeaseID)
	if err != nil {
		return nil, err
	}
	return toLockResponse(grant), nil
}

func toLockResponse(g *registry.Grant) *shared.LockResponse {
	return &shared.LockResponse{LeaseID: g.LeaseID, SeatIDs: g.SeatIDs, ExpiresAt: g.ExpiresAt}
}
