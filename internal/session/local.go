package session

import (
	"context"

	"showtime-booking/internal/booking"
	"showtime-booking/internal/registry"
	"showtime-booking/internal/seatmap"
	"showtime-booking/shared"
)

// LocalBackend serves sessions from a registry and committer in the same
// process.
type LocalBackend struct {
	Registry  *registry.Registry
	Committer *booking.Committer
	SeatMaps  seatmap.Provider
}

func (b *LocalBackend) Acquire(ctx context.Context, performanceID, holderID string, seatIDs []string) (*shared.LockResponse, error) {
	m, err := b.SeatMaps.SeatMap(ctx, performanceID)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(seatIDs); err != nil {
		return nil, err
	}

	grant, err := b.Registry.Acquire(performanceID, holderID, seatIDs)
	if err != nil {
		return nil, err
	}
	return &shared.LockResponse{LeaseID: grant.LeaseID, SeatIDs: grant.SeatIDs, ExpiresAt: grant.ExpiresAt}, nil
}

func (b *LocalBackend) Release(_ context.Context, performanceID, holderID string, seatIDs []string, reason shared.ReleaseReason) error {
	b.Registry.Release(performanceID, holderID, seatIDs, reason)
	return nil
}

func (b *LocalBackend) Commit(ctx context.Context, performanceID, holderID string, seatIDs []string) (*booking.Booking, error) {
	return b.Committer.Commit(ctx, performanceID, holderID, seatIDs)
}
