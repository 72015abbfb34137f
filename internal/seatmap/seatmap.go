// Package seatmap describes the valid seats of a performance and their price
// tier. Seat maps are read-only to the reservation core.
package seatmap

import (
	"context"
	"sort"

	"showtime-booking/internal/errs"
	"showtime-booking/shared"
)

type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

type SeatMap struct {
	PerformanceID string          `json:"performance_id"`
	Seats         map[string]Tier `json:"seats"`
}

type Provider interface {
	SeatMap(ctx context.Context, performanceID string) (*SeatMap, error)
}

// Grid lays out rows x cols seats named A1, A2, ... with the first
// premiumRows rows in the premium tier.
func Grid(performanceID string, rows, cols, premiumRows int) *SeatMap {
	m := &SeatMap{
		PerformanceID: performanceID,
		Seats:         make(map[string]Tier, rows*cols),
	}

	for row := 0; row < rows; row++ {
		tier := TierStandard
		if row < premiumRows {
			tier = TierPremium
		}
		for col := 0; col < cols; col++ {
			m.Seats[shared.GetSeatID(row, col)] = tier
		}
	}

	return m
}

// Tier returns the price tier of a seat.
func (m *SeatMap) Tier(seatID string) (Tier, bool) {
	t, ok := m.Seats[seatID]
	return t, ok
}

// SeatIDs returns every seat id in a stable order.
func (m *SeatMap) SeatIDs() []string {
	ids := make([]string, 0, len(m.Seats))
	for id := range m.Seats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate rejects empty requests, duplicate ids and ids not on the map.
func (m *SeatMap) Validate(seatIDs []string) error {
	if len(seatIDs) == 0 {
		return &errs.ValidationError{Reason: errs.ReasonEmptyRequest, Message: "at least one seat is required"}
	}

	seen := make(map[string]bool, len(seatIDs))
	var duplicates, unknown []string

	for _, id := range seatIDs {
		if seen[id] {
			duplicates = append(duplicates, id)
			continue
		}
		seen[id] = true

		if _, ok := m.Seats[id]; !ok {
			unknown = append(unknown, id)
		}
	}

	if len(duplicates) > 0 {
		return &errs.ValidationError{Reason: errs.ReasonDuplicateSeats, Message: "seat ids must be unique", Seats: duplicates}
	}
	if len(unknown) > 0 {
		return &errs.ValidationError{Reason: errs.ReasonUnknownSeats, Message: "seats do not exist for this performance", Seats: unknown}
	}

	return nil
}
