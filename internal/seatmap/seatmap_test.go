package seatmap

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showtime-booking/internal/errs"
)

func TestGrid(t *testing.T) {
	m := Grid("p1", 2, 10, 1)

	assert.Len(t, m.Seats, 20)

	tier, ok := m.Tier("A10")
	require.True(t, ok)
	assert.Equal(t, TierPremium, tier)

	tier, ok = m.Tier("B1")
	require.True(t, ok)
	assert.Equal(t, TierStandard, tier)

	_, ok = m.Tier("C1")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	m := Grid("p1", 1, 2, 0)

	tests := []struct {
		name       string
		seats      []string
		wantReason string
		wantSeats  []string
	}{
		{name: "valid", seats: []string{"A1", "A2"}},
		{name: "empty", seats: nil, wantReason: errs.ReasonEmptyRequest},
		{name: "duplicate", seats: []string{"A1", "A1"}, wantReason: errs.ReasonDuplicateSeats, wantSeats: []string{"A1"}},
		{name: "unknown", seats: []string{"A1", "Z9"}, wantReason: errs.ReasonUnknownSeats, wantSeats: []string{"Z9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Validate(tt.seats)
			if tt.wantReason == "" {
				assert.NoError(t, err)
				return
			}

			var verr *errs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantReason, verr.Reason)
			assert.Equal(t, tt.wantSeats, verr.Seats)
		})
	}
}

type countingProvider struct {
	calls int
	m     *SeatMap
}

func (p *countingProvider) SeatMap(_ context.Context, _ string) (*SeatMap, error) {
	p.calls++
	return p.m, nil
}

func TestRedisCacheFallsBackWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	next := &countingProvider{m: Grid("p1", 1, 3, 0)}
	cache := NewRedisCache(client, next, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	m, err := cache.SeatMap(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, m.Seats, 3)
	assert.Equal(t, 1, next.calls)
}
