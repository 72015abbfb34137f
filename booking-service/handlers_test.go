package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showtime-booking/internal/booking"
	"showtime-booking/internal/errs"
	"showtime-booking/internal/registry"
	"showtime-booking/internal/seatmap"
	"showtime-booking/shared"
)

func newTestRouter(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := booking.NewMemoryStore()
	store.AddPerformance(booking.Performance{
		ID:       "P",
		Title:    "Evening",
		StartsAt: time.Now().Add(24 * time.Hour),
		Prices: map[seatmap.Tier]decimal.Decimal{
			seatmap.TierPremium:  decimal.RequireFromString("30.00"),
			seatmap.TierStandard: decimal.RequireFromString("10.00"),
		},
	}, seatmap.Grid("P", 2, 3, 1))

	reg := registry.New(registry.Options{LeaseDuration: time.Hour, Logger: logger})
	committer := booking.NewCommitter(booking.CommitterOptions{
		Store:    store,
		Registry: reg,
		Logger:   logger,
		Cutoff:   30 * time.Minute,
	})

	h := NewHandlers(NewSeatManager(store, store, reg, logger), committer, store, logger)
	router, err := setupRoutes(h)
	require.NoError(t, err)
	return router, reg
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLockConflictNamesSeats(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/performances/P/locks",
		shared.LockRequest{HolderID: "X", SeatIDs: []string{"A1", "A2"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	grant := decode[shared.LockResponse](t, w)
	assert.Equal(t, []string{"A1", "A2"}, grant.SeatIDs)
	assert.NotEmpty(t, grant.LeaseID)

	w = doJSON(t, router, http.MethodPost, "/api/performances/P/locks",
		shared.LockRequest{HolderID: "Y", SeatIDs: []string{"A2", "A3"}})
	require.Equal(t, http.StatusConflict, w.Code)

	resp := decode[errs.ErrorResponse](t, w)
	assert.Equal(t, errs.CodeConflict, resp.Code)
	assert.Equal(t, []string{"A2"}, resp.Seats)

	var conflict *errs.ConflictError
	assert.ErrorAs(t, errs.FromResponse(resp), &conflict)
}

func TestLockValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name   string
		body   any
		reason string
		seats  []string
	}{
		{"unknown seat", shared.LockRequest{HolderID: "X", SeatIDs: []string{"A1", "Z9"}}, errs.ReasonUnknownSeats, []string{"Z9"}},
		{"duplicate seat", shared.LockRequest{HolderID: "X", SeatIDs: []string{"A1", "A1"}}, errs.ReasonDuplicateSeats, []string{"A1"}},
		{"missing holder", map[string]any{"seat_ids": []string{"A1"}}, errs.ReasonInvalidRequest, nil},
		{"no seats", map[string]any{"holder_id": "X", "seat_ids": []string{}}, errs.ReasonInvalidRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/api/performances/P/locks", tt.body)
			require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

			resp := decode[errs.ErrorResponse](t, w)
			assert.Equal(t, errs.CodeValidation, resp.Code)
			assert.Equal(t, tt.reason, resp.Reason)
			assert.Equal(t, tt.seats, resp.Seats)
		})
	}
}

func TestUnknownPerformance(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/performances/nope/seats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/performances/nope/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReleaseAndRenew(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/performances/P/locks",
		shared.LockRequest{HolderID: "X", SeatIDs: []string{"B1", "B2"}})
	require.Equal(t, http.StatusCreated, w.Code)
	grant := decode[shared.LockResponse](t, w)

	w = doJSON(t, router, http.MethodPost, "/api/performances/P/locks/renew",
		shared.RenewRequest{HolderID: "X", LeaseID: grant.LeaseID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	renewed := decode[shared.LockResponse](t, w)
	assert.False(t, renewed.ExpiresAt.Before(grant.ExpiresAt))

	w = doJSON(t, router, http.MethodPost, "/api/performances/P/locks/release",
		shared.ReleaseRequest{HolderID: "X", SeatIDs: []string{"B1", "B3"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"B1"}, decode[shared.ReleaseResponse](t, w).Released)

	// releasing again is a no-op
	w = doJSON(t, router, http.MethodPost, "/api/performances/P/locks/release",
		shared.ReleaseRequest{HolderID: "X", SeatIDs: []string{"B1"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[shared.ReleaseResponse](t, w).Released)

	w = doJSON(t, router, http.MethodPost, "/api/performances/P/locks/release",
		shared.ReleaseRequest{HolderID: "X", SeatIDs: []string{"B2"}, Reason: "bored"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRenewUnknownLease(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/performances/P/locks/renew",
		shared.RenewRequest{HolderID: "X", LeaseID: "7b0e8f4c-5d2a-4c1e-9f3b-2a6d8c0e4f1a"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.CodeLease, decode[errs.ErrorResponse](t, w).Code)
}

func TestCommitAndCancel(t *testing.T) {
	router, reg := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/performances/P/locks",
		shared.LockRequest{HolderID: "X", SeatIDs: []string{"A1", "B1"}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/performances/P/bookings",
		shared.CommitRequest{HolderID: "X", SeatIDs: []string{"A1", "B1"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	b := decode[booking.Booking](t, w)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.Equal(t, "40.00", b.TotalAmount.StringFixed(2))
	assert.True(t, reg.IsBooked("P", "A1"))

	w = doJSON(t, router, http.MethodGet, "/api/performances/P/seats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	seats := decode[SeatsResponse](t, w)
	assert.Equal(t, 4, seats.Performance.AvailableSeats)
	for _, s := range seats.Seats {
		if s.ID == "A1" || s.ID == "B1" {
			assert.Equal(t, shared.SeatBooked, s.Status, s.ID)
		} else {
			assert.Equal(t, shared.SeatAvailable, s.Status, s.ID)
		}
	}

	w = doJSON(t, router, http.MethodGet, "/api/bookings/"+b.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/bookings/"+b.ID+"/cancel", shared.CancelRequest{HolderID: "someone-else"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/bookings/"+b.ID+"/cancel", shared.CancelRequest{HolderID: "X"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, booking.StatusCancelled, decode[booking.Booking](t, w).Status)
	assert.False(t, reg.IsBooked("P", "A1"))
}

func TestCommitWithoutLease(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/performances/P/bookings",
		shared.CommitRequest{HolderID: "X", SeatIDs: []string{"A3"}})
	require.Equal(t, http.StatusConflict, w.Code)

	resp := decode[errs.ErrorResponse](t, w)
	assert.Equal(t, errs.CodeLease, resp.Code)
	assert.Equal(t, []string{"A3"}, resp.Seats)
}

func TestSnapshotCarriesSequence(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/performances/P/locks",
		shared.LockRequest{HolderID: "X", SeatIDs: []string{"A1"}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/performances/P/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)

	snap := decode[shared.Snapshot](t, w)
	assert.Equal(t, uint64(1), snap.Seq)
	require.Len(t, snap.Leases, 1)
	assert.Equal(t, "X", snap.Leases[0].HolderID)
}
