package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"showtime-booking/internal/booking"
	"showtime-booking/internal/errs"
	"showtime-booking/shared"
)

// BookingClient talks to the booking service. It is the session backend and
// the snapshot source of the edge server's topics.
type BookingClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewBookingClient(baseURL string) *BookingClient {
	return &BookingClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (bc *BookingClient) Acquire(ctx context.Context, performanceID, holderID string, seatIDs []string) (*shared.LockResponse, error) {
	var resp shared.LockResponse
	err := bc.postRequest(ctx, endpoint(shared.APIEndpointLocks, performanceID),
		shared.LockRequest{HolderID: holderID, SeatIDs: seatIDs}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (bc *BookingClient) Release(ctx context.Context, performanceID, holderID string, seatIDs []string, reason shared.ReleaseReason) error {
	return bc.postRequest(ctx, endpoint(shared.APIEndpointLocksRelease, performanceID),
		shared.ReleaseRequest{HolderID: holderID, SeatIDs: seatIDs, Reason: reason}, nil)
}

func (bc *BookingClient) Commit(ctx context.Context, performanceID, holderID string, seatIDs []string) (*booking.Booking, error) {
	var b booking.Booking
	err := bc.postRequest(ctx, endpoint(shared.APIEndpointBookings, performanceID),
		shared.CommitRequest{HolderID: holderID, SeatIDs: seatIDs}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (bc *BookingClient) Snapshot(ctx context.Context, performanceID string) (shared.Snapshot, error) {
	var snap shared.Snapshot
	if err := bc.getRequest(ctx, endpoint(shared.APIEndpointSnapshot, performanceID), &snap); err != nil {
		return shared.Snapshot{}, err
	}
	return snap, nil
}

// HealthCheck verifies the booking service is available
func (bc *BookingClient) HealthCheck(ctx context.Context) error {
	return bc.getRequest(ctx, shared.APIEndpointHealth, nil)
}

func (bc *BookingClient) getRequest(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bc.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return bc.do(req, out)
}

func (bc *BookingClient) postRequest(ctx context.Context, path string, data, out any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return bc.do(req, out)
}

// do sends req and decodes a 2xx body into out. Error bodies are turned back
// into the typed error the booking service reported.
func (bc *BookingClient) do(req *http.Request, out any) error {
	resp, err := bc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("booking service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)

		var errResp errs.ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Code != "" {
			return errs.FromResponse(errResp)
		}
		return fmt.Errorf("booking service returned status %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode booking service response: %w", err)
	}
	return nil
}

func endpoint(format, performanceID string) string {
	return fmt.Sprintf(format, url.PathEscape(performanceID))
}
