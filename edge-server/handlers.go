package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"showtime-booking/internal/errs"
	"showtime-booking/internal/session"
	"showtime-booking/shared"
)

const (
	requestTimeout = 15 * time.Second

	codeSessionState = "SESSION_STATE"
)

func (c *Client) handleMessage(msg *shared.ClientMessage) {
	c.logger.Debug("client message", "type", msg.Type)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Type {
	case shared.MessageTypeJoin:
		c.handleJoin(ctx, msg.Data)
	case shared.MessageTypeLeave:
		c.handleLeave(ctx)
	case shared.MessageTypeToggleSeat:
		c.handleToggleSeat(ctx, msg.Data)
	case shared.MessageTypeRequestLock:
		c.handleRequestLock(ctx, msg.Data)
	case shared.MessageTypeReleaseLock:
		c.handleReleaseLock(ctx, msg.Data)
	case shared.MessageTypeCommitBooking:
		c.handleCommitBooking(ctx)
	default:
		c.sendErrorMessage("unknown message type: " + msg.Type)
	}
}

func (c *Client) handleJoin(ctx context.Context, data json.RawMessage) {
	var p shared.JoinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.PerformanceID == "" {
		c.sendErrorMessage("performance_id is required")
		return
	}

	s, err := c.sessionFor(p.UserID)
	if err != nil {
		c.sendError(err)
		return
	}

	prev := s.PerformanceID()
	if err := s.View(ctx, p.PerformanceID); err != nil {
		c.sendError(err)
		return
	}
	if prev != "" {
		c.hub.topics.Leave(prev, c.id)
	}

	// the snapshot reaches the client through DeliverSnapshot
	if err := c.hub.topics.Join(ctx, p.PerformanceID, c); err != nil {
		c.logger.Warn("failed to join performance", "performance_id", p.PerformanceID, "error", err)
		c.sendError(err)
		return
	}

	c.logger.Info("joined performance", "performance_id", p.PerformanceID, "holder_id", s.HolderID())
}

func (c *Client) handleLeave(ctx context.Context) {
	s := c.currentSession()
	if s == nil {
		return
	}

	perf := s.PerformanceID()
	if err := s.Leave(ctx); err != nil {
		c.sendError(err)
		return
	}
	if perf != "" {
		c.hub.topics.Leave(perf, c.id)
	}
}

func (c *Client) handleToggleSeat(ctx context.Context, data json.RawMessage) {
	var p shared.SeatsPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SeatID == "" {
		c.sendErrorMessage("seat_id is required")
		return
	}

	s := c.currentSession()
	if s == nil {
		c.sendError(session.ErrNoPerformance)
		return
	}

	resp, err := s.Toggle(ctx, p.SeatID)
	switch {
	case err != nil:
		c.sendMessage(shared.MessageTypeLockFailed, errorPayload(err))
	case resp != nil:
		c.sendMessage(shared.MessageTypeLockSuccess, resp)
	}
}

func (c *Client) handleRequestLock(ctx context.Context, data json.RawMessage) {
	seatIDs, ok := c.seatIDs(data)
	if !ok {
		return
	}

	s := c.currentSession()
	if s == nil {
		c.sendError(session.ErrNoPerformance)
		return
	}

	resp, err := s.RequestLock(ctx, seatIDs)
	if err != nil {
		c.sendMessage(shared.MessageTypeLockFailed, errorPayload(err))
		return
	}
	c.sendMessage(shared.MessageTypeLockSuccess, resp)
}

func (c *Client) handleReleaseLock(ctx context.Context, data json.RawMessage) {
	seatIDs, ok := c.seatIDs(data)
	if !ok {
		return
	}

	s := c.currentSession()
	if s == nil {
		c.sendError(session.ErrNoPerformance)
		return
	}

	// the release reaches the client as SEAT_RELEASED
	if err := s.ReleaseLock(ctx, seatIDs); err != nil {
		c.sendError(err)
	}
}

func (c *Client) handleCommitBooking(ctx context.Context) {
	s := c.currentSession()
	if s == nil {
		c.sendError(session.ErrNoPerformance)
		return
	}

	b, err := s.Commit(ctx)
	if err != nil {
		c.sendMessage(shared.MessageTypeBookingFailed, errorPayload(err))
		return
	}
	c.sendMessage(shared.MessageTypeBookingConfirmed, b)
}

// sessionFor returns the connection's session, creating it on first use. A
// connection keeps the holder it first joined as.
func (c *Client) sessionFor(userID string) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		if userID == "" {
			userID = c.id
		}
		c.session = session.New(c.id, userID, c.hub.backend, c.logger)
		return c.session, nil
	}
	if userID != "" && c.session.HolderID() != userID {
		return nil, &errs.ValidationError{Reason: errs.ReasonInvalidRequest, Message: "user_id cannot change on an open connection"}
	}
	return c.session, nil
}

func (c *Client) seatIDs(data json.RawMessage) ([]string, bool) {
	var p shared.SeatsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendErrorMessage("invalid seat payload")
		return nil, false
	}

	ids := p.SeatIDs
	if len(ids) == 0 && p.SeatID != "" {
		ids = []string{p.SeatID}
	}
	if len(ids) == 0 {
		c.sendErrorMessage("seat_ids is required")
		return nil, false
	}
	return ids, true
}

func (c *Client) sendError(err error) {
	c.sendMessage(shared.MessageTypeError, errorPayload(err))
}

func (c *Client) sendErrorMessage(message string) {
	c.sendMessage(shared.MessageTypeError, errs.ErrorResponse{Code: errs.CodeValidation, Message: message})
}

// errorPayload renders err for the client. Session state errors keep their
// message; everything else goes through the shared error mapping.
func errorPayload(err error) errs.ErrorResponse {
	if errors.Is(err, session.ErrBusy) || errors.Is(err, session.ErrNoPerformance) || errors.Is(err, session.ErrClosed) {
		return errs.ErrorResponse{Code: codeSessionState, Message: err.Error()}
	}
	return errs.ToResponse(err)
}
