package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"showtime-booking/internal/booking"
	"showtime-booking/internal/errs"
	"showtime-booking/shared"
)

type Handlers struct {
	seats     *SeatManager
	committer *booking.Committer
	store     booking.Store
	logger    *slog.Logger
}

func NewHandlers(seats *SeatManager, committer *booking.Committer, store booking.Store, logger *slog.Logger) *Handlers {
	return &Handlers{seats: seats, committer: committer, store: store, logger: logger}
}

func (h *Handlers) handleGetSeats(c *gin.Context) {
	resp, err := h.seats.GetSeats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) handleSnapshot(c *gin.Context) {
	snap, err := h.seats.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handlers) handleLockSeats(c *gin.Context) {
	var req shared.LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, invalidRequest(err))
		return
	}

	resp, err := h.seats.LockSeats(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) handleReleaseSeats(c *gin.Context) {
	var req shared.ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, invalidRequest(err))
		return
	}

	c.JSON(http.StatusOK, h.seats.ReleaseSeats(c.Param("id"), req))
}

func (h *Handlers) handleRenewLease(c *gin.Context) {
	var req shared.RenewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, invalidRequest(err))
		return
	}

	resp, err := h.seats.RenewLease(c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) handleCommit(c *gin.Context) {
	var req shared.CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, invalidRequest(err))
		return
	}

	b, err := h.committer.Commit(c.Request.Context(), c.Param("id"), req.HolderID, req.SeatIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *Handlers) handleGetBooking(c *gin.Context) {
	b, err := h.store.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handlers) handleCancelBooking(c *gin.Context) {
	var req shared.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, invalidRequest(err))
		return
	}

	b, err := h.committer.Cancel(c.Request.Context(), c.Param("id"), req.HolderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	status := errs.Status(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, errs.ToResponse(err))
}

// registerValidators adds the request validation tags used by the shared
// request types to gin's validator.
func registerValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}

	return v.RegisterValidation("release_reason", func(fl validator.FieldLevel) bool {
		return shared.ReleaseReason(fl.Field().String()).Valid()
	})
}

func invalidRequest(err error) error {
	return &errs.ValidationError{Reason: errs.ReasonInvalidRequest, Message: err.Error()}
}
