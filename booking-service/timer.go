package main

import (
	"context"
	"log/slog"
	"time"

	"showtime-booking/internal/registry"
)

// StartTimerService runs the periodic lease sweep. Per-lease timers release
// most leases on time; the sweep catches anything they missed.
func StartTimerService(ctx context.Context, reg *registry.Registry, interval time.Duration, logger *slog.Logger) {
	go reg.Run(ctx, interval)
	logger.Info("timer service started", "interval", interval.String(), "lease_duration", reg.LeaseDuration().String())
}
