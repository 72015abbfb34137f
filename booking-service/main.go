package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"showtime-booking/internal/booking"
	"showtime-booking/internal/broadcast"
	"showtime-booking/internal/config"
	"showtime-booking/internal/logger"
	"showtime-booking/internal/registry"
	"showtime-booking/internal/seatmap"
	"showtime-booking/internal/telemetry"
	"showtime-booking/shared"
)

const serviceName = "booking-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Service: serviceName}).Fatal("failed to load configuration", "error", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: serviceName})
	log.Info("starting booking service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, log.Logger, cfg.OtelCollectorURL, serviceName)
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}

	natsConn, err := connectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatal("failed to connect to NATS", "url", cfg.NATSURL, "error", err)
	}
	defer natsConn.Close()
	log.Info("connected to NATS", "url", cfg.NATSURL)

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open store", "error", err)
	}
	defer closeStore()

	var seatMaps seatmap.Provider = store
	if cfg.RedisAddr != "" {
		redisClient, err := connectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Warn("redis unavailable, serving seat maps from the store", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer redisClient.Close()
			seatMaps = seatmap.NewRedisCache(redisClient, store, cfg.SeatMapCacheTTL, log.Logger)
			log.Info("connected to Redis", "addr", cfg.RedisAddr)
		}
	}

	reg := registry.New(registry.Options{
		LeaseDuration:     cfg.LeaseDuration,
		MaxSeatsPerHolder: cfg.MaxSeatsPerHolder,
		Notifier:          broadcast.NewNATSPublisher(natsConn, log.Logger),
		Logger:            log.Logger,
	})

	var notifier booking.Notifier
	if cfg.AMQPURL != "" {
		amqpNotifier, err := booking.DialAMQP(cfg.AMQPURL, log.Logger)
		if err != nil {
			log.Fatal("failed to connect to RabbitMQ", "error", err)
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
		log.Info("booking notifications enabled")
	}

	committer := booking.NewCommitter(booking.CommitterOptions{
		Store:    store,
		Registry: reg,
		SeatMaps: seatMaps,
		Notifier: notifier,
		Logger:   log.Logger,
		Cutoff:   cfg.BookingCutoff,
		Retries:  cfg.CommitRetries,
	})

	if err := booking.WarmRegistry(ctx, store, reg); err != nil {
		log.Fatal("failed to load booked seats", "error", err)
	}

	StartTimerService(ctx, reg, cfg.SweepInterval, log.Logger)

	handlers := NewHandlers(NewSeatManager(store, seatMaps, reg, log.Logger), committer, store, log.Logger)
	router, err := setupRoutes(handlers)
	if err != nil {
		log.Fatal("failed to set up routes", "error", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.BookingPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("booking service listening", "port", cfg.BookingPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down booking service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	if err := natsConn.Flush(); err != nil {
		log.Warn("failed to flush NATS", "error", err)
	}
	shutdownTelemetry(shutdownCtx)
}

func connectRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func connectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
	)
}

// openStore returns the Postgres store when DATABASE_URL is set and an
// in-memory store otherwise. Either way the demo performance is seeded.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (booking.Store, func(), error) {
	perf := demoPerformance(cfg)
	sm := seatmap.Grid(cfg.DemoPerformanceID, cfg.DemoRows, cfg.DemoCols, 2)

	if cfg.DatabaseURL == "" {
		store := booking.NewMemoryStore()
		if err := store.AddPerformance(perf, sm); err != nil {
			return nil, nil, err
		}
		log.Info("using in-memory store", "performance_id", perf.ID, "seats", len(sm.Seats))
		return store, func() {}, nil
	}

	if err := booking.Migrate(cfg.DatabaseURL); err != nil {
		return nil, nil, err
	}

	pool, err := booking.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	store := booking.NewPostgresStore(pool)
	if err := store.SeedPerformance(ctx, perf, sm); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to seed demo performance: %w", err)
	}

	log.Info("using postgres store", "performance_id", perf.ID, "seats", len(sm.Seats))
	return store, pool.Close, nil
}

func demoPerformance(cfg *config.Config) booking.Performance {
	return booking.Performance{
		ID:       cfg.DemoPerformanceID,
		Title:    "Demo performance",
		StartsAt: time.Now().Add(cfg.DemoStartsIn).UTC().Truncate(time.Second),
		Prices: map[seatmap.Tier]decimal.Decimal{
			seatmap.TierPremium:  decimal.RequireFromString("25.00"),
			seatmap.TierStandard: decimal.RequireFromString("15.00"),
		},
	}
}

func setupRoutes(h *Handlers) (*gin.Engine, error) {
	if err := registerValidators(); err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		perf := api.Group("/performances/:id")
		perf.GET("/seats", h.handleGetSeats)
		perf.GET("/snapshot", h.handleSnapshot)
		perf.POST("/locks", h.handleLockSeats)
		perf.POST("/locks/release", h.handleReleaseSeats)
		perf.POST("/locks/renew", h.handleRenewLease)
		perf.POST("/bookings", h.handleCommit)

		api.GET("/bookings/:id", h.handleGetBooking)
		api.POST("/bookings/:id/cancel", h.handleCancelBooking)
	}

	router.GET(shared.APIEndpointHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router, nil
}
