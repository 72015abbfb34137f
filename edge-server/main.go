package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"showtime-booking/internal/broadcast"
	"showtime-booking/internal/config"
	"showtime-booking/internal/logger"
	"showtime-booking/internal/telemetry"
	"showtime-booking/shared"
)

const serviceName = "edge-server"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Service: serviceName}).Fatal("failed to load configuration", "error", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: serviceName})
	log.Info("starting edge server", "port", cfg.EdgePort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, log.Logger, cfg.OtelCollectorURL, serviceName)
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}

	natsConn, err := connectNATS(cfg.NATSURL, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", "url", cfg.NATSURL, "error", err)
	}
	defer natsConn.Close()
	log.Info("connected to NATS", "url", cfg.NATSURL)

	bookingClient := NewBookingClient(cfg.BookingServiceURL)
	if err := bookingClient.HealthCheck(ctx); err != nil {
		log.Warn("booking service not reachable yet", "url", cfg.BookingServiceURL, "error", err)
	}

	topics := broadcast.NewHub(bookingClient, log.Logger)
	relay, err := broadcast.StartNATSRelay(natsConn, topics, log.Logger)
	if err != nil {
		log.Fatal("failed to subscribe to seat events", "error", err)
	}
	log.Info("subscribed to seat events", "subject", shared.NATSSubjectAllSeatEvents)

	hub := newHub(topics, bookingClient, log.Logger)

	srv := &http.Server{
		Addr:              ":" + cfg.EdgePort,
		Handler:           setupRoutes(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("edge server listening", "port", cfg.EdgePort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down edge server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	// hijacked websocket connections are not closed by Shutdown
	hub.closeAll()

	if err := relay.Stop(); err != nil {
		log.Warn("failed to unsubscribe from seat events", "error", err)
	}
	topics.Close()
	shutdownTelemetry(shutdownCtx)
}

func connectNATS(url string, log *logger.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("NATS error", "error", err)
		}),
	)
}

func setupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(shared.WebSocketEndpoint, handleWebSocket(hub))
	mux.HandleFunc(shared.APIEndpointHealth, handleHealth)
	mux.HandleFunc("/stats", handleStats(hub))
	return mux
}

func handleWebSocket(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := newClient(hub, conn, uuid.NewString())
		hub.register(client)

		go client.writePump()
		go client.readPump()
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

func handleStats(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, hub.GetStats())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
