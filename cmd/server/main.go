package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"upbit-bot/internal/api"
	"upbit-bot/internal/auth"
	"upbit-bot/internal/config"
	"upbit-bot/internal/db"
	"upbit-bot/internal/engine"
	"upbit-bot/internal/ratelimit"
	"upbit-bot/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var (
	clients   = make(map[*WSClient]bool)
	clientsMu sync.RWMutex
)

// telemetry is the payload pushed to websocket subscribers
type telemetry struct {
	Capacity   ratelimit.Capacity `json:"capacity"`
	Sessions   int                `json:"sessions"`
	TotalCalls int                `json:"total_calls"`
}

func broadcastTelemetry(limiter *ratelimit.Limiter, registry *session.Registry, log *zap.Logger) {
	data, err := json.Marshal(telemetry{
		Capacity:   limiter.RemainingCapacity(),
		Sessions:   registry.Count(),
		TotalCalls: limiter.TotalCalls(),
	})
	if err != nil {
		log.Error("failed to marshal telemetry", zap.Error(err))
		return
	}

	clientsMu.RLock()
	var stale []*WSClient
	for client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			stale = append(stale, client)
		}
	}
	clientsMu.RUnlock()

	if len(stale) > 0 {
		clientsMu.Lock()
		for _, client := range stale {
			delete(clients, client)
		}
		clientsMu.Unlock()
	}
}

func handleWebSocket(limiter *ratelimit.Limiter, registry *session.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		client := &WSClient{conn: conn}
		clientsMu.Lock()
		clients[client] = true
		clientsMu.Unlock()

		// Send initial snapshot
		broadcastTelemetry(limiter, registry, log)

		// Keep connection alive and handle disconnection
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				clientsMu.Lock()
				delete(clients, client)
				clientsMu.Unlock()
				break
			}
		}
	}
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	// One limiter for the whole process: the exchange enforces its
	// caps per account, not per session
	limiter := ratelimit.NewLimiter(log)

	registry := session.NewRegistry(log, func(userID int, username string) *engine.Engine {
		return engine.New(limiter, log.With(zap.Int("user_id", userID)), cfg.Markets)
	})

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	handler := api.NewHandler(database, authService, registry, limiter, log)
	authThrottle := api.NewIPThrottle(rate.Limit(5), 10)

	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Get("/ws", handleWebSocket(limiter, registry, log))

	// Public endpoints, throttled per IP
	r.Group(func(r chi.Router) {
		r.Use(authThrottle.Middleware)
		r.Post("/auth/register", handler.Register)
		r.Post("/auth/login", handler.Login)
	})

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/exchange/connect", handler.ConnectExchange)
		r.Post("/exchange/disconnect", handler.DisconnectExchange)
		r.Get("/exchange/status", handler.ExchangeStatus)
		r.Get("/exchange/capacity", handler.ExchangeCapacity)
		r.Post("/trading/start", handler.StartTrading)
		r.Post("/trading/stop", handler.StopTrading)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
	})

	stopBroadcast := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				broadcastTelemetry(limiter, registry, log)
			case <-stopBroadcast:
				return
			}
		}
	}()

	// Evict sessions idle past the configured limit
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := registry.EvictIdle(cfg.MaxIdle); n > 0 {
					log.Info("evicted idle sessions", zap.Int("count", n))
				}
			case <-stopBroadcast:
				return
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Info("starting server", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	close(stopBroadcast)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}

	// Tear down every live session so engines stop and secrets clear
	registry.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}
