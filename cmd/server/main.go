package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/optbook/options-engine/internal/asset"
	"github.com/optbook/options-engine/internal/book"
	"github.com/optbook/options-engine/internal/metrics"
	"github.com/optbook/options-engine/internal/oracle"
	"github.com/optbook/options-engine/internal/service"
	"github.com/optbook/options-engine/internal/store"
)

func main() {
	// Load .env if present; real env vars win.
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	expiryDuration := durationEnv("EXPIRY_DURATION", book.DefaultExpiryDuration)
	resolveInterval := durationEnv("AUTO_RESOLVE_INTERVAL", 30*time.Second)

	// --- Initialize mirror store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory mirror (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Token ledger and oracle ---
	// In-process stand-ins; a deployment swaps these for adapters to the
	// real asset ledger and price feed.
	ledger := asset.NewMemoryLedger()
	orc := oracle.NewStaticOracle()

	// --- OptionsBook ---
	b, err := book.New(book.Config{
		Ledger:         ledger,
		Oracle:         orc,
		ExpiryDuration: expiryDuration,
	})
	if err != nil {
		slog.Error("book init failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := service.NewWSHub()
	go wsHub.Run()

	// --- Service + event mirror ---
	svc := service.New(b, st, wsHub)
	b.SetEventSink(svc.HandleEvent)

	// --- Auto-resolver ---
	resolverCtx, stopResolver := context.WithCancel(context.Background())
	defer stopResolver()
	go service.NewResolver(b, resolveInterval).Run(resolverCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"options-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time lifecycle events.
		r.Get("/ws", wsHub.HandleWS)

		// Option lifecycle.
		r.Post("/options", svc.CreateOption)
		r.Get("/options", svc.ListOptions)
		r.Get("/options/calls", svc.ListCallOptions)
		r.Get("/options/puts", svc.ListPutOptions)
		r.Get("/options/{optionID}", svc.GetOption)
		r.Get("/options/{optionID}/settlements", svc.ListSettlements)
		r.Post("/options/{optionID}/enter", svc.EnterOption)
		r.Post("/options/{optionID}/exercise", svc.ExerciseOption)
		r.Post("/options/{optionID}/reclaim", svc.ReclaimOption)

		// Aggregate exercised volume.
		r.Get("/volume", svc.GetVolume)

		// Development faucet for the in-process ledger and oracle.
		r.Post("/dev/mint", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Asset  string          `json:"asset"`
				Holder string          `json:"holder"`
				Amount decimal.Decimal `json:"amount"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Asset == "" || req.Holder == "" {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			ledger.Mint(req.Asset, req.Holder, req.Amount)
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/dev/price", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				BaseSymbol  string          `json:"base_symbol"`
				QuoteSymbol string          `json:"quote_symbol"`
				Price       decimal.Decimal `json:"price"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BaseSymbol == "" || req.QuoteSymbol == "" {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			orc.SetPrice(req.BaseSymbol, req.QuoteSymbol, req.Price)
			w.WriteHeader(http.StatusNoContent)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("options-engine listening", "port", port, "expiry_duration", expiryDuration.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopResolver()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down options-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("options-engine stopped")
}

// durationEnv parses a duration env var, falling back to def.
func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def.String())
		return def
	}
	return d
}
