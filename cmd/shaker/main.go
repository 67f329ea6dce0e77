package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bogdan-velicu/MeetUp/internal/config"
	"github.com/bogdan-velicu/MeetUp/internal/matching"
	"github.com/bogdan-velicu/MeetUp/internal/messaging"
	"github.com/bogdan-velicu/MeetUp/internal/metrics"
	"github.com/bogdan-velicu/MeetUp/internal/postgres"
	"github.com/bogdan-velicu/MeetUp/internal/ratelimit"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

func main() {
	log.Println("Starting shake matching service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Redis backs the rate limiter and, optionally, the session store.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// PostgreSQL holds users, friendships, meetings and points.
	if cfg.DatabaseURL == "" {
		log.Fatalf("SHAKE_DATABASE_URL is required")
	}
	db, err := postgres.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open PostgreSQL: %v", err)
	}

	store := newStore(cfg, rdb, db)

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "meetup-shaker"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	users := postgres.NewUsers(db)
	deps := matching.Deps{
		Friends:   users,
		Meetings:  postgres.NewMeetings(db),
		Points:    postgres.NewPoints(db),
		Notifier:  messaging.NewNotifier(natsClient),
		Directory: users,
	}
	if rule, ok := cfg.ShakeRule(); ok {
		deps.Limiter = ratelimit.NewLimiter(rdb)
		deps.LimitRule = rule
	}
	svc := matching.NewService(store, deps, cfg.Matching())

	h := &handlers{svc: svc, timeout: requestTimeout(cfg)}
	if err := h.register(natsClient); err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	reaper := matching.NewReaper(store, cfg.SweepInterval, nil)
	go reaper.Run(runCtx)

	// Metrics and health endpoints.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics server error: %v", err)
		}
	}()

	log.Printf("Shake matching service running")
	log.Printf("  store:        %s", cfg.Store)
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  metrics_addr: %s", cfg.MetricsAddr)
	log.Printf("  proximity:    %.0fm within %s", cfg.ProximityMeters, cfg.TimeWindow)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stop()
	natsClient.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown: %v", err)
	}

	db.Close()
	rdb.Close()
}

func newStore(cfg config.Config, rdb *redis.Client, db *sql.DB) session.Store {
	switch cfg.Store {
	case config.StoreRedis:
		return session.NewRedisStore(rdb)
	case config.StorePostgres:
		return postgres.NewSessionStore(db)
	default:
		log.Printf("[shaker] using in-memory session store; sessions are lost on restart")
		return session.NewMemoryStore()
	}
}

// requestTimeout bounds one request: the claim window plus the settle wait
// plus slack for collaborator calls.
func requestTimeout(cfg config.Config) time.Duration {
	return cfg.ClaimTTL + cfg.SettleTimeout + 5*time.Second
}
