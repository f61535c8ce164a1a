package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"example.com/timers/internal/accounts"
	"example.com/timers/internal/api"
	"example.com/timers/internal/auth"
	"example.com/timers/internal/config"
	"example.com/timers/internal/domain"
	"example.com/timers/internal/kv"
	"example.com/timers/internal/outbox"
	persistence "example.com/timers/internal/persistence/postgres"
	httptransport "example.com/timers/internal/transport/http"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env: %v", err)
	}
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := persistence.RunMigrations(ctx, cfg.PostgresURL); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	store, err := kv.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to configure redis: %v", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("failed to reach redis: %v", err)
	}

	repo := persistence.NewRepository(pool)
	clock := clockwork.NewRealClock()

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	dispatcher := outbox.NewDispatcher(pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	timerService := domain.NewService(repo, store, clock, domain.Options{
		RateLimitTokens:  cfg.RateLimitTokens,
		RateLimitWindow:  cfg.RateLimitWindow,
		LongPollTimeout:  cfg.LongPollTimeout,
		LongPollInterval: cfg.LongPollInterval,
	})
	accountService := accounts.NewService(repo, clock)

	authCfg := auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, TokenTTL: cfg.TokenTTL}

	handler := api.NewHandler(timerService, accountService, authCfg, clock)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "If-None-Match", "If-Modified-Since"},
		ExposedHeaders:   []string{"ETag", "Last-Modified"},
		AllowCredentials: true,
	})

	authMiddleware := auth.NewMiddleware(authCfg, func(r *http.Request) bool {
		switch {
		case r.URL.Path == "/healthz", r.URL.Path == "/metrics":
			return true
		case strings.HasPrefix(r.URL.Path, "/v1/auth/") && r.URL.Path != "/v1/auth/me":
			return true
		}
		return false
	})

	// WriteTimeout leaves headroom above the long-poll bound so waiting
	// ticks are not cut off by the server itself.
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.LongPollTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}, authMiddleware.Wrap(logger(corsMiddleware.Handler(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("timer-service listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	dispatcher.Wait()
}
