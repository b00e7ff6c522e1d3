package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alternate/docstream/broker"
	"github.com/alternate/docstream/docstore"
	"github.com/alternate/docstream/feed"
	"github.com/alternate/docstream/session"
)

func main() {
	cfg := LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer store.Close()
	log.Printf("Connected to %s document store", cfg.StoreBackend)

	b := broker.New(store)
	defer b.Close()

	listener := feed.NewListener(store, b)
	go listener.Run(ctx)

	registry := session.NewRegistry()
	limiter := NewTokenBucketLimiter(cfg.CommandRate, cfg.CommandBurst)
	gw := NewGateway(b, registry, limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if listener.Failed() {
			// The feed is down for good: publishes are accepted but no
			// longer visible to subscribers. Operators must restart.
			http.Error(w, "change feed stopped", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("Gateway listening on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
}

// openStore builds the configured document store backend.
func openStore(ctx context.Context, cfg *Config) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return docstore.NewPostgresStore(ctx, cfg.PostgresURL)
	case "redis":
		return docstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "memory":
		return docstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
