package main

import (
	"fmt"
	"os"
)

// Config holds the gateway configuration, loaded from the environment.
type Config struct {
	ListenAddr string

	// StoreBackend selects the document store: postgres, redis or memory.
	StoreBackend string

	PostgresURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Per-connection command rate limiting (tokens/sec and burst).
	CommandRate  float64
	CommandBurst int
}

// LoadConfig reads the gateway configuration from environment variables,
// falling back to local-dev defaults.
func LoadConfig() *Config {
	cfg := &Config{
		ListenAddr:   ":8080",
		StoreBackend: "postgres",
		PostgresURL:  "postgres://localhost:5432/docstream",
		RedisAddr:    "localhost:6379",
		CommandRate:  50,
		CommandBurst: 100,
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		cfg.StoreBackend = backend
	}
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		cfg.PostgresURL = url
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		fmt.Sscanf(dbStr, "%d", &cfg.RedisDB)
	}
	if rateStr := os.Getenv("COMMAND_RATE"); rateStr != "" {
		var rate float64
		fmt.Sscanf(rateStr, "%f", &rate)
		if rate > 0 {
			cfg.CommandRate = rate
		}
	}
	if burstStr := os.Getenv("COMMAND_BURST"); burstStr != "" {
		var burst int
		fmt.Sscanf(burstStr, "%d", &burst)
		if burst > 0 {
			cfg.CommandBurst = burst
		}
	}

	return cfg
}
