package api

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"invd/services/cache"
)

const defaultRequestTimeout = 30 * time.Second

// Store holds external dependencies required by the API layer.
type Store struct {
	Orchestrator *cache.Orchestrator
	DB           *pgxpool.Pool
	// Collectors maps provider name to its backend collector. The API never
	// looks inside a collector; it only routes requests to the right one.
	Collectors map[string]cache.Collector
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	Fleet          *Fleet
	RequestTimeout time.Duration
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	store  *Store
	config Config
}

// New initialises the API layer with defaults applied to the configuration.
func New(store *Store, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Fleet == nil {
		cfg.Fleet = &Fleet{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	return &API{store: store, config: cfg}, nil
}
