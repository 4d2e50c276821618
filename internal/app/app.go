package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"taskledger/internal/config"
	"taskledger/internal/db"
	"taskledger/internal/engine"
	"taskledger/internal/ledger"
	"taskledger/internal/metrics"
	"taskledger/internal/migrate"
)

// App is an opened, migrated store with the engine built over it.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Options override collaborators Open would otherwise build.
type Options struct {
	Ledger ledger.Client
	Logger *slog.Logger
}

// ResolveConfig loads path (defaults when empty) and applies overrides for
// every known key lookup reports as set. The result is validated.
func ResolveConfig(path string, lookup func(key string) (string, bool)) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lookup != nil {
		for _, key := range config.Keys() {
			if v, ok := lookup(key); ok {
				if err := cfg.Set(key, v); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open connects to the configured database, applies pending migrations and
// wires the engine.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	conn, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn, cfg.Database.Driver)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.DebugContext(ctx, "schema ready", "version", version, "driver", cfg.Database.Driver)
	m := metrics.New()
	e := engine.New(conn, cfg, engine.Deps{Ledger: opts.Ledger, Metrics: m, Logger: log})
	return &App{Config: cfg, DB: conn, Engine: e, Metrics: m, Logger: log}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
