// Package persistence stores sizing snapshots and promotion decisions
// in PostgreSQL for audit and post-trade analysis.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Config holds PostgreSQL connection settings. Disabled persistence
// turns every repo call into a no-op so the pipeline runs standalone.
type Config struct {
	Enabled         bool          `yaml:"enabled" default:"false"`
	Host            string        `yaml:"host" default:"localhost"`
	Port            int           `yaml:"port" default:"5432" validate:"gt=0,lte=65535"`
	Database        string        `yaml:"database" default:"tradepipe"`
	User            string        `yaml:"user" default:"tradepipe"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode" default:"disable" validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `yaml:"max_open_conns" default:"10" validate:"gt=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"5" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"30m"`
	QueryTimeout    time.Duration `yaml:"query_timeout" default:"5s"`
}

// DSN renders the lib/pq connection string
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// Store owns the connection pool and the repositories
type Store struct {
	db     *sqlx.DB
	config Config
	Sizing *SizingRepo
	Promos *PromotionRepo
}

// Connect opens the pool and pings the database. A disabled config
// returns a Store whose repos silently drop writes.
func Connect(config Config) (*Store, error) {
	if !config.Enabled {
		log.Info().Str("component", "persistence").Msg("persistence disabled, running in-memory only")
		return &Store{config: config, Sizing: &SizingRepo{}, Promos: &PromotionRepo{}}, nil
	}

	db, err := sqlx.Connect("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	log.Info().
		Str("component", "persistence").
		Str("host", config.Host).
		Str("database", config.Database).
		Msg("postgres connected")

	return &Store{
		db:     db,
		config: config,
		Sizing: &SizingRepo{db: db, timeout: config.QueryTimeout},
		Promos: &PromotionRepo{db: db, timeout: config.QueryTimeout},
	}, nil
}

// Close shuts the pool down
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether writes reach the database
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Migrate creates the schema if it is missing. Kept idempotent so the
// service can run it on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sizing_snapshots (
		id                BIGSERIAL PRIMARY KEY,
		symbol            TEXT NOT NULL,
		base_size         DOUBLE PRECISION NOT NULL,
		uncertainty_width DOUBLE PRECISION NOT NULL,
		final_size        DOUBLE PRECISION NOT NULL,
		confidence        DOUBLE PRECISION NOT NULL,
		ts                TIMESTAMPTZ NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_sizing_symbol_ts ON sizing_snapshots (symbol, ts DESC);

	CREATE TABLE IF NOT EXISTS promotion_decisions (
		id            BIGSERIAL PRIMARY KEY,
		challenger_id TEXT NOT NULL,
		champion_id   TEXT NOT NULL,
		promoted      BOOLEAN NOT NULL,
		p_value       DOUBLE PRECISION NOT NULL,
		reason        TEXT NOT NULL,
		decided_at    TIMESTAMPTZ NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_promotion_decided ON promotion_decisions (decided_at DESC);`

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
