// Package postgres provides the PostgreSQL-backed placement journal.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/config"
)

const applicationName = "vmplacer-journal"

// DB is the connection pool the journal writes through.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB connects the journal pool and verifies the server is reachable.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	poolConfig, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach journal database %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger = logger.With(zap.String("component", "journal-db"))
	logger.Info("Journal database connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns),
	)
	return &DB{pool: pool, logger: logger}, nil
}

// newPoolConfig maps the database settings onto a pool configuration. Zero values
// keep the pgxpool defaults and the idle floor never exceeds the ceiling.
func newPoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse journal database config: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(cfg.MaxIdleConns)
	}
	if pc.MinConns > pc.MaxConns {
		pc.MinConns = pc.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

// PoolStats is a point-in-time view of the journal pool.
type PoolStats struct {
	MaxConns        int32         `json:"max_conns"`
	TotalConns      int32         `json:"total_conns"`
	IdleConns       int32         `json:"idle_conns"`
	AcquiredConns   int32         `json:"acquired_conns"`
	AcquireCount    int64         `json:"acquire_count"`
	EmptyAcquires   int64         `json:"empty_acquire_count"`
	AcquireDuration time.Duration `json:"acquire_duration_ns"`
}

// Saturated reports whether every connection is checked out.
func (s PoolStats) Saturated() bool {
	return s.MaxConns > 0 && s.AcquiredConns >= s.MaxConns
}

// Stats returns the current pool counters.
func (db *DB) Stats() PoolStats {
	st := db.pool.Stat()
	return PoolStats{
		MaxConns:        st.MaxConns(),
		TotalConns:      st.TotalConns(),
		IdleConns:       st.IdleConns(),
		AcquiredConns:   st.AcquiredConns(),
		AcquireCount:    st.AcquireCount(),
		EmptyAcquires:   st.EmptyAcquireCount(),
		AcquireDuration: st.AcquireDuration(),
	}
}

// Close closes the pool.
func (db *DB) Close() {
	db.pool.Close()
	db.logger.Info("Journal database closed")
}

// Health pings the database. A saturated pool is logged but still healthy.
func (db *DB) Health(ctx context.Context) error {
	if st := db.Stats(); st.Saturated() {
		db.logger.Warn("Journal pool saturated",
			zap.Int32("acquired_conns", st.AcquiredConns),
			zap.Int32("max_conns", st.MaxConns),
		)
	}
	return db.pool.Ping(ctx)
}
