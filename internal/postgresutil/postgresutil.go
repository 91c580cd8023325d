package postgresutil

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds Postgres settings.
type Config struct {
	DSN      string `env:"DSN,required"`
	MaxConns int32  `env:"MAX_CONNS"` // optional, pgxpool default when zero
}

// NewPool creates a pool and checks that the database is reachable.
func NewPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgresutil.NewPool: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgresutil.NewPool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgresutil.NewPool: %w", err)
	}

	return pool, nil
}
