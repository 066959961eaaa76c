package app

import (
	"context"
	"fmt"
	"time"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/profile"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// Migrate applies the idempotent profile and chat DDL to schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	steps := []struct {
		name string
		sql  func(string) (string, error)
	}{
		{name: "profile", sql: profile.SchemaSQL},
		{name: "chat", sql: chat.SchemaSQL},
	}
	for _, s := range steps {
		ddl, err := s.sql(schema)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", s.name, err)
		}
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate %s: %w", s.name, err)
		}
	}
	return nil
}
