package profile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads display fields from the users table and writes last-seen markers to it.
//
// Ownership model:
// - The pgx pool is owned by the caller; this directory must NOT close it.
// - Schema/table identifiers are validated and safely quoted.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

var (
	_ Directory = (*PostgresDirectory)(nil)
	_ Tracker   = (*PostgresDirectory)(nil)
)

// PostgresOption configures PostgresDirectory.
type PostgresOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding the users table (default "huddle").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return errors.New("profile: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// WithTable overrides the users table name (default "users").
func WithTable(table string) PostgresOption {
	return func(d *PostgresDirectory) error {
		table = strings.TrimSpace(table)
		if !pgIdentRe.MatchString(table) {
			return errors.New("profile: invalid table identifier")
		}
		d.table = table
		return nil
	}
}

// NewPostgresDirectory constructs a Postgres-backed Directory and Tracker.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, schema: "huddle", table: "users"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("profile: nil pool")
	}
	return d, nil
}

func (d *PostgresDirectory) users() string {
	return pgx.Identifier{d.schema, d.table}.Sanitize()
}

// SchemaSQL returns the DDL for the columns this package reads and writes.
// The users table is owned by the user service; this exists for dev auto-migrate and tests.
func SchemaSQL(schema string) (string, error) {
	if !pgIdentRe.MatchString(schema) {
		return "", errors.New("profile: invalid schema identifier")
	}
	users := pgx.Identifier{schema, "users"}.Sanitize()
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  name         TEXT NOT NULL DEFAULT '',
  image        TEXT NOT NULL DEFAULT '',
  is_online    BOOLEAN NOT NULL DEFAULT false,
  last_seen_at TIMESTAMPTZ,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, users), nil
}

func (d *PostgresDirectory) DisplayInfo(ctx context.Context, userID string) (DisplayInfo, error) {
	var info DisplayInfo
	err := d.pool.QueryRow(ctx,
		`SELECT name, image FROM `+d.users()+` WHERE id = $1`,
		userID,
	).Scan(&info.Name, &info.Image)
	if errors.Is(err, pgx.ErrNoRows) {
		return DisplayInfo{}, ErrNotFound
	}
	if err != nil {
		return DisplayInfo{}, fmt.Errorf("profile: display info: %w", err)
	}
	return info, nil
}

func (d *PostgresDirectory) DisplayInfos(ctx context.Context, userIDs []string) (map[string]DisplayInfo, error) {
	ids := dedupeIDs(userIDs)
	out := make(map[string]DisplayInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := d.pool.Query(ctx,
		`SELECT id, name, image FROM `+d.users()+` WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("profile: display infos: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   string
			info DisplayInfo
		)
		if err := rows.Scan(&id, &info.Name, &info.Image); err != nil {
			return nil, err
		}
		out[id] = info
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkOnline sets is_online and bumps last_seen_at. Unknown users are ignored.
func (d *PostgresDirectory) MarkOnline(ctx context.Context, userID string, at time.Time) error {
	return d.mark(ctx, userID, true, at)
}

// MarkOffline clears is_online and bumps last_seen_at. Unknown users are ignored.
func (d *PostgresDirectory) MarkOffline(ctx context.Context, userID string, at time.Time) error {
	return d.mark(ctx, userID, false, at)
}

func (d *PostgresDirectory) mark(ctx context.Context, userID string, online bool, at time.Time) error {
	// The timestamp guard keeps a late write from an older transition from winning.
	_, err := d.pool.Exec(ctx,
		`UPDATE `+d.users()+`
		    SET is_online = $2, last_seen_at = $3
		  WHERE id = $1 AND (last_seen_at IS NULL OR last_seen_at <= $3)`,
		userID, online, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("profile: mark online=%t: %w", online, err)
	}
	return nil
}

// LastSeenOf reads the marker for userID.
func (d *PostgresDirectory) LastSeenOf(ctx context.Context, userID string) (LastSeen, error) {
	var (
		ls LastSeen
		at *time.Time
	)
	err := d.pool.QueryRow(ctx,
		`SELECT is_online, last_seen_at FROM `+d.users()+` WHERE id = $1`,
		userID,
	).Scan(&ls.Online, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return LastSeen{}, ErrNotFound
	}
	if err != nil {
		return LastSeen{}, err
	}
	if at != nil {
		ls.At = at.UTC()
	}
	return ls, nil
}
