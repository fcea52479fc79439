package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the notifications table used by Postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS notifications (
	seq           BIGSERIAL PRIMARY KEY,
	id            TEXT        NOT NULL,
	restaurant_id TEXT        NOT NULL,
	type          TEXT        NOT NULL,
	entity_id     TEXT        NOT NULL DEFAULT '',
	title         TEXT        NOT NULL DEFAULT '',
	body          TEXT        NOT NULL DEFAULT '',
	data          JSONB,
	read          BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS notifications_restaurant_created
	ON notifications (restaurant_id, created_at);
CREATE INDEX IF NOT EXISTS notifications_restaurant_id
	ON notifications (restaurant_id, id, created_at);
`

const (
	// insertSQL skips a row when the tenant already has the id within the
	// window [$10, $11] around created_at.
	insertSQL = `INSERT INTO notifications
	(id, restaurant_id, type, entity_id, title, body, data, read, created_at)
	SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::text, $7::jsonb, $8::boolean, $9::timestamptz
	WHERE NOT EXISTS (
		SELECT 1 FROM notifications
		WHERE restaurant_id = $2::text AND id = $1::text
		AND created_at > $10::timestamptz AND created_at < $11::timestamptz
	)`

	sinceSQL = `SELECT id, restaurant_id, type, entity_id, title, body, data, read, created_at
	FROM notifications
	WHERE restaurant_id = $1 AND created_at > $2
	ORDER BY created_at, seq
	LIMIT $3`

	defaultSinceLimit = 500
)

// db is the subset of *pgxpool.Pool used by Postgres.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres stores notifications in a Postgres table.
// It implements both Store and Backlog.
type Postgres struct {
	db    db
	marks map[string]time.Time
	limit int
	mu    sync.Mutex
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return newPostgres(pool), nil
}

func newPostgres(d db) *Postgres {
	return &Postgres{db: d, marks: make(map[string]time.Time), limit: defaultSinceLimit}
}

// EnsureSchema creates the notifications table if needed.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Add inserts r unless the tenant already has r.ID within DuplicateWindow.
func (p *Postgres) Add(ctx context.Context, r Record) error {
	if r.RestaurantID == "" {
		return ErrNoTenant
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	var data any
	if len(r.Data) > 0 {
		data = []byte(r.Data)
	}
	if _, err := p.db.Exec(ctx, insertSQL,
		r.ID, r.RestaurantID, r.Type, r.EntityID, r.Title, r.Body, data, r.Read, r.CreatedAt,
		r.CreatedAt.Add(-DuplicateWindow), r.CreatedAt.Add(DuplicateWindow),
	); err != nil {
		return fmt.Errorf("insert notification %s: %w", r.ID, err)
	}
	return nil
}

// Since returns the tenant's records created after since, oldest first.
func (p *Postgres) Since(ctx context.Context, tenantID string, since time.Time) ([]Record, error) {
	if tenantID == "" {
		return nil, ErrNoTenant
	}
	rows, err := p.db.Query(ctx, sinceSQL, tenantID, since, p.limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r    Record
			data []byte
		)
		if err := rows.Scan(&r.ID, &r.RestaurantID, &r.Type, &r.EntityID, &r.Title, &r.Body, &data, &r.Read, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		r.Data = data
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// FetchMissed returns records newer than the previous fetch for the tenant.
func (p *Postgres) FetchMissed(ctx context.Context, tenantID string) ([]Record, error) {
	p.mu.Lock()
	since := p.marks[tenantID]
	p.mu.Unlock()

	out, err := p.Since(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, r := range out {
		if r.CreatedAt.After(p.marks[tenantID]) {
			p.marks[tenantID] = r.CreatedAt
		}
	}
	p.mu.Unlock()
	return out, nil
}

// Sync is a no-op: rows are written straight to the shared table.
func (*Postgres) Sync(context.Context) error {
	return nil
}
