package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table shared by every
// instance behind a load balancer.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS submission_keys (
    key TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    pending BOOLEAN NOT NULL,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    action_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Reserve inserts the record, overwriting only a row that has expired.
func (p *PostgresStore) Reserve(ctx context.Context, key string, rec Record) (*Record, bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO submission_keys (key, fingerprint, pending, status_code, response, action_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint,
    pending = EXCLUDED.pending,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    action_id = EXCLUDED.action_id,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE submission_keys.expires_at <= $9
`, key, rec.Fingerprint, rec.Pending, rec.StatusCode, bytesOrEmpty(rec.Response), rec.ActionID, rec.CreatedAt, rec.ExpiresAt, p.now())
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}
	existing, err := p.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Expired between the insert and the read; the caller may retry.
		return heldBy(rec), false, nil
	}
	return existing, false, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT fingerprint, pending, status_code, response, action_id, created_at, expires_at
FROM submission_keys
WHERE key = $1
`, key)

	var rec Record
	if err := row.Scan(&rec.Fingerprint, &rec.Pending, &rec.StatusCode, &rec.Response, &rec.ActionID, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if rec.Expired(p.now()) {
		return nil, p.Release(ctx, key)
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, rec Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO submission_keys (key, fingerprint, pending, status_code, response, action_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint,
    pending = EXCLUDED.pending,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    action_id = EXCLUDED.action_id,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, rec.Fingerprint, rec.Pending, rec.StatusCode, bytesOrEmpty(rec.Response), rec.ActionID, rec.CreatedAt, rec.ExpiresAt)
	return err
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM submission_keys WHERE key = $1`, key)
	return err
}

func bytesOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
