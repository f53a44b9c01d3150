package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 10 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres stores state in a shared database. The table is created on first
// use so that opening the store never blocks on the network.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

// NewPostgres creates a lazily connected Postgres store.
func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	db, err := p.ensureReady()
	if err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var payload string
	err = db.QueryRowContext(ctx,
		"SELECT payload FROM labwall_state WHERE state_key = $1", key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (p *Postgres) Save(ctx context.Context, key string, value []byte) error {
	db, err := p.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err = db.ExecContext(ctx, `
		INSERT INTO labwall_state (state_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, key, string(value))
	return err
}

func (p *Postgres) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	db := p.db
	p.db = nil
	p.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// ensureReady connects and creates the table. Only success is remembered, so
// a failed attempt is retried on the next call.
func (p *Postgres) ensureReady() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}

	db, err := p.openDB("postgres", p.dsn)
	if err != nil {
		return nil, err
	}
	// not tied to any one caller's cancellation
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS labwall_state (
			state_key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	p.db = db
	return db, nil
}
