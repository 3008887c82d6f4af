// Package sibling provides the gateway's optional Postgres-backed sibling
// store: persistence for the "control plane" rows (chat sessions, user
// admin records) that don't belong in the embedded time-series event store.
// When POSTGRES_URL is unset the gateway runs without it and those rows
// live only in memory for the process lifetime.
//
// Adapted from _examples/Livepeer-FrameWorks-monorepo/pkg/database/postgres.go:
// same Config/DefaultConfig/Connect/MustConnect shape, narrowed to the one
// driver this gateway needs.
package sibling

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"unsgateway/internal/logging"
)

// Config holds the sibling Postgres connection's pool tuning.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the pool defaults used when only a URL is supplied.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Connect opens and pings the sibling Postgres database. Callers should
// treat an empty cfg.URL as "sibling store disabled", not as an error
// worth surfacing to an operator expecting persistence.
func Connect(cfg Config, logger logging.Logger) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sibling: POSTGRES_URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sibling: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sibling: ping: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.WithFields(logging.Fields{
		"max_open_conns": cfg.MaxOpenConns,
		"max_idle_conns": cfg.MaxIdleConns,
	}).Info("sibling postgres connected")

	return db, nil
}

// Migrate creates the sibling tables this gateway owns, if they don't
// already exist.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			messages JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id);

		CREATE TABLE IF NOT EXISTS gateway_users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			is_admin BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("sibling: migrate: %w", err)
	}
	return nil
}

// User is a gateway-admin-visible account row (spec §4.H `/admin/users`).
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrUserNotFound is returned by UserStore.Delete for an unknown id.
var ErrUserNotFound = fmt.Errorf("sibling: user not found")

// UserStore is the narrow persistence surface `/admin/users` needs.
type UserStore interface {
	List(ctx context.Context) ([]User, error)
	Delete(ctx context.Context, id string) error
}

type memUserStore struct {
	mu    sync.Mutex
	users map[string]User
}

// NewMemoryUserStore returns a UserStore backed by an in-process map, used
// when POSTGRES_URL is unset. Empty until seeded by whatever identity
// provider the deployment fronts this gateway with.
func NewMemoryUserStore() UserStore {
	return &memUserStore{users: map[string]User{}}
}

func (s *memUserStore) List(ctx context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *memUserStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(s.users, id)
	return nil
}

type pgUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore returns a UserStore backed by the sibling
// gateway_users table.
func NewPostgresUserStore(db *sql.DB) UserStore {
	return &pgUserStore{db: db}
}

func (s *pgUserStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, is_admin, created_at FROM gateway_users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sibling: list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.IsAdmin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("sibling: scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *pgUserStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gateway_users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("sibling: delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sibling: delete user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
