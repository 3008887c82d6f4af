// Package store implements the append-only event log (spec §4.B "Event
// store"): an embedded, size-bounded analytical table of
// (broker_id, topic, payload, timestamp) rows with time-bounded and
// pattern-bounded range queries.
//
// The teacher wraps a remote ClickHouse/Postgres connection behind a small
// Connect/MustConnect pair (pkg/database); this gateway has no second
// process to run a database server in (spec.md §1 non-goals), so the same
// wrapper shape is kept but backed by modernc.org/sqlite, the embedded SQL
// engine the sandbox's read-only db.get/db.all calls run against too.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"unsgateway/internal/logging"
	"unsgateway/internal/models"
	"unsgateway/internal/topicmatch"
)

// Config configures the embedded event store.
type Config struct {
	Path           string
	ByteCeiling    int64
	PruneBatchSize int
}

// DefaultConfig returns sane defaults for Config.
func DefaultConfig(path string, byteCeilingMB int) Config {
	return Config{
		Path:           path,
		ByteCeiling:    int64(byteCeilingMB) * 1024 * 1024,
		PruneBatchSize: 500,
	}
}

// Store is the embedded event log.
type Store struct {
	db     *sql.DB
	logger logging.Logger
	cfg    Config

	writeMu sync.Mutex

	totalBytes int64
	pruning    int32
}

// Open connects to (creating if absent) the embedded event store and
// ensures its schema exists.
func Open(cfg Config, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY storms
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pragma: %w", err)
	}

	s := &Store{db: db, logger: logger, cfg: cfg}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadByteTotal(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// PingContext reports whether the underlying database connection is alive,
// for use by the gateway's health checker.
func (s *Store) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	broker_id   TEXT NOT NULL,
	topic       TEXT NOT NULL,
	payload     BLOB NOT NULL,
	ts_unix_ns  INTEGER NOT NULL,
	byte_size   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_topic_ts ON events(topic, ts_unix_ns);
CREATE INDEX IF NOT EXISTS idx_events_broker_topic_ts ON events(broker_id, topic, ts_unix_ns);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_unix_ns);
`)
	return err
}

func (s *Store) loadByteTotal() error {
	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(byte_size) FROM events`).Scan(&total); err != nil {
		return fmt.Errorf("store: load byte total: %w", err)
	}
	atomic.StoreInt64(&s.totalBytes, total.Int64)
	return nil
}

// Append writes one event. It is constant-time in the row count and never
// fails on hitting the byte ceiling (spec §4.B, §7 "StorageExhausted");
// instead it trips the retention heartbeat into pruning on its next tick.
func (s *Store) Append(ctx context.Context, e models.Event) error {
	size := int64(len(e.Payload)) + int64(len(e.BrokerID)) + int64(len(e.Topic)) + 16

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (broker_id, topic, payload, ts_unix_ns, byte_size) VALUES (?, ?, ?, ?, ?)`,
		e.BrokerID, e.Topic, e.Payload, e.Timestamp.UnixNano(), size)
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	id, _ := res.LastInsertId()
	_ = id
	atomic.AddInt64(&s.totalBytes, size)
	return nil
}

// GetLatest returns the most recent event for a topic (optionally scoped to
// one broker), or ok=false if none exists.
func (s *Store) GetLatest(ctx context.Context, brokerID, topic string) (models.Event, bool, error) {
	query := `SELECT id, broker_id, topic, payload, ts_unix_ns FROM events WHERE topic = ?`
	args := []interface{}{topic}
	if brokerID != "" {
		query += ` AND broker_id = ?`
		args = append(args, brokerID)
	}
	query += ` ORDER BY ts_unix_ns DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return models.Event{}, false, nil
	}
	if err != nil {
		return models.Event{}, false, err
	}
	return e, true, nil
}

// GetHistory returns up to limit events for a topic, newest-first.
func (s *Store) GetHistory(ctx context.Context, brokerID, topic string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, broker_id, topic, payload, ts_unix_ns FROM events WHERE topic = ?`
	args := []interface{}{topic}
	if brokerID != "" {
		query += ` AND broker_id = ?`
		args = append(args, brokerID)
	}
	query += ` ORDER BY ts_unix_ns DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Range returns events between [start, end], optionally filtered by an MQTT
// pattern, oldest-first, bounded by limit (0 = no limit).
func (s *Store) Range(ctx context.Context, start, end time.Time, pattern string, limit int) ([]models.Event, error) {
	query := `SELECT id, broker_id, topic, payload, ts_unix_ns FROM events WHERE ts_unix_ns >= ? AND ts_unix_ns <= ? ORDER BY ts_unix_ns ASC, id ASC`
	args := []interface{}{start.UnixNano(), end.UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit*4+64) // over-fetch since pattern filtering happens in Go
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	if pattern == "" {
		if limit > 0 && len(all) > limit {
			all = all[:limit]
		}
		return all, nil
	}

	matcher, err := topicmatch.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("store: range: %w", err)
	}
	out := make([]models.Event, 0, len(all))
	for _, e := range all {
		if matcher.Match(e.Topic) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ErrQueryTooShort is returned by SearchFulltext for queries under 2 chars
// (spec §4.B, §8 boundary: "/context/search?q=a returns 400").
var ErrQueryTooShort = fmt.Errorf("store: search query must be at least 2 characters")

// SearchFulltext does a substring match over topic or payload text.
func (s *Store) SearchFulltext(ctx context.Context, q, brokerID string, start, end *time.Time) ([]models.Event, error) {
	if len(q) < 2 {
		return nil, ErrQueryTooShort
	}
	query := `SELECT id, broker_id, topic, payload, ts_unix_ns FROM events WHERE (topic LIKE ? OR CAST(payload AS TEXT) LIKE ?)`
	like := "%" + strings.ReplaceAll(q, "%", "\\%") + "%"
	args := []interface{}{like, like}
	if brokerID != "" {
		query += ` AND broker_id = ?`
		args = append(args, brokerID)
	}
	if start != nil {
		query += ` AND ts_unix_ns >= ?`
		args = append(args, start.UnixNano())
	}
	if end != nil {
		query += ` AND ts_unix_ns <= ?`
		args = append(args, end.UnixNano())
	}
	query += ` ORDER BY ts_unix_ns DESC, id DESC LIMIT 1000`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SearchByTemplate matches events by MQTT pattern plus equality filters
// evaluated against the decoded JSON payload.
func (s *Store) SearchByTemplate(ctx context.Context, pattern string, filters map[string]string, brokerID string) ([]models.Event, error) {
	matcher, err := topicmatch.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("store: search by template: %w", err)
	}

	query := `SELECT id, broker_id, topic, payload, ts_unix_ns FROM events`
	args := []interface{}{}
	if brokerID != "" {
		query += ` WHERE broker_id = ?`
		args = append(args, brokerID)
	}
	query += ` ORDER BY ts_unix_ns DESC, id DESC LIMIT 5000`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	out := make([]models.Event, 0)
	for _, e := range all {
		if !matcher.Match(e.Topic) {
			continue
		}
		if len(filters) > 0 && !matchesFilters(e.Payload, filters) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// PrunePattern deletes every row whose topic matches pattern (and, if
// brokerID is set, originated from that broker), returning the count
// removed (spec §4.B "prune_pattern").
func (s *Store) PrunePattern(ctx context.Context, pattern, brokerID string) (int, error) {
	matcher, err := topicmatch.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("store: prune pattern: %w", err)
	}

	query := `SELECT DISTINCT topic FROM events`
	args := []interface{}{}
	if brokerID != "" {
		query += ` WHERE broker_id = ?`
		args = append(args, brokerID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return 0, err
		}
		if matcher.Match(t) {
			topics = append(topics, t)
		}
	}
	rows.Close()
	if len(topics) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	total := 0
	for _, t := range topics {
		n, freed, err := s.deleteTopic(ctx, t, brokerID)
		if err != nil {
			return total, err
		}
		total += n
		atomic.AddInt64(&s.totalBytes, -freed)
	}
	return total, nil
}

func (s *Store) deleteTopic(ctx context.Context, topic, brokerID string) (count int, freedBytes int64, err error) {
	sumQuery := `SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM events WHERE topic = ?`
	delQuery := `DELETE FROM events WHERE topic = ?`
	args := []interface{}{topic}
	if brokerID != "" {
		sumQuery += ` AND broker_id = ?`
		delQuery += ` AND broker_id = ?`
		args = append(args, brokerID)
	}
	if err := s.db.QueryRowContext(ctx, sumQuery, args...).Scan(&count, &freedBytes); err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}
	if _, err := s.db.ExecContext(ctx, delQuery, args...); err != nil {
		return 0, 0, err
	}
	return count, freedBytes, nil
}

// Stats reports the store's size and pruning state.
type Stats struct {
	TotalRows     int64 `json:"total_rows"`
	Bytes         int64 `json:"bytes"`
	PruningActive bool  `json:"pruning_active"`
}

// Stats returns the store's current size and pruning status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var rows int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&rows); err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalRows:     rows,
		Bytes:         atomic.LoadInt64(&s.totalBytes),
		PruningActive: atomic.LoadInt32(&s.pruning) == 1,
	}, nil
}

func matchesFilters(payload []byte, filters map[string]string) bool {
	decoded := map[string]interface{}{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return false
	}
	for k, want := range filters {
		got, ok := decoded[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

func scanEvent(row *sql.Row) (models.Event, error) {
	var e models.Event
	var tsNano int64
	if err := row.Scan(&e.ID, &e.BrokerID, &e.Topic, &e.Payload, &tsNano); err != nil {
		return models.Event{}, err
	}
	e.Timestamp = time.Unix(0, tsNano).UTC()
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var out []models.Event
	for rows.Next() {
		var e models.Event
		var tsNano int64
		if err := rows.Scan(&e.ID, &e.BrokerID, &e.Topic, &e.Payload, &tsNano); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, tsNano).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
