package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"unsgateway/internal/logging"
)

// retentionTargetFactor is how far below the ceiling a prune pass drains to,
// so pruning doesn't immediately re-trigger on the next tick (spec §4.B:
// "prunes oldest rows down to 0.9x the ceiling").
const retentionTargetFactor = 0.9

// Retainer runs the periodic heartbeat that prunes the oldest rows once the
// store crosses its byte ceiling. It is started once at gateway boot and
// stopped on shutdown.
type Retainer struct {
	store  *Store
	cron   *cron.Cron
	logger logging.Logger
}

// NewRetainer builds a Retainer that checks the ceiling every interval.
func NewRetainer(s *Store, interval time.Duration, logger logging.Logger) *Retainer {
	c := cron.New(cron.WithSeconds())
	r := &Retainer{store: s, cron: c, logger: logger}
	spec := "@every " + interval.String()
	if _, err := c.AddFunc(spec, r.tick); err != nil {
		// @every accepts any ParseDuration-compatible string; interval is
		// always caller-supplied and valid, so this is unreachable in
		// practice. Fall back to a fixed 30s cadence rather than panic.
		_, _ = c.AddFunc("@every 30s", r.tick)
	}
	return r
}

// Start begins the background heartbeat.
func (r *Retainer) Start() { r.cron.Start() }

// Stop halts the heartbeat, blocking until any in-flight tick finishes.
func (r *Retainer) Stop() { <-r.cron.Stop().Done() }

func (r *Retainer) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	total := atomic.LoadInt64(&r.store.totalBytes)
	if total <= r.store.cfg.ByteCeiling {
		return
	}

	atomic.StoreInt32(&r.store.pruning, 1)
	defer atomic.StoreInt32(&r.store.pruning, 0)

	target := int64(float64(r.store.cfg.ByteCeiling) * retentionTargetFactor)
	r.logger.WithFields(logging.Fields{
		"bytes":  total,
		"target": target,
	}).Info("event store over ceiling, pruning oldest rows")

	for {
		if atomic.LoadInt64(&r.store.totalBytes) <= target {
			return
		}
		freed, err := r.store.pruneOldestBatch(ctx, r.store.cfg.PruneBatchSize)
		if err != nil {
			r.logger.WithFields(logging.Fields{"error": err.Error()}).Error("prune batch failed")
			return
		}
		if freed == 0 {
			return // nothing left to prune
		}
	}
}

// pruneOldestBatch deletes the oldest n rows and returns the bytes freed.
func (s *Store) pruneOldestBatch(ctx context.Context, n int) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, byte_size FROM events ORDER BY ts_unix_ns ASC, id ASC LIMIT ?`, n)
	if err != nil {
		return 0, err
	}
	var ids []int64
	var freed int64
	for rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
		freed += size
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}

	query, args := deleteByIDsQuery(ids)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return 0, err
	}
	atomic.AddInt64(&s.totalBytes, -freed)
	return freed, nil
}

func deleteByIDsQuery(ids []int64) (string, []interface{}) {
	query := `DELETE FROM events WHERE id IN (`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	return query, args
}
