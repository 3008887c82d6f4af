package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"unsgateway/internal/logging"
	"unsgateway/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(":memory:", 1)
	s, err := Open(cfg, logging.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustAppend(t *testing.T, s *Store, brokerID, topic string, payload string, ts time.Time) {
	t.Helper()
	err := s.Append(context.Background(), models.Event{
		BrokerID:  brokerID,
		Topic:     topic,
		Payload:   []byte(payload),
		Timestamp: ts,
	})
	require.NoError(t, err)
}

func TestAppendAndGetLatest(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	mustAppend(t, s, "b1", "plant/a/temp", `{"v":1}`, now.Add(-time.Minute))
	mustAppend(t, s, "b1", "plant/a/temp", `{"v":2}`, now)

	e, ok, err := s.GetLatest(context.Background(), "", "plant/a/temp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"v":2}`, string(e.Payload))
}

func TestGetLatestMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetLatest(context.Background(), "", "nothing/here")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetHistoryOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		mustAppend(t, s, "b1", "plant/a/temp", `{"v":`+string(rune('0'+i))+`}`, now.Add(time.Duration(i)*time.Second))
	}

	hist, err := s.GetHistory(context.Background(), "", "plant/a/temp", 3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.True(t, hist[0].Timestamp.After(hist[1].Timestamp))
	require.True(t, hist[1].Timestamp.After(hist[2].Timestamp))
}

func TestRangeFiltersByPatternAndWindow(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Second)
	mustAppend(t, s, "b1", "plant/a/temp", `1`, base)
	mustAppend(t, s, "b1", "plant/b/temp", `2`, base.Add(time.Second))
	mustAppend(t, s, "b1", "plant/a/humidity", `3`, base.Add(2*time.Second))

	events, err := s.Range(context.Background(), base, base.Add(3*time.Second), "plant/+/temp", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "plant/a/temp", events[0].Topic)
	require.Equal(t, "plant/b/temp", events[1].Topic)
}

func TestSearchFulltextRejectsShortQuery(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SearchFulltext(context.Background(), "a", "", nil, nil)
	require.ErrorIs(t, err, ErrQueryTooShort)
}

func TestSearchFulltextMatchesTopicAndPayload(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	mustAppend(t, s, "b1", "plant/a/temp", `{"status":"ok"}`, now)
	mustAppend(t, s, "b1", "plant/b/pressure", `{"status":"fault"}`, now)

	results, err := s.SearchFulltext(context.Background(), "fault", "", nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "plant/b/pressure", results[0].Topic)
}

func TestSearchByTemplateFiltersDecodedPayload(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	mustAppend(t, s, "b1", "line/1/status", `{"state":"running"}`, now)
	mustAppend(t, s, "b1", "line/2/status", `{"state":"stopped"}`, now)

	results, err := s.SearchByTemplate(context.Background(), "line/+/status", map[string]string{"state": "stopped"}, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "line/2/status", results[0].Topic)
}

func TestPrunePatternDeletesMatchingTopicsOnly(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	mustAppend(t, s, "b1", "plant/a/temp", `1`, now)
	mustAppend(t, s, "b1", "plant/b/temp", `2`, now)

	n, err := s.PrunePattern(context.Background(), "plant/a/#", "")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalRows)

	_, ok, err := s.GetLatest(context.Background(), "", "plant/b/temp")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStatsTracksByteTotal(t *testing.T) {
	s := newTestStore(t)
	statsBefore, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), statsBefore.Bytes)

	mustAppend(t, s, "b1", "plant/a/temp", `{"v":1}`, time.Now())

	statsAfter, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Greater(t, statsAfter.Bytes, int64(0))
	require.False(t, statsAfter.PruningActive)
}

func TestQueryRowAndQueryAllRejectWriteStatements(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.QueryRow(context.Background(), "DELETE FROM events")
	require.ErrorIs(t, err, ErrQueryNotReadOnly)

	_, err = s.QueryAll(context.Background(), "SELECT * FROM events; DROP TABLE events", 10)
	require.ErrorIs(t, err, ErrQueryNotReadOnly)
}

func TestQueryAllCapsRowCount(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		mustAppend(t, s, "b1", "plant/a/temp", `1`, now.Add(time.Duration(i)*time.Second))
	}

	rows, err := s.QueryAll(context.Background(), "SELECT * FROM events ORDER BY id ASC", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestRetainerPrunesOldestWhenOverCeiling(t *testing.T) {
	cfg := Config{Path: ":memory:", ByteCeiling: 200, PruneBatchSize: 1}
	s, err := Open(cfg, logging.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now()
	for i := 0; i < 10; i++ {
		mustAppend(t, s, "b1", "plant/a/temp", `{"value":12345}`, now.Add(time.Duration(i)*time.Second))
	}

	r := NewRetainer(s, time.Hour, logging.NewLogger())
	r.tick()

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.LessOrEqual(t, stats.Bytes, int64(float64(cfg.ByteCeiling)*retentionTargetFactor))
	require.False(t, stats.PruningActive)
}
