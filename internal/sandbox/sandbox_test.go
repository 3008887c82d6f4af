package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	row  map[string]interface{}
	rows []map[string]interface{}
	err  error
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.row == nil {
		return nil, false, nil
	}
	return f.row, true, nil
}

func (f *fakeDB) QueryAll(ctx context.Context, query string, maxRows int, args ...interface{}) ([]map[string]interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func TestRunReturnsOkWithMutatedMsg(t *testing.T) {
	rt := New(&fakeDB{}, DefaultConfig())
	out := rt.Run(context.Background(), `msg.payload.value = msg.payload.value * 2; return msg;`, map[string]interface{}{
		"topic":     "a/b",
		"broker_id": "b1",
		"payload":   map[string]interface{}{"value": 21.0},
	})
	require.Equal(t, Ok, out.Kind)
	m, ok := out.Value.(map[string]interface{})
	require.True(t, ok)
	payload := m["payload"].(map[string]interface{})
	require.Equal(t, int64(42), toInt64(payload["value"]))
}

func TestRunBooleanForAlertSemantics(t *testing.T) {
	rt := New(&fakeDB{}, DefaultConfig())
	out := rt.Run(context.Background(), `return msg.payload.value > 70;`, map[string]interface{}{
		"payload": map[string]interface{}{"value": 95.0},
	})
	require.Equal(t, Ok, out.Kind)
	require.Equal(t, true, out.Value)
}

func TestRunSkippedOnUndefined(t *testing.T) {
	rt := New(&fakeDB{}, DefaultConfig())
	out := rt.Run(context.Background(), `if (msg.payload.value < 0) { return msg; }`, map[string]interface{}{
		"payload": map[string]interface{}{"value": 5.0},
	})
	require.Equal(t, Skipped, out.Kind)
}

func TestRunSandboxErrorOnThrow(t *testing.T) {
	rt := New(&fakeDB{}, DefaultConfig())
	out := rt.Run(context.Background(), `throw new Error("boom");`, map[string]interface{}{})
	require.Equal(t, SandboxError, out.Kind)
	require.Contains(t, out.Message, "boom")
}

func TestRunTimeoutOnInfiniteLoop(t *testing.T) {
	rt := New(&fakeDB{}, Config{Timeout: 50 * time.Millisecond, MaxRows: 10})
	out := rt.Run(context.Background(), `while (true) {}`, map[string]interface{}{})
	require.Equal(t, Timeout, out.Kind)
}

func TestRunSqlErrorFromDbGet(t *testing.T) {
	rt := New(&fakeDB{err: errors.New("only select permitted")}, DefaultConfig())
	out := rt.Run(context.Background(), `db.get("DELETE FROM events"); return msg;`, map[string]interface{}{})
	require.Equal(t, SqlError, out.Kind)
	require.Contains(t, out.Message, "only select permitted")
}

func TestRunDbAllReturnsRows(t *testing.T) {
	rt := New(&fakeDB{rows: []map[string]interface{}{{"id": int64(1)}, {"id": int64(2)}}}, DefaultConfig())
	out := rt.Run(context.Background(), `return db.all("SELECT id FROM events").length;`, map[string]interface{}{})
	require.Equal(t, Ok, out.Kind)
	require.Equal(t, int64(2), toInt64(out.Value))
}

func TestRunCancelledContext(t *testing.T) {
	rt := New(&fakeDB{}, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := rt.Run(ctx, `return msg;`, map[string]interface{}{})
	require.Equal(t, Timeout, out.Kind)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return -1
	}
}
