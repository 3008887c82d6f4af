package mapper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"unsgateway/internal/broker"
	"unsgateway/internal/logging"
	"unsgateway/internal/models"
	"unsgateway/internal/sandbox"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
}

type publishedMessage struct {
	brokerID, topic string
	payload         []byte
}

func (f *fakePublisher) Publish(ctx context.Context, brokerID, topic string, payload []byte, qos byte, retain bool) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{brokerID, topic, payload})
	return nil
}

func (f *fakePublisher) all() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

type fakeHub struct {
	mu        sync.Mutex
	generated int
	snapshots int
}

func (f *fakeHub) BroadcastGenerated(brokerID, topic string, payload []byte, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated++
}

func (f *fakeHub) BroadcastMapperMetrics(snapshot map[string]models.TargetMetrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
}

type nilDB struct{}

func (nilDB) QueryRow(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, bool, error) {
	return nil, false, nil
}
func (nilDB) QueryAll(ctx context.Context, query string, maxRows int, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}

func testEngine(t *testing.T) (*Engine, *fakePublisher, *fakeHub) {
	t.Helper()
	pub := &fakePublisher{}
	hub := &fakeHub{}
	rt := sandbox.New(nilDB{}, sandbox.DefaultConfig())
	e := New(logging.NewLogger(), pub, hub, rt, 0)
	return e, pub, hub
}

func simpleConfig(code string) *models.MapperConfig {
	return &models.MapperConfig{
		ActiveVersionID: "v1",
		Versions: []models.Version{{
			ID: "v1",
			Rules: []models.Rule{{
				SourceTopic: "in/topic",
				Targets: []models.Target{{
					ID:          "t1",
					Enabled:     true,
					OutputTopic: "out/topic",
					Code:        code,
				}},
			}},
		}},
	}
}

func TestHandlePublishesTransformedPayload(t *testing.T) {
	e, pub, hub := testEngine(t)
	require.NoError(t, e.SaveConfig(simpleConfig(`msg.payload.value = msg.payload.value + 1; return msg;`)))

	e.Handle(context.Background(), broker.InboundMessage{
		BrokerID: "b1", Topic: "in/topic", Payload: []byte(`{"value":1}`), Timestamp: time.Now(),
	})

	published := pub.all()
	require.Len(t, published, 1)
	require.Equal(t, "out/topic", published[0].topic)
	require.Equal(t, "b1", published[0].brokerID)
	require.JSONEq(t, `{"value":2}`, string(published[0].payload))
	require.Equal(t, 1, hub.generated)
}

func TestHandleSkipsWhenNoRule(t *testing.T) {
	e, pub, _ := testEngine(t)
	require.NoError(t, e.SaveConfig(simpleConfig(`return msg;`)))

	e.Handle(context.Background(), broker.InboundMessage{
		BrokerID: "b1", Topic: "other/topic", Payload: []byte(`{}`), Timestamp: time.Now(),
	})
	require.Empty(t, pub.all())
}

func TestHandleDisabledTargetDoesNotPublish(t *testing.T) {
	e, pub, _ := testEngine(t)
	cfg := simpleConfig(`return msg;`)
	cfg.Versions[0].Rules[0].Targets[0].Enabled = false
	require.NoError(t, e.SaveConfig(cfg))

	e.Handle(context.Background(), broker.InboundMessage{
		BrokerID: "b1", Topic: "in/topic", Payload: []byte(`{}`), Timestamp: time.Now(),
	})
	require.Empty(t, pub.all())
}

func TestHandleSandboxErrorRecordsLogNoPublish(t *testing.T) {
	e, pub, _ := testEngine(t)
	require.NoError(t, e.SaveConfig(simpleConfig(`throw new Error("bad");`)))

	e.Handle(context.Background(), broker.InboundMessage{
		BrokerID: "b1", Topic: "in/topic", Payload: []byte(`{}`), Timestamp: time.Now(),
	})
	require.Empty(t, pub.all())

	metrics := e.Metrics()
	tm := metrics["in/topic->t1"]
	require.Equal(t, int64(1), tm.Count)
	require.Contains(t, tm.Logs[0].Error, "bad")
}

func TestSaveConfigRejectsDuplicateTargetIDs(t *testing.T) {
	e, _, _ := testEngine(t)
	cfg := simpleConfig(`return msg;`)
	cfg.Versions[0].Rules[0].Targets = append(cfg.Versions[0].Rules[0].Targets, models.Target{
		ID: "t1", Enabled: true, OutputTopic: "out/other", Code: "return msg;",
	})
	err := e.SaveConfig(cfg)
	require.ErrorIs(t, err, ErrDuplicateTargetID)
}

func TestSaveConfigRejectsSparkplugToSparkplug(t *testing.T) {
	e, _, _ := testEngine(t)
	cfg := &models.MapperConfig{
		ActiveVersionID: "v1",
		Versions: []models.Version{{
			ID: "v1",
			Rules: []models.Rule{{
				SourceTopic: "spBv1.0/group/DDATA/node",
				Targets: []models.Target{{
					ID: "t1", Enabled: true, OutputTopic: "spBv1.0/group/DDATA/node2", Code: "return msg;",
				}},
			}},
		}},
	}
	err := e.SaveConfig(cfg)
	require.ErrorIs(t, err, ErrSparkplugToSparkplug)
}

// TestHandleDropsAtHopCeiling simulates a self-looping rule (its own output
// topic feeds back into its source topic) republishing the same unchanged
// payload repeatedly. Since the republished bytes carry no hop marker of
// their own (spec §8 scenario 1: a no-mutation `return msg;` republishes
// unchanged), the engine's hopTracker is what notices the loop and trips
// the ceiling on the third pass.
func TestHandleDropsAtHopCeiling(t *testing.T) {
	e, pub, _ := testEngine(t)
	e.maxHops = 2
	loopCfg := &models.MapperConfig{
		ActiveVersionID: "v1",
		Versions: []models.Version{{
			ID: "v1",
			Rules: []models.Rule{{
				SourceTopic: "loop/topic",
				Targets: []models.Target{{
					ID: "t1", Enabled: true, OutputTopic: "loop/topic", Code: "return msg;",
				}},
			}},
		}},
	}
	require.NoError(t, e.SaveConfig(loopCfg))

	inbound := broker.InboundMessage{
		BrokerID: "b1", Topic: "loop/topic", Payload: []byte(`{"value":1}`), Timestamp: time.Now(),
	}

	e.Handle(context.Background(), inbound)
	e.Handle(context.Background(), inbound)
	e.Handle(context.Background(), inbound)

	published := pub.all()
	require.Len(t, published, 2)
	for _, msg := range published {
		require.JSONEq(t, `{"value":1}`, string(msg.payload))
	}
}
