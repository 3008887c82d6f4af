package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"unsgateway/internal/logging"
	"unsgateway/internal/models"
	"unsgateway/internal/store"
	"unsgateway/internal/topicmatch"
)

type fakeEventSource struct {
	history []models.Event
	ranged  []models.Event
	stats   store.Stats
	err     error
}

func (f *fakeEventSource) GetHistory(ctx context.Context, brokerID, topic string, limit int) ([]models.Event, error) {
	return f.history, f.err
}

func (f *fakeEventSource) Range(ctx context.Context, start, end time.Time, pattern string, limit int) ([]models.Event, error) {
	return f.ranged, f.err
}

func (f *fakeEventSource) Stats(ctx context.Context) (store.Stats, error) {
	return f.stats, f.err
}

type fakeConfigSource struct {
	cfg *models.MapperConfig
}

func (f *fakeConfigSource) Config() *models.MapperConfig { return f.cfg }

func newTestClient() *Client {
	return &Client{send: make(chan []byte, outboxSize)}
}

func TestDispatchFiltersByClientSubscription(t *testing.T) {
	h := New(logging.NewLogger(), &fakeEventSource{}, &fakeConfigSource{})
	matched := newTestClient()
	matched.filter = topicmatch.MustCompile("plant/+/temp")
	unmatched := newTestClient()
	unmatched.filter = topicmatch.MustCompile("other/#")

	h.clients[matched] = true
	h.clients[unmatched] = true

	h.dispatch(outboundEvent{brokerID: "b1", topic: "plant/a/temp", payload: []byte(`{"v":1}`), timestamp: time.Now()})

	select {
	case body := <-matched.send:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &m))
		require.Equal(t, "event", m["type"])
		require.Equal(t, "plant/a/temp", m["topic"])
	default:
		t.Fatal("expected matched client to receive the event")
	}

	select {
	case <-unmatched.send:
		t.Fatal("unmatched client should not receive the event")
	default:
	}
}

func TestDispatchMarksGeneratedEvents(t *testing.T) {
	h := New(logging.NewLogger(), &fakeEventSource{}, &fakeConfigSource{})
	c := newTestClient()
	h.clients[c] = true

	h.dispatch(outboundEvent{brokerID: "b1", topic: "u/v/w", payload: []byte(`1`), timestamp: time.Now(), generated: true})

	body := <-c.send
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &m))
	require.Equal(t, true, m["generated"])
}

func TestDispatchDisconnectsOnFullOutbox(t *testing.T) {
	h := New(logging.NewLogger(), &fakeEventSource{}, &fakeConfigSource{})
	c := newTestClient()
	h.clients[c] = true

	for i := 0; i < outboxSize; i++ {
		c.send <- []byte("x")
	}

	h.dispatch(outboundEvent{brokerID: "b1", topic: "a/b", payload: []byte("1"), timestamp: time.Now()})

	_, stillPresent := h.clients[c]
	require.False(t, stillPresent)
}

func TestBroadcastAlertsUpdatedReachesAllClients(t *testing.T) {
	h := New(logging.NewLogger(), &fakeEventSource{}, &fakeConfigSource{})
	c1, c2 := newTestClient(), newTestClient()
	h.clients[c1] = true
	h.clients[c2] = true

	h.BroadcastAlertsUpdated()

	for _, c := range []*Client{c1, c2} {
		body := <-c.send
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &m))
		require.Equal(t, "alerts-updated", m["type"])
	}
}

func TestSendInitialBatchIncludesStatusConfigAndHistory(t *testing.T) {
	es := &fakeEventSource{
		ranged: []models.Event{{Topic: "a/b", Payload: []byte(`1`)}},
		stats:  store.Stats{TotalRows: 5, Bytes: 100},
	}
	cs := &fakeConfigSource{cfg: &models.MapperConfig{ActiveVersionID: "v1"}}
	h := New(logging.NewLogger(), es, cs)
	c := newTestClient()

	h.sendInitialBatch(context.Background(), c)

	var types []string
	for len(c.send) > 0 {
		body := <-c.send
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &m))
		types = append(types, m["type"].(string))
	}
	require.ElementsMatch(t, []string{"db-status", "mapper-config", "history-batch"}, types)
}

func TestHandleRequestSubscribeSetsFilter(t *testing.T) {
	h := New(logging.NewLogger(), &fakeEventSource{}, &fakeConfigSource{})
	c := newTestClient()
	c.hub = h

	c.handleRequest(context.Background(), inboundRequest{Type: "subscribe", Filter: "plant/+/temp"})
	require.NotNil(t, c.filter)
	require.True(t, c.filter.Match("plant/a/temp"))
}

func TestHandleRequestGetTopicHistory(t *testing.T) {
	es := &fakeEventSource{history: []models.Event{{Topic: "a/b", Payload: []byte(`1`)}}}
	h := New(logging.NewLogger(), es, &fakeConfigSource{})
	c := newTestClient()
	c.hub = h

	c.handleRequest(context.Background(), inboundRequest{Type: "get-topic-history", Topic: "a/b"})

	body := <-c.send
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &m))
	require.Equal(t, "get-topic-history-data", m["type"])
}

func TestHandleRequestGetHistoryRangeRequiresBounds(t *testing.T) {
	h := New(logging.NewLogger(), &fakeEventSource{}, &fakeConfigSource{})
	c := newTestClient()
	c.hub = h

	c.handleRequest(context.Background(), inboundRequest{Type: "get-history-range"})

	body := <-c.send
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &m))
	require.Equal(t, "error", m["type"])
}

func TestHandleRequestUnknownType(t *testing.T) {
	h := New(logging.NewLogger(), &fakeEventSource{}, &fakeConfigSource{})
	c := newTestClient()
	c.hub = h

	c.handleRequest(context.Background(), inboundRequest{Type: "bogus"})

	body := <-c.send
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &m))
	require.Equal(t, "error", m["type"])
}
