package chat

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"unsgateway/internal/llm"
	"unsgateway/internal/mapper"
	"unsgateway/internal/models"
)

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, brokerID, topic string, payload []byte, qos byte, retain bool) error {
	return nil
}

type noopHub struct{}

func (noopHub) BroadcastGenerated(brokerID, topic string, payload []byte, ts time.Time) {}
func (noopHub) BroadcastMapperMetrics(snapshot map[string]models.TargetMetrics)         {}

func testMapperEngine(t *testing.T) *mapper.Engine {
	t.Helper()
	return mapper.New(nil, noopPublisher{}, noopHub{}, nil, 4)
}

type fakeStream struct {
	chunks []llm.Chunk
	i      int
}

func (s *fakeStream) Recv() (llm.Chunk, error) {
	if s.i >= len(s.chunks) {
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}
func (s *fakeStream) Close() error { return nil }

type fakeProvider struct {
	rounds [][]llm.Chunk
	i      int
}

func (p *fakeProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Stream, error) {
	round := p.rounds[p.i]
	p.i++
	return &fakeStream{chunks: round}, nil
}

type recordingSink struct{ chunks []Chunk }

func (s *recordingSink) Send(c Chunk) error {
	s.chunks = append(s.chunks, c)
	return nil
}

func TestOrchestratorRunsToolCallLoop(t *testing.T) {
	provider := &fakeProvider{rounds: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "get_mapper_config", Arguments: "{}"}}}},
		{{Content: "done"}},
	}}
	orch := NewOrchestrator(nil, provider, 4)

	sessions := NewMemorySessionStore()
	sess, err := sessions.Create(context.Background(), "u1")
	require.NoError(t, err)

	deps := &Deps{Mapper: testMapperEngine(t)}
	cfg := ToolConfig{Mapper: true}

	sink := &recordingSink{}
	err = orch.Run(context.Background(), "client-1", sessions, deps, cfg, sess, "show me the config", sink)
	require.NoError(t, err)

	var sawToolResult bool
	for _, c := range sink.chunks {
		if c.Type == "tool_result" {
			sawToolResult = true
		}
	}
	require.True(t, sawToolResult)

	final, err := sessions.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	require.True(t, len(final.Messages) >= 3)
	require.Equal(t, models.RoleAssistant, final.Messages[len(final.Messages)-1].Role)
}

func TestOrchestratorStopUnknownClientReturnsFalse(t *testing.T) {
	orch := NewOrchestrator(nil, &fakeProvider{}, 4)
	require.False(t, orch.Stop("unknown"))
}

func TestMemorySessionStoreCRUD(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	sess, err := store.Create(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, sess.SessionID, models.ChatMessage{Role: models.RoleUser, Content: "hi"}))

	got, err := store.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)

	all, err := store.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, sess.SessionID))
	_, err = store.Get(ctx, sess.SessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEnabledFiltersCatalogueByConfig(t *testing.T) {
	readOnly := Enabled(ToolConfig{Read: true})
	require.Len(t, readOnly, 2) // get_topics, get_topic_history

	everything := Enabled(ToolConfig{Read: true, Semantic: true, Mapper: true, Publish: true, Admin: true})
	require.Len(t, everything, len(Catalogue))
}

func TestEnricherAccumulatesStreamedContent(t *testing.T) {
	provider := &fakeProvider{rounds: [][]llm.Chunk{
		{{Content: "looks "}, {Content: "fine"}},
	}}
	enricher := NewEnricher(provider)
	out, err := enricher.Enrich(context.Background(), "analyze", models.Alert{RuleName: "r1", Topic: "t"})
	require.NoError(t, err)
	require.Equal(t, "looks fine", out)
}
