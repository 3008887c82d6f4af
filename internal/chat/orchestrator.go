package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"unsgateway/internal/llm"
	"unsgateway/internal/logging"
	"unsgateway/internal/models"
)

const defaultStepCeiling = 8

// Chunk is one NDJSON line streamed to the caller (spec §4.I step 4).
type Chunk struct {
	Type    string `json:"type"` // status|tool_start|tool_result|message|error
	Content string `json:"content,omitempty"`
	ID      string `json:"id"`
}

// Orchestrator runs the tool-call loop against a Provider and a configured
// tool catalogue.
type Orchestrator struct {
	logger      logging.Logger
	provider    llm.Provider
	stepCeiling int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewOrchestrator builds an Orchestrator with the given step ceiling
// (<=0 defaults to 8, per spec §4.I).
func NewOrchestrator(logger logging.Logger, provider llm.Provider, stepCeiling int) *Orchestrator {
	if stepCeiling <= 0 {
		stepCeiling = defaultStepCeiling
	}
	return &Orchestrator{
		logger:      logger,
		provider:    provider,
		stepCeiling: stepCeiling,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Stop aborts the in-flight stream for clientID, if any (spec §4.I step 5,
// the `/chat/stop` endpoint). Returns false if no stream was running.
func (o *Orchestrator) Stop(clientID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[clientID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) register(clientID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[clientID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(clientID string) {
	o.mu.Lock()
	delete(o.cancels, clientID)
	o.mu.Unlock()
}

// Sink receives NDJSON chunks as the turn progresses.
type Sink interface {
	Send(Chunk) error
}

// Run executes one full turn: it appends userMessage to the session,
// drives the tool-call loop against the enabled catalogue, and streams
// progress to sink. The final session state (including all tool turns and
// the assistant's reply) is persisted via store before Run returns.
func (o *Orchestrator) Run(ctx context.Context, clientID string, store SessionStore, deps *Deps, cfg ToolConfig, sess *models.ChatSession, userMessage string, sink Sink) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.register(clientID, cancel)
	defer func() {
		cancel()
		o.unregister(clientID)
	}()
	return o.run(runCtx, store, deps, cfg, sess, userMessage, sink)
}

func (o *Orchestrator) run(ctx context.Context, sessionStore SessionStore, deps *Deps, cfg ToolConfig, sess *models.ChatSession, userMessage string, sink Sink) error {
	userMsg := models.ChatMessage{Role: models.RoleUser, Content: userMessage}
	if err := sessionStore.Append(ctx, sess.SessionID, userMsg); err != nil {
		return err
	}
	sess.Messages = append(sess.Messages, userMsg)

	enabled := Enabled(cfg)
	tools := make([]llm.Tool, 0, len(enabled))
	for _, t := range enabled {
		tools = append(tools, llm.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	for step := 0; step < o.stepCeiling; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = sink.Send(Chunk{Type: "status", Content: "thinking", ID: uuid.New().String()})

		stream, err := o.provider.Complete(ctx, toLLMMessages(sess.Messages), tools)
		if err != nil {
			_ = sink.Send(Chunk{Type: "error", Content: err.Error(), ID: uuid.New().String()})
			return err
		}

		var content string
		var toolCalls []llm.ToolCall
		for {
			chunk, recvErr := stream.Recv()
			if recvErr == io.EOF {
				break
			}
			if recvErr != nil {
				_ = stream.Close()
				_ = sink.Send(Chunk{Type: "error", Content: recvErr.Error(), ID: uuid.New().String()})
				return recvErr
			}
			if chunk.Content != "" {
				content += chunk.Content
				_ = sink.Send(Chunk{Type: "message", Content: chunk.Content, ID: uuid.New().String()})
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = chunk.ToolCalls
			}
		}
		_ = stream.Close()

		if len(toolCalls) == 0 {
			assistantMsg := models.ChatMessage{Role: models.RoleAssistant, Content: content}
			if err := sessionStore.Append(ctx, sess.SessionID, assistantMsg); err != nil {
				return err
			}
			sess.Messages = append(sess.Messages, assistantMsg)
			return nil
		}

		modelToolCalls := make([]models.ToolCall, 0, len(toolCalls))
		for _, tc := range toolCalls {
			modelToolCalls = append(modelToolCalls, models.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		assistantMsg := models.ChatMessage{Role: models.RoleAssistant, Content: content, ToolCalls: modelToolCalls}
		if err := sessionStore.Append(ctx, sess.SessionID, assistantMsg); err != nil {
			return err
		}
		sess.Messages = append(sess.Messages, assistantMsg)

		for _, tc := range toolCalls {
			_ = sink.Send(Chunk{Type: "tool_start", Content: tc.Name, ID: tc.ID})

			spec, ok := lookup(tc.Name)
			var result string
			if !ok {
				result = `{"error":"unknown tool"}`
			} else if !spec.Enabled(cfg) {
				result = `{"error":"tool disabled"}`
			} else {
				out, err := spec.Handle(ctx, deps, tc.Arguments)
				if err != nil {
					if o.logger != nil {
						o.logger.WithError(err).WithFields(logging.Fields{"tool": tc.Name}).Warn("chat tool invocation failed")
					}
					result = toErrorJSON(err)
				} else {
					result = out
				}
			}

			_ = sink.Send(Chunk{Type: "tool_result", Content: result, ID: tc.ID})

			toolMsg := models.ChatMessage{Role: models.RoleTool, Content: result, ToolCallID: tc.ID, Name: tc.Name}
			if err := sessionStore.Append(ctx, sess.SessionID, toolMsg); err != nil {
				return err
			}
			sess.Messages = append(sess.Messages, toolMsg)
		}
	}

	_ = sink.Send(Chunk{Type: "error", Content: "tool-call step ceiling reached", ID: uuid.New().String()})
	return errors.New("chat: step ceiling reached")
}

func toLLMMessages(msgs []models.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{Role: string(m.Role), Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, lm)
	}
	return out
}

func toErrorJSON(err error) string {
	b, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return `{"error":"tool failed"}`
	}
	return string(b)
}
