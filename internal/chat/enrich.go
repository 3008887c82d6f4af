package chat

import (
	"context"
	"fmt"
	"io"

	"unsgateway/internal/llm"
	"unsgateway/internal/models"
)

// Enricher drives a single non-streamed completion from a tripped alert's
// workflow_prompt (spec §4.F: "optionally enriches them with an external
// LLM action"). It satisfies alert.Enricher structurally.
type Enricher struct {
	provider llm.Provider
}

// NewEnricher wraps an llm.Provider for alert analysis.
func NewEnricher(provider llm.Provider) *Enricher {
	return &Enricher{provider: provider}
}

// Enrich runs prompt plus the alert's current state through the LLM and
// returns the accumulated response text.
func (e *Enricher) Enrich(ctx context.Context, prompt string, alert models.Alert) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: "You are analyzing a tripped alert in a factory telemetry gateway. Be concise."},
		{Role: "user", Content: fmt.Sprintf("%s\n\nAlert: rule=%s topic=%s severity=%s trigger=%s", prompt, alert.RuleName, alert.Topic, alert.Severity, string(alert.TriggerValue))},
	}
	stream, err := e.provider.Complete(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var out string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		out += chunk.Content
	}
	return out, nil
}
