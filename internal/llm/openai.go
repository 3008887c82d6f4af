package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// chatProvider talks to a single OpenAI-compatible chat-completions
// endpoint, configured via LLM_API_URL/LLM_API_KEY/LLM_MODEL.
type chatProvider struct {
	client    *http.Client
	apiKey    string
	apiURL    string
	model     string
	maxTokens int
}

// NewProvider builds the gateway's LLM client from its configuration.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	return &chatProvider{
		client:    &http.Client{Timeout: 60 * time.Second},
		apiKey:    cfg.APIKey,
		apiURL:    apiURL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (p *chatProvider) Complete(ctx context.Context, messages []Message, tools []Tool) (Stream, error) {
	reqBody := chatRequest{
		Model:     p.model,
		Messages:  messages,
		Stream:    true,
		MaxTokens: p.maxTokens,
	}
	if len(tools) > 0 {
		reqBody.Tools = make([]chatTool, 0, len(tools))
		for _, tool := range tools {
			reqBody.Tools = append(reqBody.Tools, chatTool{Type: "function", Function: chatFunction(tool)})
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, p.client, func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/chat/completions", bytes.NewReader(payload))
		if reqErr != nil {
			return nil, fmt.Errorf("llm: create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llm: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return newSSEStream(resp, newChunkDecoder()), nil
}

type chatRequest struct {
	Model     string     `json:"model"`
	Messages  []Message  `json:"messages"`
	Stream    bool       `json:"stream"`
	MaxTokens int        `json:"max_tokens,omitempty"`
	Tools     []chatTool `json:"tools,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Index    int              `json:"index"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func newChunkDecoder() func([]byte) (Chunk, error) {
	acc := make(map[string]*ToolCall)

	return func(data []byte) (Chunk, error) {
		var payload chatStreamResponse
		if err := json.Unmarshal(data, &payload); err != nil {
			return Chunk{}, fmt.Errorf("llm: decode chunk: %w", err)
		}
		if len(payload.Choices) == 0 {
			return Chunk{}, nil
		}

		choice := payload.Choices[0]
		chunk := Chunk{Content: choice.Delta.Content}

		for _, call := range choice.Delta.ToolCalls {
			key := call.ID
			if key == "" {
				key = fmt.Sprintf("index_%d", call.Index)
			}
			tc := acc[key]
			if tc == nil {
				tc = &ToolCall{ID: call.ID}
				acc[key] = tc
			}
			if call.Function.Name != "" {
				tc.Name = call.Function.Name
			}
			tc.Arguments += call.Function.Arguments
		}

		if choice.FinishReason != nil && *choice.FinishReason == "tool_calls" {
			chunk.ToolCalls = make([]ToolCall, 0, len(acc))
			for _, tc := range acc {
				chunk.ToolCalls = append(chunk.ToolCalls, *tc)
			}
			clear(acc)
		}

		return chunk, nil
	}
}
