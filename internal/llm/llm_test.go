package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func TestCompleteStreamsContentChunks(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"hel"},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
		`[DONE]`,
	})
	defer srv.Close()

	p, err := NewProvider(Config{Model: "gpt-test", APIURL: srv.URL})
	require.NoError(t, err)

	stream, err := p.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)
	defer stream.Close()

	var content string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content += chunk.Content
	}
	require.Equal(t, "hello", content)
}

func TestCompleteAccumulatesToolCalls(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","index":0,"function":{"name":"get_topics","arguments":"{\"lim"}}]},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","index":0,"function":{"arguments":"it\":5}"}}]},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	})
	defer srv.Close()

	p, err := NewProvider(Config{Model: "gpt-test", APIURL: srv.URL})
	require.NoError(t, err)

	stream, err := p.Complete(context.Background(), nil, []Tool{{Name: "get_topics"}})
	require.NoError(t, err)
	defer stream.Close()

	var calls []ToolCall
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		calls = append(calls, chunk.ToolCalls...)
	}
	require.Len(t, calls, 1)
	require.Equal(t, "get_topics", calls[0].Name)
	require.Equal(t, `{"limit":5}`, calls[0].Arguments)
}

func TestNewProviderRejectsEmptyModel(t *testing.T) {
	_, err := NewProvider(Config{})
	require.Error(t, err)
}

func TestCompleteReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	p, err := NewProvider(Config{Model: "gpt-test", APIURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), nil, nil)
	require.Error(t, err)
}
