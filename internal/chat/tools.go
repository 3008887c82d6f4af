// Package chat implements the gateway's agent surface (spec.md §4.I): a
// tool-call loop against a registered, configurably-enabled tool catalogue,
// streamed to the caller as NDJSON, plus session CRUD.
//
// Adapted from _examples/Livepeer-FrameWorks-monorepo/api_skipper/internal/chat/
// {tools,handler,orchestrator,conversations}.go: the ToolDefinition/
// ToolFunction shape and the tool-registry-as-a-slice pattern come from
// tools.go; the tool-call loop and SSE-writer pattern come from
// handler.go/orchestrator.go (NDJSON chunks replace the teacher's SSE
// framing, per spec §4.I); the session-CRUD-over-*sql.DB shape comes from
// conversations.go.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"unsgateway/internal/broker"
	"unsgateway/internal/mapper"
	"unsgateway/internal/models"
	"unsgateway/internal/sandbox"
	"unsgateway/internal/store"
)

// ToolSpec is one entry in the catalogue: its LLM-facing schema, its
// enablement gate, and its handler.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Enabled     func(cfg ToolConfig) bool
	Handle      func(ctx context.Context, deps *Deps, rawArgs string) (string, error)
}

// ToolConfig mirrors the subset of config.Gateway's LLM_TOOL_ENABLE_* flags
// the catalogue gates on.
type ToolConfig struct {
	Read      bool
	Semantic  bool
	Publish   bool
	Files     bool
	Simulator bool
	Mapper    bool
	Admin     bool
}

// Deps bundles the query-API-equivalent collaborators tool handlers call
// through, "under the same identity as the caller" (spec §4.I step 3).
type Deps struct {
	Store   *store.Store
	Mapper  *mapper.Engine
	Alert   AlertRules
	Brokers *broker.Pool
	Sandbox *sandbox.Runtime
}

// AlertRules is the narrow alert.Engine surface the mapper/admin tools need.
type AlertRules interface {
	Rules() []models.AlertRule
	SetRule(rule models.AlertRule) error
}

func toolParams(properties map[string]interface{}, required []string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Catalogue is the full set of tools this gateway knows how to register.
// Files and Simulator are gated flags with no backing handler: static
// assets and scenario simulators are external collaborators out of scope
// (spec §1 Non-goals), so enabling those flags widens nothing today.
var Catalogue = []ToolSpec{
	{
		Name:        "get_topics",
		Description: "List the most recently seen (broker_id, topic) pairs.",
		Parameters: toolParams(map[string]interface{}{
			"limit": map[string]interface{}{"type": "integer", "description": "Max rows to return (default 50)."},
		}, nil),
		Enabled: func(c ToolConfig) bool { return c.Read },
		Handle:  handleGetTopics,
	},
	{
		Name:        "get_topic_history",
		Description: "Fetch newest-first history for one (broker_id, topic).",
		Parameters: toolParams(map[string]interface{}{
			"broker_id": map[string]interface{}{"type": "string"},
			"topic":     map[string]interface{}{"type": "string"},
			"limit":     map[string]interface{}{"type": "integer", "description": "Default 20, max 1000."},
		}, []string{"broker_id", "topic"}),
		Enabled: func(c ToolConfig) bool { return c.Read },
		Handle:  handleGetTopicHistory,
	},
	{
		Name:        "search_events",
		Description: "Full-text search recent event payloads and topics.",
		Parameters: toolParams(map[string]interface{}{
			"query":     map[string]interface{}{"type": "string"},
			"broker_id": map[string]interface{}{"type": "string"},
		}, []string{"query"}),
		Enabled: func(c ToolConfig) bool { return c.Semantic },
		Handle:  handleSearchEvents,
	},
	{
		Name:        "get_mapper_config",
		Description: "Read the active mapper rule/target configuration.",
		Parameters:  toolParams(map[string]interface{}{}, nil),
		Enabled:     func(c ToolConfig) bool { return c.Mapper },
		Handle:      handleGetMapperConfig,
	},
	{
		Name:        "test_mapper_script",
		Description: "Run a target's transform script against a sample message without publishing.",
		Parameters: toolParams(map[string]interface{}{
			"code":    map[string]interface{}{"type": "string", "description": "Script body, same language as a mapper target's code field."},
			"payload": map[string]interface{}{"type": "string", "description": "JSON-encoded sample msg.payload."},
		}, []string{"code"}),
		Enabled: func(c ToolConfig) bool { return c.Mapper },
		Handle:  handleTestMapperScript,
	},
	{
		Name:        "publish_message",
		Description: "Publish a message to a broker, subject to that broker's publish allow-list.",
		Parameters: toolParams(map[string]interface{}{
			"broker_id": map[string]interface{}{"type": "string"},
			"topic":     map[string]interface{}{"type": "string"},
			"payload":   map[string]interface{}{"type": "string"},
			"qos":       map[string]interface{}{"type": "integer"},
			"retain":    map[string]interface{}{"type": "boolean"},
		}, []string{"broker_id", "topic", "payload"}),
		Enabled: func(c ToolConfig) bool { return c.Publish },
		Handle:  handlePublishMessage,
	},
	{
		Name:        "list_alert_rules",
		Description: "List all configured alert rules.",
		Parameters:  toolParams(map[string]interface{}{}, nil),
		Enabled:     func(c ToolConfig) bool { return c.Admin },
		Handle:      handleListAlertRules,
	},
}

// Enabled returns the catalogue entries whose gate flag is set.
func Enabled(cfg ToolConfig) []ToolSpec {
	out := make([]ToolSpec, 0, len(Catalogue))
	for _, t := range Catalogue {
		if t.Enabled(cfg) {
			out = append(out, t)
		}
	}
	return out
}

func lookup(name string) (ToolSpec, bool) {
	for _, t := range Catalogue {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSpec{}, false
}

type getTopicsArgs struct {
	Limit int `json:"limit"`
}

func handleGetTopics(ctx context.Context, deps *Deps, rawArgs string) (string, error) {
	var args getTopicsArgs
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if args.Limit <= 0 || args.Limit > 1000 {
		args.Limit = 50
	}
	events, err := deps.Store.Range(ctx, time.Time{}, time.Now(), "", 0)
	if err != nil {
		return "", err
	}
	type topicPair struct {
		BrokerID string `json:"broker_id"`
		Topic    string `json:"topic"`
	}
	seen := map[topicPair]bool{}
	pairs := make([]topicPair, 0, args.Limit)
	for i := len(events) - 1; i >= 0 && len(pairs) < args.Limit; i-- {
		p := topicPair{BrokerID: events[i].BrokerID, Topic: events[i].Topic}
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	return marshal(pairs)
}

type topicHistoryArgs struct {
	BrokerID string `json:"broker_id"`
	Topic    string `json:"topic"`
	Limit    int    `json:"limit"`
}

func handleGetTopicHistory(ctx context.Context, deps *Deps, rawArgs string) (string, error) {
	var args topicHistoryArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Limit <= 0 || args.Limit > 1000 {
		args.Limit = 20
	}
	events, err := deps.Store.GetHistory(ctx, args.BrokerID, args.Topic, args.Limit)
	if err != nil {
		return "", err
	}
	return marshal(events)
}

type searchArgs struct {
	Query    string `json:"query"`
	BrokerID string `json:"broker_id"`
}

func handleSearchEvents(ctx context.Context, deps *Deps, rawArgs string) (string, error) {
	var args searchArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if len(args.Query) < 2 {
		return "", errors.New("query must be at least 2 characters")
	}
	events, err := deps.Store.SearchFulltext(ctx, args.Query, args.BrokerID, nil, nil)
	if err != nil {
		return "", err
	}
	return marshal(events)
}

func handleGetMapperConfig(ctx context.Context, deps *Deps, rawArgs string) (string, error) {
	return marshal(deps.Mapper.Config())
}

type testScriptArgs struct {
	Code    string `json:"code"`
	Payload string `json:"payload"`
}

func handleTestMapperScript(ctx context.Context, deps *Deps, rawArgs string) (string, error) {
	var args testScriptArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	var payload interface{}
	if args.Payload != "" {
		if err := json.Unmarshal([]byte(args.Payload), &payload); err != nil {
			return "", fmt.Errorf("invalid payload: %w", err)
		}
	}
	msg := map[string]interface{}{"topic": "", "payload": payload}
	outcome := deps.Sandbox.Run(ctx, args.Code, msg)
	return marshal(map[string]interface{}{"kind": outcome.Kind, "value": outcome.Value, "message": outcome.Message})
}

type publishArgs struct {
	BrokerID string `json:"broker_id"`
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Qos      int    `json:"qos"`
	Retain   bool   `json:"retain"`
}

func handlePublishMessage(ctx context.Context, deps *Deps, rawArgs string) (string, error) {
	var args publishArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if err := deps.Brokers.Publish(ctx, args.BrokerID, args.Topic, []byte(args.Payload), byte(args.Qos), args.Retain); err != nil {
		return "", err
	}
	return `{"published":true}`, nil
}

func handleListAlertRules(ctx context.Context, deps *Deps, rawArgs string) (string, error) {
	return marshal(deps.Alert.Rules())
}

func marshal(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
