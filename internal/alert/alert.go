// Package alert implements the conditional alerting pipeline (spec §4.F):
// pattern-matched rules evaluated in the sandbox against every inbound
// event, debounced alert creation, operator-driven status transitions, and
// webhook fan-out.
//
// The teacher has no alerting engine to ground this on directly; its
// closest analogue is pkg/monitoring's HealthChecker (named checks,
// aggregated into a status), generalized here into named rules matched by
// topic pattern instead of a fixed check set. Debounce/dedup and the
// record-level transition lock follow the same "single in-memory
// authoritative map behind a mutex" shape the teacher uses for its hub's
// client registry (api_realtime/internal/websocket/hub.go).
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"unsgateway/internal/broker"
	"unsgateway/internal/codec"
	"unsgateway/internal/logging"
	"unsgateway/internal/models"
	"unsgateway/internal/sandbox"
	"unsgateway/internal/topicmatch"
)

// ErrIllegalTransition is returned by SetStatus for a forbidden status
// change (spec §4.F: "the resolved -> * transition is forbidden").
var ErrIllegalTransition = fmt.Errorf("alert: illegal status transition")

// defaultDebounce matches spec.md §4.F's stated default.
const defaultDebounce = 60 * time.Second

// HubNotifier is the narrow broadcast-hub surface the alert engine needs.
type HubNotifier interface {
	BroadcastAlertsUpdated()
}

// Enricher runs the workflow-prompt enrichment task (spec §4.F / §4.I) and
// returns the resulting analysis text. Wired to the chat/LLM surface.
type Enricher interface {
	Enrich(ctx context.Context, prompt string, alert models.Alert) (string, error)
}

type compiledRule struct {
	rule    models.AlertRule
	matcher *topicmatch.Matcher
}

// Engine is the alert engine.
type Engine struct {
	logger   logging.Logger
	hub      HubNotifier
	sandbox  *sandbox.Runtime
	enricher Enricher
	debounce time.Duration
	httpc    *http.Client

	mu    sync.RWMutex
	rules map[string]*compiledRule

	alertsMu sync.Mutex
	alerts   map[string]*models.Alert // by id
	byKey    map[string]string        // "(rule_id, topic)" -> latest alert id
}

// New builds an Engine with no rules configured.
func New(logger logging.Logger, hub HubNotifier, rt *sandbox.Runtime, enricher Enricher, debounce time.Duration) *Engine {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Engine{
		logger:   logger,
		hub:      hub,
		sandbox:  rt,
		enricher: enricher,
		debounce: debounce,
		httpc:    &http.Client{Timeout: 5 * time.Second},
		rules:    map[string]*compiledRule{},
		alerts:   map[string]*models.Alert{},
		byKey:    map[string]string{},
	}
}

// SetRule installs or replaces an alert rule.
func (e *Engine) SetRule(rule models.AlertRule) error {
	m, err := topicmatch.Compile(rule.TopicPattern)
	if err != nil {
		return fmt.Errorf("alert: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = &compiledRule{rule: rule, matcher: m}
	return nil
}

// DeleteRule removes an alert rule.
func (e *Engine) DeleteRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
}

// Rules returns every configured alert rule.
func (e *Engine) Rules() []models.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.rule)
	}
	return out
}

// Alerts returns every alert, newest first.
func (e *Engine) Alerts() []models.Alert {
	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()
	out := make([]models.Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, *a)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Handle is invoked once per inbound event from the broker-pool fan-out
// (spec §4.F).
func (e *Engine) Handle(ctx context.Context, m broker.InboundMessage) {
	e.mu.RLock()
	candidates := make([]*compiledRule, 0)
	for _, r := range e.rules {
		if r.matcher.Match(m.Topic) {
			candidates = append(candidates, r)
		}
	}
	e.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	payload := codec.Decode(m.Topic, m.Payload)
	msg := map[string]interface{}{
		"topic":     m.Topic,
		"broker_id": m.BrokerID,
		"payload":   payloadToJS(payload),
	}

	for _, c := range candidates {
		outcome := e.sandbox.Run(ctx, c.rule.ConditionCode, msg)
		if outcome.Kind != sandbox.Ok {
			if outcome.Kind != sandbox.Skipped {
				e.logger.WithFields(logging.Fields{"rule_id": c.rule.ID, "kind": outcome.Kind}).Warn("alert condition failed")
			}
			continue
		}
		truthy, _ := outcome.Value.(bool)
		if !truthy {
			continue
		}
		e.trip(ctx, c.rule, m)
	}
}

func (e *Engine) trip(ctx context.Context, rule models.AlertRule, m broker.InboundMessage) {
	key := rule.ID + "|" + m.Topic

	e.alertsMu.Lock()
	if existingID, ok := e.byKey[key]; ok {
		if existing, ok := e.alerts[existingID]; ok {
			inDebounceWindow := time.Since(existing.CreatedAt) < e.debounce
			stillOpen := existing.Status == models.AlertStatusNew || existing.Status == models.AlertStatusAnalyzing || existing.Status == models.AlertStatusAcknowledged
			if inDebounceWindow && stillOpen {
				existing.TriggerValue = m.Payload
				existing.UpdatedAt = time.Now().UTC()
				e.alertsMu.Unlock()
				e.hub.BroadcastAlertsUpdated()
				return
			}
		}
	}

	now := time.Now().UTC()
	a := &models.Alert{
		ID:           "alert_" + uuid.NewString(),
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Topic:        m.Topic,
		TriggerValue: m.Payload,
		Severity:     rule.Severity,
		Status:       models.AlertStatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.alerts[a.ID] = a
	e.byKey[key] = a.ID
	e.alertsMu.Unlock()

	e.hub.BroadcastAlertsUpdated()

	if rule.Notifications.Webhook != "" {
		go e.postWebhook(rule.Notifications.Webhook, *a)
	}
	if rule.WorkflowPrompt != "" {
		go e.enrich(rule.WorkflowPrompt, a.ID)
	}
}

func (e *Engine) postWebhook(url string, a models.Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		e.logger.WithFields(logging.Fields{"alert_id": a.ID, "error": err.Error()}).Error("webhook marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		e.logger.WithFields(logging.Fields{"alert_id": a.ID, "error": err.Error()}).Error("webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpc.Do(req)
	if err != nil {
		// spec §4.F: webhook failures are logged but not retried.
		e.logger.WithFields(logging.Fields{"alert_id": a.ID, "error": err.Error()}).Warn("webhook delivery failed")
		return
	}
	_ = resp.Body.Close()
}

func (e *Engine) enrich(prompt, alertID string) {
	e.alertsMu.Lock()
	a, ok := e.alerts[alertID]
	if !ok {
		e.alertsMu.Unlock()
		return
	}
	a.Status = models.AlertStatusAnalyzing
	a.UpdatedAt = time.Now().UTC()
	snapshot := *a
	e.alertsMu.Unlock()
	e.hub.BroadcastAlertsUpdated()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	result, err := e.enricher.Enrich(ctx, prompt, snapshot)

	e.alertsMu.Lock()
	a, ok = e.alerts[alertID]
	if !ok {
		e.alertsMu.Unlock()
		return
	}
	if err != nil {
		a.AnalysisResult = "enrichment failed: " + err.Error()
	} else {
		a.AnalysisResult = result
	}
	if a.Status == models.AlertStatusAnalyzing {
		a.Status = models.AlertStatusNew
	} else if a.Status != models.AlertStatusResolved {
		a.Status = models.AlertStatusAcknowledged
	}
	a.UpdatedAt = time.Now().UTC()
	e.alertsMu.Unlock()
	e.hub.BroadcastAlertsUpdated()
}

// SetStatus applies an operator-driven status transition (spec §4.F).
func (e *Engine) SetStatus(id string, next models.AlertStatus, handledBy string) error {
	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()

	a, ok := e.alerts[id]
	if !ok {
		return fmt.Errorf("alert: %s: %w", id, ErrNotFound)
	}
	if !a.CanTransitionTo(next) {
		return ErrIllegalTransition
	}
	a.Status = next
	a.UpdatedAt = time.Now().UTC()
	a.HandledBy = handledBy
	e.hub.BroadcastAlertsUpdated()
	return nil
}

// ErrNotFound is returned when an alert id is unknown.
var ErrNotFound = fmt.Errorf("alert: not found")

func payloadToJS(p codec.Payload) interface{} {
	switch p.Kind {
	case codec.KindJSON:
		return p.JSON
	case codec.KindSparkplugB:
		if p.Sparkplug == nil {
			return nil
		}
		metrics := make([]map[string]interface{}, len(p.Sparkplug.Metrics))
		for i, m := range p.Sparkplug.Metrics {
			metrics[i] = map[string]interface{}{"name": m.Name, "type": m.Type, "value": m.Value}
		}
		return map[string]interface{}{"timestamp": p.Sparkplug.Timestamp, "seq": p.Sparkplug.Seq, "metrics": metrics}
	default:
		return string(p.Raw)
	}
}
