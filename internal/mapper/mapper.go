// Package mapper implements the rule-driven transformation engine (spec
// §4.E): for each inbound event, look up the rule bound to its exact topic,
// run every enabled target's code in the sandbox, and republish whatever
// each target returns.
//
// The versioned-config-with-atomic-swap shape follows the single-writer/
// many-reader discipline the teacher uses for its mapper_config equivalent
// (pkg/server's graceful-shutdown snapshot pattern generalizes the same
// way: readers take a pointer load, writers build a new value and swap it
// atomically). Per-target counters and the throttled metrics emission are
// grounded on pkg/monitoring's MetricsCollector shape, swapping Prometheus
// gauges for the per-target ring-buffer this spec calls for.
package mapper

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"unsgateway/internal/broker"
	"unsgateway/internal/codec"
	"unsgateway/internal/logging"
	"unsgateway/internal/models"
	"unsgateway/internal/sandbox"
	"unsgateway/internal/topicmatch"
)

// maxHopDefault is the default mapper_hop ceiling (spec §4.E, §9 Open
// Question, resolved as 4 in SPEC_FULL.md's "Supplemented features").
const maxHopDefault = 4

// ErrDuplicateTargetID is returned by SaveConfig when a rule would end up
// with two targets sharing an ID (spec §4.E rule-write semantics).
var ErrDuplicateTargetID = fmt.Errorf("mapper: duplicate target id within a rule")

// ErrSparkplugToSparkplug is returned by SaveConfig when a target would
// decode Sparkplug-B input and re-encode Sparkplug-B output (spec §4.E
// cycle-prevention note: relies on this prohibition instead of cycle
// detection).
var ErrSparkplugToSparkplug = fmt.Errorf("mapper: sparkplug-b to sparkplug-b targets are not permitted")

// Publisher is the narrow broker-pool surface the mapper needs.
type Publisher interface {
	Publish(ctx context.Context, brokerID, topic string, payload []byte, qos byte, retain bool) error
}

// HubNotifier is the narrow broadcast-hub surface the mapper needs, for
// the "generated" marker and metrics snapshots (spec §4.E step 2.c, 3).
type HubNotifier interface {
	BroadcastGenerated(brokerID, topic string, payload []byte, ts time.Time)
	BroadcastMapperMetrics(snapshot map[string]models.TargetMetrics)
}

// Engine is the mapper engine.
type Engine struct {
	logger    logging.Logger
	publisher Publisher
	hub       HubNotifier
	sandbox   *sandbox.Runtime
	maxHops   int
	hops      *hopTracker

	snapshot atomic.Pointer[models.MapperConfig]

	metricsMu sync.Mutex
	metrics   map[models.MetricKey]*models.TargetMetrics

	lastEmitMu sync.Mutex
	lastEmit   map[models.MetricKey]time.Time

	invocations *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// New builds a mapper Engine with an empty config.
func New(logger logging.Logger, publisher Publisher, hub HubNotifier, rt *sandbox.Runtime, maxHops int) *Engine {
	if maxHops <= 0 {
		maxHops = maxHopDefault
	}
	e := &Engine{
		logger:    logger,
		publisher: publisher,
		hub:       hub,
		sandbox:   rt,
		maxHops:   maxHops,
		hops:      newHopTracker(4096),
		metrics:   map[models.MetricKey]*models.TargetMetrics{},
		lastEmit:  map[models.MetricKey]time.Time{},
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unsgateway_mapper_target_invocations_total",
			Help: "Total mapper target invocations.",
		}, []string{"source_topic", "target_id"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unsgateway_mapper_target_errors_total",
			Help: "Total mapper target invocation errors.",
		}, []string{"source_topic", "target_id", "kind"}),
	}
	e.snapshot.Store(&models.MapperConfig{})
	return e
}

// Collectors exposes the engine's Prometheus collectors for registration.
func (e *Engine) Collectors() []prometheus.Collector {
	return []prometheus.Collector{e.invocations, e.errors}
}

// Config returns the currently active config snapshot.
func (e *Engine) Config() *models.MapperConfig {
	return e.snapshot.Load()
}

// SaveConfig atomically replaces the active config after validating rule
// invariants (spec §4.E rule-write semantics). In-flight invocations keep
// running against the old snapshot; the swap is only visible to
// invocations started afterward.
func (e *Engine) SaveConfig(cfg *models.MapperConfig) error {
	active, ok := cfg.ActiveVersion()
	if !ok {
		return fmt.Errorf("mapper: active_version_id %q not found among versions", cfg.ActiveVersionID)
	}
	for _, rule := range active.Rules {
		seen := map[string]bool{}
		for _, tgt := range rule.Targets {
			if seen[tgt.ID] {
				return ErrDuplicateTargetID
			}
			seen[tgt.ID] = true
			if topicmatch.IsSparkplugB(rule.SourceTopic) && topicmatch.IsSparkplugB(tgt.OutputTopic) {
				return ErrSparkplugToSparkplug
			}
		}
	}
	e.snapshot.Store(cfg)
	return nil
}

// Handle is invoked once per inbound event from the broker-pool fan-out
// (spec §4.E).
func (e *Engine) Handle(ctx context.Context, m broker.InboundMessage) {
	cfg := e.snapshot.Load()
	active, ok := cfg.ActiveVersion()
	if !ok {
		return
	}

	var rule *models.Rule
	for i := range active.Rules {
		if active.Rules[i].SourceTopic == m.Topic {
			rule = &active.Rules[i]
			break
		}
	}
	if rule == nil {
		return
	}

	payload := codec.Decode(m.Topic, m.Payload)
	payload.Hop = e.hops.take(m.BrokerID, m.Topic, m.Payload)
	hop := extractHop(payload)
	if hop >= e.maxHops {
		e.logger.WithFields(logging.Fields{"topic": m.Topic, "hop": hop}).Warn("mapper_hop ceiling reached, dropping")
		return
	}

	for _, tgt := range rule.Targets {
		if !tgt.Enabled {
			continue
		}
		e.runTarget(ctx, m, rule.SourceTopic, tgt, payload, hop)
	}
}

func (e *Engine) runTarget(ctx context.Context, m broker.InboundMessage, sourceTopic string, tgt models.Target, payload codec.Payload, hop int) {
	key := models.MetricKey{SourceTopic: sourceTopic, TargetID: tgt.ID}
	e.invocations.WithLabelValues(sourceTopic, tgt.ID).Inc()

	msg := map[string]interface{}{
		"topic":     m.Topic,
		"broker_id": m.BrokerID,
		"payload":   payloadToJS(payload),
	}

	outcome := e.sandbox.Run(ctx, tgt.Code, msg)

	switch outcome.Kind {
	case sandbox.Ok:
		e.handleOk(ctx, m, sourceTopic, tgt, payload, outcome, hop, key)
	case sandbox.Skipped:
		e.recordLog(key, models.ExecutionLog{Timestamp: time.Now().UTC(), InTopic: m.Topic, Trace: "skipped"})
	default:
		e.errors.WithLabelValues(sourceTopic, tgt.ID, string(outcome.Kind)).Inc()
		e.recordLog(key, models.ExecutionLog{Timestamp: time.Now().UTC(), InTopic: m.Topic, Error: fmt.Sprintf("%s: %s", outcome.Kind, outcome.Message)})
		e.emitMetricsSnapshot(key, true)
	}
}

func (e *Engine) handleOk(ctx context.Context, m broker.InboundMessage, sourceTopic string, tgt models.Target, payload codec.Payload, outcome sandbox.Outcome, hop int, key models.MetricKey) {
	outPayload := cloneWithReturnedMsg(payload, outcome.Value)
	stampHop(&outPayload, hop+1)

	outBytes, err := codec.Encode(outPayload)
	if err != nil {
		e.errors.WithLabelValues(sourceTopic, tgt.ID, "encode_error").Inc()
		e.recordLog(key, models.ExecutionLog{Timestamp: time.Now().UTC(), InTopic: m.Topic, Error: err.Error()})
		return
	}

	destBroker := tgt.TargetBrokerID
	if destBroker == "" {
		destBroker = m.BrokerID
	}

	e.hops.record(destBroker, tgt.OutputTopic, outBytes, outPayload.Hop)

	if err := e.publisher.Publish(ctx, destBroker, tgt.OutputTopic, outBytes, m.Qos, m.Retained); err != nil {
		e.errors.WithLabelValues(sourceTopic, tgt.ID, "publish_error").Inc()
		e.recordLog(key, models.ExecutionLog{Timestamp: time.Now().UTC(), InTopic: m.Topic, OutTopic: tgt.OutputTopic, Error: err.Error()})
		return
	}

	now := time.Now().UTC()
	e.hub.BroadcastGenerated(destBroker, tgt.OutputTopic, outBytes, now)
	e.recordLog(key, models.ExecutionLog{
		Timestamp:  now,
		InTopic:    m.Topic,
		OutTopic:   tgt.OutputTopic,
		OutPayload: string(outBytes),
	})
	e.emitMetricsSnapshot(key, false)
}

func (e *Engine) recordLog(key models.MetricKey, log models.ExecutionLog) {
	const ringSize = 50

	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	tm, ok := e.metrics[key]
	if !ok {
		tm = &models.TargetMetrics{}
		e.metrics[key] = tm
	}
	tm.Count++
	tm.Logs = append(tm.Logs, log)
	if len(tm.Logs) > ringSize {
		tm.Logs = tm.Logs[len(tm.Logs)-ringSize:]
	}
}

// Metrics returns a snapshot of every target's metrics (spec §4.H
// /mapper/metrics).
func (e *Engine) Metrics() map[string]models.TargetMetrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	out := make(map[string]models.TargetMetrics, len(e.metrics))
	for k, v := range e.metrics {
		out[k.SourceTopic+"->"+k.TargetID] = *v
	}
	return out
}

// emitMetricsSnapshot pushes a metrics snapshot to the hub at most once per
// 500ms per target, except errors which always emit immediately (spec
// §4.E step 3).
func (e *Engine) emitMetricsSnapshot(key models.MetricKey, forceImmediate bool) {
	const throttle = 500 * time.Millisecond

	if !forceImmediate {
		e.lastEmitMu.Lock()
		last := e.lastEmit[key]
		now := time.Now()
		if now.Sub(last) < throttle {
			e.lastEmitMu.Unlock()
			return
		}
		e.lastEmit[key] = now
		e.lastEmitMu.Unlock()
	}
	e.hub.BroadcastMapperMetrics(e.metricsSnapshotLocked())
}

func (e *Engine) metricsSnapshotLocked() map[string]models.TargetMetrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	out := make(map[string]models.TargetMetrics, len(e.metrics))
	for k, v := range e.metrics {
		out[k.SourceTopic+"->"+k.TargetID] = *v
	}
	return out
}

func payloadToJS(p codec.Payload) interface{} {
	switch p.Kind {
	case codec.KindJSON:
		return p.JSON
	case codec.KindSparkplugB:
		return sparkplugToJS(p.Sparkplug)
	default:
		return string(p.Raw)
	}
}

func sparkplugToJS(sp *codec.SparkplugData) map[string]interface{} {
	if sp == nil {
		return nil
	}
	metrics := make([]map[string]interface{}, len(sp.Metrics))
	for i, m := range sp.Metrics {
		metrics[i] = map[string]interface{}{"name": m.Name, "type": m.Type, "value": m.Value}
	}
	return map[string]interface{}{
		"timestamp": sp.Timestamp,
		"seq":       sp.Seq,
		"metrics":   metrics,
	}
}

// cloneWithReturnedMsg re-wraps a sandbox's returned msg.payload into the
// same Payload variant the target was decoded as, so Encode serializes it
// the same way it was received (spec §4.E step 2.c).
func cloneWithReturnedMsg(original codec.Payload, returned interface{}) codec.Payload {
	out := original
	m, ok := returned.(map[string]interface{})
	if !ok {
		return out
	}
	newPayload, ok := m["payload"]
	if !ok {
		return out
	}
	switch out.Kind {
	case codec.KindJSON:
		out.JSON = newPayload
	case codec.KindRaw:
		if s, ok := newPayload.(string); ok {
			out.Raw = []byte(s)
		}
	case codec.KindSparkplugB:
		// Sparkplug-B mutation is reserved for same-kind round trips, but
		// republishing Sparkplug-B as Sparkplug-B is rejected at config-save
		// time (ErrSparkplugToSparkplug); targets on a Sparkplug-B source
		// always fall through to JSON/raw re-encoding of a transformed shape.
		out.Kind = codec.KindJSON
		out.JSON = newPayload
	}
	return out
}

func extractHop(p codec.Payload) int {
	return p.Hop
}

func stampHop(p *codec.Payload, hop int) {
	p.Hop = hop
}

// hopTracker correlates a republished message back to its mapper_hop count
// without carrying the count in the wire bytes themselves (spec §8 scenario
// 1: a no-mutation `return msg;` must republish the exact bytes it
// received). A target's output is recorded under a hash of its own bytes;
// the next Handle pass for that (broker, topic, payload) looks the hop back
// up and consumes it. Entries that are never claimed (published to a topic
// this gateway never re-ingests) age out on a bounded FIFO.
type hopTracker struct {
	mu    sync.Mutex
	hops  map[string]int
	order []string
	cap   int
}

func newHopTracker(capacity int) *hopTracker {
	return &hopTracker{hops: map[string]int{}, cap: capacity}
}

func (t *hopTracker) record(brokerID, topic string, payload []byte, hop int) {
	key := hopKey(brokerID, topic, payload)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.hops[key]; !exists {
		t.order = append(t.order, key)
	}
	t.hops[key] = hop
	for len(t.order) > t.cap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.hops, oldest)
	}
}

func (t *hopTracker) take(brokerID, topic string, payload []byte) int {
	key := hopKey(brokerID, topic, payload)
	t.mu.Lock()
	defer t.mu.Unlock()
	hop, ok := t.hops[key]
	if !ok {
		return 0
	}
	delete(t.hops, key)
	return hop
}

func hopKey(brokerID, topic string, payload []byte) string {
	h := fnv.New64a()
	h.Write([]byte(brokerID))
	h.Write([]byte{0})
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return strconv.FormatUint(h.Sum64(), 16)
}

// NewRuleID generates a target/rule identifier in the teacher's id style.
func NewRuleID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
