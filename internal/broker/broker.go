// Package broker implements the MQTT broker pool (spec §4.C): one
// connection per configured broker, subscribing to its declared patterns
// and fanning every inbound message out to the event store, mapper, alert
// engine, and broadcast hub.
//
// The teacher has no MQTT code of its own; the shape of a per-connection
// worker with exponential-backoff reconnect and a cancellable stop signal
// follows the same pattern the teacher uses for its broker-independent
// background loops (pkg/server graceful shutdown, context-cancellation
// throughout pkg/llm's retry loop). The MQTT client itself is
// eclipse/paho.mqtt.golang, the library the retrieval pack's own MQTT
// adapter (other_examples' supermq cmd/mqtt) is built on.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"unsgateway/internal/logging"
	"unsgateway/internal/models"
	"unsgateway/internal/topicmatch"
)

// Errors returned by Publish (spec §4.C).
var (
	ErrNotAllowed  = errors.New("broker: topic not in publish_allowed_topics")
	ErrUnavailable = errors.New("broker: connection unavailable")
	ErrUnknown     = errors.New("broker: unknown broker id")
)

// Config describes one configured broker connection.
type Config struct {
	ID                   string
	Endpoint             string
	Username             string
	Password             string
	Subscriptions        []string
	PublishAllowedTopics []string
}

// InboundMessage is a received message tagged with its source and arrival
// time, as it crosses the fan-out channel into (B)/(E)/(F)/(G).
type InboundMessage struct {
	BrokerID  string
	Topic     string
	Payload   []byte
	Timestamp time.Time
	Qos       byte
	Retained  bool
}

// Handler receives every fanned-out inbound message. Handlers run one after
// another, synchronously, inside the connection's message callback, so a
// slow handler delays every handler registered after it.
type Handler func(InboundMessage)

type connection struct {
	cfg     Config
	client  mqtt.Client
	matcher []*topicmatch.Matcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.RWMutex
	connected bool
}

// Pool manages one connection per configured broker.
type Pool struct {
	logger   logging.Logger
	handlers []Handler

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewPool builds an empty broker pool.
func NewPool(logger logging.Logger) *Pool {
	return &Pool{logger: logger, conns: map[string]*connection{}}
}

// Subscribe registers a handler invoked for every inbound message across
// every broker in the pool. Must be called before StartAll.
func (p *Pool) Subscribe(h Handler) {
	p.handlers = append(p.handlers, h)
}

// StartAll connects every configured broker and begins its reconnect loop.
// Connections proceed independently; a failing broker does not block the
// others.
func (p *Pool) StartAll(ctx context.Context, configs []Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cfg := range configs {
		matchers := make([]*topicmatch.Matcher, 0, len(cfg.Subscriptions))
		for _, pattern := range cfg.Subscriptions {
			m, err := topicmatch.Compile(pattern)
			if err != nil {
				return fmt.Errorf("broker %s: %w", cfg.ID, err)
			}
			matchers = append(matchers, m)
		}

		connCtx, cancel := context.WithCancel(ctx)
		c := &connection{cfg: cfg, matcher: matchers, cancel: cancel, done: make(chan struct{})}
		p.conns[cfg.ID] = c
		go p.runConnection(connCtx, c)
	}
	return nil
}

// StopAll disconnects every broker and cancels any pending reconnect
// retries. Idempotent: safe to call more than once or on a pool that was
// never started.
func (p *Pool) StopAll() {
	p.mu.Lock()
	conns := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = map[string]*connection{}
	p.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		<-c.done
		if c.client != nil && c.client.IsConnected() {
			c.client.Disconnect(250)
		}
	}
}

// Publish sends bytes to brokerID/topic, honoring that broker's
// publish_allowed_topics and connection state (spec §4.C).
func (p *Pool) Publish(ctx context.Context, brokerID, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.RLock()
	c, ok := p.conns[brokerID]
	p.mu.RUnlock()
	if !ok {
		return ErrUnknown
	}

	if !topicAllowed(topic, c.cfg.PublishAllowedTopics) {
		return ErrNotAllowed
	}

	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrUnavailable
	}

	token := c.client.Publish(topic, qos, retain, payload)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func topicAllowed(topic string, allowed []string) bool {
	for _, pattern := range allowed {
		if topicmatch.Match(pattern, topic) {
			return true
		}
	}
	return false
}

// IsConnected reports whether a given broker currently has a live
// connection.
func (p *Pool) IsConnected(brokerID string) bool {
	p.mu.RLock()
	c, ok := p.conns[brokerID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Status is a snapshot of one broker's connection state, for /context/status.
type Status struct {
	BrokerID  string `json:"broker_id"`
	Connected bool   `json:"connected"`
}

// StatusAll returns a connection-state snapshot for every configured broker.
func (p *Pool) StatusAll() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.conns))
	for id, c := range p.conns {
		c.mu.RLock()
		out = append(out, Status{BrokerID: id, Connected: c.connected})
		c.mu.RUnlock()
	}
	return out
}

func (p *Pool) runConnection(ctx context.Context, c *connection) {
	defer close(c.done)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		opts := mqtt.NewClientOptions().
			AddBroker(c.cfg.Endpoint).
			SetClientID(fmt.Sprintf("unsgateway-%s", c.cfg.ID)).
			SetAutoReconnect(false).
			SetConnectRetry(false)
		if c.cfg.Username != "" {
			opts.SetUsername(c.cfg.Username)
			opts.SetPassword(c.cfg.Password)
		}
		opts.SetOnConnectHandler(func(mqtt.Client) {
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			p.logger.WithFields(logging.Fields{"broker_id": c.cfg.ID}).Info("broker connected")
		})
		lost := make(chan struct{}, 1)
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			p.logger.WithFields(logging.Fields{"broker_id": c.cfg.ID, "error": err.Error()}).Warn("broker connection lost")
			select {
			case lost <- struct{}{}:
			default:
			}
		})
		opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
			p.dispatch(c.cfg.ID, msg)
		})

		client := mqtt.NewClient(opts)
		c.client = client

		token := client.Connect()
		connectDone := make(chan struct{})
		go func() { token.Wait(); close(connectDone) }()

		select {
		case <-ctx.Done():
			return
		case <-connectDone:
		}

		if err := token.Error(); err != nil {
			p.logger.WithFields(logging.Fields{"broker_id": c.cfg.ID, "error": err.Error()}).Warn("broker connect failed, retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		for _, m := range c.matcher {
			subToken := client.Subscribe(m.String(), 0, func(client mqtt.Client, msg mqtt.Message) {
				p.dispatch(c.cfg.ID, msg)
			})
			subToken.Wait()
			if err := subToken.Error(); err != nil {
				p.logger.WithFields(logging.Fields{"broker_id": c.cfg.ID, "pattern": m.String(), "error": err.Error()}).Error("subscribe failed")
			}
		}

		backoff = time.Second

		select {
		case <-ctx.Done():
			client.Disconnect(250)
			return
		case <-lost:
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
		}
	}
}

func (p *Pool) dispatch(brokerID string, msg mqtt.Message) {
	m := InboundMessage{
		BrokerID:  brokerID,
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		Timestamp: time.Now().UTC(),
		Qos:       msg.Qos(),
		Retained:  msg.Retained(),
	}
	for _, h := range p.handlers {
		h(m)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// ToEvent converts an inbound message into a store-ready Event.
func ToEvent(m InboundMessage) models.Event {
	return models.Event{
		BrokerID:  m.BrokerID,
		Topic:     m.Topic,
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
	}
}
