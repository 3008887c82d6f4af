// Package monitoring provides the gateway's ambient observability surface:
// a HealthChecker aggregating named checks into /health, and a
// MetricsCollector exposing Prometheus metrics at /metrics.
//
// Adapted from _examples/Livepeer-FrameWorks-monorepo/pkg/monitoring/{health,metrics}.go.
// HealthStatus/CheckResult/HealthChecker/HealthCheck are kept in the
// teacher's shape; DatabaseHealthCheck and KafkaProducerHealthCheck are
// replaced with StoreHealthCheck, BrokerHealthCheck, and SandboxHealthCheck,
// matching this gateway's own dependencies (spec §4: db, brokers, sandbox).
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"unsgateway/internal/broker"
	"unsgateway/internal/sandbox"
)

// HealthStatus is the aggregate result returned by /health.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult is the outcome of a single named check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthCheck performs one check and returns its result.
type HealthCheck func() CheckResult

// HealthChecker aggregates named HealthChecks into an overall HealthStatus.
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

// NewHealthChecker creates a checker for the given service/version.
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck registers a named check, overwriting any existing one with the
// same name.
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs every registered check and rolls the results up: any
// unhealthy check makes the whole status unhealthy, any degraded check
// (with nothing unhealthy) makes it degraded.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	anyUnhealthy := false
	anyDegraded := false
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
		default:
			anyUnhealthy = true
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}

	return status
}

// Handler serves /health: 200 unless the aggregate status is unhealthy, in
// which case 503.
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// Pinger is satisfied by *sql.DB and by the embedded store, which both
// expose a context-bound liveness probe.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StoreHealthCheck probes the event store's underlying database connection.
func StoreHealthCheck(p Pinger) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := p.PingContext(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("store ping failed: %v", err),
				Latency: time.Since(start).String(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "store reachable", Latency: time.Since(start).String()}
	}
}

// BrokerStatusSource is satisfied by *broker.Pool.
type BrokerStatusSource interface {
	StatusAll() []broker.Status
}

// BrokerHealthCheck reports degraded if any configured broker is
// disconnected, unhealthy if all of them are.
func BrokerHealthCheck(src BrokerStatusSource) HealthCheck {
	return func() CheckResult {
		statuses := src.StatusAll()
		if len(statuses) == 0 {
			return CheckResult{Status: StatusDegraded, Message: "no brokers configured"}
		}
		connected := 0
		for _, s := range statuses {
			if s.Connected {
				connected++
			}
		}
		switch {
		case connected == len(statuses):
			return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d/%d brokers connected", connected, len(statuses))}
		case connected == 0:
			return CheckResult{Status: StatusUnhealthy, Message: "no brokers connected"}
		default:
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("%d/%d brokers connected", connected, len(statuses))}
		}
	}
}

// SandboxRunner is satisfied by *sandbox.Runtime.
type SandboxRunner interface {
	Run(ctx context.Context, code string, msg map[string]interface{}) sandbox.Outcome
}

// SandboxHealthCheck runs a trivial script through the mapper/alert sandbox
// runtime to confirm the VM still starts up and returns within budget.
func SandboxHealthCheck(r SandboxRunner) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		outcome := r.Run(ctx, "return msg;", map[string]interface{}{"probe": true})
		latency := time.Since(start)
		if outcome.Kind != sandbox.Ok {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("sandbox self-test returned %v", outcome.Kind),
				Latency: latency.String(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "sandbox responsive", Latency: latency.String()}
	}
}
