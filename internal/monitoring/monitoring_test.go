package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"unsgateway/internal/broker"
	"unsgateway/internal/sandbox"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(ctx context.Context) error { return f.err }

type fakeBrokerStatusSource struct{ statuses []broker.Status }

func (f fakeBrokerStatusSource) StatusAll() []broker.Status { return f.statuses }

type fakeSandboxRunner struct{ outcome sandbox.Outcome }

func (f fakeSandboxRunner) Run(ctx context.Context, code string, msg map[string]interface{}) sandbox.Outcome {
	return f.outcome
}

func TestCheckHealthAllHealthy(t *testing.T) {
	hc := NewHealthChecker("unsgateway", "test")
	hc.AddCheck("db", StoreHealthCheck(fakePinger{}))
	hc.AddCheck("sandbox", SandboxHealthCheck(fakeSandboxRunner{outcome: sandbox.Outcome{Kind: sandbox.Ok}}))

	status := hc.CheckHealth()
	require.Equal(t, StatusHealthy, status.Status)
	require.Equal(t, StatusHealthy, status.Checks["db"].Status)
	require.Equal(t, StatusHealthy, status.Checks["sandbox"].Status)
}

func TestCheckHealthUnhealthyWhenDbDown(t *testing.T) {
	hc := NewHealthChecker("unsgateway", "test")
	hc.AddCheck("db", StoreHealthCheck(fakePinger{err: context.DeadlineExceeded}))

	status := hc.CheckHealth()
	require.Equal(t, StatusUnhealthy, status.Status)
}

func TestBrokerHealthCheckDegradedWhenPartial(t *testing.T) {
	check := BrokerHealthCheck(fakeBrokerStatusSource{statuses: []broker.Status{
		{BrokerID: "a", Connected: true},
		{BrokerID: "b", Connected: false},
	}})
	result := check()
	require.Equal(t, StatusDegraded, result.Status)
}

func TestBrokerHealthCheckUnhealthyWhenNoneConnected(t *testing.T) {
	check := BrokerHealthCheck(fakeBrokerStatusSource{statuses: []broker.Status{
		{BrokerID: "a", Connected: false},
	}})
	result := check()
	require.Equal(t, StatusUnhealthy, result.Status)
}

func TestHandlerReturns503WhenUnhealthy(t *testing.T) {
	hc := NewHealthChecker("unsgateway", "test")
	hc.AddCheck("db", StoreHealthCheck(fakePinger{err: context.DeadlineExceeded}))

	r := gin.New()
	r.GET("/health", hc.Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSandboxHealthCheckUnhealthyOnTimeout(t *testing.T) {
	check := SandboxHealthCheck(fakeSandboxRunner{outcome: sandbox.Outcome{Kind: sandbox.Timeout}})
	result := check()
	require.Equal(t, StatusUnhealthy, result.Status)
}
