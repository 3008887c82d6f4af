// Command unsgateway runs the unified-namespace MQTT gateway: broker
// fan-out into the event store, mapper, alert engine, and broadcast hub,
// fronted by the Query/Control HTTP API and the chat/LLM agent.
//
// Grounded on api_skipper/cmd/skipper/main.go and api_forms/cmd/forms/main.go:
// logger/LoadEnv first, health/metrics collectors next, collaborators
// wired with best-effort degradation (an unset LLM_MODEL disables chat
// instead of failing startup), then server.Start with graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"unsgateway/internal/alert"
	"unsgateway/internal/api"
	"unsgateway/internal/broker"
	"unsgateway/internal/chat"
	"unsgateway/internal/config"
	"unsgateway/internal/hub"
	"unsgateway/internal/llm"
	"unsgateway/internal/logging"
	"unsgateway/internal/mapper"
	"unsgateway/internal/models"
	"unsgateway/internal/monitoring"
	"unsgateway/internal/sandbox"
	"unsgateway/internal/sibling"
	"unsgateway/internal/store"
)

func main() {
	logger := logging.NewLoggerWithComponent("unsgateway")
	config.LoadEnv(logger)

	logger.Info("starting unsgateway")

	cfg := config.LoadGateway()
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	healthChecker := monitoring.NewHealthChecker("unsgateway", "dev")
	metricsCollector := monitoring.NewMetricsCollector("unsgateway", "dev", "dev")

	eventStore, err := store.Open(store.DefaultConfig(cfg.DBPath, cfg.DBSizeLimitMB), logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open event store")
	}
	defer func() { _ = eventStore.Close() }()
	healthChecker.AddCheck("store", monitoring.StoreHealthCheck(eventStore))

	retainer := store.NewRetainer(eventStore, time.Duration(cfg.RetentionCheckSeconds)*time.Second, logger)
	retainer.Start()
	defer retainer.Stop()

	sandboxRuntime := sandbox.New(eventStore, sandbox.Config{
		Timeout: time.Duration(cfg.SandboxTimeoutMS) * time.Millisecond,
		MaxRows: cfg.SandboxMaxRows,
	})
	healthChecker.AddCheck("sandbox", monitoring.SandboxHealthCheck(sandboxRuntime))

	brokerPool := broker.NewPool(logger)
	healthChecker.AddCheck("brokers", monitoring.BrokerHealthCheck(brokerPool))

	broadcastHub := hub.New(logger, eventStore, nil)

	mapperEngine := mapper.New(logger, brokerPool, broadcastHub, sandboxRuntime, cfg.MapperMaxHops)
	broadcastHub.SetConfigSource(mapperEngine)
	for i, collector := range mapperEngine.Collectors() {
		metricsCollector.RegisterCustomMetric(mapperCollectorName(i), collector)
	}

	var llmProvider llm.Provider
	if cfg.LLMModel != "" {
		provider, err := llm.NewProvider(llm.Config{
			Model:     cfg.LLMModel,
			APIKey:    cfg.LLMAPIKey,
			APIURL:    cfg.LLMAPIURL,
			MaxTokens: 1024,
		})
		if err != nil {
			logger.WithError(err).Warn("LLM disabled: failed to configure provider")
		} else {
			llmProvider = provider
		}
	} else {
		logger.Warn("LLM disabled: LLM_MODEL is not set")
	}

	alertEngine := alert.New(logger, broadcastHub, sandboxRuntime, alertEnricher(llmProvider), time.Duration(cfg.AlertDebounceSeconds)*time.Second)

	brokerPool.Subscribe(func(m broker.InboundMessage) {
		if err := eventStore.Append(context.Background(), broker.ToEvent(m)); err != nil {
			logger.WithFields(logging.Fields{"error": err.Error()}).Error("failed to append event")
		}
		broadcastHub.BroadcastEvent(m.BrokerID, m.Topic, m.Payload, m.Timestamp)
	})
	brokerPool.Subscribe(func(m broker.InboundMessage) { mapperEngine.Handle(context.Background(), m) })
	brokerPool.Subscribe(func(m broker.InboundMessage) { alertEngine.Handle(context.Background(), m) })

	brokerConfigs, err := parseBrokerConfigs(cfg.BrokersConfigJSON)
	if err != nil {
		logger.WithError(err).Fatal("failed to parse BROKERS_CONFIG_JSON")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := brokerPool.StartAll(ctx, brokerConfigs); err != nil {
		logger.WithError(err).Fatal("failed to start broker connections")
	}
	defer brokerPool.StopAll()

	go broadcastHub.Run(ctx)

	var sessionStore chat.SessionStore
	var users sibling.UserStore
	if cfg.PostgresURL != "" {
		db, err := sibling.Connect(sibling.DefaultConfig(cfg.PostgresURL), logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to sibling postgres store")
		}
		defer func() { _ = db.Close() }()
		if err := sibling.Migrate(db); err != nil {
			logger.WithError(err).Fatal("failed to migrate sibling postgres store")
		}
		sessionStore = chat.NewPostgresSessionStore(db)
		users = sibling.NewPostgresUserStore(db)
	} else {
		sessionStore = chat.NewMemorySessionStore()
		users = sibling.NewMemoryUserStore()
	}

	var chatHandler *chat.Handler
	if llmProvider != nil {
		toolConfig := chat.ToolConfig{
			Read:      cfg.ToolReadEnabled,
			Semantic:  cfg.ToolSemanticEnabled,
			Publish:   cfg.ToolPublishEnabled,
			Files:     cfg.ToolFilesEnabled,
			Simulator: cfg.ToolSimulatorEnabled,
			Mapper:    cfg.ToolMapperEnabled,
			Admin:     cfg.ToolAdminEnabled,
		}
		deps := &chat.Deps{
			Store:   eventStore,
			Mapper:  mapperEngine,
			Alert:   alertEngine,
			Brokers: brokerPool,
			Sandbox: sandboxRuntime,
		}
		stepCeiling := config.GetEnvInt("CHAT_STEP_CEILING", 8)
		orchestrator := chat.NewOrchestrator(logger, llmProvider, stepCeiling)
		chatHandler = chat.NewHandler(sessionStore, orchestrator, deps, toolConfig, logger)
	} else {
		logger.Warn("chat surface disabled: no LLM provider configured")
	}

	router := api.NewRouter(api.Deps{
		Logger:       logger,
		Store:        eventStore,
		Mapper:       mapperEngine,
		Alert:        alertEngine,
		Brokers:      brokerPool,
		Hub:          broadcastHub,
		Chat:         chatHandler,
		Users:        users,
		Health:       healthChecker,
		Metrics:      metricsCollector,
		JWTSecret:    []byte(cfg.JWTSecret),
		RateLimitRPS: cfg.RateLimitRPS,
	})

	serverConfig := api.DefaultServerConfig(cfg.Port, cfg.BasePath)
	if err := api.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("server startup failed")
	}
}

func mapperCollectorName(i int) string {
	names := []string{"mapper_invocations", "mapper_errors"}
	if i < len(names) {
		return names[i]
	}
	return "mapper_collector"
}

func parseBrokerConfigs(raw string) ([]broker.Config, error) {
	var configs []broker.Config
	if raw == "" {
		return configs, nil
	}
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// alertEnricher adapts an optional llm.Provider into an alert.Enricher. With
// no provider configured, workflow_prompt rules still trip and fire their
// webhook, but the enrichment task fails fast with an explanatory error
// instead of panicking on a nil interface.
func alertEnricher(provider llm.Provider) alert.Enricher {
	if provider == nil {
		return disabledEnricher{}
	}
	return chat.NewEnricher(provider)
}

type disabledEnricher struct{}

func (disabledEnricher) Enrich(ctx context.Context, prompt string, a models.Alert) (string, error) {
	return "", errLLMNotConfigured
}

var errLLMNotConfigured = errors.New("unsgateway: no LLM provider configured")
