// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv overlays .env/.env.dev onto the process environment, if present.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.dev"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("no local env files loaded; relying on process environment")
		return
	}
	logger.Debugf("loaded env files: %s", strings.Join(loaded, ", "))
}

// GetEnv returns the named environment variable, or defaultValue if unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt returns the named environment variable parsed as an int.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool returns the named environment variable parsed as a bool.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetLogLevel reads LOG_LEVEL into a logrus.Level, defaulting to info.
func GetLogLevel() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// RequireEnv fetches a variable or terminates the process if it is empty.
func RequireEnv(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		logrus.Fatalf("environment variable %s is required but not set", key)
	}
	return value
}

// Gateway holds the full set of process configuration knobs named in
// spec.md §6 "CLI/process surface".
type Gateway struct {
	Port                  string
	BasePath              string
	DBPath                string
	DBSizeLimitMB         int
	MaxSavedMapperVers    int
	PostgresURL           string
	JWTSecret             string
	LLMProvider           string
	LLMAPIKey             string
	LLMAPIURL             string
	LLMModel              string
	MapperMaxHops         int
	SandboxTimeoutMS      int
	SandboxMaxRows        int
	AlertDebounceSeconds  int
	ToolReadEnabled       bool
	ToolSemanticEnabled   bool
	ToolPublishEnabled    bool
	ToolFilesEnabled      bool
	ToolSimulatorEnabled  bool
	ToolMapperEnabled     bool
	ToolAdminEnabled      bool
	RateLimitRPS          int
	BrokersConfigJSON     string
	RetentionCheckSeconds int
}

// LoadGateway reads the gateway's full configuration from the environment.
func LoadGateway() Gateway {
	return Gateway{
		Port:                  GetEnv("PORT", "8080"),
		BasePath:              GetEnv("BASE_PATH", ""),
		DBPath:                GetEnv("DB_PATH", "uns-gateway.db"),
		DBSizeLimitMB:         GetEnvInt("DB_SIZE_LIMIT_MB", 512),
		MaxSavedMapperVers:    GetEnvInt("MAX_SAVED_MAPPER_VERSIONS", 20),
		PostgresURL:           GetEnv("POSTGRES_URL", ""),
		JWTSecret:             GetEnv("JWT_SECRET", ""),
		LLMProvider:           GetEnv("LLM_PROVIDER", "openai"),
		LLMAPIKey:             GetEnv("LLM_API_KEY", ""),
		LLMAPIURL:             GetEnv("LLM_API_URL", ""),
		LLMModel:              GetEnv("LLM_MODEL", ""),
		MapperMaxHops:         GetEnvInt("MAPPER_MAX_HOPS", 4),
		SandboxTimeoutMS:      GetEnvInt("SANDBOX_TIMEOUT_MS", 500),
		SandboxMaxRows:        GetEnvInt("SANDBOX_MAX_ROWS", 10000),
		AlertDebounceSeconds:  GetEnvInt("ALERT_DEBOUNCE_SECONDS", 60),
		ToolReadEnabled:       GetEnvBool("LLM_TOOL_ENABLE_READ", true),
		ToolSemanticEnabled:   GetEnvBool("LLM_TOOL_ENABLE_SEMANTIC", false),
		ToolPublishEnabled:    GetEnvBool("LLM_TOOL_ENABLE_PUBLISH", false),
		ToolFilesEnabled:      GetEnvBool("LLM_TOOL_ENABLE_FILES", false),
		ToolSimulatorEnabled:  GetEnvBool("LLM_TOOL_ENABLE_SIMULATOR", false),
		ToolMapperEnabled:     GetEnvBool("LLM_TOOL_ENABLE_MAPPER", false),
		ToolAdminEnabled:      GetEnvBool("LLM_TOOL_ENABLE_ADMIN", false),
		RateLimitRPS:          GetEnvInt("RATE_LIMIT_RPS", 20),
		BrokersConfigJSON:     GetEnv("BROKERS_CONFIG_JSON", "[]"),
		RetentionCheckSeconds: GetEnvInt("RETENTION_CHECK_SECONDS", 300),
	}
}
