package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the speech session broker.
type Config struct {
	BindAddr         string
	HealthBindAddr   string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	ModelID       string
	BedrockRegion string

	CredentialRefreshMargin   time.Duration
	CredentialRefreshInterval time.Duration

	KnowledgeBaseID     string
	KnowledgeBaseRegion string
	UseRAG              bool
	RAGModelARN         string

	UserPoolID    string
	CognitoRegion string
	JWKSCacheTTL  time.Duration

	DatabaseURL string
}

// Load reads a local .env file if present, then environment variables,
// and applies safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:                  envOrDefault("APP_BIND_ADDR", ":8081"),
		HealthBindAddr:            envOrDefault("APP_HEALTH_BIND_ADDR", ":8082"),
		MetricsNamespace:          envOrDefault("APP_METRICS_NAMESPACE", "sonicgate"),
		AllowAnyOrigin:            false,
		ModelID:                   strings.TrimSpace(envOrDefault("BEDROCK_MODEL_ID", "amazon.nova-sonic-v1:0")),
		BedrockRegion:             envOrDefault("AWS_DEFAULT_REGION", "us-east-1"),
		KnowledgeBaseID:           envTrimmed("KNOWLEDGE_BASE_ID"),
		KnowledgeBaseRegion:       "",
		UseRAG:                    false,
		RAGModelARN:               envOrDefault("RAG_MODEL_ARN", "anthropic.claude-3-haiku-20240307-v1:0"),
		UserPoolID:                envTrimmed("COGNITO_USER_POOL_ID"),
		CognitoRegion:             "",
		DatabaseURL:               envTrimmed("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
		CredentialRefreshMargin:   5 * time.Minute,
		CredentialRefreshInterval: time.Hour,
		JWKSCacheTTL:              time.Hour,
	}
	// Regions default to the backend region so a single-region deploy
	// only sets AWS_DEFAULT_REGION.
	cfg.KnowledgeBaseRegion = envOrDefault("KNOWLEDGE_BASE_REGION", cfg.BedrockRegion)
	cfg.CognitoRegion = envOrDefault("COGNITO_REGION", cfg.BedrockRegion)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CredentialRefreshMargin, err = durationFromEnv("CREDENTIAL_REFRESH_MARGIN", cfg.CredentialRefreshMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.CredentialRefreshInterval, err = durationFromEnv("CREDENTIAL_REFRESH_INTERVAL", cfg.CredentialRefreshInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.JWKSCacheTTL, err = durationFromEnv("JWKS_CACHE_TTL", cfg.JWKSCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.UseRAG, err = boolFromEnv("USE_RAG", cfg.UseRAG)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.ModelID == "" {
		return Config{}, fmt.Errorf("BEDROCK_MODEL_ID must not be empty")
	}
	if cfg.CredentialRefreshMargin <= 0 {
		return Config{}, fmt.Errorf("CREDENTIAL_REFRESH_MARGIN must be positive")
	}
	if cfg.CredentialRefreshInterval < time.Minute {
		return Config{}, fmt.Errorf("CREDENTIAL_REFRESH_INTERVAL must be at least 1m")
	}
	if cfg.JWKSCacheTTL <= 0 {
		return Config{}, fmt.Errorf("JWKS_CACHE_TTL must be positive")
	}

	return cfg, nil
}

// AuthEnabled reports whether incoming connections must carry a Cognito
// token. Auth is skipped only when no user pool is configured.
func (c Config) AuthEnabled() bool {
	return c.UserPoolID != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
