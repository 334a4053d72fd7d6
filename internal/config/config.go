package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dennisdiepolder/livecall/internal/storage"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Env            string
	Port           string
	AllowedOrigins []string
	LogLevel       string

	// WebSocket
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Auth
	SkipAuth        bool
	VerifySignature bool
	OIDCIssuer      string

	// Routing
	RoutingStrategy  string
	LivenessWindow   time.Duration
	PendingLimit     int
	SLThreshold      time.Duration
	StatsInterval    time.Duration
	SessionRetention time.Duration

	Storage storage.Config

	// Collaborators; empty disables the integration
	RedisAddr            string
	LockTTL              time.Duration
	KafkaBrokers         []string
	KafkaTopic           string
	VerificationMode     string
	VerificationURL      string
	VerificationCacheTTL time.Duration
}

// Development reports whether the service runs in local development mode
func (c *Config) Development() bool {
	return c.Env == "" || c.Env == "development"
}

// Load loads configuration from .env, an optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Env:              src.get("ENV", "development"),
		Port:             src.get("PORT", "8080"),
		AllowedOrigins:   splitList(src.get("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:         src.get("LOG_LEVEL", "info"),
		SkipAuth:         src.get("SKIP_AUTH", "false") == "true",
		OIDCIssuer:       src.get("OIDC_ISSUER", ""),
		RedisAddr:        src.get("REDIS_ADDR", ""),
		KafkaBrokers:     splitList(src.get("KAFKA_BROKERS", "")),
		KafkaTopic:       src.get("KAFKA_TOPIC", "livecall-events"),
		VerificationMode: src.get("VERIFICATION_MODE", "static"),
		VerificationURL:  src.get("VERIFICATION_URL", ""),
		RoutingStrategy:  src.get("ROUTING_STRATEGY", "fewest_calls"),
	}
	config.VerifySignature = src.get("VERIFY_JWT_SIGNATURE", "false") == "true" || !config.Development()

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(src.get("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(src.get("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout

	// SDP offers run to several kilobytes
	maxMessageSize, err := strconv.ParseInt(src.get("WS_MAX_MESSAGE_SIZE", "65536"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid WS_MAX_MESSAGE_SIZE: %w", err)
	}
	config.MaxMessageSize = maxMessageSize

	config.PendingLimit, err = strconv.Atoi(src.get("PENDING_LIMIT", "50"))
	if err != nil {
		return nil, fmt.Errorf("invalid PENDING_LIMIT: %w", err)
	}

	durations := []struct {
		key  string
		def  string
		into *time.Duration
	}{
		{"LIVENESS_WINDOW", "60s", &config.LivenessWindow},
		{"SL_THRESHOLD", "20s", &config.SLThreshold},
		{"STATS_INTERVAL", "5s", &config.StatsInterval},
		{"SESSION_RETENTION", "10m", &config.SessionRetention},
		{"LOCK_TTL", "5s", &config.LockTTL},
		{"VERIFICATION_CACHE_TTL", "5m", &config.VerificationCacheTTL},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(src.get(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.into = v
	}

	config.Storage = storage.Config{
		Mode: storage.Mode(src.get("STORE_MODE", string(storage.ModeMemory))),
		Dynamo: storage.DynamoConfig{
			Mode:        storage.DynamoMode(src.get("DYNAMO_MODE", string(storage.DynamoModeLocal))),
			Endpoint:    src.get("DYNAMO_ENDPOINT", "http://localhost:8000"),
			Region:      src.get("DYNAMO_REGION", "eu-central-1"),
			CallsTable:  src.get("DYNAMO_CALLS_TABLE", "livecall-call-requests"),
			AgentsTable: src.get("DYNAMO_AGENTS_TABLE", "livecall-agent-states"),
		},
		Postgres: storage.PostgresConfig{
			DSN: src.get("DATABASE_URL", ""),
		},
	}
	switch config.Storage.Mode {
	case storage.ModeMemory, storage.ModeDynamoDB, storage.ModePostgres:
	default:
		return nil, fmt.Errorf("invalid STORE_MODE %q", config.Storage.Mode)
	}

	return config, nil
}

// source resolves keys from the environment first, then the YAML file
type source struct {
	file map[string]string
}

func newSource(path string) (*source, error) {
	s := &source{file: map[string]string{}}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// File keys are the lowercase form of the environment names
	for k, v := range raw {
		switch val := v.(type) {
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			s.file[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			s.file[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return s, nil
}

// get gets a setting with a fallback default value
func (s *source) get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
