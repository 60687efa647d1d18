package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"strings"
)

// State backends accepted by -state-backend.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds the application flags, alongside the go-core package configs
// registered in main.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	ModelDir              string
	StateBackend          string
	StateDir              string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisKeyPrefix        string
	APIToken              string
	SlackWebhookURL       string
	KafkaBrokers          string
	KafkaTopic            string
	AnalyzeRateLimit      float64
	AnalyzeBurst          int
	MaxUploadBytes        int64
	EnvFile               string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.ModelDir, "model-dir", "models", "directory holding manifest.yaml and the model artifacts it names")
	fs.StringVar(&c.StateBackend, "state-backend", BackendMemory, "where config and stats documents live (memory|file|postgres|redis)")
	fs.StringVar(&c.StateDir, "state-dir", "data", "directory for the file state backend")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the postgres state backend")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis host:port for the redis state backend")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&c.RedisKeyPrefix, "redis-key-prefix", "edrtriage:state:", "prefix for Redis state keys")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token(s) guarding config mutations and stats reset, comma separated (empty = no auth)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for high-priority notifications")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma separated Kafka seed brokers for result publication (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "edr-triage-results", "Kafka topic for ranked threat results")
	fs.Float64Var(&c.AnalyzeRateLimit, "analyze-rate-limit", 5, "sustained analyze requests per second (0 = unlimited)")
	fs.IntVar(&c.AnalyzeBurst, "analyze-burst", 10, "analyze request burst size")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", 32<<20, "maximum analyze request body in bytes")
	fs.StringVar(&c.EnvFile, "env-file", "", "optional dotenv file loaded before environment lookup")
}

// APITokens splits the api-token value into its non-empty entries.
func (c *Config) APITokens() []string {
	return splitList(c.APIToken)
}

// Brokers splits the kafka-brokers value into its non-empty entries.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.ModelDir == "" {
		errs = append(errs, errors.New("MODEL_DIR is required"))
	}

	// each backend needs its own connection settings
	switch c.StateBackend {
	case BackendMemory:
	case BackendFile:
		if c.StateDir == "" {
			errs = append(errs, errors.New("STATE_DIR is required for the file state backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres state backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis state backend"))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STATE_BACKEND %q (must be memory, file, postgres or redis)", c.StateBackend))
	}

	if len(c.Brokers()) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	if c.AnalyzeRateLimit < 0 || math.IsNaN(c.AnalyzeRateLimit) {
		errs = append(errs, fmt.Errorf("invalid ANALYZE_RATE_LIMIT %v (must be >= 0)", c.AnalyzeRateLimit))
	}
	if c.AnalyzeRateLimit > 0 && c.AnalyzeBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid ANALYZE_BURST %d (must be >= 1 when rate limiting)", c.AnalyzeBurst))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_UPLOAD_BYTES %d (must be > 0)", c.MaxUploadBytes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
