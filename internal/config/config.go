package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/massage-dispatch/internal/commission"
	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	JWTSecret          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	// Dispatch timing
	AssignmentWindow    time.Duration
	BroadcastWindow     time.Duration
	ConfirmationWindow  time.Duration
	BusyLeadTime        time.Duration
	PersistRetryBackoff time.Duration
	SweepInterval       time.Duration
	MaxDistanceKm       float64
	CommissionRateBPS   int

	// Lifecycle events
	KafkaBrokers []string
	KafkaTopic   string

	// EventsSQSQueueURL is used when no Kafka brokers are configured.
	EventsSQSQueueURL string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	FirebaseCredentialsFile string
	DispatchPolicyFile      string
}

// Load reads an optional .env file, then the environment, then the policy
// file named by DISPATCH_POLICY_FILE.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),

		AssignmentWindow:    getEnvAsDuration("ASSIGNMENT_WINDOW", 5*time.Minute),
		BroadcastWindow:     getEnvAsDuration("BROADCAST_WINDOW", 2*time.Minute),
		ConfirmationWindow:  getEnvAsDuration("CONFIRMATION_WINDOW", time.Minute),
		BusyLeadTime:        getEnvAsDuration("BUSY_LEAD_TIME", 45*time.Minute),
		PersistRetryBackoff: getEnvAsDuration("PERSIST_RETRY_BACKOFF", 250*time.Millisecond),
		SweepInterval:       getEnvAsDuration("SWEEP_INTERVAL", 30*time.Second),
		MaxDistanceKm:       getEnvAsFloat("MAX_DISTANCE_KM", 0),
		CommissionRateBPS:   getEnvAsInt("COMMISSION_RATE_BPS", commission.DefaultRateBPS),

		KafkaBrokers: getEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "booking-lifecycle"),

		EventsSQSQueueURL:   getEnv("EVENTS_SQS_QUEUE_URL", ""),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		FirebaseCredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		DispatchPolicyFile:      getEnv("DISPATCH_POLICY_FILE", ""),
	}

	if cfg.DispatchPolicyFile != "" {
		if err := cfg.applyPolicyFile(cfg.DispatchPolicyFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Policy projects the dispatch knobs.
func (c *Config) Policy() dispatch.Policy {
	return dispatch.Policy{
		AssignmentWindow:   c.AssignmentWindow,
		BroadcastWindow:    c.BroadcastWindow,
		ConfirmationWindow: c.ConfirmationWindow,
		BusyLeadTime:       c.BusyLeadTime,
		RetryBackoff:       c.PersistRetryBackoff,
		MaxDistanceKm:      c.MaxDistanceKm,
	}
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c *Config) validate() error {
	var errs []error
	if c.AssignmentWindow <= 0 {
		errs = append(errs, errors.New("ASSIGNMENT_WINDOW must be positive"))
	}
	if c.BroadcastWindow <= 0 {
		errs = append(errs, errors.New("BROADCAST_WINDOW must be positive"))
	}
	if c.CommissionRateBPS < 0 || c.CommissionRateBPS > 10000 {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE_BPS must be within 0..10000, got %d", c.CommissionRateBPS))
	}
	if c.IsProduction() && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
