package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR", "JWT_SECRET",
		"CORS_ALLOWED_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"ASSIGNMENT_WINDOW", "BROADCAST_WINDOW", "CONFIRMATION_WINDOW", "BUSY_LEAD_TIME",
		"PERSIST_RETRY_BACKOFF", "SWEEP_INTERVAL", "MAX_DISTANCE_KM", "COMMISSION_RATE_BPS",
		"KAFKA_BROKERS", "KAFKA_TOPIC", "FIREBASE_CREDENTIALS_FILE", "DISPATCH_POLICY_FILE",
		"EVENTS_SQS_QUEUE_URL", "AWS_REGION", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_ENDPOINT_OVERRIDE",
	} {
		t.Setenv(key, "")
	}
	// Keep a stray .env in the package directory out of the picture.
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 5*time.Minute, cfg.AssignmentWindow)
	assert.Equal(t, 2*time.Minute, cfg.BroadcastWindow)
	assert.Equal(t, time.Minute, cfg.ConfirmationWindow)
	assert.Equal(t, 45*time.Minute, cfg.BusyLeadTime)
	assert.Equal(t, 250*time.Millisecond, cfg.PersistRetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 3000, cfg.CommissionRateBPS)
	assert.Equal(t, "booking-lifecycle", cfg.KafkaTopic)
	assert.Equal(t, 5.0, cfg.RateLimitRPS)
	assert.Equal(t, 20, cfg.RateLimitBurst)
	assert.Nil(t, cfg.KafkaBrokers)
	assert.Equal(t, "us-east-1", cfg.AWSRegion)
	assert.Empty(t, cfg.EventsSQSQueueURL)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ASSIGNMENT_WINDOW", "90s")
	t.Setenv("MAX_DISTANCE_KM", "12.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com,https://ops.example.com")
	t.Setenv("BUSY_LEAD_TIME", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.AssignmentWindow)
	assert.Equal(t, 12.5, cfg.MaxDistanceKm)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Len(t, cfg.CORSAllowedOrigins, 2)
	assert.Equal(t, 45*time.Minute, cfg.BusyLeadTime, "bad values fall back to the default")

	p := cfg.Policy()
	assert.Equal(t, 90*time.Second, p.AssignmentWindow)
	assert.Equal(t, 12.5, p.MaxDistanceKm)
}

func TestLoadReadsDotEnv(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("PORT=7070\nKAFKA_TOPIC=lifecycle-test\n"), 0o600))
	// godotenv never overrides a variable that is already set, even to "".
	require.NoError(t, os.Unsetenv("PORT"))
	require.NoError(t, os.Unsetenv("KAFKA_TOPIC"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "lifecycle-test", cfg.KafkaTopic)
}

func TestLoadPolicyFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[windows]
assignment = "3m"
broadcast = "90s"

[commission]
rate_bps = 2500
`), 0o600))
	t.Setenv("DISPATCH_POLICY_FILE", path)
	t.Setenv("CONFIRMATION_WINDOW", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, cfg.AssignmentWindow)
	assert.Equal(t, 90*time.Second, cfg.BroadcastWindow)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmationWindow, "keys absent from the file keep the env value")
	assert.Equal(t, 2500, cfg.CommissionRateBPS)
}

func TestLoadPolicyFileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISPATCH_POLICY_FILE", filepath.Join(t.TempDir(), "missing.toml"))
	_, err := Load()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("[windows]\nassignmnet = \"3m\"\n"), 0o600))
	t.Setenv("DISPATCH_POLICY_FILE", path)
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "windows.assignmnet")
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("COMMISSION_RATE_BPS", "12000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "COMMISSION_RATE_BPS")
}
