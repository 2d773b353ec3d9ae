package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *ProductionConfig {
	return &ProductionConfig{
		Database: DatabaseConfig{Host: "localhost", Port: 5432, Name: "kusanagi", User: "postgres"},
		Server:   ServerConfig{Port: 8080},
		Scheduler: SchedulerConfig{
			TaskPollInterval:       5 * time.Minute,
			DripPollInterval:       time.Hour,
			ExperimentEvalInterval: 15 * time.Minute,
			ClaimBatchSize:         100,
			Workers:                4,
			RetryStrategy:          "fixed",
			RetryBackoff:           time.Hour,
			RetryBackoffMax:        24 * time.Hour,
			DefaultMaxRetries:      3,
			StepLease:              10 * time.Minute,
		},
		Delivery:    DeliveryConfig{Provider: "mock", Timeout: 15 * time.Second},
		Webhook:     WebhookConfig{Queue: "inline"},
		Correlation: CorrelationConfig{Secret: "0123456789abcdef0123456789abcdef"},
		Experiment:  ExperimentConfig{MinControlImpressions: 400, MinChallengerImpressions: 100, CriticalZ: 1.96},
		Logging:     LoggingConfig{Output: "stdout"},
	}
}

func TestValidateProductionConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ProductionConfig)
		wantErr string
	}{
		{"valid", func(*ProductionConfig) {}, ""},
		{"bad retry strategy", func(c *ProductionConfig) { c.Scheduler.RetryStrategy = "linear" }, "RETRY_STRATEGY"},
		{"backoff max below base", func(c *ProductionConfig) { c.Scheduler.RetryBackoffMax = time.Minute }, "RETRY_BACKOFF_MAX"},
		{"ses without sender", func(c *ProductionConfig) { c.Delivery.Provider = "ses" }, "SES_FROM_EMAIL"},
		{"send outlives step lease", func(c *ProductionConfig) { c.Delivery.Timeout = 10 * time.Minute }, "DELIVERY_TIMEOUT"},
		{"no send timeout", func(c *ProductionConfig) { c.Delivery.Timeout = 0 }, "DELIVERY_TIMEOUT"},
		{"unknown queue", func(c *ProductionConfig) { c.Webhook.Queue = "sqs" }, "WEBHOOK_QUEUE"},
		{"kafka without topic", func(c *ProductionConfig) {
			c.Webhook.Queue = "kafka"
			c.Webhook.KafkaBrokers = []string{"k:9092"}
		}, "KAFKA_TOPIC"},
		{"short secret", func(c *ProductionConfig) { c.Correlation.Secret = "short" }, "CORRELATION_SECRET"},
		{"zero floor", func(c *ProductionConfig) { c.Experiment.MinControlImpressions = 0 }, "impression floors"},
		{"bad log output", func(c *ProductionConfig) { c.Logging.Output = "syslog" }, "LOG_OUTPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := ValidateProductionConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateProductionConfig_CollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = ""
	cfg.Scheduler.Workers = 0
	err := ValidateProductionConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_HOST")
	assert.Contains(t, err.Error(), "SCHEDULER_WORKERS")
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("KUSANAGI_TEST_DURATION", "90s")
	t.Setenv("KUSANAGI_TEST_BAD_INT", "nope")
	t.Setenv("KUSANAGI_TEST_SLICE", " a, ,b ")
	t.Setenv("KUSANAGI_TEST_FLOAT", "2.58")

	assert.Equal(t, 90*time.Second, getEnvDuration("KUSANAGI_TEST_DURATION", time.Second))
	assert.Equal(t, 7, getEnvInt("KUSANAGI_TEST_BAD_INT", 7))
	assert.Equal(t, []string{"a", "b"}, getEnvStringSlice("KUSANAGI_TEST_SLICE", nil))
	assert.InDelta(t, 2.58, getEnvFloat("KUSANAGI_TEST_FLOAT", 1.96), 1e-9)
	assert.Equal(t, "fallback", getEnvString("KUSANAGI_TEST_UNSET", "fallback"))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("KUSANAGI_FROM_DOTENV=loaded\nKUSANAGI_PRESET=fromfile\n"), 0o600))
	t.Setenv("KUSANAGI_PRESET", "fromenv")
	t.Setenv("KUSANAGI_FROM_DOTENV", "")
	require.NoError(t, os.Unsetenv("KUSANAGI_FROM_DOTENV"))

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("KUSANAGI_FROM_DOTENV"))
	assert.Equal(t, "fromenv", os.Getenv("KUSANAGI_PRESET"))

	assert.NoError(t, loadEnvFile(filepath.Join(dir, "missing.env")))
}
