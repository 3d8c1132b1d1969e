package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoadConfig_Defaults(t *testing.T) {
	setEnv(t, "ENVIRONMENT", "development")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 0.3, cfg.Trust.HighNoise)
	assert.Equal(t, 0.85, cfg.Trust.HighVoice)
	assert.Equal(t, 3, cfg.Trust.FailureLockout)
	assert.Equal(t, 30*time.Minute, cfg.Auth.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.Auth.OTPTTL)
	assert.Equal(t, 6, cfg.Auth.OTPLength)
	assert.Equal(t, 25000.0, cfg.Authorization.HighValueThreshold)
	assert.Equal(t, 90, cfg.Detector.WindowDays)
	assert.Equal(t, 0.10, cfg.Detector.TolerancePct)
	assert.Equal(t, 3, cfg.Suggestions.LookaheadDays)
	assert.True(t, cfg.Privacy.PrivateModeEnabled)
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Scylla.Enabled())
	assert.Same(t, cfg, Get())
}

func TestLoadConfig_Overrides(t *testing.T) {
	setEnv(t, "ENVIRONMENT", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "OTP_TTL", "2m")
	setEnv(t, "HIGH_VALUE_THRESHOLD", "10000")
	setEnv(t, "KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	setEnv(t, "PRIVATE_MODE_ENABLED", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.GetServerAddress())
	assert.Equal(t, 2*time.Minute, cfg.Auth.OTPTTL)
	assert.Equal(t, 10000.0, cfg.Authorization.HighValueThreshold)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Privacy.PrivateModeEnabled)
}

func TestLoadConfig_InvalidThresholdOrder(t *testing.T) {
	setEnv(t, "ENVIRONMENT", "development")
	setEnv(t, "TRUST_MEDIUM_VOICE", "0.9")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "low <= medium <= high")
}

func validConfig() Config {
	return Config{
		Environment:   EnvDevelopment,
		Storage:       StorageMemory,
		Trust:         TrustConfig{HighNoise: 0.3, HighVoice: 0.85, MediumVoice: 0.7, LowVoice: 0.5, HighEmotion: 0.7, FailureLockout: 3},
		Auth:          AuthConfig{SessionTTL: time.Minute, PINRetryLimit: 3, FailureLockout: 3, VoiceAuthThreshold: 0.85, OTPLength: 6, OTPTTL: time.Minute, LockTTL: time.Second},
		Authorization: AuthorizationConfig{HighValueThreshold: 25000},
		Detector:      DetectorConfig{WindowDays: 90, TolerancePct: 0.1, MinConfidence: 0.6, MinOccurrences: 3},
		Bucketing:     BucketingConfig{UserBuckets: 16, EventBuckets: 16},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage = "postgres" }, wantErr: "STORAGE_BACKEND"},
		{name: "noise out of range", mutate: func(c *Config) { c.Trust.HighNoise = 1.5 }, wantErr: "TRUST_HIGH_NOISE"},
		{name: "short otp", mutate: func(c *Config) { c.Auth.OTPLength = 3 }, wantErr: "OTP_LENGTH"},
		{name: "negative high value", mutate: func(c *Config) { c.Authorization.HighValueThreshold = -1 }, wantErr: "HIGH_VALUE_THRESHOLD"},
		{name: "two occurrences", mutate: func(c *Config) { c.Detector.MinOccurrences = 2 }, wantErr: "DETECTOR_MIN_OCCURRENCES"},
		{name: "kms without key", mutate: func(c *Config) { c.KMS.Enabled = true }, wantErr: "KMS_KEY_ID"},
		{name: "production without pepper", mutate: func(c *Config) { c.Environment = EnvProduction }, wantErr: "HASH_PEPPER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
