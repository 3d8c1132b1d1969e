// Package config loads service configuration from the environment.
// A .env file is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StorageMemory = "memory"
	StorageRedis  = "redis"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Storage       string
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Trust         TrustConfig
	Auth          AuthConfig
	Authorization AuthorizationConfig
	Detector      DetectorConfig
	Suggestions   SuggestionConfig
	Privacy       PrivacyConfig
	RateLimit     RateLimitConfig
}

type ServerConfig struct {
	Port         string
	TLSPort      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	CORSOrigins  []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string

	// SessionRetention is how long an idle session record is kept. It must
	// outlive SessionTTL so expired and locked sessions stay inspectable.
	SessionRetention time.Duration
}

type ScyllaConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

// Enabled reports whether a Scylla cluster is configured.
func (s ScyllaConfig) Enabled() bool { return len(s.Hosts) > 0 }

type KafkaConfig struct {
	Brokers        []string
	AuditTopic     string
	OutOfBandTopic string
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type ElasticsearchConfig struct {
	URL              string
	Username         string
	Password         string
	ExplanationIndex string
}

func (e ElasticsearchConfig) Enabled() bool { return e.URL != "" }

type ClickhouseConfig struct {
	URL        string
	Username   string
	Password   string
	Database   string
	AuditTable string
}

func (c ClickhouseConfig) Enabled() bool { return c.URL != "" }

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	Pepper             string
	PepperRotationDays int
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// TrustConfig holds the assessor thresholds. All values are in [0,1]
// except FailureLockout.
type TrustConfig struct {
	HighNoise      float64
	HighVoice      float64
	MediumVoice    float64
	LowVoice       float64
	HighEmotion    float64
	FailureLockout int
}

type AuthConfig struct {
	SessionTTL         time.Duration
	PINRetryLimit      int
	FailureLockout     int
	VoiceAuthThreshold float64
	OTPLength          int
	OTPTTL             time.Duration
	LockTTL            time.Duration
}

type AuthorizationConfig struct {
	HighValueThreshold float64
}

type DetectorConfig struct {
	WindowDays     int
	TolerancePct   float64
	MinConfidence  float64
	MinOccurrences int
}

type SuggestionConfig struct {
	LookaheadDays int
	// SummaryDay is the day of month a spending summary is offered; 0 disables it.
	SummaryDay int
}

type PrivacyConfig struct {
	PrivateModeEnabled bool
}

// RateLimitConfig bounds login starts per user. Zero attempts disables it.
type RateLimitConfig struct {
	LoginAttempts int
	Window        time.Duration
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads the environment, validates it and installs the result
// as the process-wide configuration returned by Get.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", EnvDevelopment),
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			TLSPort:      getEnv("TLS_PORT", "8443"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    getEnvBool("ENABLE_TLS", false),
			AutoCert:     getEnvBool("AUTOCERT", false),
			AutoCertDir:  getEnv("AUTOCERT_DIR", "./certs/autocert"),
			Domain:       os.Getenv("DOMAIN"),
			Email:        os.Getenv("ACME_EMAIL"),
			CertFile:     getEnv("TLS_CERT_FILE", "./certs/server.crt"),
			KeyFile:      getEnv("TLS_KEY_FILE", "./certs/server.key"),
			CORSOrigins:  getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Storage: getEnv("STORAGE_BACKEND", StorageMemory),
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 20),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "trust"),

			SessionRetention: getEnvDuration("REDIS_SESSION_RETENTION", 24*time.Hour),
		},
		Scylla: ScyllaConfig{
			Hosts:       getEnvList("SCYLLA_HOSTS", nil),
			Keyspace:    getEnv("SCYLLA_KEYSPACE", "voice_banking"),
			Username:    os.Getenv("SCYLLA_USERNAME"),
			Password:    os.Getenv("SCYLLA_PASSWORD"),
			Consistency: getEnv("SCYLLA_CONSISTENCY", "LOCAL_QUORUM"),
			Timeout:     getEnvDuration("SCYLLA_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:        getEnvList("KAFKA_BROKERS", nil),
			AuditTopic:     getEnv("KAFKA_AUDIT_TOPIC", "authz.decisions"),
			OutOfBandTopic: getEnv("KAFKA_OOB_TOPIC", "notify.out-of-band"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:              os.Getenv("ELASTICSEARCH_URL"),
			Username:         os.Getenv("ELASTICSEARCH_USERNAME"),
			Password:         os.Getenv("ELASTICSEARCH_PASSWORD"),
			ExplanationIndex: getEnv("ELASTICSEARCH_EXPLANATION_INDEX", "authz-explanations"),
		},
		Clickhouse: ClickhouseConfig{
			URL:        os.Getenv("CLICKHOUSE_URL"),
			Username:   getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:   os.Getenv("CLICKHOUSE_PASSWORD"),
			Database:   getEnv("CLICKHOUSE_DATABASE", "voice_banking"),
			AuditTable: getEnv("CLICKHOUSE_AUDIT_TABLE", "authz_decisions"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   os.Getenv("KMS_KEY_ID"),
			Region:  getEnv("AWS_REGION", "ap-south-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_KB", 64*1024),
			Argon2TimeCost:     getEnvInt("ARGON2_ITERATIONS", 3),
			Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
			Pepper:             os.Getenv("HASH_PEPPER"),
			PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 0),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 256),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
		Trust: TrustConfig{
			HighNoise:      getEnvFloat("TRUST_HIGH_NOISE", 0.3),
			HighVoice:      getEnvFloat("TRUST_HIGH_VOICE", 0.85),
			MediumVoice:    getEnvFloat("TRUST_MEDIUM_VOICE", 0.70),
			LowVoice:       getEnvFloat("TRUST_LOW_VOICE", 0.5),
			HighEmotion:    getEnvFloat("TRUST_HIGH_EMOTION", 0.7),
			FailureLockout: getEnvInt("TRUST_FAILURE_LOCKOUT", 3),
		},
		Auth: AuthConfig{
			SessionTTL:         getEnvDuration("SESSION_TTL", 30*time.Minute),
			PINRetryLimit:      getEnvInt("PIN_RETRY_LIMIT", 3),
			FailureLockout:     getEnvInt("AUTH_FAILURE_LOCKOUT", 3),
			VoiceAuthThreshold: getEnvFloat("VOICE_AUTH_THRESHOLD", 0.85),
			OTPLength:          getEnvInt("OTP_LENGTH", 6),
			OTPTTL:             getEnvDuration("OTP_TTL", 5*time.Minute),
			LockTTL:            getEnvDuration("ATTEMPT_LOCK_TTL", 10*time.Second),
		},
		Authorization: AuthorizationConfig{
			HighValueThreshold: getEnvFloat("HIGH_VALUE_THRESHOLD", 25000),
		},
		Detector: DetectorConfig{
			WindowDays:     getEnvInt("DETECTOR_WINDOW_DAYS", 90),
			TolerancePct:   getEnvFloat("DETECTOR_AMOUNT_TOLERANCE", 0.10),
			MinConfidence:  getEnvFloat("DETECTOR_MIN_CONFIDENCE", 0.6),
			MinOccurrences: getEnvInt("DETECTOR_MIN_OCCURRENCES", 3),
		},
		Suggestions: SuggestionConfig{
			LookaheadDays: getEnvInt("SUGGESTION_LOOKAHEAD_DAYS", 3),
			SummaryDay:    getEnvInt("SUGGESTION_SUMMARY_DAY", 1),
		},
		Privacy: PrivacyConfig{
			PrivateModeEnabled: getEnvBool("PRIVATE_MODE_ENABLED", true),
		},
		RateLimit: RateLimitConfig{
			LoginAttempts: getEnvInt("LOGIN_RATE_LIMIT", 10),
			Window:        getEnvDuration("LOGIN_RATE_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg, nil
}

// Get returns the configuration installed by LoadConfig, or nil.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Validate checks ranges and threshold ordering.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage != StorageMemory && c.Storage != StorageRedis {
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be %q or %q", StorageMemory, StorageRedis))
	}
	if c.Storage == StorageRedis && c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
	}
	if c.Storage == StorageRedis && c.Redis.SessionRetention < c.Auth.SessionTTL {
		errs = append(errs, errors.New("REDIS_SESSION_RETENTION must be at least SESSION_TTL"))
	}

	t := c.Trust
	for name, v := range map[string]float64{
		"TRUST_HIGH_NOISE":   t.HighNoise,
		"TRUST_HIGH_VOICE":   t.HighVoice,
		"TRUST_MEDIUM_VOICE": t.MediumVoice,
		"TRUST_LOW_VOICE":    t.LowVoice,
		"TRUST_HIGH_EMOTION": t.HighEmotion,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	if !(t.LowVoice <= t.MediumVoice && t.MediumVoice <= t.HighVoice) {
		errs = append(errs, errors.New("voice thresholds must satisfy low <= medium <= high"))
	}
	if t.FailureLockout < 1 {
		errs = append(errs, errors.New("TRUST_FAILURE_LOCKOUT must be at least 1"))
	}

	a := c.Auth
	if a.SessionTTL <= 0 || a.OTPTTL <= 0 || a.LockTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL, OTP_TTL and ATTEMPT_LOCK_TTL must be positive"))
	}
	if a.PINRetryLimit < 1 || a.FailureLockout < 1 {
		errs = append(errs, errors.New("PIN_RETRY_LIMIT and AUTH_FAILURE_LOCKOUT must be at least 1"))
	}
	if a.OTPLength < 4 || a.OTPLength > 10 {
		errs = append(errs, fmt.Errorf("OTP_LENGTH must be between 4 and 10, got %d", a.OTPLength))
	}
	if a.VoiceAuthThreshold < 0 || a.VoiceAuthThreshold > 1 {
		errs = append(errs, errors.New("VOICE_AUTH_THRESHOLD must be within [0,1]"))
	}

	if c.Authorization.HighValueThreshold < 0 {
		errs = append(errs, errors.New("HIGH_VALUE_THRESHOLD must not be negative"))
	}

	d := c.Detector
	if d.WindowDays < 1 {
		errs = append(errs, errors.New("DETECTOR_WINDOW_DAYS must be at least 1"))
	}
	if d.TolerancePct < 0 || d.TolerancePct >= 1 {
		errs = append(errs, errors.New("DETECTOR_AMOUNT_TOLERANCE must be within [0,1)"))
	}
	if d.MinConfidence < 0 || d.MinConfidence > 1 {
		errs = append(errs, errors.New("DETECTOR_MIN_CONFIDENCE must be within [0,1]"))
	}
	if d.MinOccurrences < 3 {
		errs = append(errs, errors.New("DETECTOR_MIN_OCCURRENCES must be at least 3"))
	}
	if c.Suggestions.LookaheadDays < 0 {
		errs = append(errs, errors.New("SUGGESTION_LOOKAHEAD_DAYS must not be negative"))
	}
	if c.Suggestions.SummaryDay < 0 || c.Suggestions.SummaryDay > 28 {
		errs = append(errs, errors.New("SUGGESTION_SUMMARY_DAY must be within [0,28]"))
	}

	if c.RateLimit.LoginAttempts < 0 || (c.RateLimit.LoginAttempts > 0 && c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("LOGIN_RATE_LIMIT must not be negative and needs a positive LOGIN_RATE_WINDOW"))
	}

	if c.Bucketing.UserBuckets < 1 || c.Bucketing.EventBuckets < 1 {
		errs = append(errs, errors.New("USER_BUCKETS and EVENT_BUCKETS must be positive"))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS_ENABLED"))
	}
	if c.IsProduction() && c.Hashing.Pepper == "" {
		errs = append(errs, errors.New("HASH_PEPPER is required in production"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetServerAddress returns the listen address for plain HTTP.
func (c *Config) GetServerAddress() string {
	return ":" + c.Server.Port
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
