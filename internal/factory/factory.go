package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/audit"
	"trust-service/internal/auth"
	"trust-service/internal/bucketing"
	"trust-service/internal/client"
	"trust-service/internal/config"
	"trust-service/internal/encryption"
	"trust-service/internal/hashing"
	"trust-service/internal/metrics"
	"trust-service/internal/model"
	"trust-service/internal/notify"
	redisrepo "trust-service/internal/repository/redis"
	"trust-service/internal/repository/scylla"
	"trust-service/internal/service"
	"trust-service/internal/tls"
	"trust-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients; nil when not configured
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	orchestrator   *auth.Orchestrator
	serviceFactory *service.ServiceFactory

	stopBackground context.CancelFunc
	closeOnce      sync.Once
	closed         chan struct{}
}

// NewFactory loads configuration and initializes every dependency the
// configured backends need.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeServices(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage", cfg.Storage),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("scylla_enabled", f.scyllaClient != nil),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", f.esClient != nil),
		util.Bool("clickhouse_enabled", f.clickhouseClient != nil),
	)
	return f, nil
}

// initializeClients dials every configured backend. Redis is required when
// it is the storage backend; the others are fatal only in production.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	if f.config.Storage == config.StorageRedis {
		rc, err := client.NewRedisClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
		util.Info("Redis client initialized and healthy")
	}

	if f.config.Scylla.Enabled() {
		if sc, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = sc
			if err := sc.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			}
		}
	}

	if f.config.Kafka.Enabled() {
		f.kafkaProducer = client.NewKafkaProducer(f.config, f.logger.Named("kafka"))
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			util.Warn("Kafka not reachable yet - writes will retry", util.ErrorField(err))
		}
	}

	if f.config.Elasticsearch.Enabled() {
		if es, err := client.NewElasticsearchClient(ctx, f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
		}
	}

	if f.config.Clickhouse.Enabled() {
		if ch, err := client.NewClickHouseClient(ctx, f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning - continuing without it", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	f.hasher = hashing.NewHasher(f.config.Hashing)
	f.bucketingManager = bucketing.NewManager(f.config.Bucketing)

	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		kc, err := encryption.NewKMSClient(ctx, f.config.KMS)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsAPI = kc
	} else if f.config.IsProduction() {
		util.Warn("KMS_ENABLED is false - out-of-band payloads are sealed with a process-local key")
	}
	em, err := encryption.NewManager(f.config.KMS, kmsAPI)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	f.encryptionManager = em

	bg, cancel := context.WithCancel(context.Background())
	f.stopBackground = cancel
	f.hasher.StartPepperRotation(bg)

	util.Info("Managers initialized successfully",
		util.Int("user_buckets", f.bucketingManager.UserBuckets()),
		util.Int("event_buckets", f.bucketingManager.EventBuckets()),
		util.Bool("kms", kmsAPI != nil),
	)
	return nil
}

// initializeServices builds the stores for the configured backend and the
// service graph on top of them.
func (f *Factory) initializeServices(ctx context.Context) error {
	cfg := f.config

	var (
		sessions model.SessionStore
		otps     model.OTPStore
		locker   model.AttemptLocker
		creds    model.CredentialStore
		limiter  service.LoginLimiter
	)
	switch cfg.Storage {
	case config.StorageRedis:
		rdb, prefix := f.redisClient.Client, f.redisClient.KeyPrefix()
		sessions = redisrepo.NewSessionCache(rdb, prefix, cfg.Redis.SessionRetention)
		otps = redisrepo.NewOTPCache(rdb, prefix)
		locker = redisrepo.NewAttemptLock(rdb, prefix, cfg.Auth.LockTTL)
		creds = redisrepo.NewCredentialCache(rdb, prefix)
		limiter = redisrepo.NewRateLimitCache(rdb, prefix)
	default:
		sessions = auth.NewMemorySessionStore()
		otps = auth.NewMemoryOTPStore(time.Now)
		locker = auth.NewKeyedLocker()
		creds = auth.NewMemoryCredentialStore()
	}

	var (
		ledger model.TransactionSource
		sink   model.TransactionSink
	)
	if f.scyllaClient != nil {
		if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
		repo := scylla.NewLedgerRepository(f.scyllaClient, f.bucketingManager)
		ledger, sink = repo, repo
		creds = scylla.NewCredentialRepository(f.scyllaClient, f.bucketingManager)
	} else {
		mem := service.NewMemoryLedger()
		ledger, sink = mem, mem
	}

	recorder, explanations, err := f.auditSinks(ctx)
	if err != nil {
		return err
	}

	var dispatcher notify.Dispatcher
	if f.kafkaProducer != nil {
		dispatcher = notify.NewKafkaDispatcher(f.kafkaProducer, f.encryptionManager, cfg.Kafka.OutOfBandTopic)
	} else {
		if cfg.IsProduction() {
			util.Warn("KAFKA_BROKERS not set - out-of-band requests stay in process")
		}
		dispatcher = notify.NewMemoryDispatcher()
	}

	otpManager := auth.NewOTPManager(otps, f.hasher, cfg.Auth.OTPLength, cfg.Auth.OTPTTL, time.Now)
	f.orchestrator = auth.NewOrchestrator(sessions, locker, creds, otpManager, f.hasher,
		auth.Config{
			SessionTTL:     cfg.Auth.SessionTTL,
			PINRetryLimit:  cfg.Auth.PINRetryLimit,
			FailureLockout: cfg.Auth.FailureLockout,
			VoiceThreshold: cfg.Auth.VoiceAuthThreshold,
		},
		f.logger.Named("auth"),
		auth.WithTransitionHook(metrics.ObserveTransition),
	)

	f.serviceFactory = service.NewServiceFactory(cfg, service.Dependencies{
		Orchestrator: f.orchestrator,
		Ledger:       ledger,
		Sink:         sink,
		Recorder:     recorder,
		Explanations: explanations,
		Dispatcher:   dispatcher,
		Limiter:      limiter,
	}, f.logger)
	return nil
}

// auditSinks fans decisions out to every configured store. Explanations are
// served from Elasticsearch when present, otherwise from process memory.
func (f *Factory) auditSinks(ctx context.Context) (audit.Recorder, audit.ExplanationFinder, error) {
	var (
		recorders    audit.Multi
		explanations audit.ExplanationFinder
	)

	if f.esClient != nil {
		idx := audit.NewESIndex(f.esClient, f.config.Elasticsearch.ExplanationIndex)
		recorders = append(recorders, idx)
		explanations = idx
	} else {
		mem := audit.NewMemoryRecorder(0)
		recorders = append(recorders, mem)
		explanations = mem
	}

	if f.kafkaProducer != nil {
		recorders = append(recorders, audit.NewKafkaRecorder(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}

	if f.clickhouseClient != nil {
		ch, err := audit.NewClickHouseRecorder(f.clickhouseClient, f.bucketingManager, f.config.Clickhouse.AuditTable)
		if err != nil {
			return nil, nil, err
		}
		if err := ch.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		recorders = append(recorders, ch)
	}

	return recorders, explanations, nil
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports failures of configured backends only.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}
	if f.orchestrator == nil {
		healthErrors["orchestrator"] = fmt.Errorf("orchestrator not initialized")
	}

	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.stopBackground != nil {
			f.stopBackground()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
