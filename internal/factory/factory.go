package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"realtime-gateway/internal/archive"
	"realtime-gateway/internal/client"
	"realtime-gateway/internal/config"
	"realtime-gateway/internal/fingerprint"
	"realtime-gateway/internal/gateway"
	"realtime-gateway/internal/identity"
	"realtime-gateway/internal/message"
	"realtime-gateway/internal/ratelimit"
	"realtime-gateway/internal/recovery"
	redisrepo "realtime-gateway/internal/repository/redis"
	"realtime-gateway/internal/repository/scylla"
	"realtime-gateway/internal/seclog"
	"realtime-gateway/internal/sink"
	"realtime-gateway/internal/tls"
	"realtime-gateway/internal/transport"
	"realtime-gateway/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Core components
	eventLog      *seclog.Log
	limiter       *ratelimit.Limiter
	tracker       *fingerprint.Tracker
	stateProvider *recovery.MemoryStateProvider
	gateway       *gateway.Gateway
	engine        *recovery.Engine
	hub           *transport.Hub

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeCore(); err != nil {
		return nil, fmt.Errorf("failed to initialize core components: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("redis_checkpoints", cfg.Recovery.UseRedisCheckpoints),
	)

	return factory, nil
}

// initializeClients initializes the enabled external service clients
// with health checks. In development a failed backend degrades to the
// in-process fallback instead of aborting startup.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}
	}

	// ScyllaDB
	if f.config.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			if err := f.scyllaClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			if err := f.esClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeCore wires the gateway and recovery engine with whichever
// backends came up.
func (f *Factory) initializeCore() error {
	cfg := f.config

	f.eventLog = seclog.New(cfg.EventLog.Capacity)
	f.eventLog.SetArchiveBatching(cfg.EventLog.ArchiveBatchSize, cfg.EventLog.ArchiveInterval)
	if f.clickhouseClient != nil {
		f.eventLog.AttachArchiver(archive.NewClickHouseArchiver(f.clickhouseClient))
	}
	if f.esClient != nil {
		f.eventLog.AttachArchiver(archive.NewESIndexer(f.esClient, cfg.Elasticsearch.EventIndex))
	}

	f.limiter = ratelimit.NewLimiter(cfg.RateLimit)
	f.tracker = fingerprint.NewTracker(f.eventLog, cfg.Fingerprint.SuspiciousRate, cfg.Fingerprint.PatternTTL)
	f.stateProvider = recovery.NewMemoryStateProvider()

	verifier, err := f.buildVerifier()
	if err != nil {
		return err
	}

	f.gateway = gateway.New(
		verifier,
		f.limiter,
		f.tracker,
		f.eventLog,
		gateway.DomainHandlerFunc(f.handleDomainMessage),
		cfg.Gateway.MaxMessageBytes,
	)

	// Hub and engine reference each other; the hub is built first and
	// the engine is attached afterwards.
	f.hub = transport.NewHub(f.gateway, nil, cfg.Server.AllowedOrigins)

	f.engine = recovery.NewEngine(
		cfg.Recovery,
		f.buildCheckpointStore(),
		f.stateProvider,
		f.hub,
		f.buildNotificationSink(),
		f.buildEscalationSink(),
		f.buildReviewMarkerStore(),
	)
	f.hub.SetRecoveryEngine(f.engine)

	return nil
}

func (f *Factory) buildVerifier() (identity.Verifier, error) {
	if f.config.Identity.JWTSecret != "" {
		return identity.NewJWTVerifier(f.config.Identity.JWTSecret, f.config.Identity.Issuer)
	}
	if f.config.IsProduction() {
		return nil, fmt.Errorf("IDENTITY_JWT_SECRET is required in production")
	}
	util.Warn("no JWT secret configured, accepting any non-empty token")
	return identity.InsecureDevVerifier{}, nil
}

func (f *Factory) buildCheckpointStore() recovery.CheckpointStore {
	if f.config.Recovery.UseRedisCheckpoints && f.redisClient != nil {
		util.Info("using Redis checkpoint store")
		return redisrepo.NewCheckpointCache(f.redisClient, f.config.Recovery.CheckpointTTL)
	}
	return recovery.NewMemoryCheckpointStore()
}

func (f *Factory) buildEscalationSink() recovery.EscalationSink {
	if f.kafkaProducer != nil {
		return sink.NewKafkaEscalationSink(f.kafkaProducer, f.config.Kafka.EscalationTopic)
	}
	return sink.LogEscalationSink{}
}

func (f *Factory) buildNotificationSink() recovery.NotificationSink {
	return sink.NewTransportNotificationSink(f.hub)
}

func (f *Factory) buildReviewMarkerStore() recovery.ReviewMarkerStore {
	if f.scyllaClient != nil {
		return scylla.NewReviewMarkerRepository(f.scyllaClient)
	}
	return recovery.NewMemoryReviewMarkerStore()
}

// handleDomainMessage keeps the session state provider current from
// traffic that cleared the gateway pipeline.
func (f *Factory) handleDomainMessage(_ context.Context, _ string, ident string, msg *message.Message) error {
	switch msg.Type {
	case message.TypeSession:
		sid := msg.SessionID()
		if sid == "" {
			return nil
		}
		switch msg.Session.Action {
		case "start", "resume":
			f.stateProvider.Track(sid, ident, msg.Session.Topic)
		case "end":
			f.stateProvider.Forget(sid)
		}
	case message.TypeTranscription:
		f.stateProvider.SetProgress(msg.Transcription.SessionID, map[string]any{
			"last_transcription_at": time.Now().UTC(),
		})
	case message.TypeControl:
		f.stateProvider.SetProgress(msg.Control.SessionID, map[string]any{
			"last_command": msg.Control.Command,
		})
	}
	return nil
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.config.Redis.Enabled {
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
	}

	if f.config.Scylla.Enabled {
		if f.scyllaClient != nil {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				healthErrors["scylla"] = err
			}
		} else {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		}
	}

	if f.config.Elasticsearch.Enabled {
		if f.esClient != nil {
			if err := f.esClient.HealthCheck(); err != nil {
				healthErrors["elasticsearch"] = err
			}
		} else {
			healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
		}
	}

	if f.config.Clickhouse.Enabled {
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				healthErrors["clickhouse"] = err
			}
		} else {
			healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
		}
	}

	if f.config.Kafka.Enabled && f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Let in-flight recovery goroutines finish before closing the
		// backends they write to.
		if f.engine != nil {
			f.engine.Wait()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
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

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) EventLog() *seclog.Log {
	return f.eventLog
}

func (f *Factory) Limiter() *ratelimit.Limiter {
	return f.limiter
}

func (f *Factory) Tracker() *fingerprint.Tracker {
	return f.tracker
}

func (f *Factory) Gateway() *gateway.Gateway {
	return f.gateway
}

func (f *Factory) Engine() *recovery.Engine {
	return f.engine
}

func (f *Factory) Hub() *transport.Hub {
	return f.hub
}
