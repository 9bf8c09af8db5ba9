package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/smedrec/smart-logs-sub004/apps/processor/config"
	"github.com/smedrec/smart-logs-sub004/apps/processor/service/queue"
	"github.com/smedrec/smart-logs-sub004/internal/events"
	"github.com/smedrec/smart-logs-sub004/internal/integrity"
	"github.com/smedrec/smart-logs-sub004/internal/storage"
)

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[appconfig.ProcessorConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "audit_processor"
	}

	// Create service with Frame
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	// Get managers
	dbManager := svc.DatastoreManager()
	qMan := svc.QueueManager()

	// Get database pool
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)

	// ==========================================================================
	// Setup Storage
	// ==========================================================================

	partitions := storage.NewPartitionManager(dbPool)
	if bootstrapErr := bootstrapSchema(ctx, &cfg, partitions); bootstrapErr != nil {
		log.WithError(bootstrapErr).Fatal("could not bootstrap audit schema")
	}

	store := storage.NewStore(dbPool, partitions)
	if seedErr := store.SeedRetentionPolicies(ctx); seedErr != nil {
		log.WithError(seedErr).Warn("could not seed retention policies")
	}
	dlqStore := storage.NewDeadLetterStore(dbPool)

	scheduler := storage.NewMaintenanceScheduler(cfg.SchedulerConfig(), partitions)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// ==========================================================================
	// Setup Durable State
	// ==========================================================================

	var breakerStore events.StateStore
	var counterStore events.CounterStore
	if cfg.RedisURI != "" {
		opts, redisErr := redis.ParseURL(cfg.RedisURI)
		if redisErr != nil {
			log.WithError(redisErr).Fatal("invalid redis URI")
		}
		client := redis.NewClient(opts)
		defer client.Close()

		breakerStore = events.NewRedisStateStore(client, "")
		counterStore = events.NewRedisCounterStore(client, "")
	}

	// ==========================================================================
	// Setup Processing Pipeline
	// ==========================================================================

	collector := events.NewCollector(counterStore)
	breaker := events.NewCircuitBreaker(cfg.BreakerConfig(), collector.RecordBreakerTrip, breakerStore)

	publisher := events.NewQueuePublisher(
		func(ctx context.Context, queueName string, payload any, headers map[string]string) error {
			return qMan.Publish(ctx, queueName, payload, headers)
		},
	)

	dlq := events.NewDeadLetterHandler(cfg.DLQConfig(), dlqStore, publisher, collector)
	dlq.OnAlert(func(ctx context.Context, m *events.DeadLetterMetrics) {
		util.Log(ctx).Error("dead letter queue above alert threshold",
			"total_events", m.TotalEvents,
			"events_today", m.EventsToday)
	})

	processor := events.NewProcessor(
		cfg.ProcessorConfig(),
		nil,
		store,
		breaker,
		dlq,
		collector,
		publisher,
	)
	processor.Start(ctx)
	defer processor.Stop(ctx)

	// ==========================================================================
	// Register Publishers
	// ==========================================================================

	auditEventPublisher := frame.WithRegisterPublisher(
		cfg.QueueAuditEventsName,
		cfg.QueueAuditEventsURI,
	)

	dlqPublisher := frame.WithRegisterPublisher(
		cfg.QueueDLQName,
		cfg.QueueDLQURI,
	)

	// ==========================================================================
	// Register Subscribers
	// ==========================================================================

	auditEventSubscriber := frame.WithRegisterSubscriber(
		cfg.QueueAuditEventsName,
		cfg.QueueAuditEventsURI,
		queue.NewAuditEventHandler(&cfg, processor),
	)

	// ==========================================================================
	// Setup Health Endpoint
	// ==========================================================================

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := processor.HealthReport(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Score < 50 {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(report)
	})

	verifier := integrity.NewVerifier(store, cfg.VerifierID)

	mux.HandleFunc("/integrity/sweep", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		hours := 24
		if raw := r.URL.Query().Get("hours"); raw != "" {
			parsed, parseErr := strconv.Atoi(raw)
			if parseErr != nil || parsed <= 0 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			hours = parsed
		}

		filter := storage.QueryFilter{
			From:     time.Now().UTC().Add(-time.Duration(hours) * time.Hour),
			TenantID: r.URL.Query().Get("tenant_id"),
		}
		failures, sweepErr := store.VerifyRange(r.Context(), verifier, filter)
		w.Header().Set("Content-Type", "application/json")
		if sweepErr != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": sweepErr.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"failures": failures})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","service":"audit_processor"}`))
	})

	// ==========================================================================
	// Initialize Service
	// ==========================================================================

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),
		// Publishers
		auditEventPublisher,
		dlqPublisher,
		// Subscribers
		auditEventSubscriber,
	}

	svc.Init(ctx, serviceOptions...)

	// ==========================================================================
	// Start the Service
	// ==========================================================================

	log.Info("Starting audit event processor service...")
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

// bootstrapSchema creates the partitioned parent tables and the first
// batch of monthly partitions. Both steps are idempotent DDL.
func bootstrapSchema(
	ctx context.Context,
	cfg *appconfig.ProcessorConfig,
	partitions *storage.PartitionManager,
) error {
	if err := partitions.InitializeParent(ctx); err != nil {
		return err
	}
	if cfg.PartitionAutoCreate {
		if _, err := partitions.CreatePartitionsAhead(ctx, cfg.PartitionCreateAheadMonths); err != nil {
			return err
		}
	}
	return nil
}
