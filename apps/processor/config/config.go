package config

import (
	"time"

	"github.com/pitabwire/frame/config"

	"github.com/smedrec/smart-logs-sub004/internal/events"
	"github.com/smedrec/smart-logs-sub004/internal/storage"
)

// ProcessorConfig defines configuration for the audit event processor
// service: the ingestion queue, the retry engine, the circuit breaker,
// the dead-letter queue and partition maintenance.
type ProcessorConfig struct {
	config.ConfigurationDefault

	// ==========================================================================
	// Queue Configuration
	// ==========================================================================

	// Audit event queue (incoming)
	QueueAuditEventsName string `envDefault:"audit.events" env:"QUEUE_AUDIT_EVENTS_NAME"`
	QueueAuditEventsURI  string `envDefault:"mem://audit.events" env:"QUEUE_AUDIT_EVENTS_URI"`

	// Dead letter queue
	QueueDLQName string `envDefault:"audit.events.dlq" env:"QUEUE_DLQ_NAME"`
	QueueDLQURI  string `envDefault:"mem://audit.events.dlq" env:"QUEUE_DLQ_URI"`

	// ==========================================================================
	// Processing Configuration
	// ==========================================================================

	// WorkerConcurrency is the worker pool size.
	WorkerConcurrency int `envDefault:"5" env:"WORKER_CONCURRENCY"`

	// ShutdownGracePeriodSeconds bounds how long shutdown waits for
	// in-flight events.
	ShutdownGracePeriodSeconds int `envDefault:"30" env:"SHUTDOWN_GRACE_PERIOD_SECONDS"`

	// MetricsFlushIntervalSeconds is how often durable counters are
	// flushed and the queue depth gauge sampled.
	MetricsFlushIntervalSeconds int `envDefault:"30" env:"METRICS_FLUSH_INTERVAL_SECONDS"`

	// ==========================================================================
	// Retry Configuration
	// ==========================================================================

	// RetryMaxRetries is the retry attempts after the initial try.
	RetryMaxRetries int `envDefault:"5" env:"RETRY_MAX_RETRIES"`

	// RetryStrategy is one of exponential, linear, fixed.
	RetryStrategy string `envDefault:"exponential" env:"RETRY_STRATEGY"`

	// RetryBaseDelayMS is the first retry delay.
	RetryBaseDelayMS int `envDefault:"1000" env:"RETRY_BASE_DELAY_MS"`

	// RetryMaxDelayMS caps the computed delay.
	RetryMaxDelayMS int `envDefault:"30000" env:"RETRY_MAX_DELAY_MS"`

	// RetryJitter toggles the [0.9, 1.1] delay jitter.
	RetryJitter bool `envDefault:"true" env:"RETRY_JITTER"`

	// ==========================================================================
	// Circuit Breaker Configuration
	// ==========================================================================

	// BreakerFailureThreshold is the failure count that trips the breaker.
	BreakerFailureThreshold int `envDefault:"5" env:"BREAKER_FAILURE_THRESHOLD"`

	// BreakerRecoveryTimeoutMS is how long the breaker stays open.
	BreakerRecoveryTimeoutMS int `envDefault:"30000" env:"BREAKER_RECOVERY_TIMEOUT_MS"`

	// BreakerMonitoringPeriodMS is the failure counting window.
	BreakerMonitoringPeriodMS int `envDefault:"60000" env:"BREAKER_MONITORING_PERIOD_MS"`

	// BreakerMinimumThroughput is the request count below which the
	// breaker never trips.
	BreakerMinimumThroughput int `envDefault:"10" env:"BREAKER_MINIMUM_THROUGHPUT"`

	// ==========================================================================
	// Dead Letter Queue Configuration
	// ==========================================================================

	// DLQAlertThreshold fires alerts when the DLQ size reaches it.
	DLQAlertThreshold int `envDefault:"10" env:"DLQ_ALERT_THRESHOLD"`

	// DLQAlertCooldownSeconds is the minimum gap between alert rounds.
	DLQAlertCooldownSeconds int `envDefault:"300" env:"DLQ_ALERT_COOLDOWN_SECONDS"`

	// DLQMaxRetentionDays bounds how long DLQ records are kept.
	DLQMaxRetentionDays int `envDefault:"30" env:"DLQ_MAX_RETENTION_DAYS"`

	// ==========================================================================
	// Partition Maintenance
	// ==========================================================================

	// PartitionAutoCreate enables monthly partition pre-creation.
	PartitionAutoCreate bool `envDefault:"true" env:"PARTITION_AUTO_CREATE"`

	// PartitionAutoDrop enables expired partition removal.
	PartitionAutoDrop bool `envDefault:"true" env:"PARTITION_AUTO_DROP"`

	// PartitionCreateAheadMonths is how many future months to keep
	// partitions for.
	PartitionCreateAheadMonths int `envDefault:"6" env:"PARTITION_CREATE_AHEAD_MONTHS"`

	// PartitionRetentionDays is the partition retention window. The
	// default is seven years for compliance archives.
	PartitionRetentionDays int `envDefault:"2555" env:"PARTITION_RETENTION_DAYS"`

	// PartitionMaintenanceIntervalHours is how often maintenance runs.
	PartitionMaintenanceIntervalHours int `envDefault:"24" env:"PARTITION_MAINTENANCE_INTERVAL_HOURS"`

	// ==========================================================================
	// Durable State (Redis)
	// ==========================================================================

	// RedisURI is the Redis connection for durable breaker state and
	// metric counters. Empty disables durable state.
	RedisURI string `env:"REDIS_URI"`

	// ==========================================================================
	// Integrity
	// ==========================================================================

	// VerifierID identifies this node in integrity verification records.
	VerifierID string `envDefault:"audit-processor" env:"VERIFIER_ID"`
}

// RetryConfig maps the env settings onto the retry engine config.
func (c *ProcessorConfig) RetryConfig() events.RetryConfig {
	return events.RetryConfig{
		MaxRetries:                 c.RetryMaxRetries,
		Strategy:                   events.Strategy(c.RetryStrategy),
		BaseDelayMS:                c.RetryBaseDelayMS,
		MaxDelayMS:                 c.RetryMaxDelayMS,
		Jitter:                     c.RetryJitter,
		RetryableCodes:             events.DefaultRetryableCodes(),
		RetryableMessageSubstrings: events.DefaultRetryableSubstrings(),
	}
}

// BreakerConfig maps the env settings onto the breaker config.
func (c *ProcessorConfig) BreakerConfig() events.BreakerConfig {
	return events.BreakerConfig{
		FailureThreshold:   c.BreakerFailureThreshold,
		RecoveryTimeoutMS:  c.BreakerRecoveryTimeoutMS,
		MonitoringPeriodMS: c.BreakerMonitoringPeriodMS,
		MinimumThroughput:  c.BreakerMinimumThroughput,
	}
}

// ProcessorConfig maps the env settings onto the processor config.
func (c *ProcessorConfig) ProcessorConfig() events.ProcessorConfig {
	return events.ProcessorConfig{
		QueueName:     c.QueueAuditEventsName,
		Concurrency:   c.WorkerConcurrency,
		GracePeriod:   time.Duration(c.ShutdownGracePeriodSeconds) * time.Second,
		GaugeInterval: time.Duration(c.MetricsFlushIntervalSeconds) * time.Second,
		Retry:         c.RetryConfig(),
		Breaker:       c.BreakerConfig(),
	}
}

// DLQConfig maps the env settings onto the dead-letter handler config.
func (c *ProcessorConfig) DLQConfig() events.DeadLetterHandlerConfig {
	return events.DeadLetterHandlerConfig{
		SourceQueueName:  c.QueueAuditEventsName,
		AlertThreshold:   c.DLQAlertThreshold,
		AlertCooldown:    time.Duration(c.DLQAlertCooldownSeconds) * time.Second,
		MaxRetentionDays: c.DLQMaxRetentionDays,
	}
}

// SchedulerConfig maps the env settings onto the partition maintenance
// scheduler config.
func (c *ProcessorConfig) SchedulerConfig() storage.SchedulerConfig {
	return storage.SchedulerConfig{
		Interval:      time.Duration(c.PartitionMaintenanceIntervalHours) * time.Hour,
		RetentionDays: c.PartitionRetentionDays,
		CreateAhead:   c.PartitionCreateAheadMonths,
		AutoCreate:    c.PartitionAutoCreate,
		AutoDrop:      c.PartitionAutoDrop,
	}
}
