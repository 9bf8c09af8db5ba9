package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/smedrec/smart-logs-sub004/internal/audit"
)

// Default queue names.
const (
	DefaultQueueName = "audit.events"
	DefaultDLQName   = "audit.events.dlq"
)

// QueueConfig defines one durable queue using Frame primitives. Queue
// URIs support multiple backends: mem://, nats://, kafka://.
type QueueConfig struct {
	// Name is the queue name used for registration.
	Name string `json:"name"`

	// URI is the queue connection URI, e.g. mem://audit.events for
	// tests or nats://audit.events for NATS JetStream.
	URI string `json:"uri"`

	// RetentionDuration is how long the backend retains messages.
	RetentionDuration time.Duration `json:"retention_duration"`

	// Description documents the queue purpose.
	Description string `json:"description,omitempty"`
}

// DefaultQueueConfigs returns the queues the processor depends on. The
// backend must provide at-least-once delivery with visibility-timeout
// redelivery; both mem:// and nats:// backends satisfy this.
func DefaultQueueConfigs() []QueueConfig {
	return []QueueConfig{
		{
			Name:              DefaultQueueName,
			URI:               "mem://" + DefaultQueueName,
			RetentionDuration: 7 * 24 * time.Hour,
			Description:       "Primary audit event ingestion queue",
		},
		{
			Name:              DefaultDLQName,
			URI:               "mem://" + DefaultDLQName,
			RetentionDuration: 30 * 24 * time.Hour,
			Description:       "Dead-letter queue for permanently failed audit events",
		},
	}
}

// Envelope wraps an audit event for queue transport. Serialization must
// round-trip every event field so an event can travel through the DLQ
// and back without loss.
type Envelope struct {
	// JobID identifies this delivery. Redelivery of the same job keeps
	// the same ID; a resubmitted logical event gets a new one.
	JobID audit.JobID `json:"job_id"`

	// QueueName is the queue the envelope was first published to.
	QueueName string `json:"queue_name"`

	// SubmittedAt is when the producer submitted the event.
	SubmittedAt time.Time `json:"submitted_at"`

	// RetryCount counts completed processing attempts across
	// redeliveries. Reset to zero on operator reprocessing.
	RetryCount int `json:"retry_count"`

	// Event is the wrapped audit event.
	Event *audit.Event `json:"event"`
}

// NewEnvelope wraps an event for first publication.
func NewEnvelope(queueName string, event *audit.Event) *Envelope {
	return &Envelope{
		JobID:       audit.NewJobID(),
		QueueName:   queueName,
		SubmittedAt: time.Now().UTC(),
		Event:       event,
	}
}

// Headers returns the transport headers for the envelope.
func (e *Envelope) Headers() map[string]string {
	h := map[string]string{
		"job_id":      e.JobID.String(),
		"queue_name":  e.QueueName,
		"retry_count": strconv.Itoa(e.RetryCount),
	}
	if e.Event != nil {
		h["action"] = e.Event.Action
		h["tenant_id"] = e.Event.TenantID
		if e.Event.CorrelationID != "" {
			h["correlation_id"] = e.Event.CorrelationID
		}
	}
	return h
}

// DecodeEnvelope parses a queue payload back into an envelope.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Event == nil {
		return nil, fmt.Errorf("envelope has no event")
	}
	return &env, nil
}

// QueuePublisher wraps Frame's QueueManager for type-safe publishing.
// Usage: publisher := NewQueuePublisher(svc.QueueManager().Publish)
type QueuePublisher struct {
	publishFunc func(ctx context.Context, queueName string, payload any, headers map[string]string) error
}

// NewQueuePublisher creates a new queue publisher.
func NewQueuePublisher(publishFunc func(ctx context.Context, queueName string, payload any, headers map[string]string) error) *QueuePublisher {
	return &QueuePublisher{publishFunc: publishFunc}
}

// Publish publishes an envelope to a queue.
func (p *QueuePublisher) Publish(ctx context.Context, queueName string, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.publishFunc(ctx, queueName, payload, env.Headers())
}
