package queue

import (
	"context"

	"github.com/pitabwire/util"

	appconfig "github.com/smedrec/smart-logs-sub004/apps/processor/config"
	"github.com/smedrec/smart-logs-sub004/internal/events"
)

// AuditEventHandler is the queue subscriber for the primary audit event
// queue. Each delivery is handed to the processor worker pool; a nil
// return acks the message, a non-nil return leaves it for redelivery.
type AuditEventHandler struct {
	cfg       *appconfig.ProcessorConfig
	processor *events.Processor
}

// NewAuditEventHandler creates the subscriber.
func NewAuditEventHandler(
	cfg *appconfig.ProcessorConfig,
	processor *events.Processor,
) *AuditEventHandler {
	return &AuditEventHandler{
		cfg:       cfg,
		processor: processor,
	}
}

// Handle processes one queue delivery.
func (h *AuditEventHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	err := h.processor.Handle(ctx, headers, payload)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("audit event delivery not acked",
			"queue", h.cfg.QueueAuditEventsName,
			"job_id", headers["job_id"])
	}
	return err
}
