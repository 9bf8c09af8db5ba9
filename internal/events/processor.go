package events

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"

	"github.com/smedrec/smart-logs-sub004/internal/audit"
)

// Processor defaults.
const (
	DefaultConcurrency   = 5
	DefaultGracePeriod   = 30 * time.Second
	DefaultGaugeInterval = 30 * time.Second
)

// ErrProcessorStopped is returned by Submit and Handle after Stop.
var ErrProcessorStopped = errors.New("processor is stopped")

// Handler is the per-event business callback executed inside the
// retry/breaker guards, before the event is persisted. Optional.
type Handler func(ctx context.Context, event *audit.Event) error

// Sink is the durable destination for processed events. The partitioned
// audit store facade implements it.
type Sink interface {
	// Insert persists the event and returns its storage reference.
	Insert(ctx context.Context, event *audit.Event) (int64, error)
}

// ProcessorConfig configures the reliable event processor.
type ProcessorConfig struct {
	// QueueName is the primary queue Submit publishes to.
	QueueName string

	// Concurrency is the worker pool size.
	Concurrency int

	// GracePeriod bounds how long Stop waits for in-flight jobs.
	GracePeriod time.Duration

	// GaugeInterval is how often the queue depth gauge is sampled and
	// durable counters flushed.
	GaugeInterval time.Duration

	// Retry configures the per-job retry engine.
	Retry RetryConfig

	// Breaker configures the circuit breaker guarding the sink.
	Breaker BreakerConfig
}

// DefaultProcessorConfig returns the default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		QueueName:     DefaultQueueName,
		Concurrency:   DefaultConcurrency,
		GracePeriod:   DefaultGracePeriod,
		GaugeInterval: DefaultGaugeInterval,
		Retry:         DefaultRetryConfig(),
		Breaker:       DefaultBreakerConfig(),
	}
}

// Health is the processor health report.
type Health struct {
	Score        int          `json:"score"`
	BreakerState BreakerState `json:"breaker_state"`
	QueueDepth   int64        `json:"queue_depth"`
	FailureRate  float64      `json:"failure_rate"`
	DLQCount     int64        `json:"dlq_count"`
}

// job is one queue delivery travelling through the worker pool.
type job struct {
	env  *Envelope
	done chan error
}

// Processor pulls audit events from the durable queue, wraps each
// delivery in circuit breaker and retry, persists successes through the
// sink and routes permanent failures to the dead-letter handler.
//
// The queue subscription calls Handle for each delivery; Handle blocks
// until a worker finishes the job so that returning nil acks it and
// returning an error leaves it for visibility-timeout redelivery.
type Processor struct {
	cfg       ProcessorConfig
	handler   Handler
	sink      Sink
	breaker   *CircuitBreaker
	dlq       *DeadLetterHandler
	metrics   *Collector
	publisher *QueuePublisher

	jobs     chan *job
	inflight atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProcessor wires the processor. sink is required; handler may be
// nil when persistence is the only processing step.
func NewProcessor(
	cfg ProcessorConfig,
	handler Handler,
	sink Sink,
	breaker *CircuitBreaker,
	dlq *DeadLetterHandler,
	metrics *Collector,
	publisher *QueuePublisher,
) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.GaugeInterval <= 0 {
		cfg.GaugeInterval = DefaultGaugeInterval
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	return &Processor{
		cfg:       cfg,
		handler:   handler,
		sink:      sink,
		breaker:   breaker,
		dlq:       dlq,
		metrics:   metrics,
		publisher: publisher,
		jobs:      make(chan *job),
	}
}

// Start spawns the worker pool and the gauge updater. Idempotent.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.metrics.Restore(workerCtx)
	p.breaker.Restore(workerCtx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx)
	}

	p.wg.Add(1)
	go p.gaugeLoop(workerCtx)

	util.Log(ctx).Info("event processor started",
		"concurrency", p.cfg.Concurrency,
		"queue", p.cfg.QueueName)
}

// Stop drains the pool cooperatively: new jobs are rejected, in-flight
// jobs get the grace period to finish, then workers are cancelled.
// Counters are flushed before returning.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	// Let in-flight work finish, then force cancellation. The queue
	// redelivers anything that was cut off.
	select {
	case <-done:
	case <-time.After(p.cfg.GracePeriod):
		util.Log(ctx).Warn("grace period exceeded, cancelling in-flight jobs")
	case <-ctx.Done():
	}
	cancel()
	<-done

	if err := p.metrics.Flush(ctx); err != nil {
		util.Log(ctx).WithError(err).Warn("could not flush metrics on stop")
	}

	util.Log(ctx).Info("event processor stopped")
	return nil
}

// Submit validates the event and publishes it onto the durable queue.
// It returns once the queue has accepted the delivery; processing is
// asynchronous from here.
func (p *Processor) Submit(ctx context.Context, event *audit.Event) (audit.JobID, error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return audit.JobID{}, ErrProcessorStopped
	}

	event.Normalize()
	if err := event.Validate(); err != nil {
		return audit.JobID{}, fmt.Errorf("invalid audit event: %w", err)
	}

	env := NewEnvelope(p.cfg.QueueName, event)
	if err := p.publisher.Publish(ctx, p.cfg.QueueName, env); err != nil {
		return audit.JobID{}, fmt.Errorf("publish audit event: %w", err)
	}
	return env.JobID, nil
}

// Handle is the queue subscription entry point (Frame SubscribeWorker
// contract). It hands the delivery to the worker pool and blocks until
// processing completes; a non-nil return leaves the job unacked for
// redelivery.
func (p *Processor) Handle(ctx context.Context, _ map[string]string, payload []byte) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return ErrProcessorStopped
	}
	p.mu.Unlock()

	env, err := DecodeEnvelope(payload)
	if err != nil {
		// Undecodable payloads can never succeed; record them instead
		// of redelivering forever.
		util.Log(ctx).WithError(err).Error("dropping undecodable queue payload to DLQ")
		return p.dlq.EnqueueFailed(ctx,
			&audit.Event{Action: "unknown", Status: audit.StatusFailure, Timestamp: time.Now().UTC(), TenantID: "unknown"},
			NewPermanent("EDECODE", "undecodable queue payload", err),
			audit.NewJobID(), p.cfg.QueueName, nil)
	}

	j := &job{env: env, done: make(chan error, 1)}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.inflight.Add(1)
			j.done <- p.process(ctx, j.env)
			p.inflight.Add(-1)
		}
	}
}

// process runs the per-job contract: breaker around retry around the
// handler and sink, metrics on both paths, and the DLQ on permanent
// failure. The returned error is the ack decision: nil acks the job,
// non-nil leaves it for redelivery.
func (p *Processor) process(ctx context.Context, env *Envelope) error {
	started := time.Now()
	event := env.Event
	event.Normalize()

	var retryResult *RetryResult
	execErr := p.breaker.Execute(ctx, func(ctx context.Context) error {
		res, err := Run(ctx, p.cfg.Retry, func(ctx context.Context) error {
			if p.handler != nil {
				if handlerErr := p.handler(ctx, event); handlerErr != nil {
					return handlerErr
				}
			}
			_, insertErr := p.sink.Insert(ctx, event)
			return insertErr
		})
		retryResult = res
		return err
	})

	latency := time.Since(started)
	event.ProcessingLatencyMS = latency.Milliseconds()
	if retryResult != nil {
		p.metrics.RecordRetries(retryResult.Retries())
	}

	if execErr == nil {
		p.metrics.RecordSuccess(latency)
		return nil
	}

	// Context cancellation is not a verdict on the event; leave the job
	// to visibility-timeout redelivery.
	if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
		return execErr
	}

	p.metrics.RecordFailure(latency)

	reason := execErr
	if errors.Is(execErr, ErrCircuitOpen) {
		reason = &ProcessingError{
			Kind:    KindCircuitOpen,
			Code:    "EBREAKEROPEN",
			Message: "breaker-open",
			Cause:   execErr,
		}
	}

	history := retryHistory(retryResult)
	if dlqErr := p.dlq.EnqueueFailed(ctx, event, reason, env.JobID, env.QueueName, history); dlqErr != nil {
		// The DLQ write did not stick; keep the job on the queue.
		return dlqErr
	}
	return nil
}

func retryHistory(res *RetryResult) []RetryHistoryEntry {
	if res == nil {
		return nil
	}
	out := make([]RetryHistoryEntry, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		out = append(out, RetryHistoryEntry{
			Attempt:      a.Number,
			Timestamp:    a.At,
			ErrorMessage: a.Error,
		})
	}
	return out
}

// gaugeLoop samples the queue depth gauge and flushes durable counters.
func (p *Processor) gaugeLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.GaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.metrics.SetQueueDepth(p.QueueDepth())
			if err := p.metrics.Flush(ctx); err != nil {
				util.Log(ctx).WithError(err).Warn("could not flush durable metrics")
			}
		}
	}
}

// QueueDepth reports the jobs waiting for or held by workers. The
// backend queue depth beyond this process is not observable through
// Frame, so the gauge covers the in-process backlog.
func (p *Processor) QueueDepth() int64 {
	return int64(len(p.jobs)) + p.inflight.Load()
}

// Metrics returns the current metrics snapshot.
func (p *Processor) Metrics() MetricsSnapshot {
	return p.metrics.Snapshot()
}

// HealthReport computes the health score from the live metrics:
// score = 100 minus penalties for an open or probing breaker, a high
// failure rate, dead letters and queue backlog, clamped to [0,100].
func (p *Processor) HealthReport(ctx context.Context) Health {
	snap := p.metrics.Snapshot()
	state := p.breaker.State()

	dlqCount, err := p.dlq.Count(ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not count DLQ records for health")
	}

	queueDepth := p.QueueDepth()
	failureRate := float64(snap.FailedProcessed) / math.Max(float64(snap.TotalProcessed), 1)

	score := 100.0
	switch state {
	case BreakerOpen:
		score -= 30
	case BreakerHalfOpen:
		score -= 15
	}
	if failureRate > 0.1 {
		score -= math.Min(30, failureRate*100)
	}
	if dlqCount > 0 {
		score -= math.Min(20, float64(dlqCount))
	}
	if queueDepth > 100 {
		score -= math.Min(20, float64(queueDepth)/10)
	}
	if score < 0 {
		score = 0
	}

	return Health{
		Score:        int(math.Round(score)),
		BreakerState: state,
		QueueDepth:   queueDepth,
		FailureRate:  failureRate,
		DLQCount:     dlqCount,
	}
}
