package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/configs"
	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/queue"
)

// Stream is the slice of the Redis Streams client the worker needs.
type Stream interface {
	Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]queue.StreamMessage, error)
	Publish(ctx context.Context, event *models.PaymentEvent) (string, error)
	SendToDeadLetter(ctx context.Context, event *models.PaymentEvent, err error) error
	AcknowledgeBatch(ctx context.Context, messageIDs []string) error
}

// DecisionSink persists and publishes decided payments.
type DecisionSink interface {
	SaveDecision(ctx context.Context, decision *models.PaymentDecision) error
	PublishDecision(ctx context.Context, event *models.DecisionEvent) error
}

// Worker drains payment events from the intake stream and runs each one
// through the orchestrator.
type Worker struct {
	id      string
	orch    *Orchestrator
	stream  Stream
	sink    DecisionSink
	config  configs.WorkerConfig
	wg      sync.WaitGroup
	stopCh  chan struct{}
	metrics *WorkerMetrics
}

// WorkerMetrics tracks worker performance
type WorkerMetrics struct {
	mu                sync.RWMutex
	ProcessedCount    int64
	FailedCount       int64
	TotalProcessingMs int64
	LastProcessedAt   time.Time
}

// NewWorker creates a new decision worker
func NewWorker(id string, orch *Orchestrator, stream Stream, sink DecisionSink, config configs.WorkerConfig) *Worker {
	return &Worker{
		id:      id,
		orch:    orch,
		stream:  stream,
		sink:    sink,
		config:  config,
		stopCh:  make(chan struct{}),
		metrics: &WorkerMetrics{},
	}
}

// Start launches the worker goroutines and blocks until Stop is called
// or the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting decision worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}

	select {
	case <-w.stopCh:
	case <-ctx.Done():
	}

	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Decision worker stopped")
	return nil
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// processLoop is the main processing loop for a worker goroutine
func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Worker goroutine started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Str("consumer", consumerName).Msg("Worker goroutine stopping")
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

// processBatch processes a batch of payment events from the stream
func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.stream.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		time.Sleep(time.Second) // Back off on error
		return
	}

	if len(messages) == 0 {
		return
	}

	log.Debug().
		Str("consumer", consumerName).
		Int("count", len(messages)).
		Msg("Processing batch")

	var ackIDs []string

	for _, msg := range messages {
		if err := w.processMessage(ctx, msg); err != nil {
			log.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("payment_id", msg.Event.PaymentID).
				Msg("Failed to process message")

			w.handleFailure(ctx, msg.Event, err)

			w.metrics.mu.Lock()
			w.metrics.FailedCount++
			w.metrics.mu.Unlock()
		}

		ackIDs = append(ackIDs, msg.ID)
	}

	if len(ackIDs) > 0 {
		if err := w.stream.AcknowledgeBatch(ctx, ackIDs); err != nil {
			log.Error().Err(err).Msg("Failed to acknowledge messages")
		}
	}
}

// handleFailure requeues a retryable event or dead-letters it. Malformed
// events go straight to the DLQ since retrying cannot fix them.
func (w *Worker) handleFailure(ctx context.Context, event *models.PaymentEvent, cause error) {
	if !errors.Is(cause, models.ErrInvalidInput) && event.RetryCount < w.config.RetryAttempts {
		event.RetryCount++
		if _, err := w.stream.Publish(ctx, event); err != nil {
			log.Error().Err(err).Msg("Failed to requeue message")
		}
		return
	}
	if err := w.stream.SendToDeadLetter(ctx, event, cause); err != nil {
		log.Error().Err(err).Msg("Failed to send to dead letter queue")
	}
}

// processMessage decides a single payment and persists the outcome
func (w *Worker) processMessage(ctx context.Context, msg queue.StreamMessage) error {
	startTime := time.Now()

	req := requestFrom(msg.Event)
	decision, err := w.orch.ProcessPayment(ctx, req)
	if err != nil {
		return fmt.Errorf("deciding payment: %w", err)
	}

	if err := w.sink.SaveDecision(ctx, decision); err != nil {
		log.Error().Err(err).Str("payment_id", decision.PaymentID).Msg("Failed to persist decision")
	}
	if err := w.sink.PublishDecision(ctx, decisionEventFrom(decision)); err != nil {
		log.Error().Err(err).Str("payment_id", decision.PaymentID).Msg("Failed to publish decision")
	}

	processingTime := time.Since(startTime)

	w.metrics.mu.Lock()
	w.metrics.ProcessedCount++
	w.metrics.TotalProcessingMs += processingTime.Milliseconds()
	w.metrics.LastProcessedAt = time.Now()
	w.metrics.mu.Unlock()

	return nil
}

// GetMetrics returns the worker metrics
func (w *Worker) GetMetrics() WorkerMetrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()
	return WorkerMetrics{
		ProcessedCount:    w.metrics.ProcessedCount,
		FailedCount:       w.metrics.FailedCount,
		TotalProcessingMs: w.metrics.TotalProcessingMs,
		LastProcessedAt:   w.metrics.LastProcessedAt,
	}
}

func requestFrom(event *models.PaymentEvent) *models.PaymentRequest {
	return &models.PaymentRequest{
		ID:          event.PaymentID,
		UserID:      event.UserID,
		Amount:      event.Amount,
		FromAddress: event.FromAddress,
		ToAddress:   event.ToAddress,
		FromChain:   event.FromChain,
		ToChain:     event.ToChain,
		Priority:    event.Priority,
		IP:          event.IP,
		Geo:         event.Geo,
		CreatedAt:   event.Timestamp,
	}
}

func decisionEventFrom(d *models.PaymentDecision) *models.DecisionEvent {
	event := &models.DecisionEvent{
		PaymentID: d.PaymentID,
		Outcome:   d.Outcome,
		Reason:    d.Reason,
		RiskLevel: d.RiskLevel,
		RiskScore: d.RiskScore,
		Price:     d.Price,
		TaskID:    d.TaskID,
		DecidedAt: d.DecidedAt,
	}
	if d.Route != nil {
		event.HopCount = d.Route.HopCount
	}
	return event
}

// WorkerPool manages multiple workers
type WorkerPool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(numWorkers int, orch *Orchestrator, stream Stream, sink DecisionSink, config configs.WorkerConfig) *WorkerPool {
	pool := &WorkerPool{
		workers: make([]*Worker, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.workers[i] = NewWorker(
			fmt.Sprintf("worker-%d", i),
			orch,
			stream,
			sink,
			config,
		)
	}

	return pool
}

// Start starts all workers in the pool and blocks until the context is
// cancelled or a worker fails.
func (p *WorkerPool) Start(ctx context.Context) error {
	log.Info().Int("num_workers", len(p.workers)).Msg("Starting worker pool")

	errCh := make(chan error, len(p.workers))

	for _, worker := range p.workers {
		w := worker
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops all workers in the pool
func (p *WorkerPool) Stop() {
	log.Info().Msg("Stopping worker pool")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.wg.Wait()
	log.Info().Msg("Worker pool stopped")
}

// GetAggregatedMetrics returns aggregated metrics from all workers
func (p *WorkerPool) GetAggregatedMetrics() map[string]interface{} {
	var totalProcessed, totalFailed, totalProcessingMs int64
	var lastProcessedAt time.Time

	for _, worker := range p.workers {
		m := worker.GetMetrics()
		totalProcessed += m.ProcessedCount
		totalFailed += m.FailedCount
		totalProcessingMs += m.TotalProcessingMs
		if m.LastProcessedAt.After(lastProcessedAt) {
			lastProcessedAt = m.LastProcessedAt
		}
	}

	avgProcessingMs := float64(0)
	if totalProcessed > 0 {
		avgProcessingMs = float64(totalProcessingMs) / float64(totalProcessed)
	}

	return map[string]interface{}{
		"total_processed":   totalProcessed,
		"total_failed":      totalFailed,
		"avg_processing_ms": avgProcessingMs,
		"last_processed_at": lastProcessedAt,
		"active_workers":    len(p.workers),
	}
}
