package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/payment-fabric/configs"
	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/queue"
)

type stubStream struct {
	mu        sync.Mutex
	messages  []queue.StreamMessage
	published []*models.PaymentEvent
	dead      []*models.PaymentEvent
	acked     []string
}

func (s *stubStream) Consume(_ context.Context, _ string, _ int64, _ time.Duration) ([]queue.StreamMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.messages
	s.messages = nil
	return out, nil
}

func (s *stubStream) Publish(_ context.Context, event *models.PaymentEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, event)
	return "msg-requeued", nil
}

func (s *stubStream) SendToDeadLetter(_ context.Context, event *models.PaymentEvent, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, event)
	return nil
}

func (s *stubStream) AcknowledgeBatch(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return nil
}

type stubSink struct {
	mu        sync.Mutex
	decisions []*models.PaymentDecision
	events    []*models.DecisionEvent
}

func (s *stubSink) SaveDecision(_ context.Context, d *models.PaymentDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *stubSink) PublishDecision(_ context.Context, e *models.DecisionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func workerConfig() configs.WorkerConfig {
	return configs.WorkerConfig{
		Concurrency:   1,
		BatchSize:     10,
		PollInterval:  time.Millisecond,
		RetryAttempts: 2,
	}
}

func paymentEvent(id string, amount float64) *models.PaymentEvent {
	return &models.PaymentEvent{
		PaymentID:   id,
		UserID:      "u1",
		Amount:      amount,
		FromAddress: "0xaaa",
		ToAddress:   "0xbbb",
		FromChain:   "ethereum",
		ToChain:     "polygon",
		Timestamp:   time.Now().UTC(),
	}
}

func TestWorkerDecidesAndPublishes(t *testing.T) {
	stream := &stubStream{messages: []queue.StreamMessage{
		{ID: "1-0", Event: paymentEvent("pay_w1", 125.50)},
	}}
	sink := &stubSink{}
	orch := newTestOrchestrator(&stubFraud{analysis: safeAnalysis()}, &stubRouter{result: testRoute()}, &stubSwarm{})
	w := NewWorker("w0", orch, stream, sink, workerConfig())

	w.processBatch(context.Background(), "w0-0")

	require.Len(t, sink.decisions, 1)
	assert.Equal(t, models.OutcomeExecuted, sink.decisions[0].Outcome)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "pay_w1", sink.events[0].PaymentID)
	assert.Equal(t, 1, sink.events[0].HopCount)
	assert.Equal(t, []string{"1-0"}, stream.acked)
	assert.Empty(t, stream.dead)

	m := w.GetMetrics()
	assert.Equal(t, int64(1), m.ProcessedCount)
	assert.Zero(t, m.FailedCount)
}

func TestWorkerRejectionIsStillADecision(t *testing.T) {
	stream := &stubStream{messages: []queue.StreamMessage{
		{ID: "1-0", Event: paymentEvent("pay_w2", 50)},
	}}
	sink := &stubSink{}
	fraud := &stubFraud{analysis: models.FraudAnalysis{
		RiskScore:      1.0,
		RiskLevel:      models.RiskLevelCritical,
		Recommendation: models.RecommendBlock,
	}}
	orch := newTestOrchestrator(fraud, &stubRouter{result: testRoute()}, &stubSwarm{})
	w := NewWorker("w0", orch, stream, sink, workerConfig())

	w.processBatch(context.Background(), "w0-0")

	require.Len(t, sink.decisions, 1)
	assert.Equal(t, models.OutcomeRejected, sink.decisions[0].Outcome)
	assert.Empty(t, stream.dead, "a rejection is a successful decision, not a processing failure")
}

func TestWorkerMalformedEventGoesStraightToDLQ(t *testing.T) {
	stream := &stubStream{messages: []queue.StreamMessage{
		{ID: "1-0", Event: paymentEvent("pay_w3", -10)},
	}}
	sink := &stubSink{}
	orch := newTestOrchestrator(&stubFraud{analysis: safeAnalysis()}, &stubRouter{result: testRoute()}, &stubSwarm{})
	w := NewWorker("w0", orch, stream, sink, workerConfig())

	w.processBatch(context.Background(), "w0-0")

	assert.Empty(t, sink.decisions)
	assert.Empty(t, stream.published, "invalid input must not be retried")
	require.Len(t, stream.dead, 1)
	assert.Equal(t, "pay_w3", stream.dead[0].PaymentID)
	assert.Equal(t, []string{"1-0"}, stream.acked)
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	orch := newTestOrchestrator(&stubFraud{analysis: safeAnalysis()}, &stubRouter{err: assert.AnError}, &stubSwarm{})
	sink := &stubSink{}

	event := paymentEvent("pay_w4", 100)
	stream := &stubStream{messages: []queue.StreamMessage{{ID: "1-0", Event: event}}}
	w := NewWorker("w0", orch, stream, sink, workerConfig())

	// First two attempts requeue with an incremented retry count.
	w.processBatch(context.Background(), "w0-0")
	require.Len(t, stream.published, 1)
	assert.Equal(t, 1, stream.published[0].RetryCount)

	stream.messages = []queue.StreamMessage{{ID: "1-1", Event: stream.published[0]}}
	w.processBatch(context.Background(), "w0-0")
	require.Len(t, stream.published, 2)
	assert.Equal(t, 2, stream.published[1].RetryCount)

	// Retry budget exhausted: dead letter.
	stream.messages = []queue.StreamMessage{{ID: "1-2", Event: stream.published[1]}}
	w.processBatch(context.Background(), "w0-0")
	require.Len(t, stream.dead, 1)
	assert.Equal(t, "pay_w4", stream.dead[0].PaymentID)

	m := w.GetMetrics()
	assert.Equal(t, int64(3), m.FailedCount)
}
