package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/configs"
	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/ingestion"
	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/queue"
	"github.com/paymesh/payment-fabric/internal/repositories"
)

// The Kafka worker bridges partner payment feeds into the fabric: it
// consumes payment events from Kafka, validates them, and hands them to
// the intake service, which persists each payment and publishes it onto
// the Redis decision stream. Decisions are made by the Redis workers.

// intakeMetrics tracks the bridge's live throughput.
type intakeMetrics struct {
	mu              sync.RWMutex
	Accepted        int64
	Invalid         int64
	Failed          int64
	PerChain        map[string]int64
	LastEventTime   time.Time
	EventsPerSecond float64
	windowStart     time.Time
	windowCount     int64
}

func newIntakeMetrics() *intakeMetrics {
	return &intakeMetrics{
		PerChain:    make(map[string]int64),
		windowStart: time.Now(),
	}
}

func (m *intakeMetrics) record(outcome func(*intakeMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LastEventTime = time.Now()
	m.windowCount++

	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		m.EventsPerSecond = float64(m.windowCount) / elapsed
	}
	if elapsed > 60 {
		m.windowStart = time.Now()
		m.windowCount = 0
	}

	outcome(m)
}

func (m *intakeMetrics) RecordAccepted(chain string) {
	m.record(func(m *intakeMetrics) {
		m.Accepted++
		m.PerChain[chain]++
	})
}

func (m *intakeMetrics) RecordInvalid() {
	m.record(func(m *intakeMetrics) { m.Invalid++ })
}

func (m *intakeMetrics) RecordFailed() {
	m.record(func(m *intakeMetrics) { m.Failed++ })
}

func (m *intakeMetrics) Snapshot() (accepted, invalid, failed int64, perSec float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Accepted, m.Invalid, m.Failed, m.EventsPerSecond
}

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.Topic).
		Str("group_id", cfg.Kafka.GroupID).
		Msg("Starting Kafka intake bridge")

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	streamClient, err := queue.NewRedisStreamClient(cfg.Redis, cfg.Worker.DeadLetterStream)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	paymentRepo := repositories.NewPaymentRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	ids := clock.NewIDGenerator()
	intake := ingestion.NewIntakeService(paymentRepo, auditRepo, streamClient, ids)

	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Version = sarama.V3_0_0_0

	// Kafka usually comes up after the workers in a fresh deployment.
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID, saramaCfg)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping intake bridge...")
		cancel()
	}()

	go func() {
		for err := range consumerGroup.Errors() {
			log.Error().Err(err).Msg("Kafka consumer error")
		}
	}()

	handler := &intakeBridgeHandler{
		intake:  intake,
		metrics: newIntakeMetrics(),
	}
	go handler.reportMetrics(ctx)

	log.Info().Msg("Intake bridge started, consuming payment events")

	topics := []string{cfg.Kafka.Topic}
	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down intake bridge")
			return
		}
	}
}

// intakeBridgeHandler feeds consumed payment events into the intake service
type intakeBridgeHandler struct {
	intake  *ingestion.IntakeService
	metrics *intakeMetrics
}

func (h *intakeBridgeHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Intake bridge session started")
	return nil
}

func (h *intakeBridgeHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Intake bridge session ended")
	return nil
}

func (h *intakeBridgeHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			h.processMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *intakeBridgeHandler) processMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	var event models.PaymentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		log.Error().Err(err).
			Str("topic", message.Topic).
			Int64("offset", message.Offset).
			Msg("Failed to parse payment event, dropping")
		h.metrics.RecordInvalid()
		return
	}

	if err := validateEvent(&event); err != nil {
		// Malformed submissions cannot be fixed by retrying; drop with a
		// log line instead of poisoning the stream.
		log.Warn().Err(err).
			Str("payment_id", event.PaymentID).
			Msg("Invalid payment event, dropping")
		h.metrics.RecordInvalid()
		return
	}

	req := &ingestion.PaymentIntakeRequest{
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
	}

	if _, err := h.intake.AcceptPayment(ctx, req, "kafka:"+message.Topic); err != nil {
		log.Error().Err(err).
			Str("payment_id", event.PaymentID).
			Msg("Failed to accept payment from Kafka")
		h.metrics.RecordFailed()
		return
	}

	h.metrics.RecordAccepted(event.FromChain)
}

func validateEvent(event *models.PaymentEvent) error {
	switch {
	case event.UserID == "":
		return errors.New("missing user id")
	case event.Amount <= 0:
		return errors.New("amount must be positive")
	case event.FromChain == "" || event.ToChain == "":
		return errors.New("missing chain")
	case event.FromAddress == "" || event.ToAddress == "":
		return errors.New("missing address")
	}
	return nil
}

func (h *intakeBridgeHandler) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			accepted, invalid, failed, perSec := h.metrics.Snapshot()
			log.Info().
				Int64("accepted", accepted).
				Int64("invalid", invalid).
				Int64("failed", failed).
				Float64("events_per_sec", perSec).
				Msg("Intake bridge metrics")

		case <-ctx.Done():
			return
		}
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
