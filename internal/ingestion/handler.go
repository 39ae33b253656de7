package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/repositories"
)

// EventPublisher pushes accepted payments onto the decision stream.
type EventPublisher interface {
	Publish(ctx context.Context, event *models.PaymentEvent) (string, error)
	PublishBatch(ctx context.Context, events []*models.PaymentEvent) ([]string, error)
}

// PaymentIntakeRequest represents an incoming payment submission
type PaymentIntakeRequest struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id" binding:"required"`
	Amount      float64                `json:"amount" binding:"required,gt=0"`
	FromAddress string                 `json:"from_address" binding:"required"`
	ToAddress   string                 `json:"to_address" binding:"required"`
	FromChain   string                 `json:"from_chain" binding:"required"`
	ToChain     string                 `json:"to_chain" binding:"required"`
	Priority    int                    `json:"priority" binding:"min=0,max=10"`
	Deadline    *time.Time             `json:"deadline,omitempty"`
	IP          string                 `json:"ip,omitempty"`
	Geo         *models.GeoPoint       `json:"geo,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// BatchIntakeRequest represents a batch of payment submissions
type BatchIntakeRequest struct {
	Payments []PaymentIntakeRequest `json:"payments" binding:"required,min=1,max=1000"`
}

// PaymentIntakeResponse acknowledges an accepted payment. The decision
// itself arrives asynchronously via the worker.
type PaymentIntakeResponse struct {
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message,omitempty"`
}

// BatchIntakeResponse represents the response for batch intake
type BatchIntakeResponse struct {
	Accepted int                     `json:"accepted"`
	Failed   int                     `json:"failed"`
	Results  []PaymentIntakeResponse `json:"results"`
}

// IntakeService accepts payments, persists them, and hands them to the
// decision stream for asynchronous processing.
type IntakeService struct {
	paymentRepo *repositories.PaymentRepository
	auditRepo   *repositories.AuditRepository
	publisher   EventPublisher
	ids         *clock.IDGenerator
}

// NewIntakeService creates a new intake service
func NewIntakeService(
	paymentRepo *repositories.PaymentRepository,
	auditRepo *repositories.AuditRepository,
	publisher EventPublisher,
	ids *clock.IDGenerator,
) *IntakeService {
	if ids == nil {
		ids = clock.NewIDGenerator()
	}
	return &IntakeService{
		paymentRepo: paymentRepo,
		auditRepo:   auditRepo,
		publisher:   publisher,
		ids:         ids,
	}
}

// AcceptPayment persists a single payment and queues it for decision
func (s *IntakeService) AcceptPayment(ctx context.Context, req *PaymentIntakeRequest, requestID string) (*PaymentIntakeResponse, error) {
	startTime := time.Now()

	payment := s.paymentFrom(req)

	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		if errors.Is(err, repositories.ErrDuplicatePayment) {
			// Client retried with the same id. The original submission is
			// already in flight.
			existing, getErr := s.paymentRepo.GetByID(ctx, payment.ID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load duplicate payment: %w", getErr)
			}
			log.Debug().
				Str("payment_id", existing.ID).
				Msg("Duplicate payment submission")
			return &PaymentIntakeResponse{
				PaymentID: existing.ID,
				Status:    "accepted",
				CreatedAt: existing.CreatedAt,
				Message:   "payment already accepted (idempotent)",
			}, nil
		}
		return nil, fmt.Errorf("failed to persist payment: %w", err)
	}

	if _, err := s.publisher.Publish(ctx, eventFrom(payment)); err != nil {
		// The payment is saved; a stream outage delays the decision but
		// does not lose the submission.
		log.Error().Err(err).
			Str("payment_id", payment.ID).
			Msg("Failed to publish payment event")
	}

	s.audit(ctx, payment, requestID, "accept")

	log.Info().
		Str("payment_id", payment.ID).
		Str("user_id", payment.UserID).
		Float64("amount", payment.Amount).
		Str("from_chain", payment.FromChain).
		Str("to_chain", payment.ToChain).
		Dur("processing_time", time.Since(startTime)).
		Msg("Payment accepted")

	return &PaymentIntakeResponse{
		PaymentID: payment.ID,
		Status:    "accepted",
		CreatedAt: payment.CreatedAt,
	}, nil
}

// AcceptBatch persists multiple payments and queues them for decision
func (s *IntakeService) AcceptBatch(ctx context.Context, req *BatchIntakeRequest, requestID string) (*BatchIntakeResponse, error) {
	startTime := time.Now()

	response := &BatchIntakeResponse{
		Results: make([]PaymentIntakeResponse, 0, len(req.Payments)),
	}

	payments := make([]*models.PaymentRequest, 0, len(req.Payments))
	for i := range req.Payments {
		payments = append(payments, s.paymentFrom(&req.Payments[i]))
	}

	if err := s.paymentRepo.CreateBatch(ctx, payments); err != nil {
		log.Error().Err(err).Msg("Failed to batch insert payments")
		for _, p := range payments {
			response.Failed++
			response.Results = append(response.Results, PaymentIntakeResponse{
				PaymentID: p.ID,
				Status:    "failed",
				Message:   fmt.Sprintf("batch insert failed: %v", err),
			})
		}
		return response, nil
	}

	events := make([]*models.PaymentEvent, 0, len(payments))
	for _, p := range payments {
		events = append(events, eventFrom(p))
		response.Accepted++
		response.Results = append(response.Results, PaymentIntakeResponse{
			PaymentID: p.ID,
			Status:    "accepted",
			CreatedAt: p.CreatedAt,
		})
	}

	if _, err := s.publisher.PublishBatch(ctx, events); err != nil {
		log.Error().Err(err).Msg("Failed to batch publish payment events")
	}

	log.Info().
		Int("total", len(req.Payments)).
		Int("accepted", response.Accepted).
		Int("failed", response.Failed).
		Dur("processing_time", time.Since(startTime)).
		Msg("Batch intake completed")

	return response, nil
}

// GetPayment retrieves a payment by ID
func (s *IntakeService) GetPayment(ctx context.Context, paymentID string) (*models.PaymentRequest, error) {
	return s.paymentRepo.GetByID(ctx, paymentID)
}

// GetPaymentsByUser retrieves payments for a user
func (s *IntakeService) GetPaymentsByUser(ctx context.Context, userID string, page, pageSize int, startDate, endDate *time.Time) ([]*models.PaymentRequest, int, error) {
	return s.paymentRepo.GetByUserID(ctx, userID, page, pageSize, startDate, endDate)
}

// GetDecision retrieves the decision for a payment, if one exists yet
func (s *IntakeService) GetDecision(ctx context.Context, paymentID string) (*models.PaymentDecision, error) {
	return s.paymentRepo.GetDecision(ctx, paymentID)
}

func (s *IntakeService) paymentFrom(req *PaymentIntakeRequest) *models.PaymentRequest {
	id := req.ID
	if id == "" {
		id = s.ids.NewID("pay")
	}
	return &models.PaymentRequest{
		ID:          id,
		UserID:      req.UserID,
		Amount:      req.Amount,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		FromChain:   req.FromChain,
		ToChain:     req.ToChain,
		Priority:    req.Priority,
		Deadline:    req.Deadline,
		IP:          req.IP,
		Geo:         req.Geo,
		Metadata:    models.JSONB(req.Metadata),
		CreatedAt:   time.Now().UTC(),
	}
}

func eventFrom(p *models.PaymentRequest) *models.PaymentEvent {
	return &models.PaymentEvent{
		PaymentID:   p.ID,
		UserID:      p.UserID,
		Amount:      p.Amount,
		FromAddress: p.FromAddress,
		ToAddress:   p.ToAddress,
		FromChain:   p.FromChain,
		ToChain:     p.ToChain,
		Priority:    p.Priority,
		IP:          p.IP,
		Geo:         p.Geo,
		Timestamp:   p.CreatedAt,
	}
}

func (s *IntakeService) audit(ctx context.Context, p *models.PaymentRequest, requestID, action string) {
	entry := &models.AuditLog{
		EventType:  models.AuditEventPayment,
		EntityID:   p.ID,
		EntityType: "payment",
		Action:     action,
		IPAddress:  p.IP,
		RequestID:  requestID,
		Payload: models.JSONB{
			"amount":     p.Amount,
			"from_chain": p.FromChain,
			"to_chain":   p.ToChain,
			"user_id":    p.UserID,
			"priority":   p.Priority,
		},
	}

	if err := s.auditRepo.Create(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("payment_id", p.ID).
			Msg("Failed to write audit log")
	}
}
