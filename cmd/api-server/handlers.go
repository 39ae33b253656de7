package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/analytics"
	"github.com/paymesh/payment-fabric/internal/auth"
	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/feeds"
	"github.com/paymesh/payment-fabric/internal/fraud"
	"github.com/paymesh/payment-fabric/internal/ingestion"
	"github.com/paymesh/payment-fabric/internal/metrics"
	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/orchestrator"
	"github.com/paymesh/payment-fabric/internal/pricing"
	"github.com/paymesh/payment-fabric/internal/queue"
	"github.com/paymesh/payment-fabric/internal/repositories"
	"github.com/paymesh/payment-fabric/internal/router"
	"github.com/paymesh/payment-fabric/internal/services"
	"github.com/paymesh/payment-fabric/internal/swarm"
	"github.com/paymesh/payment-fabric/internal/yield"
)

// app bundles everything the HTTP surface needs. Handlers hang off it so
// route registration stays in one place.
type app struct {
	metrics      *metrics.Metrics
	ids          *clock.IDGenerator
	jwtManager   *auth.JWTManager
	authService  *services.AuthService
	intake       *ingestion.IntakeService
	analytics    *analytics.AnalyticsService
	replay       *services.ReplayService
	orchestrator *orchestrator.Orchestrator
	analyzer     *fraud.Analyzer
	router       *router.Router
	pricer       *pricing.Engine
	market       *feeds.MarketSnapshotSource
	swarm        *swarm.Coordinator
	allocator    *yield.Allocator
	paymentRepo  *repositories.PaymentRepository
	analysisRepo *repositories.AnalysisRepository
	auditRepo    *repositories.AuditRepository
	streamClient *queue.RedisStreamClient
}

func (a *app) setupRoutes(r *gin.Engine) {
	r.GET("/health", a.handleHealth)
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	v1 := r.Group("/api/v1")

	authRoutes := v1.Group("/auth")
	{
		authRoutes.POST("/register", a.handleRegister)
		authRoutes.POST("/login", a.handleLogin)
		authRoutes.POST("/refresh", a.handleRefreshToken)
	}

	protected := v1.Group("")
	protected.Use(auth.AuthMiddleware(a.jwtManager))
	{
		payments := protected.Group("/payments")
		{
			payments.POST("", a.handleProcessPayment)
			payments.POST("/async", a.handleAcceptPayment)
			payments.GET("/:id", a.handleGetPayment)
			payments.GET("/:id/decision", a.handleGetDecision)
		}

		fraudRoutes := protected.Group("/fraud")
		{
			fraudRoutes.POST("/analyze", a.handleAnalyze)
			fraudRoutes.POST("/blocklist", auth.RoleMiddleware(models.RoleAdmin), a.handleBlocklistAdd)
			fraudRoutes.DELETE("/blocklist/:address", auth.RoleMiddleware(models.RoleAdmin), a.handleBlocklistRemove)
		}

		protected.POST("/routes/quote", a.handleRouteQuote)
		protected.POST("/pricing/quote", a.handlePricingQuote)

		yieldRoutes := protected.Group("/yield")
		{
			yieldRoutes.GET("/report", a.handleYieldReport)
			yieldRoutes.POST("/optimize", auth.RoleMiddleware(models.RoleAdmin), a.handleYieldOptimize)
		}

		swarmRoutes := protected.Group("/swarm")
		{
			swarmRoutes.POST("/tasks", a.handleSubmitTask)
			swarmRoutes.GET("/tasks/:id", a.handleGetTask)
			swarmRoutes.GET("/agents", a.handleListAgents)
			swarmRoutes.POST("/consensus", a.handleConsensus)
			swarmRoutes.POST("/agents/:id/fail", auth.RoleMiddleware(models.RoleAdmin), a.handleFailAgent)
		}

		analyticsRoutes := protected.Group("/analytics")
		analyticsRoutes.Use(auth.RoleMiddleware(models.RoleAdmin, models.RoleAnalyst))
		{
			analyticsRoutes.GET("/decisions/summary", a.handleDecisionSummary)
			analyticsRoutes.GET("/risk/distribution", a.handleRiskDistribution)
			analyticsRoutes.GET("/signals/top", a.handleTopSignals)
			analyticsRoutes.GET("/payments/flagged", a.handleFlaggedPayments)
			analyticsRoutes.GET("/volume/hourly", a.handleHourlyVolume)
			analyticsRoutes.GET("/metrics/system", a.handleSystemMetrics)
		}

		protected.POST("/replay/run", auth.RoleMiddleware(models.RoleAdmin, models.RoleAnalyst), a.handleReplay)
	}
}

// statusForError maps domain sentinels to HTTP status codes. Unknown
// errors stay 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrNoRoute), errors.Is(err, router.ErrAmountOutOfRange),
		errors.Is(err, yield.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, swarm.ErrNoEligibleAgents), errors.Is(err, swarm.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, swarm.ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ---- Auth ----

func (a *app) handleRegister(c *gin.Context) {
	var req services.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	resp, err := a.authService.Register(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrWeakPassword), errors.Is(err, repositories.ErrUserAlreadyExists):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			log.Error().Err(err).Msg("Registration failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a *app) handleLogin(c *gin.Context) {
	var req services.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	resp, err := a.authService.Login(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("Login failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	a.audit(c, models.AuditEventUserLogin, "user", resp.User.ID.String(), "login", models.JSONB{
		"email": resp.User.Email,
	})

	c.JSON(http.StatusOK, resp)
}

func (a *app) handleRefreshToken(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	resp, err := a.authService.RefreshToken(c.Request.Context(), req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ---- Payments ----

// handleProcessPayment runs the full decision pipeline synchronously and
// returns the decision in the response.
func (a *app) handleProcessPayment(c *gin.Context) {
	var req ingestion.PaymentIntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	payment := a.paymentFromRequest(c, &req)

	if err := a.paymentRepo.Create(ctx, payment); err != nil {
		// A duplicate id means a retry; the decision upsert below keeps
		// the stored state consistent either way.
		if !errors.Is(err, repositories.ErrDuplicatePayment) {
			log.Error().Err(err).Str("payment_id", payment.ID).Msg("Failed to persist payment")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist payment"})
			return
		}
	}

	decision, err := a.orchestrator.ProcessPayment(ctx, payment)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	if err := a.paymentRepo.SaveDecision(ctx, decision); err != nil {
		log.Error().Err(err).Str("payment_id", payment.ID).Msg("Failed to persist decision")
	}
	if _, err := a.streamClient.PublishDecision(ctx, decisionEventFrom(decision)); err != nil {
		log.Error().Err(err).Str("payment_id", payment.ID).Msg("Failed to publish decision event")
	}

	a.audit(c, models.AuditEventDecision, "payment", payment.ID, string(decision.Outcome), models.JSONB{
		"amount":     payment.Amount,
		"risk_score": decision.RiskScore,
		"risk_level": string(decision.RiskLevel),
	})

	c.JSON(http.StatusOK, decision)
}

// handleAcceptPayment queues the payment for asynchronous decision.
func (a *app) handleAcceptPayment(c *gin.Context) {
	var req ingestion.PaymentIntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	if req.IP == "" {
		req.IP = c.ClientIP()
	}

	resp, err := a.intake.AcceptPayment(c.Request.Context(), &req, c.GetString(requestIDKey))
	if err != nil {
		log.Error().Err(err).Msg("Payment intake failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept payment"})
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (a *app) handleGetPayment(c *gin.Context) {
	payment, err := a.intake.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repositories.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch payment"})
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (a *app) handleGetDecision(c *gin.Context) {
	decision, err := a.intake.GetDecision(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repositories.ErrDecisionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "decision not available yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch decision"})
		return
	}
	c.JSON(http.StatusOK, decision)
}

// ---- Fraud ----

type analyzeRequest struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id" binding:"required"`
	Amount      float64          `json:"amount" binding:"required,gt=0"`
	FromAddress string           `json:"from_address" binding:"required"`
	ToAddress   string           `json:"to_address" binding:"required"`
	Chain       string           `json:"chain" binding:"required"`
	IP          string           `json:"ip,omitempty"`
	Geo         *models.GeoPoint `json:"geo,omitempty"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
}

func (a *app) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	tx := models.Transaction{
		ID:          req.ID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		Chain:       req.Chain,
		IP:          req.IP,
		Geo:         req.Geo,
		Timestamp:   time.Now().UTC(),
	}
	if tx.ID == "" {
		tx.ID = a.ids.NewID("tx")
	}
	if req.Timestamp != nil {
		tx.Timestamp = *req.Timestamp
	}

	analysis := a.analyzer.Analyze(c.Request.Context(), tx)
	if err := a.analysisRepo.Create(c.Request.Context(), &analysis); err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to persist fraud analysis")
	}

	c.JSON(http.StatusOK, analysis)
}

func (a *app) handleBlocklistAdd(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	if err := a.analyzer.Blocklist().Add(c.Request.Context(), req.Address); err != nil {
		log.Error().Err(err).Str("address", req.Address).Msg("Failed to add to blocklist")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update blocklist"})
		return
	}

	a.audit(c, models.AuditEventBlocklist, "address", req.Address, "add", nil)
	c.JSON(http.StatusOK, gin.H{"status": "added", "address": req.Address})
}

func (a *app) handleBlocklistRemove(c *gin.Context) {
	address := c.Param("address")

	if err := a.analyzer.Blocklist().Remove(c.Request.Context(), address); err != nil {
		log.Error().Err(err).Str("address", address).Msg("Failed to remove from blocklist")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update blocklist"})
		return
	}

	a.audit(c, models.AuditEventBlocklist, "address", address, "remove", nil)
	c.JSON(http.StatusOK, gin.H{"status": "removed", "address": address})
}

// ---- Routing and pricing ----

type routeQuoteRequest struct {
	FromChain string  `json:"from_chain" binding:"required"`
	ToChain   string  `json:"to_chain" binding:"required"`
	Amount    float64 `json:"amount" binding:"required,gt=0"`
	Objective string  `json:"objective"`
}

func (a *app) handleRouteQuote(c *gin.Context) {
	var req routeQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	objective := models.RouteObjective(req.Objective)
	if req.Objective == "" {
		objective = models.ObjectiveBalance
	}

	route, err := a.router.Route(c.Request.Context(), req.FromChain, req.ToChain, req.Amount, objective)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	a.metrics.RoutesComputed.WithLabelValues(string(route.Objective)).Inc()
	a.metrics.RouteCostUSD.Observe(route.TotalCostUSD)
	a.audit(c, models.AuditEventRoute, "route", route.FromChain+"->"+route.ToChain, "quote", models.JSONB{
		"amount":    req.Amount,
		"objective": string(route.Objective),
		"hop_count": route.HopCount,
		"cost_usd":  route.TotalCostUSD,
	})

	c.JSON(http.StatusOK, route)
}

type pricingQuoteRequest struct {
	Demand *float64 `json:"demand" binding:"omitempty,gte=0,lte=1"`
	Supply *float64 `json:"supply" binding:"omitempty,gte=0,lte=1"`
}

func (a *app) handlePricingQuote(c *gin.Context) {
	var req pricingQuoteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
			return
		}
	}

	market, err := a.market.Snapshot(c.Request.Context())
	if err != nil {
		// The snapshot source degrades internally; an error here is a bug,
		// but pricing still answers on a neutral market.
		log.Warn().Err(err).Msg("Market snapshot failed")
		market = models.MarketData{Demand: 0.5, Supply: 0.5, ObservedAt: time.Now().UTC()}
	}
	if req.Demand != nil {
		market.Demand = *req.Demand
	}
	if req.Supply != nil {
		market.Supply = *req.Supply
	}

	rec := a.pricer.Optimal(market)
	variant := rec.Variant
	if variant == "" {
		variant = "none"
	}
	a.metrics.PricingAdjustments.WithLabelValues(variant).Inc()

	c.JSON(http.StatusOK, rec)
}

// ---- Yield ----

func (a *app) handleYieldReport(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": a.allocator.Positions()})
}

func (a *app) handleYieldOptimize(c *gin.Context) {
	var req struct {
		Balance float64 `json:"balance" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	report, err := a.allocator.Optimize(c.Request.Context(), req.Balance)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	if report.Rebalanced {
		a.metrics.YieldRebalances.Inc()
		a.audit(c, models.AuditEventRebalance, "treasury", "treasury", "rebalance", models.JSONB{
			"balance":      report.Balance,
			"weighted_apy": report.WeightedAPY,
		})
	}

	c.JSON(http.StatusOK, report)
}

// ---- Swarm ----

type submitTaskRequest struct {
	Kind     string       `json:"kind" binding:"required"`
	Payload  models.JSONB `json:"payload"`
	Priority int          `json:"priority" binding:"min=0,max=10"`
	Deadline *time.Time   `json:"deadline,omitempty"`
	Wait     bool         `json:"wait"`
}

func (a *app) handleSubmitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	task, err := a.swarm.Submit(req.Kind, req.Payload, req.Priority, req.Deadline)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	if !req.Wait {
		c.JSON(http.StatusAccepted, task)
		return
	}

	done, err := a.swarm.Wait(c.Request.Context(), task.ID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error(), "task_id": task.ID})
		return
	}
	c.JSON(http.StatusOK, done)
}

func (a *app) handleGetTask(c *gin.Context) {
	task, err := a.swarm.Task(c.Param("id"))
	if err != nil {
		if errors.Is(err, swarm.ErrUnknownTask) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (a *app) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agents": a.swarm.Agents(),
		"stats":  a.swarm.Stats(),
	})
}

type consensusRequest struct {
	Topic   string       `json:"topic" binding:"required"`
	Payload models.JSONB `json:"payload"`
	Roles   []string     `json:"roles,omitempty"`
}

func (a *app) handleConsensus(c *gin.Context) {
	var req consensusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	roles := make([]models.AgentRole, 0, len(req.Roles))
	for _, r := range req.Roles {
		role := models.AgentRole(r)
		switch role {
		case models.RoleValidator, models.RoleExecutor, models.RoleOptimizer,
			models.RoleRiskAssessor, models.RoleCoordinator:
			roles = append(roles, role)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown agent role %q", r)})
			return
		}
	}

	result, err := a.swarm.RequestConsensus(c.Request.Context(), req.Topic, req.Payload, roles)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	a.metrics.ConsensusRounds.WithLabelValues(fmt.Sprintf("%t", result.ConsensusReached)).Inc()
	a.audit(c, models.AuditEventConsensus, "topic", req.Topic, "vote", models.JSONB{
		"decision":       result.Decision,
		"approval_ratio": result.ApprovalRatio,
	})

	c.JSON(http.StatusOK, result)
}

func (a *app) handleFailAgent(c *gin.Context) {
	agentID := c.Param("id")

	if err := a.swarm.HandleAgentFailure(agentID); err != nil {
		if errors.Is(err, swarm.ErrUnknownAgent) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "failure handled", "agent_id": agentID})
}

// ---- Analytics ----

func (a *app) handleDecisionSummary(c *gin.Context) {
	startDate, hasStart, err := dateParam(c, "start_date")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date, expected YYYY-MM-DD"})
		return
	}
	endDate, hasEnd, err := dateParam(c, "end_date")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_date, expected YYYY-MM-DD"})
		return
	}

	if hasStart && hasEnd {
		summaries, err := a.analytics.GetDecisionSummaryRange(c.Request.Context(), startDate, endDate)
		if err != nil {
			log.Error().Err(err).Msg("Failed to fetch decision summaries")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch summaries"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"summaries": summaries})
		return
	}

	date, hasDate, err := dateParam(c, "date")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected YYYY-MM-DD"})
		return
	}
	if !hasDate {
		date = time.Now().UTC()
	}

	summary, err := a.analytics.GetDecisionSummary(c.Request.Context(), date)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch decision summary")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *app) handleRiskDistribution(c *gin.Context) {
	days := getIntParam(c, "days", 7)

	dist, err := a.analytics.GetRiskDistribution(c.Request.Context(), days)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch risk distribution")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch risk distribution"})
		return
	}
	c.JSON(http.StatusOK, dist)
}

func (a *app) handleTopSignals(c *gin.Context) {
	days := getIntParam(c, "days", 7)
	limit := getIntParam(c, "limit", 10)

	signals, err := a.analytics.GetTopSignals(c.Request.Context(), days, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch signal counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch signals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (a *app) handleFlaggedPayments(c *gin.Context) {
	page := getIntParam(c, "page", 1)
	pageSize := getIntParam(c, "page_size", 20)
	if pageSize > 100 {
		pageSize = 100
	}

	resp, err := a.analytics.GetFlaggedPayments(c.Request.Context(), page, pageSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch flagged payments")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch flagged payments"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *app) handleHourlyVolume(c *gin.Context) {
	date, hasDate, err := dateParam(c, "date")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected YYYY-MM-DD"})
		return
	}
	if !hasDate {
		date = time.Now().UTC()
	}

	volumes, err := a.analytics.GetHourlyVolume(c.Request.Context(), date)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch hourly volume")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch hourly volume"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date.Format("2006-01-02"), "hours": volumes})
}

func (a *app) handleSystemMetrics(c *gin.Context) {
	sys, err := a.analytics.GetSystemMetrics(c.Request.Context(), a.streamClient)
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect system metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect system metrics"})
		return
	}
	c.JSON(http.StatusOK, sys)
}

// ---- Replay ----

func (a *app) handleReplay(c *gin.Context) {
	var req services.ReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	result, err := a.replay.Run(c.Request.Context(), &req)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ---- Health ----

func (a *app) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
		"swarm":  a.swarm.Stats(),
	})
}

// ---- Helpers ----

func (a *app) paymentFromRequest(c *gin.Context, req *ingestion.PaymentIntakeRequest) *models.PaymentRequest {
	id := req.ID
	if id == "" {
		id = a.ids.NewID("pay")
	}
	ip := req.IP
	if ip == "" {
		ip = c.ClientIP()
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
		IP:          ip,
		Geo:         req.Geo,
		Metadata:    models.JSONB(req.Metadata),
		CreatedAt:   time.Now().UTC(),
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

func (a *app) audit(c *gin.Context, eventType, entityType, entityID, action string, payload models.JSONB) {
	entry := &models.AuditLog{
		EventType:  eventType,
		EntityID:   entityID,
		EntityType: entityType,
		Action:     action,
		Payload:    payload,
		IPAddress:  c.ClientIP(),
		RequestID:  c.GetString(requestIDKey),
	}
	if userID, ok := auth.GetUserIDFromContext(c); ok {
		entry.UserID = &userID
	}

	if err := a.auditRepo.Create(c.Request.Context(), entry); err != nil {
		log.Error().Err(err).
			Str("event_type", eventType).
			Str("entity_id", entityID).
			Msg("Failed to write audit log")
	}
}

func getIntParam(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// dateParam parses an optional YYYY-MM-DD query parameter.
func dateParam(c *gin.Context, name string) (time.Time, bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
