package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/configs"
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
	"github.com/paymesh/payment-fabric/internal/profile"
	"github.com/paymesh/payment-fabric/internal/queue"
	"github.com/paymesh/payment-fabric/internal/repositories"
	"github.com/paymesh/payment-fabric/internal/router"
	"github.com/paymesh/payment-fabric/internal/services"
	"github.com/paymesh/payment-fabric/internal/swarm"
	"github.com/paymesh/payment-fabric/internal/yield"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting payment fabric API server")

	topo, err := configs.LoadTopology(cfg.TopologyPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.TopologyPath).Msg("Failed to load topology")
	}

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

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	paymentRepo := repositories.NewPaymentRepository(db)
	analysisRepo := repositories.NewAnalysisRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	m := metrics.New()
	clk := clock.NewSystemClock()
	ids := clock.NewIDGenerator()

	// Core fabric
	graph := router.NewGraph(topo.Chains, topo.Bridges)
	gasFeed := feeds.NewStaticGasFeed(topo.Gas, topo.Chains)
	rtr := router.NewRouter(graph, gasFeed, router.Config{
		MaxHops:       cfg.Router.MaxHops,
		GasMultiplier: cfg.Router.GasMultiplier,
	})

	engine := buildPricingEngine(cfg.Pricing, topo, clk)

	coordinator := swarm.NewCoordinator(swarm.Config{
		TaskTimeout:        cfg.Swarm.TaskTimeout,
		ConsensusThreshold: cfg.Swarm.ConsensusThreshold,
	}, clk, ids)
	registerAgents(coordinator, topo.Agents)
	if err := coordinator.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start swarm coordinator")
	}
	defer coordinator.Shutdown()

	blocklist := fraud.NewRedisBlocklist(cacheClient.Client())
	analyzer := fraud.NewAnalyzer(profile.NewStore(clk), blocklist, clk, analyzerConfig(cfg.Fraud))

	market := feeds.NewMarketSnapshotSource(
		streamClient,
		feeds.NewStaticCompetitorFeed(topo.Competitors),
		1000,
		clk,
	)

	orch := orchestrator.New(orchestrator.Config{
		HighValueAmount: cfg.Orchestrator.ConsensusAmount,
		DecisionTimeout: cfg.Orchestrator.DecisionTimeout,
	}, orchestrator.Deps{
		Fraud:    analyzer,
		Pricer:   engine,
		Router:   rtr,
		Swarm:    coordinator,
		Market:   market,
		Metrics:  m,
		Clock:    clk,
		IDs:      ids,
		Analyses: analysisRepo,
	})

	allocator := yield.NewAllocator(yield.Config{
		Strategy:     models.Strategy(cfg.Yield.Strategy),
		ReserveRatio: cfg.Yield.ReserveRatio,
		Hysteresis:   cfg.Yield.Hysteresis,
		BaselineAPY:  cfg.Yield.BaselineAPY,
	}, feeds.NewStaticProtocolFeed(topo.Protocols), feeds.NewSimProtocolAdapter(), clk)

	// Services
	jwtManager := auth.NewJWTManager(cfg.JWT)
	a := &app{
		metrics:      m,
		ids:          ids,
		jwtManager:   jwtManager,
		authService:  services.NewAuthService(userRepo, jwtManager),
		intake:       ingestion.NewIntakeService(paymentRepo, auditRepo, streamClient, ids),
		analytics:    analytics.NewAnalyticsService(analysisRepo, db, cacheClient),
		replay:       services.NewReplayService(paymentRepo, analysisRepo, analyzerConfig(cfg.Fraud)),
		orchestrator: orch,
		analyzer:     analyzer,
		router:       rtr,
		pricer:       engine,
		market:       market,
		swarm:        coordinator,
		allocator:    allocator,
		paymentRepo:  paymentRepo,
		analysisRepo: analysisRepo,
		auditRepo:    auditRepo,
		streamClient: streamClient,
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(requestIDMiddleware(ids))
	ginRouter.Use(loggingMiddleware())
	ginRouter.Use(corsMiddleware())
	ginRouter.Use(metricsMiddleware(m))

	// Rate limiting: burst of 100, refilled at 100/min per client IP
	limiter := newClientLimiter(100, time.Minute)
	defer limiter.Stop()
	ginRouter.Use(rateLimitMiddleware(limiter))

	a.setupRoutes(ginRouter)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
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

func analyzerConfig(cfg configs.FraudConfig) fraud.Config {
	return fraud.Config{
		VelocityPerHour: cfg.VelocityPerHour,
		DeviationSigma:  cfg.DeviationSigma,
	}
}

// buildPricingEngine anchors the base price on the competitor average so
// the floor/ceiling ratios track the market the topology describes.
func buildPricingEngine(cfg configs.PricingConfig, topo *configs.Topology, clk clock.Clock) *pricing.Engine {
	basePrice := 2.0
	if len(topo.Competitors) > 0 {
		var sum float64
		for _, q := range topo.Competitors {
			sum += q.Price
		}
		basePrice = sum / float64(len(topo.Competitors))
	}

	pcfg := pricing.Config{
		BasePrice:    basePrice,
		Floor:        basePrice * cfg.FloorRatio,
		Ceiling:      basePrice * cfg.CeilingRatio,
		Elasticity:   cfg.Elasticity,
		HistoryLimit: cfg.HistoryLimit,
		LearningRate: cfg.LearningRate,
		Factors:      topo.Pricing.Factors,
	}
	if len(pcfg.Factors) == 0 {
		pcfg.Factors = pricing.DefaultConfig(basePrice).Factors
	}

	var abtest *pricing.ABTest
	if len(topo.Pricing.Variants) > 0 {
		var err error
		abtest, err = pricing.NewABTest(topo.Pricing.Variants)
		if err != nil {
			log.Warn().Err(err).Msg("Invalid price variants, running without A/B test")
		}
	}

	return pricing.NewEngine(pcfg, clk, abtest)
}

func registerAgents(c *swarm.Coordinator, specs []configs.AgentSpec) {
	for i, spec := range specs {
		agent := models.Agent{
			ID:           spec.ID,
			Role:         models.AgentRole(spec.Role),
			Weight:       spec.Weight,
			Capabilities: spec.Capabilities,
		}
		handler := swarm.NewSimHandler(agent.Role, int64(i+1))
		if err := c.RegisterAgent(agent, handler); err != nil {
			log.Fatal().Err(err).Str("agent_id", spec.ID).Msg("Failed to register agent")
		}
	}
	log.Info().Int("agents", len(specs)).Msg("Swarm agents registered")
}
