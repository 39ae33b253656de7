package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/paymesh/payment-fabric/configs"
	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/feeds"
	"github.com/paymesh/payment-fabric/internal/fraud"
	"github.com/paymesh/payment-fabric/internal/metrics"
	"github.com/paymesh/payment-fabric/internal/models"
	"github.com/paymesh/payment-fabric/internal/orchestrator"
	"github.com/paymesh/payment-fabric/internal/pricing"
	"github.com/paymesh/payment-fabric/internal/profile"
	"github.com/paymesh/payment-fabric/internal/queue"
	"github.com/paymesh/payment-fabric/internal/repositories"
	"github.com/paymesh/payment-fabric/internal/router"
	"github.com/paymesh/payment-fabric/internal/swarm"
	"github.com/paymesh/payment-fabric/internal/yield"
)

const metricsLogInterval = time.Minute

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Starting decision worker")

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

	paymentRepo := repositories.NewPaymentRepository(db)
	analysisRepo := repositories.NewAnalysisRepository(db)
	profileRepo := repositories.NewProfileRepository(db)

	m := metrics.New()
	clk := clock.NewSystemClock()
	ids := clock.NewIDGenerator()

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
	profiles := profile.NewStore(clk)
	warmProfiles(context.Background(), profileRepo, profiles)
	analyzer := fraud.NewAnalyzer(profiles, blocklist, clk, fraud.Config{
		VelocityPerHour: cfg.Fraud.VelocityPerHour,
		DeviationSigma:  cfg.Fraud.DeviationSigma,
	})

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

	sink := &decisionSink{payments: paymentRepo, stream: streamClient}
	pool := orchestrator.NewWorkerPool(1, orch, streamClient, sink, cfg.Worker)

	allocator := yield.NewAllocator(yield.Config{
		Strategy:     models.Strategy(cfg.Yield.Strategy),
		ReserveRatio: cfg.Yield.ReserveRatio,
		Hysteresis:   cfg.Yield.Hysteresis,
		BaselineAPY:  cfg.Yield.BaselineAPY,
	}, feeds.NewStaticProtocolFeed(topo.Protocols), feeds.NewSimProtocolAdapter(), clk)

	if err := allocator.Start(cfg.Yield.RebalanceInterval, treasuryBalance); err != nil {
		log.Fatal().Err(err).Msg("Failed to start yield allocator")
	}
	defer allocator.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Start(gctx)
	})
	g.Go(func() error {
		logWorkerMetrics(gctx, pool)
		return nil
	})
	g.Go(func() error {
		snapshotProfiles(gctx, profileRepo, profiles)
		return nil
	})

	<-gctx.Done()
	log.Info().Msg("Shutting down worker...")

	pool.Stop()
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Worker exited with error")
	}

	log.Info().Msg("Worker exited")
}

// decisionSink persists decisions to Postgres and publishes them to the
// decision stream for downstream consumers.
type decisionSink struct {
	payments *repositories.PaymentRepository
	stream   *queue.RedisStreamClient
}

func (s *decisionSink) SaveDecision(ctx context.Context, decision *models.PaymentDecision) error {
	return s.payments.SaveDecision(ctx, decision)
}

func (s *decisionSink) PublishDecision(ctx context.Context, event *models.DecisionEvent) error {
	_, err := s.stream.PublishDecision(ctx, event)
	return err
}

// treasuryBalance reports the balance available for yield allocation.
// TODO: read the on-chain treasury once the custody integration lands.
func treasuryBalance(context.Context) (float64, error) {
	if raw := os.Getenv("TREASURY_BALANCE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
			return v, nil
		}
	}
	return 1_000_000, nil
}

// warmProfiles seeds the in-memory store from persisted snapshots so a
// restarted worker does not treat every user as brand new.
func warmProfiles(ctx context.Context, repo *repositories.ProfileRepository, store *profile.Store) {
	loaded, total, err := repo.List(ctx, 1, 10000)
	if err != nil {
		log.Warn().Err(err).Msg("Profile warm-up failed, starting cold")
		return
	}
	for _, p := range loaded {
		store.Restore(p)
	}
	log.Info().Int("loaded", len(loaded)).Int("total", total).Msg("User profiles warmed up")
}

// snapshotProfiles periodically persists profile aggregates.
func snapshotProfiles(ctx context.Context, repo *repositories.ProfileRepository, store *profile.Store) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var failed int
			snapshot := store.Snapshot()
			for _, p := range snapshot {
				if err := repo.Upsert(ctx, p); err != nil {
					failed++
				}
			}
			if failed > 0 {
				log.Error().Int("failed", failed).Int("total", len(snapshot)).Msg("Profile snapshot sweep had failures")
			} else {
				log.Debug().Int("total", len(snapshot)).Msg("Profile snapshot sweep completed")
			}
		}
	}
}

func logWorkerMetrics(ctx context.Context, pool *orchestrator.WorkerPool) {
	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := pool.GetAggregatedMetrics()
			log.Info().Fields(snapshot).Msg("Worker metrics")
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
