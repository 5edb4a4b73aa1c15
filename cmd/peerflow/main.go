package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/quillworks/peerflow/internal/api"
	"github.com/quillworks/peerflow/internal/automation"
	"github.com/quillworks/peerflow/internal/bus"
	"github.com/quillworks/peerflow/internal/capability"
	"github.com/quillworks/peerflow/internal/config"
	"github.com/quillworks/peerflow/internal/conflict"
	"github.com/quillworks/peerflow/internal/coordination"
	"github.com/quillworks/peerflow/internal/decision"
	pgstore "github.com/quillworks/peerflow/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting PeerFlow...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/peerflow.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	var db *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			db = ps
		}
	}

	// Initialize message bus
	var mb *bus.Bus
	if cfg.Database.Redis.URL != "" {
		b, busErr := bus.New(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without the event stream", zap.Error(busErr))
		} else {
			mb = b
		}
	}

	// Decision engine with a standing reviewer-fit goal so assignment
	// choices rank on matcher scores.
	goals := decision.NewGoalManager(logger)
	if _, gErr := goals.CreateGoal(
		"assign the best-fitting available reviewer",
		map[string]float64{"reviewer_fit": 1.0},
		8,
	); gErr != nil {
		logger.Fatal("seed goal rejected", zap.Error(gErr))
	}
	decider := decision.NewEngine(
		goals,
		decision.NewConstraintHandler(),
		decision.NewRiskAssessor(nil),
		decision.NewAdaptivePlanner(cfg.Decision.GoalWeight, cfg.Decision.RiskWeight),
		logger,
	)

	// Coordination manager
	guards := coordination.GuardConfig{ReviewMaxAge: cfg.ReviewMaxAge()}
	var managerOpts []coordination.ManagerOption
	managerOpts = append(managerOpts,
		coordination.WithDefaultQuorum(cfg.Coordination.RequiredReviews),
		coordination.WithActionTimeout(cfg.ActionTimeout()),
	)
	if db != nil {
		managerOpts = append(managerOpts, coordination.WithArchiver(db))
	}
	var sink coordination.Sink
	if mb != nil {
		sink = mb
	}
	manager := coordination.NewManager(guards, sink, logger, managerOpts...)

	// Automation engine
	env := &automation.Env{
		Decider: decider,
		Matcher: &capability.StaticMatcher{Scores: cfg.Coordination.ReviewerPool},
		Scorer:  capability.MeanScorer{},
		Guards:  guards,
		Logger:  logger,
	}
	th := automation.Thresholds{
		RemindAfter:               time.Duration(cfg.Automation.RemindAfterDays) * 24 * time.Hour,
		ReviewDue:                 time.Duration(cfg.Automation.ReviewDueDays) * 24 * time.Hour,
		EscalateAfter:             time.Duration(cfg.Automation.EscalateAfterDays) * 24 * time.Hour,
		RemindersBeforeEscalation: cfg.Automation.RemindersBeforeEscalation,
		ReviewMaxAge:              cfg.ReviewMaxAge(),
	}
	negotiator := conflict.NewNegotiator(cfg.Decision.NearTieThreshold, logger)
	var engineOpts []automation.Option
	engineOpts = append(engineOpts, automation.WithActionTimeout(cfg.ActionTimeout()))
	if db != nil {
		engineOpts = append(engineOpts, automation.WithConflictLogger(db))
	}
	engine := automation.NewEngine(manager, nil, th, env, negotiator, sink,
		cfg.TickInterval(), logger, engineOpts...)
	engine.Start()

	// Drain the inbound event stream
	feedCtx, stopFeed := context.WithCancel(context.Background())
	if mb != nil {
		go func() {
			for ev := range mb.Subscribe(feedCtx) {
				pErr := manager.Process(feedCtx, ev)
				if db != nil {
					if lErr := db.LogEvent(feedCtx, ev, pErr); lErr != nil {
						logger.Warn("event audit write failed", zap.Error(lErr))
					}
				}
				if pErr != nil {
					logger.Warn("stream event rejected",
						zap.String("manuscript", ev.ManuscriptID),
						zap.String("event", string(ev.Type)),
						zap.Error(pErr))
				}
			}
		}()
		logger.Info("Event stream subscription started")
	}

	// Build HTTP handler
	var events api.EventLogger
	if db != nil {
		events = db
	}
	handler := api.NewHandler(manager, engine, db, events, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("PeerFlow listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down PeerFlow...")
	engine.Stop()
	stopFeed()
	srv.Shutdown(context.Background())
	manager.Close()
	if mb != nil {
		mb.Close()
	}
	if db != nil {
		db.Close()
	}
}
