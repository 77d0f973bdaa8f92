package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mailkite/delivery-engine/internal/platform/config"
	"github.com/mailkite/delivery-engine/internal/platform/database"
	"github.com/mailkite/delivery-engine/internal/platform/logger"
	"github.com/mailkite/delivery-engine/internal/platform/messagebroker"

	deliveryapp "github.com/mailkite/delivery-engine/internal/delivery/app"
	"github.com/mailkite/delivery-engine/internal/delivery/render"
	"github.com/mailkite/delivery-engine/internal/delivery/repository/postgres"
	"github.com/mailkite/delivery-engine/internal/delivery/transport"
	deliveryhttp "github.com/mailkite/delivery-engine/internal/delivery/transport/http"
	trackingapp "github.com/mailkite/delivery-engine/internal/tracking/app"
	trackinghttp "github.com/mailkite/delivery-engine/internal/tracking/transport/http"
)

const (
	serviceName     = "delivery-engine"
	shutdownTimeout = 10 * time.Second
)

func main() {
	mainCtx, mainCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer mainCancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	log.Info("Starting service...", "service", serviceName)

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		log.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	log.Info("Database connection pool initialized")

	// NATS is best-effort analytics plumbing; the engine runs without it.
	var natsClient *messagebroker.NATSClient
	if cfg.NATSUrl != "" {
		natsClient, err = messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, log)
		if err != nil {
			log.Warn("Failed to connect to NATS, engine events will not be published", "error", err)
		} else {
			defer natsClient.Close()
			log.Info("NATS connection initialized")
		}
	}

	// Repositories.
	jobRepo := postgres.NewPgJobRepository(dbPool, log)
	messageRepo := postgres.NewPgMessageRepository(dbPool, log)
	eventRepo := postgres.NewPgEventRepository(dbPool, log)
	tokenRepo := postgres.NewPgUnsubscribeTokenRepository(dbPool, log)
	shortLinkRepo := postgres.NewPgShortLinkRepository(dbPool, log)
	campaignStore := postgres.NewPgCampaignStore(dbPool, log)
	contactStore := postgres.NewPgContactStore(dbPool, log)
	templateStore := postgres.NewPgTemplateStore(dbPool, log)
	smtpAccountStore := postgres.NewPgSMTPAccountStore(dbPool, log)

	// The send budget survives restarts: seed the window from the ledger.
	sentInWindow, err := messageRepo.CountSentSince(mainCtx, time.Now().UTC().Add(-cfg.RateLimitWindow))
	if err != nil {
		log.Error("Failed to seed rate limiter from ledger", "error", err)
		os.Exit(1)
	}
	limiter := deliveryapp.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow, int(sentInWindow), nil)
	log.Info("Rate limiter seeded", "limit", cfg.RateLimit, "window", cfg.RateLimitWindow.String(), "sent_in_window", sentInWindow)

	renderer := render.NewRenderer(shortLinkRepo, cfg.TrackingBaseURL, cfg.MessageIDDomain, log)
	dispatcher := transport.NewSMTPDispatcher(smtpAccountStore, cfg.DispatchTimeout, log)

	var publisher deliveryapp.EventPublisher
	var trackingPublisher trackingapp.EventPublisher
	if natsClient != nil {
		publisher = natsClient
		trackingPublisher = natsClient
	}

	orchestrator := deliveryapp.NewOrchestrator(
		dbPool, campaignStore, contactStore, templateStore,
		messageRepo, tokenRepo, jobRepo,
		renderer, dispatcher, log,
		deliveryapp.OrchestratorConfig{MaxRetries: cfg.MaxRetries, JobPriority: 0},
	)
	processor := deliveryapp.NewQueueProcessor(
		jobRepo, messageRepo, campaignStore, contactStore, templateStore, tokenRepo,
		renderer, dispatcher, limiter, publisher, log,
		deliveryapp.ProcessorConfig{
			BatchSize:          cfg.QueueBatchSize,
			BackoffBaseMinutes: cfg.BackoffBaseMinutes,
			DispatchTimeout:    cfg.DispatchTimeout,
		},
	)
	scheduler := deliveryapp.NewScheduler(campaignStore, orchestrator, cfg.QueueBatchSize, log)
	statsService := deliveryapp.NewStatsService(jobRepo, messageRepo, campaignStore, limiter)
	trackingService := trackingapp.NewTrackingService(
		messageRepo, eventRepo, shortLinkRepo, tokenRepo, contactStore, trackingPublisher, log)

	// HTTP surface: public tracking endpoints plus the management API.
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/track", trackinghttp.NewTrackingHandler(trackingService, log).RegisterRoutes)
	router.Route("/api", deliveryhttp.NewEngineHandler(orchestrator, statsService, log).RegisterRoutes)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		log.Info("Starting queue processor worker...", "poll_interval", cfg.QueuePollInterval.String())
		ticker := time.NewTicker(cfg.QueuePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				processed, pollErr := processor.PollAndProcessJobs(groupCtx)
				if pollErr != nil {
					log.ErrorContext(groupCtx, "Queue processor tick failed", "error", pollErr)
					continue
				}
				if processed > 0 {
					log.InfoContext(groupCtx, "Queue processor tick finished", "count", processed)
				}
			case <-groupCtx.Done():
				log.InfoContext(groupCtx, "Queue processor worker stopping", "error", groupCtx.Err())
				return groupCtx.Err()
			}
		}
	})

	g.Go(func() error {
		log.Info("Starting campaign scheduler worker...", "interval", cfg.SchedulerInterval.String())
		ticker := time.NewTicker(cfg.SchedulerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				claimed, schedErr := scheduler.PromoteDueCampaigns(groupCtx)
				if schedErr != nil {
					log.ErrorContext(groupCtx, "Scheduler tick failed", "error", schedErr)
					continue
				}
				if claimed > 0 {
					log.InfoContext(groupCtx, "Scheduler promoted campaigns", "count", claimed)
				}
			case <-groupCtx.Done():
				log.InfoContext(groupCtx, "Scheduler worker stopping", "error", groupCtx.Err())
				return groupCtx.Err()
			}
		}
	})

	g.Go(func() error {
		log.Info("Starting HTTP server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("Shutting down HTTP server...")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service terminated with error", "error", err)
		os.Exit(1)
	}
	log.Info("Service shut down cleanly")
}
