package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cdiperi/datacompass/internal/api"
	"github.com/cdiperi/datacompass/internal/config"
	"github.com/cdiperi/datacompass/internal/crypto"
	"github.com/cdiperi/datacompass/internal/events"
	"github.com/cdiperi/datacompass/internal/ledger"
	"github.com/cdiperi/datacompass/internal/metrics"
	"github.com/cdiperi/datacompass/internal/metricsource"
	"github.com/cdiperi/datacompass/internal/notify"
	"github.com/cdiperi/datacompass/internal/runner"
	"github.com/cdiperi/datacompass/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx := context.Background()
	store, err := storage.NewStore(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	repo := storage.NewRepository(store)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	encryptor := buildEncryptor(logger)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	bus := events.NewBus(logger)
	led := ledger.New(repo, bus, logger)

	ruleRecords, err := repo.ListEnabledRules(ctx)
	if err != nil {
		logger.Error("failed to load notification rules", slog.String("error", err.Error()))
		os.Exit(1)
	}
	matcher := notify.NewMatcherFromRecords(ruleRecords, logger)
	senders := notify.DefaultSenders(cfg.Email.From, encryptor, cfg.Dispatch.AttemptTimeout)
	dispatcher := notify.NewDispatcher(senders, repo, repo, notify.DispatcherConfig{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		Backoff:        cfg.Dispatch.Backoff,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
	}, logger)
	notifier := notify.NewNotifier(matcher, dispatcher, 30*time.Second)
	for _, eventType := range []string{events.TypeBreachDetected, events.TypeBreachResolved, events.TypeBreachClosed} {
		bus.Subscribe(eventType, "notifier", notifier.HandleEvent)
	}

	source := metricsource.NewSQLSource(cfg.Connections, logger)
	defer source.Close()

	run := runner.New(repo, source, led, cfg.Runner.Workers, cfg.Runner.RunTimeout, logger)

	if cfg.NATS.Enabled {
		bridge, err := events.NewBridge(cfg.NATS.URL)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer bridge.Close()
		for _, eventType := range []string{events.TypeBreachDetected, events.TypeBreachResolved, events.TypeBreachClosed} {
			bus.Subscribe(eventType, "nats-bridge", bridge.HandleEvent)
		}
		if _, err := bridge.SubscribeRunRequests("dq.run.requested", func(req events.RunRequest) {
			summary := run.Run(context.Background(), req.ExpectationIDs)
			logger.Info("run requested over nats finished",
				slog.Int("evaluated", summary.Evaluated),
				slog.Int("opened", summary.BreachesOpened),
				slog.Int("resolved", summary.BreachesResolved))
		}); err != nil {
			logger.Error("failed to subscribe to run requests", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	if v := os.Getenv("RUN_ON_START"); v == "1" || v == "true" {
		go func() {
			summary := run.Run(context.Background(), nil)
			logger.Info("startup run finished",
				slog.Int("evaluated", summary.Evaluated),
				slog.Int("opened", summary.BreachesOpened),
				slog.Int("resolved", summary.BreachesResolved))
		}()
	}

	handler := &api.Handler{
		Runner:        run,
		Breaches:      repo,
		Lifecycle:     led,
		Notifications: repo,
		Timeout:       10 * time.Second,
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	handler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      65 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", slog.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server error", slog.String("error", err.Error()))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
}

func buildEncryptor(logger *slog.Logger) crypto.Encryptor {
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		logger.Warn("ENCRYPTION_KEY not set, channel secrets are stored in plaintext")
		return crypto.Noop{}
	}
	enc, err := crypto.NewAesGcmEncryptor([]byte(key))
	if err != nil {
		logger.Error("invalid encryption key", slog.String("error", err.Error()))
		os.Exit(1)
	}
	return enc
}
