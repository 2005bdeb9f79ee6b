package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orguetta/finely/internal/authapi"
	"github.com/orguetta/finely/internal/config"
	"github.com/orguetta/finely/internal/event"
	"github.com/orguetta/finely/internal/finance"
	"github.com/orguetta/finely/internal/handler"
	"github.com/orguetta/finely/internal/interceptor"
	bffmiddleware "github.com/orguetta/finely/internal/middleware"
	"github.com/orguetta/finely/internal/proxy"
	"github.com/orguetta/finely/internal/session"
	"github.com/orguetta/finely/pkg/health"
	"github.com/orguetta/finely/pkg/httpclient"
	pkgkafka "github.com/orguetta/finely/pkg/kafka"
	"github.com/orguetta/finely/pkg/tracing"
)

const serviceName = "dashboard-bff"

// App wires together all dependencies and runs the dashboard BFF.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	sessions       *session.Manager
	rateLimiter    *bffmiddleware.RateLimiter
	producer       *pkgkafka.Producer
	publisher      *event.Publisher
	consumer       *pkgkafka.Consumer
	closeStore     func() error
	tracerShutdown tracing.ShutdownFunc
}

// NewApp creates a new application instance: session store, session
// manager, finance API clients, event bridge and HTTP router.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:            cfg,
		logger:         logger,
		closeStore:     closeStore,
		tracerShutdown: tracerShutdown,
	}

	// Session events: published to Kafka when brokers are configured,
	// logged otherwise.
	instance := uuid.NewString()
	listener := event.Logger(logger)
	if len(cfg.KafkaBrokers) > 0 {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		a.publisher = event.NewPublisher(a.producer, cfg.SessionName, instance, logger)
		listener = a.publisher
		logger.Info("session events enabled",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("instance", instance),
		)
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.HTTPTimeout

	auth := authapi.New(httpclient.New(httpCfg), cfg.APIBaseURL, logger)
	a.sessions = session.NewManager(st, auth, session.Config{
		Skew:           cfg.TokenExpirySkew,
		RefreshTimeout: cfg.RefreshTimeout,
		LoginPath:      cfg.LoginPath,
	}, session.WithLogger(logger), session.WithListener(listener))

	// Another instance logging out of a shared session invalidates ours.
	if a.producer != nil && cfg.SharedStore() {
		a.consumer = pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
			Brokers:    cfg.KafkaBrokers,
			GroupID:    cfg.KafkaGroupID + "-" + instance,
			Topic:      event.TopicFor(session.EventLoggedOut),
			FromLatest: true,
		}, event.LogoutHandler(a.sessions, cfg.SessionName, instance, logger), logger)
	}

	apiClient := httpclient.New(httpCfg, httpclient.WithRoundTripper(interceptor.Wrap(a.sessions, logger)))
	breaker := httpclient.NewCircuitBreakerClient(apiClient, httpclient.CircuitBreakerConfig{
		Name:         "finance-api",
		MaxRequests:  cfg.CBMaxRequests,
		Interval:     cfg.CBInterval,
		Timeout:      cfg.CBTimeout,
		FailureRatio: cfg.CBFailureRatio,
		MinRequests:  cfg.CBMinRequests,
	}, logger)
	account := finance.New(breaker, cfg.APIBaseURL)

	target, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("parse PFT_BASE_URL: %w", err)
	}
	apiProxy := proxy.New(target, apiClient.Transport(), cfg.LoginPath, logger)

	healthHandler := health.NewHandler()
	healthHandler.Register("session_store", st.Ping)
	healthHandler.Register("finance_api", health.DialChecker(cfg.APIBaseURL))
	if a.producer != nil {
		healthHandler.Register("kafka", a.producer.Ping)
	}

	a.rateLimiter = bffmiddleware.NewRateLimiter(cfg.AuthRateLimitRPS, cfg.AuthRateLimitBurst, logger)

	router := handler.NewRouter(handler.Deps{
		Config:      cfg,
		Auth:        handler.NewAuthHandler(a.sessions, auth, account, logger),
		API:         apiProxy,
		Sessions:    a.sessions,
		SessionInfo: a.sessions.Info,
		Health:      healthHandler,
		RateLimiter: a.rateLimiter,
		Logger:      logger,
	})

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RefreshTimeout + 2*cfg.HTTPTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Run starts the HTTP server (and the logout consumer, if any) and blocks
// until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.consumer != nil {
		go func() {
			if err := a.consumer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("session event consumer: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	return errors.Join(runErr, a.Shutdown())
}

// Shutdown stops the components in order:
// 1. HTTP server (drain in-flight requests)
// 2. Event consumer and publisher (flush queued session events)
// 3. Tracer (flush spans from drained requests)
// 4. Session store connections
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error
	record := func(what string, err error) {
		if err != nil {
			a.logger.Error(what+" error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	record("http server shutdown", a.httpServer.Shutdown(httpCtx))
	a.rateLimiter.Stop()

	if a.consumer != nil {
		record("kafka consumer close", a.consumer.Close())
	}
	if a.publisher != nil {
		record("session event publisher close", a.publisher.Close())
	}
	if a.producer != nil {
		record("kafka producer close", a.producer.Close())
	}

	tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer tracerCancel()
	record("tracer shutdown", a.tracerShutdown(tracerCtx))

	record("session store close", a.closeStore())

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
