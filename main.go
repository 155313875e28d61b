package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"metrology-cloud/internal/audit"
	"metrology-cloud/internal/auth"
	calibrationapp "metrology-cloud/internal/calibration/application"
	calibrationmemory "metrology-cloud/internal/calibration/infrastructure/memory"
	calibrationrepo "metrology-cloud/internal/calibration/infrastructure/postgres"
	calibrationhttp "metrology-cloud/internal/calibration/interfaces/http"
	"metrology-cloud/internal/config"
	"metrology-cloud/internal/eventing"
	eventingmemory "metrology-cloud/internal/eventing/infrastructure/memory"
	eventingrepo "metrology-cloud/internal/eventing/infrastructure/postgres"
	numberingapp "metrology-cloud/internal/numbering/application"
	numberingmemory "metrology-cloud/internal/numbering/infrastructure/memory"
	numberingrepo "metrology-cloud/internal/numbering/infrastructure/postgres"
	numberinghttp "metrology-cloud/internal/numbering/interfaces/http"
	"metrology-cloud/internal/observability/metrics"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("db open error")
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.WithError(err).Fatal("db ping error")
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	metrics.Init(db, logger)

	engineConfig, err := config.NewStore(cfg.EngineConfigPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("engine config error")
	}
	go func() {
		if err := engineConfig.Watch(ctx); err != nil {
			logger.WithError(err).Error("engine config watch stopped")
		}
	}()

	stores := newBackends(db, logger)

	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	calibrationapp.RegisterEvents(registry)

	dispatcher := eventing.NewDispatcher(bus, stores.outbox, registry, stores.dlq)
	dispatcher.SetLogger(logger)
	publisher := eventing.NewPublisher(stores.outbox, dispatcher, "", bus)
	publisher.SetLogger(logger)

	calibrationapp.SubscribeCertificateLog(bus, stores.processed, logger)

	allocator, err := numberingapp.NewAllocator(stores.sequences, engineConfig, numberingapp.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("numbering allocator error")
	}

	service, err := calibrationapp.NewService(stores.events, allocator, engineConfig,
		calibrationapp.WithPublisher(publisher),
		calibrationapp.WithEventLog(stores.outbox),
		calibrationapp.WithAuditLogger(stores.audit),
		calibrationapp.WithLogger(logger),
		calibrationapp.WithBatchConcurrency(cfg.BatchConcurrency),
	)
	if err != nil {
		logger.WithError(err).Fatal("calibration service error")
	}
	calibrationHandler, err := calibrationhttp.NewHandler(service, logger)
	if err != nil {
		logger.WithError(err).Fatal("calibration handler error")
	}
	numberingHandler, err := numberinghttp.NewHandler(allocator, logger)
	if err != nil {
		logger.WithError(err).Fatal("numbering handler error")
	}

	go func() {
		ticker := time.NewTicker(cfg.DispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := dispatcher.Dispatch(ctx, 100); err != nil {
					logger.WithError(err).Warn("outbox dispatch error")
				}
			}
		}
	}()

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/api/v1/certificates/verify/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/calibrations", calibrationHandler)
	mux.Handle("/api/v1/calibrations/", calibrationHandler)
	mux.Handle("/api/v1/certificates/verify/", calibrationHandler)
	mux.Handle("/api/v1/numbering/next", numberingHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("http server error")
	}
}

type backends struct {
	events    calibrationapp.EventRepository
	sequences numberingapp.SequenceStore
	audit     audit.Logger
	outbox    eventOutbox
	processed eventing.ProcessedStore
	dlq       eventing.DLQStore
}

type eventOutbox interface {
	eventing.OutboxStore
	eventing.OutboxWriter
	eventing.AggregateLog
}

func newBackends(db *sql.DB, logger logrus.FieldLogger) backends {
	if db == nil {
		return backends{
			events:    calibrationmemory.NewEventRepository(),
			sequences: numberingmemory.NewSequenceStore(),
			audit:     audit.NewMemoryLogger(),
			outbox:    eventingmemory.NewOutboxStore(),
			processed: eventingmemory.NewProcessedStore(),
			dlq:       eventingmemory.NewDLQStore(),
		}
	}
	outbox := eventingrepo.NewOutboxStore(db)
	outbox.SetLogger(logger)
	processed := eventingrepo.NewProcessedStore(db)
	processed.SetLogger(logger)
	dlq := eventingrepo.NewDLQStore(db)
	dlq.SetLogger(logger)
	return backends{
		events:    calibrationrepo.NewEventRepository(db),
		sequences: numberingrepo.NewSequenceStore(db),
		audit:     audit.NewRepository(db),
		outbox:    outbox,
		processed: processed,
		dlq:       dlq,
	}
}

type appConfig struct {
	DatabaseURL      string
	HTTPAddr         string
	JWTSecret        string
	LogLevel         string
	EngineConfigPath string
	BatchConcurrency int
	DispatchInterval time.Duration
}

func loadConfig() appConfig {
	cfg := appConfig{
		DatabaseURL:      getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:        getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		LogLevel:         getenvDefault("LOG_LEVEL", "info"),
		EngineConfigPath: getenvDefault("ENGINE_CONFIG", ""),
		BatchConcurrency: getenvIntDefault("BATCH_CONCURRENCY", 4),
		DispatchInterval: getenvDuration("OUTBOX_DISPATCH_INTERVAL", 5*time.Second),
	}
	if cfg.JWTSecret == "" {
		logrus.Fatal("AUTH_JWT_SECRET is required")
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 5 * time.Second
	}
	return cfg
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("unknown LOG_LEVEL, using info")
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   resp.status,
			"duration": time.Since(start).String(),
		}).Info("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
