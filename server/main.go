package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/proofwork/ledger/pkg/attest"
	"github.com/proofwork/ledger/pkg/config"
	"github.com/proofwork/ledger/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Server config file path")
	listen     = flag.String("listen", "", "Listen address override")
	dbPath     = flag.String("db", "", "Database path override")
	Version    = "dev"
)

// Server wires storage, the rate limiter, the block producer, and the
// attestation verifier behind the gateway handlers.
type Server struct {
	db          *gorm.DB
	cfg         *config.ServerConfig
	logger      zerolog.Logger
	rateLimiter *RateLimiter
	ledger      *Ledger
	verifier    attest.Verifier
	statusCache *statusCache
	access      *accessRecorder
}

func main() {
	flag.Parse()
	configureLogger()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	applyLogging(cfg.Logging)
	logger := log.Logger
	logger.Info().Str("version", Version).Str("listen", cfg.Listen).Msg("Ledger gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Endpoint != "" || cfg.Tracing.LogSpans {
		tp, err := telemetry.SetupTracing(ctx, "ledger-gateway", Version,
			cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio, cfg.Tracing.LogSpans)
		if err != nil {
			logger.Warn().Err(err).Msg("Tracing disabled, exporter setup failed")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("Tracer shutdown failed")
				}
			}()
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBPath).Msg("Failed to open database")
	}
	if err := db.AutoMigrate(&Device{}, &Submission{}, &Block{}, &AccessLogEntry{}); err != nil {
		log.Fatal().Err(err).Msg("Schema migration failed")
	}

	srv := newServer(db, cfg, logger)
	if err := srv.ledger.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Ledger startup failed")
	}
	defer srv.access.Close()

	router := srv.routes()
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()
	logger.Info().Str("listen", cfg.Listen).Msg("Listening")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Graceful shutdown incomplete")
	}
}

func newServer(db *gorm.DB, cfg *config.ServerConfig, logger zerolog.Logger) *Server {
	srv := &Server{
		db:          db,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: NewRateLimiter(),
		access:      newAccessRecorder(db, logger),
	}
	srv.ledger = NewLedger(db,
		time.Duration(cfg.Ledger.BuildIntervalS)*time.Second,
		time.Duration(cfg.Ledger.ClaimLeaseS)*time.Second,
		logger)
	if cfg.Attestation.VerifierURL != "" {
		srv.verifier = attest.NewHTTPVerifier(cfg.Attestation.VerifierURL,
			time.Duration(cfg.Attestation.TimeoutS)*time.Second)
	}
	srv.statusCache = newStatusCache(time.Duration(cfg.Status.CacheTTLS)*time.Second,
		logger, srv.buildStatusSnapshot)
	return srv
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(withRequestContext(s.logger))
	router.Use(accessLogMiddleware(s.access))

	router.POST("/v1/submissions", s.handleSubmit)
	router.GET("/v1/status", s.handleStatus)
	router.GET("/v1/blocks", s.handleBlocks)
	router.GET("/v1/devices", s.handleDevices)
	router.GET("/v1/devices/:id", s.handleDevice)
	router.GET("/v1/health", s.handleHealth)
	return router
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.Logger = newLogger(strings.ToLower(os.Getenv("LEDGER_LOG_FORMAT"))).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
