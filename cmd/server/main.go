package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/api"
	"github.com/sirosfoundation/go-vc-request-backend/internal/backend"
	"github.com/sirosfoundation/go-vc-request-backend/internal/metrics"
	"github.com/sirosfoundation/go-vc-request-backend/internal/service"
	"github.com/sirosfoundation/go-vc-request-backend/internal/token"
	"github.com/sirosfoundation/go-vc-request-backend/internal/vcclient"
	"github.com/sirosfoundation/go-vc-request-backend/internal/websocket"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/logging"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/middleware"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting VC Request Backend",
		zap.String("version", version),
		zap.String("build_time", buildTime),
	)

	// Generate the callback secret if not provided
	if cfg.Server.APIKey == "" {
		cfg.Server.APIKey, err = middleware.GenerateAPIKey()
		if err != nil {
			logger.Fatal("Failed to generate callback API key", zap.Error(err))
		}
		logger.Info("Generated callback API key (set VCREQ_SERVER_API_KEY when running more than one instance)",
			zap.String("api_key", logging.Redact(cfg.Server.APIKey)))
	}

	// Initialize state backend
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize state store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	logger.Info("State store initialized", zap.String("type", cfg.Store.Type))

	// Initialize services
	m := metrics.New(prometheus.DefaultRegisterer)
	httpClient := &http.Client{Timeout: time.Duration(cfg.VerifiedID.Timeout) * time.Second}
	tokens := token.NewProvider(&cfg.VerifiedID, logger,
		token.WithHTTPClient(httpClient),
		token.WithMetrics(m),
	)
	client := vcclient.New(cfg.VerifiedID.Endpoint, httpClient.Timeout, logger, vcclient.WithMetrics(m))

	services := service.NewServices(cfg, store, tokens, client, m, logger)
	services.Start()
	defer services.Stop()

	streams := websocket.NewManager(services.Poller, cfg.Server.AllowedOrigins, logger,
		websocket.WithMaxLifetime(time.Duration(cfg.Callbacks.TTLSeconds)*time.Second))
	defer streams.Close()

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfigFrom(cfg.RateLimit), logger)
	defer limiter.Stop()

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	handlers := api.NewHandlers(services, streams, store, cfg, logger)
	router := api.NewRouter(cfg, handlers, limiter, promhttp.Handler(), logger)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("address", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Open status streams are hijacked and not tracked by Shutdown
	streams.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
