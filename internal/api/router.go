package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/middleware"
)

// NewRouter wires the handlers into a gin engine. metricsHandler is mounted
// at /metrics when not nil; limiter guards the selfie upload when not nil.
func NewRouter(cfg *config.Config, handlers *Handlers, limiter *middleware.RateLimiter, metricsHandler http.Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(cors.New(corsConfig(cfg.Server.AllowedOrigins)))

	router.GET("/status", handlers.Status)
	router.GET("/health", handlers.Health)

	if metricsHandler != nil {
		metrics := router.Group("/metrics")
		if cfg.Server.MetricsToken != "" {
			metrics.Use(middleware.BearerAuthMiddleware(cfg.Server.MetricsToken, logger))
		}
		metrics.GET("", gin.WrapH(metricsHandler))
	}

	api := router.Group("/api")
	{
		issuer := api.Group("/issuer")
		{
			issuer.GET("/issuance-request", handlers.IssuanceRequest)
			issuer.POST("/issuecallback", handlers.IssuanceCallback)
			issuer.GET("/issuance-response", handlers.IssuanceResponse)
			issuer.GET("/get-manifest", handlers.GetManifest)
			issuer.GET("/selfie-request", handlers.SelfieRequest)

			// The capture page runs on the user's phone without credentials
			selfie := []gin.HandlerFunc{}
			if limiter != nil {
				selfie = append(selfie, middleware.RateLimitMiddleware(limiter, logger))
			}
			selfie = append(selfie, handlers.SelfieUpload)
			issuer.POST("/selfie/:id", selfie...)
		}

		verifier := api.Group("/verifier")
		{
			verifier.GET("/presentation-request", handlers.PresentationRequest)
			verifier.POST("/presentationcallback", handlers.PresentationCallback)
			verifier.GET("/presentation-response", handlers.PresentationResponse)
		}

		api.GET("/status/ws", handlers.StatusStream)
	}

	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "api-key"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
