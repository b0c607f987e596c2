package service

import (
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/callback"
	"github.com/sirosfoundation/go-vc-request-backend/internal/metrics"
	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

// Services aggregates all application services
type Services struct {
	Builder   *RequestBuilder
	Callbacks *CallbackHandler
	Poller    *StatusPoller
	Cleanup   *CleanupWorker
}

// NewServices creates a new Services instance
func NewServices(cfg *config.Config, store callback.Store, tokens TokenSource, client RequestServiceClient, m *metrics.Metrics, logger *zap.Logger) *Services {
	return &Services{
		Builder:   NewRequestBuilder(cfg, store, tokens, client, m, logger),
		Callbacks: NewCallbackHandler(cfg, store, m, logger),
		Poller:    NewStatusPoller(cfg, store, m, logger),
		Cleanup:   NewCleanupWorker(cfg.Callbacks, store, logger),
	}
}

// Start starts background workers
func (s *Services) Start() {
	if s.Cleanup != nil {
		s.Cleanup.Start()
	}
}

// Stop gracefully stops background workers
func (s *Services) Stop() {
	if s.Cleanup != nil {
		s.Cleanup.Stop()
	}
}
