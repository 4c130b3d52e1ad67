// Package server exposes the engine's HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/server/handler"
	"github.com/alanyoungcy/ward/internal/server/middleware"
	"github.com/alanyoungcy/ward/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards every route except health and metrics; empty disables
	// authentication.
	APIKey          string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Premium  *handler.PremiumHandler
	Pools    *handler.PoolHandler
	Policies *handler.PolicyHandler
	Claims   *handler.ClaimHandler
	Escrows  *handler.EscrowHandler
	Audit    *handler.AuditHandler
	Metrics  http.Handler
}

// Server is the HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in middleware. hub and limiter
// may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, h, hub, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the API handler.
func Routes(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	mux.HandleFunc("POST /api/premium/quote", h.Premium.Quote)
	mux.HandleFunc("POST /api/premium/price", h.Premium.Price)
	mux.HandleFunc("GET /api/premium/estimate", h.Premium.Estimate)

	mux.HandleFunc("GET /api/pools", h.Pools.ListPools)
	mux.HandleFunc("POST /api/pools", h.Pools.CreatePool)
	mux.HandleFunc("GET /api/pools/{id}", h.Pools.GetPool)
	mux.HandleFunc("POST /api/pools/{id}/deposit", h.Pools.Deposit)
	mux.HandleFunc("POST /api/pools/{id}/withdraw", h.Pools.Withdraw)
	mux.HandleFunc("POST /api/pools/{id}/exposure", h.Pools.AddExposure)
	mux.HandleFunc("DELETE /api/pools/{id}/exposure", h.Pools.RemoveExposure)
	mux.HandleFunc("POST /api/pools/{id}/payouts", h.Pools.PayClaim)

	mux.HandleFunc("GET /api/policies", h.Policies.ListPolicies)
	mux.HandleFunc("POST /api/policies", h.Policies.IssuePolicy)
	mux.HandleFunc("GET /api/policies/{id}", h.Policies.GetPolicy)
	mux.HandleFunc("POST /api/policies/{id}/cancel", h.Policies.CancelPolicy)

	mux.HandleFunc("POST /api/defaults", h.Claims.SubmitDefault)
	mux.HandleFunc("POST /api/claims/validate", h.Claims.ValidateClaim)
	mux.HandleFunc("GET /api/claims", h.Claims.ListClaims)
	mux.HandleFunc("GET /api/claims/{id}", h.Claims.GetClaim)

	mux.HandleFunc("POST /api/claims/{id}/escrow", h.Escrows.CreateEscrow)
	mux.HandleFunc("GET /api/claims/{id}/escrow", h.Escrows.GetEscrow)
	mux.HandleFunc("POST /api/claims/{id}/escrow/finish", h.Escrows.FinishEscrow)
	mux.HandleFunc("POST /api/claims/{id}/escrow/cancel", h.Escrows.CancelEscrow)
	mux.HandleFunc("GET /api/escrows", h.Escrows.ListOpen)

	mux.HandleFunc("GET /api/audit", h.Audit.ListAudit)
	mux.HandleFunc("GET /api/archives", h.Audit.ListArchives)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var handler http.Handler = mux
	handler = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(handler)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		handler = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(handler)
	}
	handler = middleware.Logging(logger)(handler)
	return middleware.CORS(cfg.CORSOrigins)(handler)
}

// Run serves until ctx ends, then shuts down within 10 seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
