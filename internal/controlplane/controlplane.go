package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/controlplane/handlers"
	"github.com/openmined/syftmirror/internal/controlplane/middleware"
	"github.com/openmined/syftmirror/internal/controlplane/ws"
)

// ControlPlaneServer exposes the status of a running mirror over local HTTP
type ControlPlaneServer struct {
	config *config.ControlPlaneConfig
	server *http.Server
	hub    *ws.EventHub
	hubCtx context.Context
	cancel context.CancelFunc
}

// NewControlPlaneServer builds the server. The hub should also be registered as
// a monitoring sink so /v1/events has something to stream.
func NewControlPlaneServer(cfg *config.ControlPlaneConfig, svc handlers.SyncService, hub *ws.EventHub) (*ControlPlaneServer, error) {
	if cfg.Addr == "" {
		return nil, errors.New("control plane address is required")
	}

	routes := SetupRoutes(svc, hub, &RouteConfig{
		Auth: middleware.TokenAuthConfig{
			Token: cfg.Token,
		},
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: routes,
		// slow client limits
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout, /v1/events and /v1/sync/stream are long lived
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	return &ControlPlaneServer{
		config: cfg,
		server: httpServer,
		hub:    hub,
		hubCtx: hubCtx,
		cancel: cancel,
	}, nil
}

// Start serves until Stop is called. The event hub lives as long as the server.
func (s *ControlPlaneServer) Start(ctx context.Context) error {
	go s.hub.Run(s.hubCtx)

	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.config.Addr), "auth", s.config.Token != "")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.cancel()
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

func (s *ControlPlaneServer) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	s.cancel()
	return s.server.Shutdown(ctx)
}

// Handler returns the routes, for tests
func (s *ControlPlaneServer) Handler() http.Handler {
	return s.server.Handler
}
