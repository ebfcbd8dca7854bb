package app

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/knxstepbridge/internal/bridge"
	"github.com/dokzlo13/knxstepbridge/internal/config"
)

// HealthService provides HTTP health check endpoints.
type HealthService struct {
	cfg      *config.Config
	registry *bridge.Registry
	ready    func() bool
	server   *http.Server
}

// NewHealthService creates a new HealthService. ready reports whether the
// gateway connection is up.
func NewHealthService(cfg *config.Config, registry *bridge.Registry, ready func() bool) *HealthService {
	return &HealthService{
		cfg:      cfg,
		registry: registry,
		ready:    ready,
	}
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx)
}

func (s *HealthService) handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Ready once the gateway is connected
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if s.ready == nil || !s.ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	mux.HandleFunc("/bridges", func(w http.ResponseWriter, r *http.Request) {
		bridges := s.registry.Bridges()
		statuses := make([]bridge.Status, 0, len(bridges))
		for _, b := range bridges {
			statuses = append(statuses, b.Status())
		}
		writeJSON(w, http.StatusOK, statuses)
	})

	return mux
}

func (s *HealthService) run(ctx context.Context) {
	addr := s.cfg.Healthcheck.Addr()

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
