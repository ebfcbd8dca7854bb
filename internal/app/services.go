package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/knxstepbridge/internal/bridge"
	"github.com/dokzlo13/knxstepbridge/internal/config"
	"github.com/dokzlo13/knxstepbridge/internal/db"
	"github.com/dokzlo13/knxstepbridge/internal/eventbus"
	"github.com/dokzlo13/knxstepbridge/internal/knx"
	"github.com/dokzlo13/knxstepbridge/internal/ledger"
	"github.com/dokzlo13/knxstepbridge/internal/router"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB  *db.DB
	Bus *eventbus.Bus

	// Bridging
	Registry *bridge.Registry
	Guard    *bridge.Guard
	Gateway  *knx.Gateway
	Router   *router.Router

	// High-level services
	Ledger *LedgerService
	Health *HealthService

	detach eventbus.Unsubscribe
	wg     sync.WaitGroup
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	s.Registry = BuildRegistry(cfg)
	s.Guard = bridge.NewGuard(cfg.Debounce())
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Ledger is optional
	var opts []router.Option
	if cfg.Database.Path != "" {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Ledger = NewLedgerService(cfg, ledger.New(database.DB))
		opts = append(opts, router.WithObserver(s.Ledger.Observe))
	} else {
		log.Info().Msg("No database path configured, conversion ledger disabled")
	}

	s.Gateway = knx.New(knx.Options{
		Broker:         cfg.KNX.Broker,
		ClientID:       cfg.KNX.ClientID,
		Username:       cfg.KNX.Username,
		Password:       cfg.KNX.Password,
		EventTopic:     cfg.KNX.EventTopic,
		SendTopic:      cfg.KNX.SendTopic,
		QoS:            cfg.KNX.QoS,
		ConnectTimeout: cfg.KNX.ConnectTimeout.Duration(),
	}, s.Bus)

	s.Router = router.New(s.Registry, s.Guard, s.Gateway, opts...)
	s.Health = NewHealthService(cfg, s.Registry, s.Gateway.Ready)

	return s, nil
}

// BuildRegistry creates one bridge per configured entry, in config order.
// The config is expected to have passed Validate.
func BuildRegistry(cfg *config.Config) *bridge.Registry {
	registry := bridge.NewRegistry()
	for _, bc := range cfg.Bridges {
		registry.Add(bridge.New(bc.Name, bc.StepAddress, bc.PercentAddress, bc.MaxStep))
		log.Debug().
			Str("bridge", bc.Name).
			Str("step_address", bc.StepAddress).
			Str("percent_address", bc.PercentAddress).
			Int("max_step", bc.MaxStep).
			Msg("Registered bridge")
	}
	if registry.Len() == 0 {
		log.Info().Msg("No bridges configured, KNX events will be ignored")
	}
	return registry
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	// Subscribe before connecting so no telegram is missed
	s.detach = s.Router.Attach(s.Bus)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Router.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Router error")
		}
	}()

	if err := s.Gateway.Connect(ctx); err != nil {
		return err
	}

	if s.Ledger != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Ledger.Run(ctx)
		}()
	}
	s.Health.Start(ctx)

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	if s.Bus != nil {
		s.Bus.Publish(eventbus.Event{Type: eventbus.EventTypeStop})
	}
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	// Stop inbound telegrams before draining the bus
	if s.Gateway != nil {
		s.Gateway.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.detach != nil {
		s.detach()
	}

	// Background loops must finish before the database goes away
	s.wg.Wait()

	if s.DB != nil {
		s.DB.Close()
	}
}
