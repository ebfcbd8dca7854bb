package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/knxstepbridge/internal/config"
	"github.com/dokzlo13/knxstepbridge/internal/ledger"
	"github.com/dokzlo13/knxstepbridge/internal/router"
)

// LedgerService records every conversion the router sends and prunes old entries.
type LedgerService struct {
	cfg    *config.Config
	Ledger *ledger.Ledger
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(cfg *config.Config, l *ledger.Ledger) *LedgerService {
	return &LedgerService{cfg: cfg, Ledger: l}
}

// Observe is a router observer. Dropped events are not recorded.
func (s *LedgerService) Observe(_ context.Context, res router.Result) {
	if !res.Sent() {
		return
	}

	eventType := ledger.EventStepSent
	if res.Action == router.ActionSentPercent {
		eventType = ledger.EventPercentSent
	}

	_, err := s.Ledger.Append(eventType, res.Bridge, res.Target, map[string]any{
		"bridge":         res.Bridge,
		"address":        res.Target,
		"source_address": res.Address,
		"raw":            res.Raw,
		"value":          res.Value,
	})
	if err != nil {
		log.Warn().Err(err).Str("bridge", res.Bridge).Msg("Failed to record conversion in ledger")
	}
}

// Run periodically cleans up old ledger entries until ctx is cancelled.
func (s *LedgerService) Run(ctx context.Context) {
	retention := s.cfg.Ledger.Retention()
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(retention)
		}
	}
}

func (s *LedgerService) cleanup(retention time.Duration) {
	deleted, err := s.Ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}
