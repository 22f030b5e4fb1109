package state

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type EvictorConfig struct {
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" split_words:"true" default:"15m"`
	TerminalRetention time.Duration `envconfig:"TERMINAL_RETENTION" split_words:"true" default:"10m"`
	Interval          time.Duration `envconfig:"EVICT_INTERVAL" split_words:"true" default:"1m"`
}

// Evictor removes idle and finished sessions. Forcing an idle session to failed is
// itself a compare-and-update, so it loses cleanly against a concurrent step.
type Evictor struct {
	store  Store
	cfg    EvictorConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewEvictor(store Store, cfg EvictorConfig, logger zerolog.Logger) *Evictor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	if cfg.TerminalRetention < 0 {
		cfg.TerminalRetention = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Evictor{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "evictor").Logger(),
		now:    time.Now,
	}
}

func (e *Evictor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("session sweep failed")
			}
		}
	}
}

// Sweep runs one eviction pass and returns the ids it removed.
func (e *Evictor) Sweep(ctx context.Context) ([]string, error) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	var evicted []string
	for _, st := range sessions {
		idle := now.Sub(st.LastActivityAt)
		switch {
		case st.Status.IsTerminal():
			if idle < e.cfg.TerminalRetention {
				continue
			}
		case idle >= e.cfg.IdleTimeout:
			_, err := e.store.CompareAndUpdate(ctx, st.SessionID, st.Version, func(s *Session) error {
				if err := s.Transition(StatusFailed, now); err != nil {
					return err
				}
				s.Append(Entry{Role: RoleSystem, Kind: KindEvent, Content: "evicted after idle timeout"}, now)
				return nil
			})
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrStateNotFound) {
				e.logger.Debug().Str("session_id", st.SessionID).Msg("skip eviction, session changed")
				continue
			}
			if err != nil {
				e.logger.Warn().Err(err).Str("session_id", st.SessionID).Msg("force idle session to failed")
				continue
			}
		default:
			continue
		}

		if err := e.store.Delete(ctx, st.SessionID); err != nil {
			e.logger.Warn().Err(err).Str("session_id", st.SessionID).Msg("delete evicted session")
			continue
		}
		e.logger.Info().
			Str("session_id", st.SessionID).
			Str("status", string(st.Status)).
			Dur("idle", idle).
			Msg("session evicted")
		evicted = append(evicted, st.SessionID)
	}
	return evicted, nil
}
