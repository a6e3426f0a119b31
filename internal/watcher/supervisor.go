package watcher

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs one watcher per feed. Feeds share nothing but the
// checkpoint store; a feed entering Failed stops all of them so the process
// can exit with that feed's error.
type Supervisor struct {
	watchers []*Watcher
	logger   zerolog.Logger
}

func NewSupervisor(logger zerolog.Logger, watchers ...*Watcher) *Supervisor {
	return &Supervisor{watchers: watchers, logger: logger}
}

// Run blocks until every watcher returned. The first fatal error is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, w := range s.watchers {
		g.Go(func() error {
			return w.Run(gCtx)
		})
	}

	s.logger.Info().Int("feeds", len(s.watchers)).Msg("Supervisor started")
	err := g.Wait()
	if err != nil {
		s.logger.Error().Err(err).Msg("Supervisor stopped on a failed feed")
		return err
	}
	s.logger.Info().Msg("Supervisor stopped")
	return nil
}

// Status returns a snapshot of every feed in configuration order
func (s *Supervisor) Status() []FeedStatus {
	out := make([]FeedStatus, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w.Status())
	}
	return out
}

// Healthy reports whether no feed has failed
func (s *Supervisor) Healthy() bool {
	for _, w := range s.watchers {
		if w.State() == Failed {
			return false
		}
	}
	return true
}
