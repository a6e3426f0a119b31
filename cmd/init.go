package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/checkpoint"
	"github.com/tarungka/changewatch/internal/config"
	"github.com/tarungka/changewatch/internal/dispatch"
	"github.com/tarungka/changewatch/internal/metrics"
	"github.com/tarungka/changewatch/internal/watcher"
	"github.com/tarungka/changewatch/server"
	"github.com/tarungka/changewatch/sinks"
	"github.com/tarungka/changewatch/sources"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK            = 0
	exitRuntime       = 1
	exitConfig        = 2
	exitInvalidMarker = 3
	exitAuth          = 4
)

// errStartup marks failures to build the components a configuration names
var errStartup = errors.New("startup failed")

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, sources.ErrInvalidStartMarker):
		return exitInvalidMarker
	case errors.Is(err, sources.ErrAuthentication):
		return exitAuth
	case errors.Is(err, errStartup),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, checkpoint.ErrUnknownBackend),
		errors.Is(err, sources.ErrUnknownSourceType),
		errors.Is(err, sources.ErrMalformedMarker),
		errors.Is(err, sinks.ErrUnknownSinkType),
		errors.Is(err, dispatch.ErrUnregisteredEntityType),
		errors.Is(err, dispatch.ErrUnwatchedEntityType):
		return exitConfig
	default:
		return exitRuntime
	}
}

// app is the wired process: one watcher per feed sharing one checkpoint store
// and the handlers, plus the optional status server.
type app struct {
	store      checkpoint.Store
	clients    []sources.Client
	handlers   []sinks.Handler
	supervisor *watcher.Supervisor
	server     *server.Server
	logger     zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger, reg *prometheus.Registry) (*app, error) {
	a := &app{logger: log}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	store, err := checkpoint.New(ctx, cfg.Checkpoint, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errStartup, err)
	}
	a.store = store

	m := metrics.New(reg)
	handlers := make(map[string]sinks.Handler, len(cfg.Handlers))
	watchers := make([]*watcher.Watcher, 0, len(cfg.Feeds))

	for _, feed := range cfg.Feeds {
		client, err := sources.CreateSource(feed, log)
		if err != nil {
			return nil, fmt.Errorf("%w: feed %s: %w", errStartup, feed.Name, err)
		}
		a.clients = append(a.clients, client)

		startMarker, err := client.ParseMarker(feed.StartMarker)
		if err != nil {
			return nil, fmt.Errorf("%w: feed %s: start_marker: %w", errStartup, feed.Name, err)
		}

		var regs []dispatch.Registration
		for _, b := range cfg.BindingsFor(feed) {
			h, ok := handlers[b.Handler.Name]
			if !ok {
				h, err = sinks.CreateSink(b.Handler.SinkConfig, log.With().Str("handler", b.Handler.Name).Logger())
				if err != nil {
					return nil, fmt.Errorf("%w: handler %s: %w", errStartup, b.Handler.Name, err)
				}
				handlers[b.Handler.Name] = h
				a.handlers = append(a.handlers, h)
			}
			for _, t := range b.Types {
				regs = append(regs, dispatch.Registration{EntityType: t, Handler: h})
			}
		}

		types := feed.WatchedTypes()
		d, err := dispatch.New(types, regs, dispatch.Options{
			Feed:    feed.Name,
			Retry:   cfg.Retry,
			Logger:  log.With().Str("feed", feed.Name).Logger(),
			Metrics: m,
		})
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feed.Name, err)
		}

		watchers = append(watchers, watcher.New(watcher.Config{
			Feed:            feed.Name,
			Types:           types,
			StartMarker:     startMarker,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Backoff:         cfg.Reconnect,
		}, client, a.store, d, log, m))
	}

	a.supervisor = watcher.NewSupervisor(log.With().Str("component", "supervisor").Logger(), watchers...)
	if cfg.Server.Port != "" {
		a.server = server.New(cfg.Server.Port, buildString, a.supervisor, reg, log)
	}
	built = true
	return a, nil
}

// Run blocks until ctx is done or a feed failed
func (a *app) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.supervisor.Run(gCtx)
	})
	if a.server != nil {
		g.Go(func() error {
			return a.server.Run(gCtx)
		})
	}
	return g.Wait()
}

// Close releases the feeds, the handlers and the store, in that order
func (a *app) Close() {
	for _, c := range a.clients {
		if err := c.Close(); err != nil {
			a.logger.Err(err).Str("feed", c.Name()).Msg("Error when closing the feed")
		}
	}
	for _, h := range a.handlers {
		if err := h.Close(); err != nil {
			a.logger.Err(err).Str("handler", h.Name()).Msg("Error when closing the handler")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Err(err).Msg("Error when closing the checkpoint store")
		}
	}
}
