// Package server exposes the health, status and metrics of the process over
// HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

// StatusProvider reports the state of every feed
type StatusProvider interface {
	Status() []watcher.FeedStatus
	Healthy() bool
}

type Server struct {
	addr    string
	version string
	router  chi.Router
	logger  zerolog.Logger
}

func New(port, version string, status StatusProvider, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		addr:    net.JoinHostPort("", port),
		version: version,
		logger:  logger.With().Str("component", "server").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(s.logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Heartbeat("/health"))
	router.Use(middleware.CleanPath)

	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Get("/status", s.statusHandler(status))
	router.Mount("/feeds", FeedRouter(status))

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts the server down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Msgf("Running the web server on %s", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Err(err).Msg("Error when shutting down the web server")
		return err
	}
	s.logger.Info().Msg("Web server stopped")
	return nil
}

// statusHandler answers 503 once a feed failed so probes can alert on it
func (s *Server) statusHandler(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthy := status.Healthy()
		body := HealthModel{Healthy: healthy, Version: s.version, Feeds: status.Status()}
		if healthy {
			SendResponse(w, true, body, "")
			return
		}
		SendResponseWithStatus(w, false, body, "one or more feeds failed", http.StatusServiceUnavailable)
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("duration", time.Since(start)).
					Msg("Handled request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
