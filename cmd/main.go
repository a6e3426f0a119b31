package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"github.com/tarungka/changewatch/checkpoint"
	"github.com/tarungka/changewatch/internal/config"
	"github.com/tarungka/changewatch/internal/logger"
)

var buildString = "unknown"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run is the whole process minus the signal handling, it returns the exit code
func run(ctx context.Context, args []string, stdout io.Writer) int {
	f := config.NewFlagSet("changewatch")
	f.SetOutput(stdout)
	if err := f.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "error loading flags: %v\n", err)
		return exitConfig
	}

	if v, _ := f.GetBool("version"); v {
		fmt.Fprintln(stdout, buildString)
		return exitOK
	}

	bootLogger, _ := logger.New(logger.Options{Service: "changewatch"})
	cfg, err := config.Load(f, bootLogger)
	if err != nil {
		bootLogger.Err(err).Msg("Error when loading the config")
		return exitConfig
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		bootLogger.Err(err).Msg("Error when creating the logger")
		return exitConfig
	}
	defer closeLog()
	log.Info().Str("build", buildString).Msgf("Build Version: %s", buildString)

	if err := cfg.Validate(); err != nil {
		log.Err(err).Msg("Invalid configuration")
		return exitConfig
	}
	if v, _ := f.GetBool("validate"); v {
		log.Info().Int("feeds", len(cfg.Feeds)).Int("handlers", len(cfg.Handlers)).Msg("Configuration is valid")
		return exitOK
	}
	if feed, _ := f.GetString("reset-checkpoint"); feed != "" {
		return exitCode(resetCheckpoint(ctx, cfg, feed, log))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	log.Info().Msg("Starting the application")
	a, err := newApp(ctx, cfg, log, reg)
	if err != nil {
		log.Err(err).Msg("Error when starting the application")
		return exitCode(err)
	}
	defer a.Close()

	err = a.Run(ctx)
	code := exitCode(err)
	if err != nil {
		log.Err(err).Int("exit_code", code).Msg("Application stopped")
	} else {
		log.Info().Msg("Application stopped")
	}
	return code
}

func newLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	opts := logger.Options{
		Service:     cfg.Service,
		Development: cfg.Log.Development,
		Level:       cfg.Log.Level,
	}
	closeLog := func() {}
	if cfg.Log.File != "" {
		// logs will be written to both the file and stderr
		file, err := logger.OpenFile(cfg.Log.File)
		if err != nil {
			return zerolog.Nop(), closeLog, err
		}
		opts.File = file
		closeLog = func() { file.Close() }
	}
	log, err := logger.New(opts)
	if err != nil {
		closeLog()
		return zerolog.Nop(), func() {}, err
	}
	return log, closeLog, nil
}

// resetCheckpoint forgets where feed stopped, its next start is from the
// beginning or its start_marker
func resetCheckpoint(ctx context.Context, cfg *config.Config, feed string, log zerolog.Logger) error {
	if _, ok := cfg.Feed(feed); !ok {
		return fmt.Errorf("%w: unknown feed %q", config.ErrInvalidConfig, feed)
	}
	store, err := checkpoint.New(ctx, cfg.Checkpoint, log)
	if err != nil {
		return fmt.Errorf("%w: %w", errStartup, err)
	}
	defer store.Close()

	if err := store.Delete(ctx, feed); err != nil {
		return fmt.Errorf("error when deleting the checkpoint of %s: %w", feed, err)
	}
	log.Warn().Str("feed", feed).Msg("Checkpoint deleted")
	return nil
}
