package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/tarungka/changewatch/internal/utils"
)

// FileSink appends every event as one JSON line. Lines are fsynced before
// Handle returns unless sync is disabled.
type FileSink struct {
	name     string
	filePath string
	sync     bool

	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
}

func NewFileSink(config SinkConfig, logger zerolog.Logger) (Handler, error) {
	path := config.Config["file_path"]
	if path == "" {
		logger.Error().Msg("Missing file_path in config")
		return nil, fmt.Errorf("file handler %s: missing file_path", config.Name)
	}

	logger.Trace().Str("file_path", path).Msg("Preparing to open file for writing")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Err(err).Str("directory", dir).Msg("Failed to create parent directories")
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	if utils.PathExists(path) {
		logger.Warn().Str("file_path", path).Msg("File already exists; appending to it")
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Err(err).Str("file_path", path).Msg("Failed to open file")
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return &FileSink{
		name:     config.Name,
		filePath: path,
		sync:     config.Config["sync"] != "false",
		file:     file,
		logger:   logger,
	}, nil
}

func (f *FileSink) Name() string { return f.name }

func (f *FileSink) Handle(ctx context.Context, event models.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("error when encoding the event: %w", err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return retry.Unrecoverable(fmt.Errorf("file sink %s is closed", f.name))
	}
	if _, err := f.file.Write(append(line, '\n')); err != nil {
		f.logger.Err(err).Msg("Failed to write to file")
		return err
	}
	if f.sync {
		if err := f.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync %s: %w", f.filePath, err)
		}
	}
	f.logger.Trace().Str("file_path", f.filePath).Str("entity_id", event.EntityID).Msg("Event written to file")
	return nil
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.Info().Msg("Closing file sink")
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if err != nil {
		f.logger.Err(err).Msg("Failed to close file")
		return err
	}
	return nil
}
