package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/changewatch/checkpoint"
	"github.com/tarungka/changewatch/internal/config"
	"github.com/tarungka/changewatch/internal/dispatch"
	"github.com/tarungka/changewatch/internal/models"
	"github.com/tarungka/changewatch/sinks"
	"github.com/tarungka/changewatch/sources"
)

// useMemoryFeed makes feeds of type memory read from feed
func useMemoryFeed(feed *sources.MemoryFeed) {
	sources.RegisterSource("memory", func(sources.SourceConfig, zerolog.Logger) (sources.Client, error) {
		return feed, nil
	})
}

func memoryConfig(t *testing.T, out string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Checkpoint.Backend = "memory"
	cfg.ShutdownTimeout = time.Second
	cfg.Retry = dispatch.RetryPolicy{Attempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.Reconnect.InitialInterval = time.Millisecond
	cfg.Reconnect.MaxInterval = 5 * time.Millisecond
	cfg.Feeds = []sources.SourceConfig{
		{Name: "primero", ConnectionType: "memory", EntityTypes: []string{"Case", "Incident"}},
	}
	cfg.Handlers = []config.HandlerConfig{
		{SinkConfig: sinks.SinkConfig{
			Name:           "audit-log",
			ConnectionType: "file",
			EntityTypes:    []string{"Case", "Incident"},
			Config:         map[string]string{"file_path": out},
		}},
	}
	require.NoError(t, cfg.Validate())
	return &cfg
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"runtime", errors.New("boom"), exitRuntime},
		{"invalid config", fmt.Errorf("%w: no feeds", config.ErrInvalidConfig), exitConfig},
		{"startup", fmt.Errorf("%w: dial", errStartup), exitConfig},
		{"unknown backend", checkpoint.ErrUnknownBackend, exitConfig},
		{"unregistered type", fmt.Errorf("feed a: %w", dispatch.ErrUnregisteredEntityType), exitConfig},
		{"unwatched type", dispatch.ErrUnwatchedEntityType, exitConfig},
		{"invalid marker", fmt.Errorf("feed a: %w", sources.ErrInvalidStartMarker), exitInvalidMarker},
		{"authentication", fmt.Errorf("feed a: %w", sources.ErrAuthentication), exitAuth},
		{"authentication while starting", fmt.Errorf("%w: %w", errStartup, sources.ErrAuthentication), exitAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), []string{"--version"}, &out)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, buildString+"\n", out.String())
}

func TestRun_BadFlag(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, exitConfig, run(context.Background(), []string{"--no-such-flag"}, &out))
}

func TestRun_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `
feeds:
  - name: primero
    type: carrier-pigeon
    entity_types: [Case]
`)
	var out bytes.Buffer
	assert.Equal(t, exitConfig, run(context.Background(), []string{"--config", path}, &out))
}

func TestRun_Validate(t *testing.T) {
	useMemoryFeed(sources.NewMemoryFeed("primero"))
	path := writeConfig(t, fmt.Sprintf(`
checkpoint:
  backend: memory
feeds:
  - name: primero
    type: memory
    entity_types: [Case]
handlers:
  - name: audit-log
    type: file
    entity_types: [Case]
    config:
      file_path: %s
`, filepath.Join(t.TempDir(), "audit.jsonl")))

	var out bytes.Buffer
	assert.Equal(t, exitOK, run(context.Background(), []string{"--config", path, "--validate"}, &out))
}

func TestRun_ResetCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "primero", models.SeqMarker(7)))

	useMemoryFeed(sources.NewMemoryFeed("primero"))
	path := writeConfig(t, fmt.Sprintf(`
feeds:
  - name: primero
    type: memory
    entity_types: [Case]
handlers:
  - name: audit-log
    type: file
    entity_types: [Case]
    config:
      file_path: %s
`, filepath.Join(t.TempDir(), "audit.jsonl")))

	var out bytes.Buffer
	code := run(context.Background(), []string{"--config", path, "--checkpoint-dir", dir, "--reset-checkpoint", "primero"}, &out)
	require.Equal(t, exitOK, code)

	cp, err := store.Load(context.Background(), "primero")
	require.NoError(t, err)
	assert.Equal(t, models.Beginning, cp.Marker)

	code = run(context.Background(), []string{"--config", path, "--checkpoint-dir", dir, "--reset-checkpoint", "nope"}, &out)
	assert.Equal(t, exitConfig, code)
}

func TestApp_DeliversEventsUntilShutdown(t *testing.T) {
	out := filepath.Join(t.TempDir(), "audit.jsonl")
	feed := sources.NewMemoryFeed("primero")
	useMemoryFeed(feed)
	feed.Append("Case", "c1", models.Created, map[string]any{"name": "first"})
	feed.Append("Incident", "i1", models.Created, nil)
	feed.Append("Case", "c1", models.Deleted, nil)

	a, err := newApp(context.Background(), memoryConfig(t, out), zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(readLines(t, out)) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.supervisor.Status()[0].Checkpoint == string(models.SeqMarker(3))
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
		assert.Equal(t, exitOK, exitCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestApp_InvalidStartMarkerStopsTheProcess(t *testing.T) {
	feed := sources.NewMemoryFeed("primero")
	useMemoryFeed(feed)
	feed.FailNextSubscribe(sources.ErrInvalidStartMarker)

	a, err := newApp(context.Background(), memoryConfig(t, filepath.Join(t.TempDir(), "out.jsonl")), zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background()) }()

	select {
	case err := <-errc:
		assert.Equal(t, exitInvalidMarker, exitCode(err))
		assert.False(t, a.supervisor.Healthy())
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestNewApp_SharesHandlersAcrossFeeds(t *testing.T) {
	feed := sources.NewMemoryFeed("any")
	useMemoryFeed(feed)

	var calls int
	sinks.RegisterSink("counting", func(c sinks.SinkConfig, _ zerolog.Logger) (sinks.Handler, error) {
		calls++
		return sinks.HandlerFunc{HandlerName: c.Name, Fn: func(context.Context, models.ChangeEvent) error {
			return retry.Unrecoverable(errors.New("unused"))
		}}, nil
	})

	cfg := memoryConfig(t, filepath.Join(t.TempDir(), "out.jsonl"))
	cfg.Feeds = append(cfg.Feeds, sources.SourceConfig{Name: "audit", ConnectionType: "memory", EntityTypes: []string{"User"}})
	cfg.Handlers = []config.HandlerConfig{
		{SinkConfig: sinks.SinkConfig{Name: "shared", ConnectionType: "counting", EntityTypes: []string{"Case", "Incident", "User"}}},
	}
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 1, calls)
	assert.Len(t, a.handlers, 1)
	assert.Len(t, a.supervisor.Status(), 2)
}

func TestNewApp_UnknownBackend(t *testing.T) {
	useMemoryFeed(sources.NewMemoryFeed("primero"))
	cfg := memoryConfig(t, filepath.Join(t.TempDir(), "out.jsonl"))
	cfg.Checkpoint.Backend = "punch-cards"

	_, err := newApp(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestNewApp_MalformedStartMarker(t *testing.T) {
	useMemoryFeed(sources.NewMemoryFeed("primero"))
	cfg := memoryConfig(t, filepath.Join(t.TempDir(), "out.jsonl"))
	cfg.Feeds[0].StartMarker = "last tuesday"

	_, err := newApp(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.ErrorIs(t, err, sources.ErrMalformedMarker)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestApp_UnpaddedStartMarker(t *testing.T) {
	out := filepath.Join(t.TempDir(), "audit.jsonl")
	feed := sources.NewMemoryFeed("primero")
	useMemoryFeed(feed)
	for i := 0; i < 5; i++ {
		feed.Append("Case", "c1", models.Updated, nil)
	}

	cfg := memoryConfig(t, out)
	cfg.Feeds[0].StartMarker = "3"
	a, err := newApp(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(readLines(t, out)) == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, string(models.SeqMarker(5)), a.supervisor.Status()[0].Checkpoint)
}

func TestExitCode_MalformedMarker(t *testing.T) {
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("feed a: start_marker: %w", sources.ErrMalformedMarker)))
}
