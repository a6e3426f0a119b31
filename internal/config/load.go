package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

// EnvPrefix prefixes the environment overrides. A double underscore separates
// nested keys: CHANGEWATCH_CHECKPOINT__BACKEND sets checkpoint.backend.
const EnvPrefix = "CHANGEWATCH_"

// flagKeys maps flags onto the configuration keys they override. Flags that
// are not listed only steer the process.
var flagKeys = map[string]string{
	"port":           "server.port",
	"checkpoint-dir": "checkpoint.dir",
	"log-level":      "log.level",
	"dev":            "log.development",
}

// NewFlagSet defines the command line of the process
func NewFlagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)

	f.StringSlice("config", nil, "path to one or more config files (will be merged in order)")
	f.String("checkpoint-dir", "", "where checkpoints are stored, a directory or a database file depending on the backend")
	f.String("port", "", "port to host the status server on, empty disables it")
	f.String("log-level", "", "trace, debug, info, warn or error")
	f.Bool("dev", false, "human readable logs")
	f.String("reset-checkpoint", "", "delete the checkpoint of a feed and exit")
	f.Bool("validate", false, "validate the configuration and exit")
	f.Bool("version", false, "show current version of the build")
	return f
}

// Load merges the defaults, the config files named by --config, the
// environment and the changed flags, in that order. f must be parsed.
func Load(f *flag.FlagSet, logger zerolog.Logger) (*Config, error) {
	ko := koanf.New(".")

	configs, err := f.GetStringSlice("config")
	if err != nil {
		return nil, err
	}
	for _, path := range configs {
		logger.Debug().Msgf("Reading config from %s", path)
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := ko.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("error reading config %s: %w", path, err)
		}
		logger.Trace().Msg("Successfully read the contents of the config file")
	}

	if err := ko.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error reading environment: %w", err)
	}

	if err := ko.Load(posflag.ProviderWithFlag(f, ".", ko, flagKey(f)), nil); err != nil {
		return nil, fmt.Errorf("error reading flag config: %w", err)
	}

	cfg := Default()
	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error when un-marshaling config: %w", err)
	}
	return &cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	}
	return nil, fmt.Errorf("unsupported config file extension: %s", path)
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// flagKey only lets changed flags through, defaults live in Default
func flagKey(f *flag.FlagSet) func(fl *flag.Flag) (string, interface{}) {
	return func(fl *flag.Flag) (string, interface{}) {
		key, ok := flagKeys[fl.Name]
		if !ok || !fl.Changed {
			return "", nil
		}
		return key, posflag.FlagVal(f, fl)
	}
}
