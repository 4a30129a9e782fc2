// Package config loads server configuration: built-in defaults, then an
// optional YAML file, then SCENE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"scenecollab/server/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SCENE_"

type Config struct {
	Addr string `yaml:"addr" env:"ADDR"`

	// DataDir holds room snapshots. Snapshots are kept in memory when empty.
	DataDir          string        `yaml:"dataDir" env:"DATA_DIR"`
	SyncWrites       bool          `yaml:"syncWrites" env:"SYNC_WRITES"`
	PersistDebounce  time.Duration `yaml:"persistDebounce" env:"PERSIST_DEBOUNCE"`
	JournalCapacity  int           `yaml:"journalCapacity" env:"JOURNAL_CAPACITY"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	EnablePprof      bool          `yaml:"enablePprof" env:"ENABLE_PPROF"`
	MetricsNamespace string        `yaml:"metricsNamespace" env:"METRICS_NAMESPACE"`
	Logging          Logging       `yaml:"logging" envPrefix:"LOG_"`
}

type Logging struct {
	Sinks []string `yaml:"sinks" env:"SINKS" envSeparator:","`
	Level string   `yaml:"level" env:"LEVEL"`

	// Categories limits routed events to these categories; empty routes all.
	Categories []string `yaml:"categories" env:"CATEGORIES" envSeparator:","`
	JSONPath   string   `yaml:"jsonPath" env:"JSON_PATH"`
	Buffer     int      `yaml:"buffer" env:"BUFFER"`
	Color      bool     `yaml:"color" env:"COLOR"`
}

func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		PersistDebounce:  2 * time.Second,
		JournalCapacity:  1024,
		ShutdownTimeout:  10 * time.Second,
		MetricsNamespace: "scene",
		Logging: Logging{
			Sinks:  []string{"console"},
			Level:  "info",
			Buffer: 512,
		},
	}
}

// Load reads path (skipped when empty) over the defaults and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.PersistDebounce < 0 {
		errs = append(errs, errors.New("persistDebounce must not be negative"))
	}
	if c.JournalCapacity < 0 {
		errs = append(errs, errors.New("journalCapacity must not be negative"))
	}
	if _, err := ParseSeverity(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	for _, sink := range c.Logging.Sinks {
		switch sink {
		case "console", "json":
		default:
			errs = append(errs, fmt.Errorf("unknown log sink %q", sink))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseSeverity maps a level name to a logging severity.
func ParseSeverity(level string) (logging.Severity, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logging.SeverityDebug, nil
	case "", "info":
		return logging.SeverityInfo, nil
	case "warn", "warning":
		return logging.SeverityWarn, nil
	case "error":
		return logging.SeverityError, nil
	default:
		return logging.SeverityInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// LoggingConfig converts the logging section for logging.NewRouter.
func (c Config) LoggingConfig() logging.Config {
	out := logging.DefaultConfig()
	out.EnabledSinks = append([]string(nil), c.Logging.Sinks...)
	if c.Logging.Buffer > 0 {
		out.BufferSize = c.Logging.Buffer
	}
	if severity, err := ParseSeverity(c.Logging.Level); err == nil {
		out.MinimumSeverity = severity
	}
	out.Categories = append([]string(nil), c.Logging.Categories...)
	out.JSON.FilePath = c.Logging.JSONPath
	out.Console.UseColor = c.Logging.Color
	return out
}
