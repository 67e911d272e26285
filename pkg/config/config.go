// Package config parses the proxy's CLI surface: positional port/cert/key
// arguments plus optional flags, layered with an optional YAML file whose
// values override the flag defaults (grounded on Summpot-prism's
// config.go, which layers the same way).
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/WhileEndless/go-httpproxy/pkg/constants"
)

// Config holds every tunable the proxy needs at startup.
type Config struct {
	Port     int    `yaml:"-"`
	CertFile string `yaml:"-"`
	KeyFile  string `yaml:"-"`

	CacheCapacity int           `yaml:"cache_capacity"`
	BodyMemCap    int64         `yaml:"body_mem_cap"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	JanitorCron   string        `yaml:"janitor_cron"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	LogLevel      string        `yaml:"log_level"`
}

// Default returns the proxy's built-in defaults, before flag or YAML
// overrides are applied.
func Default() Config {
	return Config{
		CacheCapacity: constants.DefaultCacheCapacity,
		BodyMemCap:    constants.DefaultBodyMemLimit,
		IdleTimeout:   constants.DefaultIdleTimeout,
		JanitorCron:   "@every 5m",
		MetricsAddr:   "",
		LogLevel:      "info",
	}
}

// Parse parses argv (excluding the program name) into a Config. Positional
// arguments are the unchanged CLI surface: `<port>` or `<port> <cert>
// <key>`; everything else is optional flags. A `-config` flag, if given,
// names a YAML file whose fields override the flag defaults before the
// explicit flags are re-applied, so an explicit flag always wins over the
// file.
func Parse(argv []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	cacheCapacity := fs.Int("cache-capacity", cfg.CacheCapacity, "maximum number of cached responses")
	bufferCap := fs.Int64("buffer-cap", cfg.BodyMemCap, "in-memory bytes per cached response before spilling to disk")
	idleTimeout := fs.Duration("idle-timeout", cfg.IdleTimeout, "socket idle timeout before forced disconnect")
	janitorCron := fs.String("janitor-cron", cfg.JanitorCron, "cron expression for the periodic stale-cache sweep")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on (empty disables)")
	configFile := fs.String("config", "", "optional YAML file overriding the flag defaults")
	logLevel := fs.String("log-level", cfg.LogLevel, "trace|debug|info|warn|error")

	if err := fs.Parse(argv); err != nil {
		return Config{}, err
	}

	args := fs.Args()
	if len(args) != 1 && len(args) != 3 {
		return Config{}, fmt.Errorf("usage: proxy <port> [cert_file key_file] [flags]")
	}

	port, err := parsePort(args[0])
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	if len(args) == 3 {
		cfg.CertFile = args[1]
		cfg.KeyFile = args[2]
	}

	if *configFile != "" {
		if err := applyYAMLFile(*configFile, &cfg); err != nil {
			return Config{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cache-capacity":
			cfg.CacheCapacity = *cacheCapacity
		case "buffer-cap":
			cfg.BodyMemCap = *bufferCap
		case "idle-timeout":
			cfg.IdleTimeout = *idleTimeout
		case "janitor-cron":
			cfg.JanitorCron = *janitorCron
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if *configFile == "" {
		// No YAML file: the flag package's defaults (already seeded from
		// cfg.Default()) stand for any flag the user didn't pass.
		cfg.CacheCapacity = *cacheCapacity
		cfg.BodyMemCap = *bufferCap
		cfg.IdleTimeout = *idleTimeout
		cfg.JanitorCron = *janitorCron
		cfg.MetricsAddr = *metricsAddr
		cfg.LogLevel = *logLevel
	}

	return cfg, nil
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func applyYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}
