package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"cdr.dev/slog"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Config holds the ingest server configuration.
type Config struct {
	Listen     string          `yaml:"listen"`
	DBPath     string          `yaml:"database"`
	TrustProxy bool            `yaml:"trust_proxy"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Log        LogConfig       `yaml:"log"`

	// Parsed from command line (not YAML)
	ConfigPath string `yaml:"-"`
}

type RateLimitConfig struct {
	// Requests allowed per client IP per window. Zero disables limiting.
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type LogConfig struct {
	Format string `yaml:"format"` // human|json
	Level  string `yaml:"level"`  // debug|info|warn|error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:     "127.0.0.1:8123",
		DBPath:     "vitaltrace.db",
		TrustProxy: false,
		RateLimit: RateLimitConfig{
			Requests: 120,
			Window:   time.Minute,
		},
		Log: LogConfig{
			Format: "human",
			Level:  "info",
		},
		ConfigPath: "vitaltrace.yaml",
	}
}

// Load reads configuration with priority: defaults < config file < env vars < flags.
// args excludes the program name and subcommand.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()
	if getenv == nil {
		getenv = os.Getenv
	}

	flags := pflag.NewFlagSet("vitaltrace", pflag.ContinueOnError)
	configPath := flags.String("config", cfg.ConfigPath, "path to YAML config file")
	listen := flags.String("listen", "", "address to listen on")
	dbPath := flags.String("database", "", "SQLite database path")
	trustProxy := flags.Bool("trust-proxy", false, "derive client IPs from forwarded headers")
	rateRequests := flags.Int("rate-limit", 0, "requests per client IP per window")
	rateWindow := flags.Duration("rate-window", 0, "rate limit window")
	logFormat := flags.String("log-format", "", "log format: human or json")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return nil, xerrors.Errorf("parse flags: %w", err)
	}

	// 1) Config file. A missing file is fine unless it was asked for explicitly.
	path := *configPath
	if v := getenv("VITALTRACE_CONFIG"); v != "" && !flags.Changed("config") {
		path = v
	}
	cfg.ConfigPath = path
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, xerrors.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !flags.Changed("config"):
	default:
		return nil, xerrors.Errorf("read %s: %w", path, err)
	}

	// 2) Environment variables override the file
	if v := getenv("VITALTRACE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("VITALTRACE_DATABASE"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("VITALTRACE_TRUST_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, xerrors.Errorf("VITALTRACE_TRUST_PROXY: %w", err)
		}
		cfg.TrustProxy = b
	}
	if v := getenv("VITALTRACE_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, xerrors.Errorf("VITALTRACE_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit.Requests = n
	}
	if v := getenv("VITALTRACE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := getenv("VITALTRACE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// 3) Flags override everything
	if flags.Changed("listen") {
		cfg.Listen = *listen
	}
	if flags.Changed("database") {
		cfg.DBPath = *dbPath
	}
	if flags.Changed("trust-proxy") {
		cfg.TrustProxy = *trustProxy
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit.Requests = *rateRequests
	}
	if flags.Changed("rate-window") {
		cfg.RateLimit.Window = *rateWindow
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return xerrors.New("listen address is required")
	}
	if c.DBPath == "" {
		return xerrors.New("database path is required")
	}
	if c.RateLimit.Requests < 0 {
		return xerrors.Errorf("rate limit must not be negative, got %d", c.RateLimit.Requests)
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return xerrors.New("rate limit window must be positive")
	}
	switch c.Log.Format {
	case "human", "json":
	default:
		return xerrors.Errorf("unknown log format %q", c.Log.Format)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, xerrors.Errorf("unknown log level %q", l.Level)
	}
}
