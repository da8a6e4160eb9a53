package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the CallDoc server.
// Precedence: CLI flags > env vars (.env included) > config file > defaults.
type Config struct {
	DataDir    string
	HTTPPort   int
	LogLevel   string
	LogFormat  string // log output format: "text" or "json"
	ConfigFile string // optional YAML file keyed by flag name

	// SMDR feed
	SMDRHost   string
	SMDRPort   int
	SourceType string // tag stored with every CDR
	Timezone   string // location of SMDR timestamps

	// Recording ingestion
	WatchDir      string
	PollInterval  time.Duration
	StabilityWait time.Duration
	DefaultPoolID int64
	PeaksCount    int
	FFmpegBin     string
	FFprobeBin    string

	// Storage
	StorageRoot      string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3UseSSL         bool
	RecordingMaxDays int // 0 defers to the recording_max_days system setting

	// External collaborators
	CallsDSN       string // PostgreSQL DSN for call lookup; empty uses the local calls table
	ValkeyAddr     string // empty disables correlation event publishing to valkey
	ValkeyPassword string
	ValkeyDB       int
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultSMDRHost      = "0.0.0.0"
	defaultSMDRPort      = 1150
	defaultSourceType    = "smdr"
	defaultTimezone      = "Local"
	defaultWatchDir      = "./recordings-inbox"
	defaultPollInterval  = 10 * time.Second
	defaultStabilityWait = 2 * time.Second
	defaultPoolID        = 1
	defaultPeaksCount    = 800
	defaultFFmpegBin     = "ffmpeg"
	defaultFFprobeBin    = "ffprobe"
	defaultStorageRoot   = "./data/storage"
)

// envPrefix is the prefix for all CallDoc environment variables.
const envPrefix = "CALLDOC_"

// Load parses configuration from CLI flags, environment variables, an
// optional .env file in the working directory and an optional YAML file.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("calldoc", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.ConfigFile, "config-file", "", "path to a YAML config file keyed by flag name")
	fs.StringVar(&cfg.SMDRHost, "smdr-host", defaultSMDRHost, "SMDR TCP listen address")
	fs.IntVar(&cfg.SMDRPort, "smdr-port", defaultSMDRPort, "SMDR TCP listen port")
	fs.StringVar(&cfg.SourceType, "source-type", defaultSourceType, "source tag stored with each CDR")
	fs.StringVar(&cfg.Timezone, "timezone", defaultTimezone, "IANA timezone of SMDR timestamps")
	fs.StringVar(&cfg.WatchDir, "watch-dir", defaultWatchDir, "directory the recorder drops audio files into")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", defaultPollInterval, "interval between watch directory polls")
	fs.DurationVar(&cfg.StabilityWait, "stability-wait", defaultStabilityWait, "wait between the two size checks of a new file")
	fs.Int64Var(&cfg.DefaultPoolID, "default-pool-id", defaultPoolID, "storage pool that receives ingested recordings")
	fs.IntVar(&cfg.PeaksCount, "peaks-count", defaultPeaksCount, "number of waveform peaks stored per recording")
	fs.StringVar(&cfg.FFmpegBin, "ffmpeg-bin", defaultFFmpegBin, "path to the ffmpeg binary")
	fs.StringVar(&cfg.FFprobeBin, "ffprobe-bin", defaultFFprobeBin, "path to the ffprobe binary")
	fs.StringVar(&cfg.StorageRoot, "storage-root", defaultStorageRoot, "root directory for local and network pools")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", "", "S3-compatible endpoint for object pools (host:port)")
	fs.StringVar(&cfg.S3AccessKey, "s3-access-key", "", "S3 access key")
	fs.StringVar(&cfg.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	fs.BoolVar(&cfg.S3UseSSL, "s3-use-ssl", true, "use TLS for the S3 endpoint")
	fs.IntVar(&cfg.RecordingMaxDays, "recording-max-days", 0, "delete recordings older than this many days (0 uses the system setting)")
	fs.StringVar(&cfg.CallsDSN, "calls-dsn", "", "PostgreSQL DSN of the call aggregation database")
	fs.StringVar(&cfg.ValkeyAddr, "valkey-addr", "", "valkey address for correlation events (host:port)")
	fs.StringVar(&cfg.ValkeyPassword, "valkey-password", "", "valkey password")
	fs.IntVar(&cfg.ValkeyDB, "valkey-db", 0, "valkey database index")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Values already present in the environment win over .env entries.
	_ = godotenv.Load()

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		if err := applyFile(fs, set, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. smdr-port to
// CALLDOC_SMDR_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable. Flags taken from the environment are added to set so
// the config file cannot override them.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool) error {
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("env %s: %w", envName(f.Name), serr)
			return
		}
		set[f.Name] = true
	})
	return err
}

// applyFile reads a YAML document of flag-name keys and applies each value
// whose flag has not already been set by the CLI or environment.
func applyFile(fs *flag.FlagSet, set map[string]bool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	for name, raw := range values {
		if fs.Lookup(name) == nil {
			slog.Warn("unknown key in config file", "key", name, "file", path)
			continue
		}
		if set[name] || raw == nil {
			continue
		}
		if err := fs.Set(name, fmt.Sprint(raw)); err != nil {
			return fmt.Errorf("config file key %s: %w", name, err)
		}
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SMDRPort < 1 || c.SMDRPort > 65535 {
		return fmt.Errorf("smdr-port must be between 1 and 65535, got %d", c.SMDRPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.PollInterval < time.Second {
		return fmt.Errorf("poll-interval must be at least 1s, got %s", c.PollInterval)
	}
	if c.StabilityWait < 0 || c.StabilityWait >= c.PollInterval {
		return fmt.Errorf("stability-wait must be non-negative and shorter than poll-interval, got %s", c.StabilityWait)
	}
	if c.DefaultPoolID < 1 {
		return fmt.Errorf("default-pool-id must be positive, got %d", c.DefaultPoolID)
	}
	if c.PeaksCount < 1 {
		return fmt.Errorf("peaks-count must be positive, got %d", c.PeaksCount)
	}
	if c.SourceType == "" {
		return fmt.Errorf("source-type must not be empty")
	}
	if c.RecordingMaxDays < 0 {
		return fmt.Errorf("recording-max-days must not be negative, got %d", c.RecordingMaxDays)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}

	// S3 credentials are only meaningful together with an endpoint.
	if c.S3Endpoint == "" && (c.S3AccessKey != "" || c.S3SecretKey != "") {
		return fmt.Errorf("s3-access-key and s3-secret-key require s3-endpoint")
	}

	return nil
}

// Location returns the location SMDR timestamps are interpreted in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// S3Enabled reports whether object storage pools can be served.
func (c *Config) S3Enabled() bool {
	return c.S3Endpoint != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
