package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"CALLDOC_DATA_DIR", "CALLDOC_HTTP_PORT", "CALLDOC_SMDR_PORT",
		"CALLDOC_SMDR_HOST", "CALLDOC_LOG_LEVEL", "CALLDOC_POLL_INTERVAL",
		"CALLDOC_CONFIG_FILE", "CALLDOC_WATCH_DIR", "CALLDOC_DEFAULT_POOL_ID",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	os.Args = []string{"calldoc"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.SMDRHost != "0.0.0.0" || cfg.SMDRPort != 1150 {
		t.Errorf("SMDR address = %s:%d, want 0.0.0.0:1150", cfg.SMDRHost, cfg.SMDRPort)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %s, want %s", cfg.PollInterval, defaultPollInterval)
	}
	if cfg.DefaultPoolID != 1 {
		t.Errorf("DefaultPoolID = %d, want 1", cfg.DefaultPoolID)
	}
	if cfg.SourceType != "smdr" {
		t.Errorf("SourceType = %q, want smdr", cfg.SourceType)
	}
	if cfg.S3Enabled() {
		t.Error("S3Enabled() = true with no endpoint")
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"calldoc"}
	t.Setenv("CALLDOC_HTTP_PORT", "9090")
	t.Setenv("CALLDOC_DATA_DIR", "/tmp/calldoc-test")
	t.Setenv("CALLDOC_LOG_LEVEL", "debug")
	t.Setenv("CALLDOC_POLL_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/calldoc-test" {
		t.Errorf("DataDir = %q, want /tmp/calldoc-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %s, want 30s", cfg.PollInterval)
	}
}

func TestInvalidEnvValue(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"calldoc"}
	t.Setenv("CALLDOC_SMDR_PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric CALLDOC_SMDR_PORT")
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"calldoc", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("CALLDOC_HTTP_PORT", "9090")
	t.Setenv("CALLDOC_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestConfigFileLayer(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "calldoc.yaml")
	doc := "smdr-port: 2150\nwatch-dir: /var/spool/recorder\nhttp-port: 7000\ndefault-pool-id: 3\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	os.Args = []string{"calldoc", "--config-file", path, "--http-port", "7100"}
	t.Setenv("CALLDOC_WATCH_DIR", "/srv/inbox")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMDRPort != 2150 {
		t.Errorf("SMDRPort = %d, want 2150 from file", cfg.SMDRPort)
	}
	if cfg.DefaultPoolID != 3 {
		t.Errorf("DefaultPoolID = %d, want 3 from file", cfg.DefaultPoolID)
	}
	if cfg.WatchDir != "/srv/inbox" {
		t.Errorf("WatchDir = %q, want /srv/inbox (env should override file)", cfg.WatchDir)
	}
	if cfg.HTTPPort != 7100 {
		t.Errorf("HTTPPort = %d, want 7100 (CLI should override file)", cfg.HTTPPort)
	}
}

func TestConfigFileMissing(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"calldoc", "--config-file", filepath.Join(t.TempDir(), "absent.yaml")}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid http port", []string{"--http-port", "99999"}},
		{"invalid smdr port", []string{"--smdr-port", "0"}},
		{"invalid log level", []string{"--log-level", "verbose"}},
		{"poll interval too short", []string{"--poll-interval", "100ms"}},
		{"stability wait exceeds poll", []string{"--poll-interval", "5s", "--stability-wait", "6s"}},
		{"zero pool", []string{"--default-pool-id", "0"}},
		{"unknown timezone", []string{"--timezone", "Mars/Olympus"}},
		{"s3 keys without endpoint", []string{"--s3-access-key", "AKIA"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			os.Args = append([]string{"calldoc"}, tt.args...)
			if _, err := Load(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
