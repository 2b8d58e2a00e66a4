// Package config loads and saves the daemon's YAML configuration file.
//
// Loading is forgiving: a missing file yields defaults, and out-of-range
// values are clamped with a warning instead of refusing to start. The only
// fatal validation is an enabled TLS section with unusable key material,
// because the server cannot listen without it.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"mark46"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	// Windows file lock releases (antivirus/indexing) typically settle
	// quickly. Use a short linear backoff: baseDelay * (1..maxRenameRetry).
	renameRetryBaseDelay = 10 * time.Millisecond
	// maxValidPort is the highest TCP port number. Port 0 is valid and
	// binds an ephemeral port.
	maxValidPort = 65535
	// minUsefulPayload is the smallest max_payload that still lets the
	// authentication reply (envelope header, peer id, info JSON) through
	// the send-side cap.
	minUsefulPayload = 64
)

// Seams for tests that simulate unresolvable user directories.
var userConfigDirFn = os.UserConfigDir
var userHomeDirFn = os.UserHomeDir

// TLSConfig holds the listener's TLS key material. CertFile and KeyFile
// are paths to PEM files; both must be set when Enabled is true.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// Config is the daemon's runtime configuration. Limits follow the server's
// conventions: 0 means unlimited for max_payload, max_clients and
// max_sockets.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxPayload bounds each message's payload bytes in both directions.
	MaxPayload uint64 `yaml:"max_payload"`
	// MaxClients caps concurrently authenticated peers.
	MaxClients int `yaml:"max_clients"`
	// MaxSockets caps accepted TCP connections before the handshake.
	MaxSockets int `yaml:"max_sockets"`

	// ProxyProtocol expects a PROXY v1/v2 header on every connection.
	ProxyProtocol bool `yaml:"proxy_protocol"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// AuthToken, when non-empty, is required verbatim as the client's
	// authentication credential.
	AuthToken string `yaml:"auth_token,omitempty"`

	// BanDB is the SQLite ban store path. Empty keeps bans in memory.
	BanDB string `yaml:"ban_db,omitempty"`

	TLS TLSConfig `yaml:"tls"`
}

// DefaultConfig returns the configuration the daemon runs with when no
// file exists.
func DefaultConfig() Config {
	return Config{
		Host:     mark46.DefaultHost,
		Port:     mark46.DefaultPort,
		LogLevel: "info",
	}
}

// DefaultPath resolves the config file path under the user config
// directory, falling back to ~/.config and then to os.TempDir() when the
// usual directories cannot be resolved. The temp-dir fallback is not a
// stable persistence location.
func DefaultPath() string {
	base, err := userConfigDirFn()
	if err != nil {
		home, homeErr := userHomeDirFn()
		if homeErr != nil {
			slog.Warn("[config] using temp dir as config path fallback", "error", err)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "mark46", "config.yaml")
}

// Load reads the config file. A missing file returns defaults. A file that
// fails to parse returns defaults along with the parse error so the caller
// can decide whether to continue.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[config] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes the default config if the file is missing and returns
// the loaded config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Save validates cfg, fills defaults, and atomically writes it to path.
// Returns the normalized config that was actually written to disk.
func Save(path string, cfg Config) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return cfg, errors.New("config path required")
	}
	normalizedPath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return cfg, fmt.Errorf("save config: resolve path: %w", err)
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[config] config saved", "path", path)
	return cfg, nil
}

// ParseLogLevel maps a config log level string to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// applyDefaultsAndValidate fills missing defaults and validates cfg
// in-place. MUTATES: cfg is directly modified. Used by both Load and Save
// to ensure consistent normalization.
func applyDefaultsAndValidate(cfg *Config) error {
	if isZeroConfig(*cfg) {
		*cfg = DefaultConfig()
		return nil
	}

	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = mark46.DefaultHost
	}
	validatePort(cfg)
	validateLimits(cfg)
	validateLogLevel(cfg)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.BanDB = strings.TrimSpace(cfg.BanDB)
	return validateTLS(&cfg.TLS)
}

// validatePort resets an out-of-range port to the default with a warning.
// NOTE: non-fatal so a misconfigured file cannot prevent startup; port 0
// stays 0 and binds an ephemeral port.
func validatePort(cfg *Config) {
	if cfg.Port < 0 || cfg.Port > maxValidPort {
		slog.Warn("[config] port out of valid range, falling back to default",
			"configured", cfg.Port, "default", mark46.DefaultPort)
		cfg.Port = mark46.DefaultPort
	}
}

// validateLimits clamps negative caps to 0 (unlimited) and warns when
// max_payload is too small for the authentication reply to fit.
func validateLimits(cfg *Config) {
	if cfg.MaxClients < 0 {
		slog.Warn("[config] max_clients is negative, treating as unlimited", "configured", cfg.MaxClients)
		cfg.MaxClients = 0
	}
	if cfg.MaxSockets < 0 {
		slog.Warn("[config] max_sockets is negative, treating as unlimited", "configured", cfg.MaxSockets)
		cfg.MaxSockets = 0
	}
	if cfg.MaxPayload > 0 && cfg.MaxPayload < minUsefulPayload {
		slog.Warn("[config] max_payload cannot carry the authentication reply, clients will fail to connect",
			"configured", cfg.MaxPayload, "minimum", minUsefulPayload)
	}
}

func validateLogLevel(cfg *Config) {
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = DefaultConfig().LogLevel
		return
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		slog.Warn("[config] unknown log_level, falling back to info", "configured", cfg.LogLevel)
		cfg.LogLevel = "info"
		return
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
}

// validateTLS is the one fatal check: an enabled TLS section must point at
// readable key material or the listener cannot start.
func validateTLS(t *TLSConfig) error {
	if !t.Enabled {
		return nil
	}
	t.CertFile = strings.TrimSpace(t.CertFile)
	t.KeyFile = strings.TrimSpace(t.KeyFile)
	if t.CertFile == "" || t.KeyFile == "" {
		return errors.New("tls: cert_file and key_file are required when tls is enabled")
	}
	for _, path := range []string{t.CertFile, t.KeyFile} {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("tls: %s is a directory", path)
		}
	}
	return nil
}

// atomicWrite writes config data using temp-file + rename to avoid partial
// writes and retries rename on Windows to tolerate transient file locks.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	// Temp file + rename in the same directory ensures a same-filesystem
	// rename and prevents partial writes on crash.
	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[config] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[config] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func isZeroConfig(cfg Config) bool {
	// reflect.DeepEqual guards against field-addition drift that manual
	// checks miss.
	return reflect.DeepEqual(cfg, Config{})
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := 0; attempt < maxRenameRetry; attempt++ {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}
