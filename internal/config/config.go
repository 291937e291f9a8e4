// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/pathproxy/config.toml",
	"configs/config.toml",
}

// Emission modes.
const (
	EmissionEager     = "eager"
	EmissionStreaming = "streaming"
)

// Path syntaxes.
const (
	SyntaxConfig = "config"
	SyntaxScheme = "scheme"
)

// reservedRoutes are served by the gateway itself and never forwarded.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Timeout    int    `kong:"short='t',help='Forward timeout in seconds (overrides config).',env='FORWARD_TIMEOUT'"`
	PathSyntax string `kong:"help='Path syntax: config|scheme (overrides config).',env='PATH_SYNTAX'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Forward ForwardConfig `toml:"forward"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Host                 string          `toml:"host"`
	Port                 int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	MountPath            string          `toml:"mount_path"`
	BodyMaxBytes         int64           `toml:"body_max_bytes"`
	MultipartMemoryBytes int64           `toml:"multipart_memory_bytes"`
	RateLimit            RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ForwardConfig holds outbound forwarding settings shared by every request.
type ForwardConfig struct {
	// TimeoutSeconds bounds connect, read and the whole exchange.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// VerifyTLS enables certificate verification against the system roots,
	// or against CAFile when set. Verification is off by default.
	VerifyTLS bool   `toml:"verify_tls"`
	CAFile    string `toml:"ca_file"`
	// PreserveAcceptEncoding keeps the caller's Accept-Encoding instead of
	// forcing "gzip, deflate".
	PreserveAcceptEncoding bool   `toml:"preserve_accept_encoding"`
	Emission               string `toml:"emission"`
	PathSyntax             string `toml:"path_syntax"`
	ChunkSizeBytes         int    `toml:"chunk_size_bytes"`
	IdleConnections        int    `toml:"idle_connections"`
	MaxFileBytes           int64  `toml:"max_file_bytes"` // 0 means unlimited
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/pathproxy/config.toml then configs/config.toml. If neither exists the
// built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Timeout != 0 {
		c.Forward.TimeoutSeconds = cli.Timeout
	}
	if cli.PathSyntax != "" {
		c.Forward.PathSyntax = cli.PathSyntax
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.MultipartMemoryBytes < 0 {
		return fmt.Errorf("server.multipart_memory_bytes must be non-negative; got %d", c.Server.MultipartMemoryBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if m := c.Server.MountPath; m != "" && (m[0] != '/' || m[len(m)-1] != '/') {
		return fmt.Errorf("server.mount_path must start and end with '/'; got %q", m)
	}
	if c.Forward.TimeoutSeconds < 0 {
		return fmt.Errorf("forward.timeout_seconds must be non-negative; got %d", c.Forward.TimeoutSeconds)
	}
	if c.Forward.ChunkSizeBytes < 0 {
		return fmt.Errorf("forward.chunk_size_bytes must be non-negative; got %d", c.Forward.ChunkSizeBytes)
	}
	if c.Forward.IdleConnections < 0 {
		return fmt.Errorf("forward.idle_connections must be non-negative; got %d", c.Forward.IdleConnections)
	}
	if c.Forward.MaxFileBytes < 0 {
		return fmt.Errorf("forward.max_file_bytes must be non-negative; got %d", c.Forward.MaxFileBytes)
	}

	switch strings.ToLower(c.Forward.Emission) {
	case EmissionEager, EmissionStreaming, "":
	default:
		return fmt.Errorf("forward.emission must be one of: eager, streaming; got %q", c.Forward.Emission)
	}
	switch strings.ToLower(c.Forward.PathSyntax) {
	case SyntaxConfig, SyntaxScheme, "":
	default:
		return fmt.Errorf("forward.path_syntax must be one of: config, scheme; got %q", c.Forward.PathSyntax)
	}
	if c.Forward.CAFile != "" {
		if _, err := os.Stat(c.Forward.CAFile); err != nil {
			return fmt.Errorf("forward.ca_file: %w", err)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.MountPath == "" {
		c.Server.MountPath = "/"
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 512 * 1024 * 1024 // 512 MB
	}
	if c.Server.MultipartMemoryBytes == 0 {
		c.Server.MultipartMemoryBytes = 32 << 20
	}
	if c.Forward.TimeoutSeconds == 0 {
		c.Forward.TimeoutSeconds = 300
	}
	c.Forward.Emission = strings.ToLower(c.Forward.Emission)
	if c.Forward.Emission == "" {
		c.Forward.Emission = EmissionStreaming
	}
	c.Forward.PathSyntax = strings.ToLower(c.Forward.PathSyntax)
	if c.Forward.PathSyntax == "" {
		c.Forward.PathSyntax = SyntaxConfig
	}
	if c.Forward.ChunkSizeBytes == 0 {
		c.Forward.ChunkSizeBytes = 32 * 1024
	}
	if c.Forward.IdleConnections == 0 {
		c.Forward.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the forward timeout as a duration.
func (c *ForwardConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
