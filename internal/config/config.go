package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"streamrelay/internal/models"
)

const (
	defaultPort          = 8080
	defaultStreamTimeout = 10 * time.Minute
	defaultDialTimeout   = 10 * time.Second
	defaultMaxFrames     = 50
	defaultServiceName   = "streamrelay"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Debug     DebugConfig     `yaml:"debug"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Profiles  []ProfileConfig `yaml:"profiles"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	StreamTimeout  time.Duration `yaml:"stream_timeout"`
}

// DebugConfig enables the in-memory frame recorder.
type DebugConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxFrames int  `yaml:"max_frames"`
}

// TelemetryConfig enables OpenTelemetry tracing to stdout.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
}

// UpstreamConfig tunes the shared upstream HTTP client. Timeout bounds the wait
// for response headers only; streams themselves are bounded by server.stream_timeout.
type UpstreamConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ProfileConfig is one upstream access and the models it serves.
type ProfileConfig struct {
	ID         string            `yaml:"id"`
	Dialect    string            `yaml:"dialect"`
	APIKey     string            `yaml:"api_key"`
	Host       string            `yaml:"host"`
	OrgID      string            `yaml:"org_id"`
	APIVersion string            `yaml:"api_version"`
	Headers    Headers           `yaml:"headers"`
	Models     []ModelConfig     `yaml:"models"`
	Aliases    map[string]string `yaml:"aliases"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a profile and its default sampling parameters.
type ModelConfig struct {
	ID              string         `yaml:"id"`
	Temperature     *float64       `yaml:"temperature"`
	MaxOutputTokens *int           `yaml:"max_output_tokens"`
	Options         map[string]any `yaml:"options"`
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML, substitutes ${VAR} references in credentials, hosts and
// headers, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		p.APIKey = substituteEnvVars(p.APIKey)
		p.Host = substituteEnvVars(p.Host)
		for k, v := range p.Headers {
			p.Headers[k] = substituteEnvVars(v)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.StreamTimeout == 0 {
		c.Server.StreamTimeout = defaultStreamTimeout
	}
	if c.Upstream.DialTimeout == 0 {
		c.Upstream.DialTimeout = defaultDialTimeout
	}
	if c.Debug.MaxFrames == 0 {
		c.Debug.MaxFrames = defaultMaxFrames
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.StreamTimeout < 0 {
		return fmt.Errorf("server.stream_timeout must not be negative")
	}
	if c.Upstream.Timeout < 0 || c.Upstream.DialTimeout < 0 {
		return fmt.Errorf("upstream timeouts must not be negative")
	}
	if c.Debug.MaxFrames < 0 {
		return fmt.Errorf("debug.max_frames must not be negative")
	}

	seen := make(map[string]bool, len(c.Profiles))
	for i, profile := range c.Profiles {
		if err := validateProfile(profile); err != nil {
			return fmt.Errorf("profiles[%d]: %w", i, err)
		}
		if seen[profile.ID] {
			return fmt.Errorf("profiles[%d]: duplicate profile id %q", i, profile.ID)
		}
		seen[profile.ID] = true
	}
	return nil
}

func validateProfile(profile ProfileConfig) error {
	name := strings.TrimSpace(profile.ID)
	if name == "" {
		return fmt.Errorf("profile id must not be empty")
	}

	dialect, ok := models.ParseDialect(profile.Dialect)
	if !ok {
		return fmt.Errorf("profile %s: unknown dialect %q", name, profile.Dialect)
	}
	if dialect.KeyRequired() && strings.TrimSpace(profile.APIKey) == "" {
		return fmt.Errorf("profile %s: api_key must be provided for dialect %s", name, dialect)
	}
	if dialect.DefaultHost() == "" && strings.TrimSpace(profile.Host) == "" {
		return fmt.Errorf("profile %s: host must be provided for dialect %s", name, dialect)
	}
	if len(profile.Models) == 0 {
		return fmt.Errorf("profile %s: at least one model must be configured", name)
	}

	for _, model := range profile.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("profile %s: model id must not be empty", name)
		}
		if model.MaxOutputTokens != nil && *model.MaxOutputTokens <= 0 {
			return fmt.Errorf("profile %s: model %s: max_output_tokens must be positive", name, model.ID)
		}
	}

	for headerKey := range profile.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("profile %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range profile.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("profile %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("profile %s: alias %q target must not be empty", name, alias)
		}
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
