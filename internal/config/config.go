package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	otelpkg "github.com/basket/currency-agent/internal/otel"
	"github.com/basket/currency-agent/internal/persistence"
)

var (
	// ErrMissingAPIKey is returned when the google model source has no key.
	ErrMissingAPIKey = errors.New("GOOGLE_API_KEY environment variable not set")
	// ErrMissingToolLLMURL and ErrMissingToolLLMName are returned when an
	// OpenAI-compatible model source lacks its endpoint or model name.
	ErrMissingToolLLMURL  = errors.New("TOOL_LLM_URL environment variable not set")
	ErrMissingToolLLMName = errors.New("TOOL_LLM_NAME environment variable not set")
	// ErrMissingDatabaseConfig is returned when mysql settings are incomplete.
	ErrMissingDatabaseConfig = errors.New("MYSQL_HOST, MYSQL_USER and MYSQL_DATABASE must be set")
)

// DatabaseConfig selects and reaches the database behind the stores. URL
// wins over the discrete MySQL fields.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`

	MaxOpenConns     int `yaml:"max_open_conns"`
	MaxIdleConns     int `yaml:"max_idle_conns"`
	OpTimeoutSeconds int `yaml:"op_timeout_seconds"`

	// HealthSchedule is the cron spec for the connectivity probe.
	HealthSchedule string `yaml:"health_schedule"`
}

// LLMConfig selects the model behind the currency agent.
type LLMConfig struct {
	// ModelSource is "google" or anything else for an OpenAI-compatible
	// endpoint.
	ModelSource  string `yaml:"model_source"`
	GoogleAPIKey string `yaml:"google_api_key"`
	ToolLLMURL   string `yaml:"tool_llm_url"`
	ToolLLMName  string `yaml:"tool_llm_name"`
	APIKey       string `yaml:"api_key"`
}

type ExchangeConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AuthConfig is the injected basic-auth credential table.
type AuthConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Users       map[string]string `yaml:"users"`
	PublicPaths []string          `yaml:"public_paths"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type PushConfig struct {
	Enabled               bool `yaml:"enabled"`
	MaxTries              int  `yaml:"max_tries"`
	AttemptTimeoutSeconds int  `yaml:"attempt_timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses 5s.
	DrainTimeoutSeconds int   `yaml:"drain_timeout_seconds"`
	MaxRequestBytes     int64 `yaml:"max_request_bytes"`

	// MaxHistory caps the checkpointed turns per conversation.
	MaxHistory int `yaml:"max_history"`

	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Push      PushConfig      `yaml:"push"`
	Telemetry otelpkg.Config  `yaml:"telemetry"`
}

// BindAddr is the listen address.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AgentURL is the URL advertised on the agent card.
func (c Config) AgentURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return fmt.Sprintf("http://%s/", c.BindAddr())
}

// DatabaseDSN resolves the DSN handed to persistence.Open. Without a URL
// mysql is reached through the discrete fields and sqlite falls back to
// <home>/data/currency-agent.db.
func (c Config) DatabaseDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if c.Database.Driver == "mysql" {
		db := c.Database
		return persistence.MySQLDSN(db.Host, db.Port, db.User, db.Password, db.Name)
	}
	return filepath.Join(c.HomeDir, "data", "currency-agent.db")
}

// Fingerprint returns a stable hash of the settings that matter at runtime.
// Secrets are excluded.
func (c Config) Fingerprint() string {
	users := make([]string, 0, len(c.Auth.Users))
	for u := range c.Auth.Users {
		users = append(users, u)
	}
	sort.Strings(users)
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|driver=%s|model=%s|%s|auth=%t:%v|push=%t",
		c.BindAddr(), c.LogLevel, c.Database.Driver, c.LLM.ModelSource, c.LLM.ToolLLMName,
		c.Auth.Enabled, users, c.Push.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		Host:                "localhost",
		Port:                10000,
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		MaxRequestBytes:     1 << 20,
		MaxHistory:          40,
		Database: DatabaseConfig{
			Port:             3306,
			OpTimeoutSeconds: 5,
			HealthSchedule:   "@every 30s",
		},
		LLM: LLMConfig{
			ModelSource: "google",
			APIKey:      "EMPTY",
		},
		Exchange: ExchangeConfig{
			BaseURL:        "https://api.frankfurter.app",
			TimeoutSeconds: 10,
		},
		Auth: AuthConfig{
			PublicPaths: DefaultPublicPaths(),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Push: PushConfig{
			Enabled:               true,
			MaxTries:              3,
			AttemptTimeoutSeconds: 5,
		},
		Telemetry: otelpkg.Config{Exporter: "none"},
	}
}

// DefaultPublicPaths are reachable without credentials.
func DefaultPublicPaths() []string {
	return []string{"/.well-known/agent.json", "/.well-known/agent-card.json", "/healthz"}
}

func HomeDir() string {
	if override := os.Getenv("CURRENCY_AGENT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".currency-agent")
}

// Load reads <home>/config.yaml over the defaults, applies environment
// overrides and validates the result. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create currency-agent home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the settings the agent cannot start without.
func (c Config) Validate() error {
	if c.LLM.ModelSource == "google" {
		if c.LLM.GoogleAPIKey == "" {
			return ErrMissingAPIKey
		}
	} else {
		if strings.TrimSpace(c.LLM.ToolLLMURL) == "" {
			return ErrMissingToolLLMURL
		}
		if strings.TrimSpace(c.LLM.ToolLLMName) == "" {
			return ErrMissingToolLLMName
		}
	}
	if c.Database.Driver == "mysql" && c.Database.URL == "" {
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			return ErrMissingDatabaseConfig
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Auth.Enabled && len(c.Auth.Users) == 0 {
		return errors.New("auth.enabled requires at least one user")
	}
	return nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 10000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 40
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	// With a URL and no explicit driver the dialect follows the URL scheme.
	if cfg.Database.Driver == "" && cfg.Database.URL == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "postgresql" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 3306
	}
	if cfg.Database.OpTimeoutSeconds <= 0 {
		cfg.Database.OpTimeoutSeconds = 5
	}
	if cfg.Database.HealthSchedule == "" {
		cfg.Database.HealthSchedule = "@every 30s"
	}
	cfg.LLM.ModelSource = strings.ToLower(strings.TrimSpace(cfg.LLM.ModelSource))
	if cfg.LLM.ModelSource == "" {
		cfg.LLM.ModelSource = "google"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = "EMPTY"
	}
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.frankfurter.app"
	}
	cfg.Exchange.BaseURL = strings.TrimRight(cfg.Exchange.BaseURL, "/")
	if cfg.Exchange.TimeoutSeconds <= 0 {
		cfg.Exchange.TimeoutSeconds = 10
	}
	if len(cfg.Auth.PublicPaths) == 0 {
		cfg.Auth.PublicPaths = DefaultPublicPaths()
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
	if cfg.Push.MaxTries <= 0 {
		cfg.Push.MaxTries = 3
	}
	if cfg.Push.AttemptTimeoutSeconds <= 0 {
		cfg.Push.AttemptTimeoutSeconds = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CURRENCY_AGENT_BIND_HOST"); raw != "" {
		cfg.Host = raw
	}
	if raw := os.Getenv("CURRENCY_AGENT_BIND_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("CURRENCY_AGENT_PUBLIC_URL"); raw != "" {
		cfg.PublicURL = raw
	}
	if raw := os.Getenv("CURRENCY_AGENT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}

	if raw := os.Getenv("DATABASE_DRIVER"); raw != "" {
		cfg.Database.Driver = raw
	}
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		cfg.Database.URL = raw
	}
	mysqlSet := false
	if raw := os.Getenv("MYSQL_HOST"); raw != "" {
		cfg.Database.Host = raw
		mysqlSet = true
	}
	if raw := os.Getenv("MYSQL_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Database.Port = v
		}
	}
	if raw := os.Getenv("MYSQL_USER"); raw != "" {
		cfg.Database.User = raw
	}
	if raw := os.Getenv("MYSQL_PASSWORD"); raw != "" {
		cfg.Database.Password = raw
	}
	if raw := os.Getenv("MYSQL_DATABASE"); raw != "" {
		cfg.Database.Name = raw
	}
	// MYSQL_HOST alone selects mysql unless a driver was named explicitly.
	if mysqlSet && os.Getenv("DATABASE_DRIVER") == "" && cfg.Database.URL == "" {
		cfg.Database.Driver = "mysql"
	}

	if raw := firstEnv("model_source", "MODEL_SOURCE"); raw != "" {
		cfg.LLM.ModelSource = raw
	}
	if raw := os.Getenv("GOOGLE_API_KEY"); raw != "" {
		cfg.LLM.GoogleAPIKey = raw
	}
	if raw := os.Getenv("TOOL_LLM_URL"); raw != "" {
		cfg.LLM.ToolLLMURL = raw
	}
	if raw := os.Getenv("TOOL_LLM_NAME"); raw != "" {
		cfg.LLM.ToolLLMName = raw
	}
	if raw := os.Getenv("API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
