package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIBaseURL = "https://openapi.emtmadrid.es"
	DefaultVisorURL   = "https://www.emtmadrid.es/PMVVisor/pmv.aspx"
)

type Config struct {
	API       APIConfig       `yaml:"api" validate:"required"`
	Visor     VisorConfig     `yaml:"visor" validate:"required"`
	Retrieval RetrievalConfig `yaml:"retrieval" validate:"required"`
	Database  DatabaseConfig  `yaml:"database"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig for the MobilityLabs JSON API (primary source)
type APIConfig struct {
	BaseURL     string        `yaml:"base_url" validate:"required,url"`
	ClientID    string        `yaml:"client_id"`
	PassKey     string        `yaml:"pass_key"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	TokenMargin time.Duration `yaml:"token_margin" validate:"gte=0"`
}

// Enabled reports whether credentials are present; without them only the visor path runs
func (a APIConfig) Enabled() bool {
	return a.ClientID != "" && a.PassKey != ""
}

type ProxyConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Template string `yaml:"template" validate:"required,url"`
}

// VisorConfig for the HTML visor fallback
type VisorConfig struct {
	URL      string        `yaml:"url" validate:"required,url"`
	Proxies  []ProxyConfig `yaml:"proxies" validate:"required,min=1,dive"`
	Attempts int           `yaml:"attempts" validate:"gte=1,lte=10"`
}

type RetrievalConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	SweepInterval   time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gt=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
	Dedupe          bool          `yaml:"dedupe"`
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" validate:"required_if=Enabled true"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname" validate:"required_if=Enabled true"`
	SSLMode  string `yaml:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
}

type AlertsConfig struct {
	WebhookURL string        `yaml:"webhook_url" validate:"omitempty,url"`
	Threshold  time.Duration `yaml:"threshold" validate:"gte=0"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:     DefaultAPIBaseURL,
			MaxAttempts: 3,
			TokenMargin: 60 * time.Second,
		},
		Visor: VisorConfig{
			URL: DefaultVisorURL,
			Proxies: []ProxyConfig{
				{Name: "CodeTabs", Template: "https://api.codetabs.com/v1/proxy?quest="},
				{Name: "AllOrigins", Template: "https://api.allorigins.win/raw?url="},
				{Name: "CorsProxy", Template: "https://corsproxy.io/?"},
			},
			Attempts: 2,
		},
		Retrieval: RetrievalConfig{
			CacheTTL:        5 * time.Minute,
			SweepInterval:   10 * time.Minute,
			RefreshInterval: 30 * time.Second,
			RequestTimeout:  10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			DBName:  "emt",
			SSLMode: "disable",
		},
		Alerts: AlertsConfig{
			Threshold: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("EMT_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.API.BaseURL = getEnv("EMT_API_BASE_URL", cfg.API.BaseURL)
	cfg.API.ClientID = getEnv("EMT_CLIENT_ID", cfg.API.ClientID)
	cfg.API.PassKey = getEnv("EMT_PASS_KEY", cfg.API.PassKey)
	cfg.API.MaxAttempts = getIntEnv("EMT_MAX_ATTEMPTS", cfg.API.MaxAttempts)
	cfg.API.TokenMargin = getDurationEnv("EMT_TOKEN_MARGIN", cfg.API.TokenMargin)

	cfg.Visor.URL = getEnv("EMT_VISOR_URL", cfg.Visor.URL)
	cfg.Visor.Attempts = getIntEnv("EMT_PROXY_ATTEMPTS", cfg.Visor.Attempts)
	if proxies := parseProxies(os.Getenv("EMT_PROXIES")); len(proxies) > 0 {
		cfg.Visor.Proxies = proxies
	}

	cfg.Retrieval.CacheTTL = getDurationEnv("EMT_CACHE_TTL", cfg.Retrieval.CacheTTL)
	cfg.Retrieval.SweepInterval = getDurationEnv("EMT_SWEEP_INTERVAL", cfg.Retrieval.SweepInterval)
	cfg.Retrieval.RefreshInterval = getDurationEnv("EMT_REFRESH_INTERVAL", cfg.Retrieval.RefreshInterval)
	cfg.Retrieval.RequestTimeout = getDurationEnv("EMT_REQUEST_TIMEOUT", cfg.Retrieval.RequestTimeout)
	cfg.Retrieval.Dedupe = getBoolEnv("EMT_DEDUPE", cfg.Retrieval.Dedupe)

	cfg.Database.Enabled = getBoolEnv("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnv("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnv("DB_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Alerts.WebhookURL = getEnv("DISCORD_WEBHOOK_URL", cfg.Alerts.WebhookURL)
	cfg.Alerts.Threshold = getDurationEnv("ALERT_THRESHOLD", cfg.Alerts.Threshold)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.FilePath = getEnv("LOG_FILE", cfg.Logging.FilePath)
}

// parseProxies reads "Name=template,Name=template"
func parseProxies(value string) []ProxyConfig {
	var out []ProxyConfig
	for _, item := range strings.Split(value, ",") {
		name, template, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || name == "" || template == "" {
			continue
		}
		out = append(out, ProxyConfig{Name: name, Template: template})
	}
	return out
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
