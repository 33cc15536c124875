// Package config handles loading and validating afilli configuration.
// Values come from YAML files, AFILLI_* environment variables and the
// provider credential variables (OPENROUTER_API_KEY, SENDGRID_API_KEY, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProjectConfigName is the config file looked up in the working directory.
const ProjectConfigName = "afilli.yaml"

// Defaults.
const (
	DefaultInterval     = "1m"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultDBPath       = "~/.local/share/afilli/afilli.db"
	DefaultLogPath      = "~/.local/share/afilli/logs"
	DefaultAuditDir     = "~/.local/share/afilli/audit"
	DefaultLLMProvider  = "openrouter"
	DefaultLLMModel     = "openai/gpt-4o-mini"
	DefaultOpenRouter   = "https://openrouter.ai/api/v1"
	DefaultSendGridHost = "https://api.sendgrid.com"
	DefaultFromEmail    = "noreply@afilli.local"
	DefaultFromName     = "Afilli"
	DefaultClayURL      = "https://api.clay.com/v1"
	DefaultSearchURL    = "https://html.duckduckgo.com/html/"
	DefaultNATSSubject  = "afilli.events"
	DefaultHTTPTimeout  = "30s"
)

// Validation errors.
var (
	ErrCronAndInterval    = errors.New("schedule: cron and interval are mutually exclusive")
	ErrInvalidInterval    = errors.New("schedule: interval must be a positive duration")
	ErrInvalidLogLevel    = errors.New("logging: level must be debug, info, warn or error")
	ErrInvalidLogFormat   = errors.New("logging: format must be json or text")
	ErrInvalidLLMProvider = errors.New("llm: provider must be openai, openrouter or anthropic")
	ErrInvalidTemperature = errors.New("llm: temperature must be between 0 and 2")
	ErrInvalidScraperRate = errors.New("scraper: requests_per_second must be positive")
	ErrInvalidHTTPTimeout = errors.New("http_timeout must be a positive duration")
	ErrIncompleteWindow   = errors.New("schedule: window needs both start and end")
)

// Config holds all afilli configuration.
type Config struct {
	Schedule    ScheduleConfig   `mapstructure:"schedule"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Database    DatabaseConfig   `mapstructure:"database"`
	LLM         LLMConfig        `mapstructure:"llm"`
	Email       EmailConfig      `mapstructure:"email"`
	Affiliate   AffiliateConfig  `mapstructure:"affiliate"`
	Enrichment  EnrichmentConfig `mapstructure:"enrichment"`
	Scraper     ScraperConfig    `mapstructure:"scraper"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry"`
	HTTPTimeout string           `mapstructure:"http_timeout"`
}

// ScheduleConfig controls how often the agent pass runs.
type ScheduleConfig struct {
	Cron     string        `mapstructure:"cron"`
	Interval string        `mapstructure:"interval"`
	Window   *WindowConfig `mapstructure:"window"`
}

// WindowConfig restricts passes to a daily time range.
type WindowConfig struct {
	Start    string `mapstructure:"start"` // HH:MM
	End      string `mapstructure:"end"`   // HH:MM, exclusive
	Timezone string `mapstructure:"timezone"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LLMConfig selects the generation provider.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// EmailConfig configures SendGrid delivery.
type EmailConfig struct {
	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
	Host           string `mapstructure:"host"`
	FromEmail      string `mapstructure:"from_email"`
	FromName       string `mapstructure:"from_name"`
}

// AffiliateConfig holds affiliate network credentials.
type AffiliateConfig struct {
	AWIN      AWINConfig      `mapstructure:"awin"`
	CJ        CJConfig        `mapstructure:"cj"`
	ClickBank ClickBankConfig `mapstructure:"clickbank"`
}

// AWINConfig holds AWIN publisher credentials.
type AWINConfig struct {
	APIToken    string `mapstructure:"api_token"`
	PublisherID string `mapstructure:"publisher_id"`
	BaseURL     string `mapstructure:"base_url"`
}

// CJConfig holds Commission Junction credentials.
type CJConfig struct {
	APIKey    string `mapstructure:"api_key"`
	WebsiteID string `mapstructure:"website_id"`
	BaseURL   string `mapstructure:"base_url"`
}

// ClickBankConfig holds ClickBank credentials.
type ClickBankConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Vendor  string `mapstructure:"vendor"`
	BaseURL string `mapstructure:"base_url"`
}

// EnrichmentConfig configures the Clay client.
type EnrichmentConfig struct {
	ClayAPIKey string `mapstructure:"clay_api_key"`
	BaseURL    string `mapstructure:"base_url"`
}

// ScraperConfig configures web search and page fetching.
type ScraperConfig struct {
	SearchURL         string  `mapstructure:"search_url"`
	UserAgent         string  `mapstructure:"user_agent"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// TelemetryConfig configures metrics, the audit trail and event fan-out.
type TelemetryConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
	AuditDir    string `mapstructure:"audit_dir"`
}

// envBindings maps config keys to the conventional provider variables.
var envBindings = map[string]string{
	"llm.api_key":                 "OPENROUTER_API_KEY",
	"email.sendgrid_api_key":      "SENDGRID_API_KEY",
	"email.from_email":            "SENDGRID_FROM_EMAIL",
	"affiliate.awin.api_token":    "AWIN_API_TOKEN",
	"affiliate.awin.publisher_id": "AWIN_PUBLISHER_ID",
	"affiliate.cj.api_key":        "CJ_API_KEY",
	"affiliate.cj.website_id":     "CJ_WEBSITE_ID",
	"affiliate.clickbank.api_key": "CLICKBANK_API_KEY",
	"affiliate.clickbank.vendor":  "CLICKBANK_VENDOR",
	"enrichment.clay_api_key":     "CLAY_API_KEY",
}

// GlobalConfigPath returns ~/.config/afilli/config.yaml.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "afilli", "config.yaml")
}

// Load reads the global config and the project config in the working directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working dir: %w", err)
	}
	return LoadFromPaths(cwd, GlobalConfigPath())
}

// LoadFile reads a single explicit config file.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return decode(v)
}

// LoadFromPaths merges globalPath with projectDir/afilli.yaml; project values win.
// Missing files are skipped.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")

	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}

	projectPath := filepath.Join(projectDir, ProjectConfigName)
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config: %w", err)
		}
	}

	return decode(v)
}

// Watch reloads path on every write and passes the new config to onChange.
// Invalid reloads are reported through onError and otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AFILLI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, "AFILLI_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.path", DefaultLogPath)
	v.SetDefault("database.path", DefaultDBPath)
	v.SetDefault("llm.provider", DefaultLLMProvider)
	v.SetDefault("llm.model", DefaultLLMModel)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("email.host", DefaultSendGridHost)
	v.SetDefault("email.from_email", DefaultFromEmail)
	v.SetDefault("email.from_name", DefaultFromName)
	v.SetDefault("enrichment.base_url", DefaultClayURL)
	v.SetDefault("scraper.search_url", DefaultSearchURL)
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (compatible; afilli/1.0)")
	v.SetDefault("scraper.requests_per_second", 0.5)
	v.SetDefault("telemetry.nats_subject", DefaultNATSSubject)
	v.SetDefault("telemetry.audit_dir", DefaultAuditDir)
	v.SetDefault("http_timeout", DefaultHTTPTimeout)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	// An empty schedule falls back to the one-minute pass.
	if cfg.Schedule.Cron == "" && cfg.Schedule.Interval == "" {
		cfg.Schedule.Interval = DefaultInterval
	}
	if cfg.LLM.Provider == "openrouter" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = DefaultOpenRouter
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg for contradictory or malformed values.
// Empty values are accepted; defaults are applied during loading.
func Validate(cfg *Config) error {
	if cfg.Schedule.Cron != "" && cfg.Schedule.Interval != "" {
		return ErrCronAndInterval
	}
	if cfg.Schedule.Interval != "" {
		d, err := time.ParseDuration(cfg.Schedule.Interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidInterval, cfg.Schedule.Interval)
		}
	}
	if w := cfg.Schedule.Window; w != nil && (w.Start == "" || w.End == "") {
		return ErrIncompleteWindow
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}
	switch cfg.LLM.Provider {
	case "", "openai", "openrouter", "anthropic":
	default:
		return ErrInvalidLLMProvider
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return ErrInvalidTemperature
	}
	if cfg.Scraper.RequestsPerSecond < 0 {
		return ErrInvalidScraperRate
	}
	if cfg.HTTPTimeout != "" {
		d, err := time.ParseDuration(cfg.HTTPTimeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidHTTPTimeout, cfg.HTTPTimeout)
		}
	}
	return nil
}

// ExpandedDBPath returns the database path with ~ expanded.
func (c *Config) ExpandedDBPath() string {
	if c.Database.Path == "" {
		return expandPath(DefaultDBPath)
	}
	return expandPath(c.Database.Path)
}

// ExpandedLogPath returns the log directory with ~ expanded.
func (c *Config) ExpandedLogPath() string {
	if c.Logging.Path == "" {
		return expandPath(DefaultLogPath)
	}
	return expandPath(c.Logging.Path)
}

// ExpandedAuditDir returns the audit directory with ~ expanded.
func (c *Config) ExpandedAuditDir() string {
	if c.Telemetry.AuditDir == "" {
		return expandPath(DefaultAuditDir)
	}
	return expandPath(c.Telemetry.AuditDir)
}

// Timeout returns the HTTP timeout shared by collaborator clients.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.HTTPTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultHTTPTimeout)
	}
	return d
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
