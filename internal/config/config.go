// Package config loads the pipeline configuration from a YAML file with
// environment variable overrides for secrets and deployment settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline.
type Config struct {
	App          AppConfig          `yaml:"app"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Redis        RedisConfig        `yaml:"redis"`
	Yandex       YandexConfig       `yaml:"yandex"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	Sending      SendingConfig      `yaml:"sending"`
	Gmail        SMTPConfig         `yaml:"gmail"`
	YandexSMTP   SMTPConfig         `yaml:"yandex_smtp"`
	Routing      RoutingConfig      `yaml:"routing"`
	GoogleSheets GoogleSheetsConfig `yaml:"google_sheets"`
	SheetSync    SheetSyncConfig    `yaml:"sheet_sync"`
	Enrich       EnrichConfig       `yaml:"enrich"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// AppConfig holds application-wide settings.
type AppConfig struct {
	Timezone string `yaml:"timezone"`
}

// Location parses the configured timezone.
func (c AppConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN builds the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds the Redis connection used for distributed locking.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// YandexConfig holds Yandex Cloud search API credentials. Exactly one of
// IAMToken, SAKeyFile or SAKeyJSON must be set.
type YandexConfig struct {
	FolderID           string `yaml:"folder_id"`
	IAMToken           string `yaml:"iam_token"`
	SAKeyFile          string `yaml:"sa_key_file"`
	SAKeyJSON          string `yaml:"sa_key_json"`
	EnforceNightWindow bool   `yaml:"enforce_night_window"`
	NightWindowStart   string `yaml:"night_window_start"`
	NightWindowEnd     string `yaml:"night_window_end"`
	Region             int    `yaml:"region"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured HTTP timeout as a duration.
func (c YandexConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OpenAIConfig holds OpenAI API configuration for email generation.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

// SendingConfig holds the outreach delivery settings.
type SendingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MinDelaySeconds int    `yaml:"min_delay_seconds"`
	MaxDelaySeconds int    `yaml:"max_delay_seconds"`
	WindowStart     string `yaml:"window_start"`
	WindowEnd       string `yaml:"window_end"`
}

// MinDelay returns the lower bound of the inter-message delay.
func (c SendingConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelaySeconds) * time.Second
}

// MaxDelay returns the upper bound of the inter-message delay.
func (c SendingConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// SMTPConfig holds one SMTP channel. SSL means implicit TLS on connect;
// TLS means a STARTTLS upgrade on a plaintext port.
type SMTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	SSL       bool   `yaml:"ssl"`
	TLS       bool   `yaml:"tls"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// RoutingConfig holds MX-based channel routing settings.
type RoutingConfig struct {
	Enabled        bool     `yaml:"enabled"`
	MXCacheTTLHrs  int      `yaml:"mx_cache_ttl_hours"`
	DNSTimeoutMS   int      `yaml:"dns_timeout_ms"`
	DNSResolvers   []string `yaml:"dns_resolvers"`
	RUMXPatterns   []string `yaml:"ru_mx_patterns"`
	ForceRUDomains []string `yaml:"force_ru_domains"`
}

// MXCacheTTL returns the MX cache entry lifetime.
func (c RoutingConfig) MXCacheTTL() time.Duration {
	return time.Duration(c.MXCacheTTLHrs) * time.Hour
}

// DNSTimeout returns the per-lookup DNS timeout.
func (c RoutingConfig) DNSTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutMS) * time.Millisecond
}

// GoogleSheetsConfig locates the campaign spreadsheet.
type GoogleSheetsConfig struct {
	SheetID   string `yaml:"sheet_id"`
	TabName   string `yaml:"tab_name"`
	SAKeyFile string `yaml:"sa_key_file"`
	SAKeyJSON string `yaml:"sa_key_json"`
}

// SheetSyncConfig holds the periodic sheet sync settings.
type SheetSyncConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	BatchTag        string `yaml:"batch_tag"`
}

// Interval returns the sync interval as a duration.
func (c SheetSyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// EnrichConfig holds website contact enrichment settings.
type EnrichConfig struct {
	HomepageExcerptLimit int `yaml:"homepage_excerpt_limit"`
	TimeoutSeconds       int `yaml:"timeout_seconds"`
}

// Timeout returns the per-page fetch timeout.
func (c EnrichConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OrchestratorConfig holds the pipeline loop settings.
type OrchestratorConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
}

// PollInterval returns the loop tick interval.
func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file. A missing file yields the
// defaults so env-only deployments work without a config.yaml.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Set defaults
	if cfg.App.Timezone == "" {
		cfg.App.Timezone = "Europe/Moscow"
	}
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = "leadgen"
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = "leadgen"
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Yandex.Region == 0 {
		cfg.Yandex.Region = 225
	}
	if cfg.Yandex.TimeoutSeconds == 0 {
		cfg.Yandex.TimeoutSeconds = 30
	}
	if cfg.Yandex.NightWindowStart == "" {
		cfg.Yandex.NightWindowStart = "00:00"
	}
	if cfg.Yandex.NightWindowEnd == "" {
		cfg.Yandex.NightWindowEnd = "07:59"
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.OpenAI.Temperature == 0 {
		cfg.OpenAI.Temperature = 0.7
	}
	if cfg.Sending.MinDelaySeconds == 0 {
		cfg.Sending.MinDelaySeconds = 540
	}
	if cfg.Sending.MaxDelaySeconds == 0 {
		cfg.Sending.MaxDelaySeconds = 960
	}
	if cfg.Sending.WindowStart == "" {
		cfg.Sending.WindowStart = "09:10"
	}
	if cfg.Sending.WindowEnd == "" {
		cfg.Sending.WindowEnd = "19:45"
	}
	if cfg.Gmail.Host == "" {
		cfg.Gmail.Host = "smtp.gmail.com"
		cfg.Gmail.TLS = true
	}
	if cfg.Gmail.Port == 0 {
		cfg.Gmail.Port = 587
	}
	if cfg.YandexSMTP.Host == "" {
		cfg.YandexSMTP.Host = "smtp.yandex.ru"
	}
	if cfg.YandexSMTP.Port == 0 {
		cfg.YandexSMTP.Port = 465
		cfg.YandexSMTP.SSL = true
	}
	if cfg.Routing.MXCacheTTLHrs == 0 {
		cfg.Routing.MXCacheTTLHrs = 168
	}
	if cfg.Routing.DNSTimeoutMS == 0 {
		cfg.Routing.DNSTimeoutMS = 2500
	}
	if cfg.GoogleSheets.TabName == "" {
		cfg.GoogleSheets.TabName = "niches"
	}
	if cfg.SheetSync.IntervalMinutes == 0 {
		cfg.SheetSync.IntervalMinutes = 60
	}
	if cfg.Enrich.HomepageExcerptLimit == 0 {
		cfg.Enrich.HomepageExcerptLimit = 40000
	}
	if cfg.Enrich.TimeoutSeconds == 0 {
		cfg.Enrich.TimeoutSeconds = 20
	}
	if cfg.Orchestrator.PollIntervalSeconds == 0 {
		cfg.Orchestrator.PollIntervalSeconds = 60
	}
	if cfg.Orchestrator.BatchSize == 0 {
		cfg.Orchestrator.BatchSize = 20
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	setString(&cfg.App.Timezone, "APP_TIMEZONE")

	setString(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setString(&cfg.Postgres.User, "POSTGRES_USER")
	setString(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setString(&cfg.Postgres.Database, "POSTGRES_DB")
	setString(&cfg.Redis.URL, "REDIS_URL")

	setString(&cfg.Yandex.FolderID, "YANDEX_CLOUD_FOLDER_ID")
	setString(&cfg.Yandex.IAMToken, "YANDEX_CLOUD_IAM_TOKEN")
	setString(&cfg.Yandex.SAKeyFile, "YANDEX_CLOUD_SA_KEY_FILE")
	setString(&cfg.Yandex.SAKeyJSON, "YANDEX_CLOUD_SA_KEY_JSON")
	setBool(&cfg.Yandex.EnforceNightWindow, "YANDEX_ENFORCE_NIGHT_WINDOW")

	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.Model, "OPENAI_MODEL")

	setBool(&cfg.Sending.Enabled, "EMAIL_SENDING_ENABLED")
	setInt(&cfg.Sending.MinDelaySeconds, "MIN_SEND_DELAY")
	setInt(&cfg.Sending.MaxDelaySeconds, "MAX_SEND_DELAY")

	overrideSMTP(&cfg.Gmail, "GMAIL")
	overrideSMTP(&cfg.YandexSMTP, "YANDEX")

	setBool(&cfg.Routing.Enabled, "ROUTING_ENABLED")
	setInt(&cfg.Routing.MXCacheTTLHrs, "ROUTING_MX_CACHE_TTL_HOURS")
	setInt(&cfg.Routing.DNSTimeoutMS, "ROUTING_DNS_TIMEOUT_MS")
	setList(&cfg.Routing.DNSResolvers, "ROUTING_DNS_RESOLVERS")
	setList(&cfg.Routing.RUMXPatterns, "ROUTING_RU_MX_PATTERNS")
	setList(&cfg.Routing.ForceRUDomains, "ROUTING_FORCE_RU_DOMAINS")

	setString(&cfg.GoogleSheets.SheetID, "GOOGLE_SHEET_ID")
	setString(&cfg.GoogleSheets.TabName, "GOOGLE_SHEET_TAB")
	setString(&cfg.GoogleSheets.SAKeyFile, "GOOGLE_SA_KEY_FILE")
	setString(&cfg.GoogleSheets.SAKeyJSON, "GOOGLE_SA_KEY_JSON")

	setBool(&cfg.SheetSync.Enabled, "SHEET_SYNC_ENABLED")
	setInt(&cfg.SheetSync.IntervalMinutes, "SHEET_SYNC_INTERVAL_MINUTES")
	setString(&cfg.SheetSync.BatchTag, "SHEET_SYNC_BATCH_TAG")

	setInt(&cfg.Enrich.HomepageExcerptLimit, "HOMEPAGE_EXCERPT_LIMIT")

	return cfg, nil
}

// overrideSMTP reads one SMTP channel from {prefix}_SMTP_* and {prefix}_*
// identity variables.
func overrideSMTP(cfg *SMTPConfig, prefix string) {
	setString(&cfg.Host, prefix+"_SMTP_HOST")
	setInt(&cfg.Port, prefix+"_SMTP_PORT")
	setBool(&cfg.SSL, prefix+"_SMTP_SSL")
	setBool(&cfg.TLS, prefix+"_SMTP_TLS")
	setString(&cfg.Username, prefix+"_USER")
	setString(&cfg.Password, prefix+"_PASS")
	setString(&cfg.FromEmail, prefix+"_FROM_EMAIL")
	setString(&cfg.FromName, prefix+"_FROM_NAME")
	// {prefix}_FROM is the legacy combined form, used when no FROM_EMAIL.
	if cfg.FromEmail == "" {
		setString(&cfg.FromEmail, prefix+"_FROM")
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setList(dst *[]string, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
