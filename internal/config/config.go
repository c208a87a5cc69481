package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ObituaryScanner/internal/factcheck"
)

const (
	defaultTimezone = "UTC"
	configPathEnv   = "OBITUARY_SCANNER_CONFIG"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	Redis         RedisConfig        `yaml:"redis"`
	RateLimit     RateLimitConfig    `yaml:"rateLimit"`
	LLM           LLMConfig          `yaml:"llm"`
	Collector     CollectorConfig    `yaml:"collector"`
	Rewriter      RewriterConfig     `yaml:"rewriter"`
	Auditor       AuditorConfig      `yaml:"auditor"`
	Validation    ValidationConfig   `yaml:"validation"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	HTTP          HTTPConfig         `yaml:"http"`
	Notifications NotificationConfig `yaml:"notifications"`
	Sources       []SourceConfig     `yaml:"sources"`
}

// LoggingConfig selects the slog level and handler format (text or json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes Postgres connection details. An empty DSN runs the
// pipeline on in-memory stores.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// RedisConfig points at the shared key-value store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	WindowKey string `yaml:"windowKey"`
}

// RateLimitConfig sizes the shared token budget. Backend is redis, postgres
// or memory.
type RateLimitConfig struct {
	Backend         string        `yaml:"backend"`
	TokensPerMinute int64         `yaml:"tokensPerMinute"`
	CronShare       float64       `yaml:"cronShare"`
	Window          time.Duration `yaml:"window"`
	MaxRetries      int           `yaml:"maxRetries"`
}

// LLMConfig defines how to contact the chat-completions API.
type LLMConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallbackModel"`
	APIKey        string        `yaml:"apiKey"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	Backoff       time.Duration `yaml:"backoff"`
	Temperature   float64       `yaml:"temperature"`
	TopP          float64       `yaml:"topP"`
	MaxTokens     int           `yaml:"maxTokens"`
}

// CollectorConfig tunes one collection pass.
type CollectorConfig struct {
	MaxPagesPerRun     int           `yaml:"maxPagesPerRun"`
	MaxAge             time.Duration `yaml:"maxAge"`
	RequestDelay       time.Duration `yaml:"requestDelay"`
	FailureThreshold   int           `yaml:"failureThreshold"`
	CircuitOpenFor     time.Duration `yaml:"circuitOpenFor"`
	UserAgent          string        `yaml:"userAgent"`
	FetchTimeout       time.Duration `yaml:"fetchTimeout"`
	FetchAttempts      int           `yaml:"fetchAttempts"`
	FetchBackoff       time.Duration `yaml:"fetchBackoff"`
	SelectorMinMatches int           `yaml:"selectorMinMatches"`
	AdaptiveSelectors  bool          `yaml:"adaptiveSelectors"`
	DetailMinLength    int           `yaml:"detailMinLength"`
	MaxErrors          int           `yaml:"maxErrors"`
}

// RewriterConfig tunes one rewrite batch.
type RewriterConfig struct {
	BatchSize        int           `yaml:"batchSize"`
	RequestDelay     time.Duration `yaml:"requestDelay"`
	FallbackDelay    time.Duration `yaml:"fallbackDelay"`
	MaxRuntime       time.Duration `yaml:"maxRuntime"`
	MaxAuditRequeues int           `yaml:"maxAuditRequeues"`
	MaxErrors        int           `yaml:"maxErrors"`
}

// AuditorConfig tunes one audit batch.
type AuditorConfig struct {
	BatchSize    int           `yaml:"batchSize"`
	ReauditAfter time.Duration `yaml:"reauditAfter"`
	RequestDelay time.Duration `yaml:"requestDelay"`
	MaxRuntime   time.Duration `yaml:"maxRuntime"`
	LLMCheck     bool          `yaml:"llmCheck"`
	MaxTokens    int           `yaml:"maxTokens"`
}

// ValidationConfig holds the editable list of model meta phrases that block
// publication.
type ValidationConfig struct {
	Artifacts []string `yaml:"artifacts"`
}

// SchedulerConfig defines when each job runs.
type SchedulerConfig struct {
	Collect  string         `yaml:"collect"`
	Rewrite  string         `yaml:"rewrite"`
	Audit    string         `yaml:"audit"`
	Timezone string         `yaml:"timezone"`
	LockTTL  time.Duration  `yaml:"lockTtl"`
	location *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"adminToken"`
}

// NotificationConfig encapsulates outbound channels and alert policy.
type NotificationConfig struct {
	Telegram         TelegramConfig `yaml:"telegram"`
	AlertDedupWindow time.Duration  `yaml:"alertDedupWindow"`
	CounterWindow    time.Duration  `yaml:"counterWindow"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
	APIBase  string `yaml:"apiBase"`
}

// SourceConfig seeds one source at startup.
type SourceConfig struct {
	Domain      string         `yaml:"domain"`
	BaseURL     string         `yaml:"baseUrl"`
	AdapterType string         `yaml:"adapterType"`
	City        string         `yaml:"city"`
	Region      string         `yaml:"region"`
	Enabled     *bool          `yaml:"enabled"`
	Config      map[string]any `yaml:"config"`
}

// secrets are connection strings and credentials that only come from the
// environment or a .env file.
type secrets struct {
	DatabaseDSN      string `env:"DATABASE_DSN"`
	RedisAddr        string `env:"REDIS_ADDR"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	LLMAPIKey        string `env:"LLM_API_KEY"`
	LLMModel         string `env:"LLM_MODEL"`
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `env:"TELEGRAM_CHAT_ID"`
	AdminToken       string `env:"ADMIN_TOKEN"`
}

// Load reads YAML configuration (if present) over the defaults and applies
// environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("config: cannot load .env: %v", err)
	}

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else if err := decode(raw, &cfg); err != nil {
			log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			cfg = defaultConfig()
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		log.Printf("config: cannot parse environment: %v", err)
	}
	cfg.bindTimezone()
	return cfg
}

// decode unmarshals raw over cfg; keys absent from the document keep their
// current values.
func decode(raw []byte, cfg *Config) error {
	next := *cfg
	if err := yaml.Unmarshal(raw, &next); err != nil {
		return err
	}
	if len(next.Validation.Artifacts) == 0 {
		next.Validation.Artifacts = cfg.Validation.Artifacts
	}
	*cfg = next
	return nil
}

func (c *Config) applyEnvOverrides() error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return err
	}
	overlay(&c.Database.DSN, s.DatabaseDSN)
	overlay(&c.Redis.Addr, s.RedisAddr)
	overlay(&c.Redis.Password, s.RedisPassword)
	overlay(&c.LLM.APIKey, s.LLMAPIKey)
	overlay(&c.LLM.Model, s.LLMModel)
	overlay(&c.Notifications.Telegram.BotToken, s.TelegramBotToken)
	overlay(&c.Notifications.Telegram.ChatID, s.TelegramChatID)
	overlay(&c.HTTP.AdminToken, s.AdminToken)
	return nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{DSN: "", Migrate: true},
		Redis:    RedisConfig{Addr: "", WindowKey: "obituary:ratewindow"},
		RateLimit: RateLimitConfig{
			Backend:         "redis",
			TokensPerMinute: 40000,
			CronShare:       0.8,
			Window:          time.Minute,
			MaxRetries:      5,
		},
		LLM: LLMConfig{
			Endpoint:      "https://api.openai.com/v1/chat/completions",
			Model:         "gpt-4o-mini",
			FallbackModel: "gpt-4o-mini",
			Timeout:       60 * time.Second,
			MaxRetries:    2,
			Backoff:       2 * time.Second,
			Temperature:   0.3,
			TopP:          0.9,
			MaxTokens:     900,
		},
		Collector: CollectorConfig{
			MaxPagesPerRun:     3,
			MaxAge:             14 * 24 * time.Hour,
			RequestDelay:       2 * time.Second,
			FailureThreshold:   10,
			CircuitOpenFor:     24 * time.Hour,
			UserAgent:          "ObituaryScanner/1.0 (+https://example.org/obituary-scanner)",
			FetchTimeout:       20 * time.Second,
			FetchAttempts:      3,
			FetchBackoff:       2 * time.Second,
			SelectorMinMatches: 3,
			AdaptiveSelectors:  true,
			DetailMinLength:    200,
			MaxErrors:          50,
		},
		Rewriter: RewriterConfig{
			BatchSize:        10,
			RequestDelay:     6 * time.Second,
			FallbackDelay:    10 * time.Second,
			MaxRuntime:       4 * time.Minute,
			MaxAuditRequeues: 3,
			MaxErrors:        20,
		},
		Auditor: AuditorConfig{
			BatchSize:    20,
			ReauditAfter: 30 * 24 * time.Hour,
			RequestDelay: 6 * time.Second,
			MaxRuntime:   4 * time.Minute,
			LLMCheck:     true,
			MaxTokens:    300,
		},
		Validation: ValidationConfig{Artifacts: append([]string(nil), factcheck.DefaultArtifacts...)},
		Scheduler: SchedulerConfig{
			Collect:  "0 */2 * * *",
			Rewrite:  "*/10 * * * *",
			Audit:    "30 3 * * *",
			Timezone: defaultTimezone,
			LockTTL:  10 * time.Minute,
			location: tz,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Notifications: NotificationConfig{
			Telegram:         TelegramConfig{APIBase: "https://api.telegram.org"},
			AlertDedupWindow: time.Hour,
			CounterWindow:    24 * time.Hour,
		},
	}
}
