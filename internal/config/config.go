package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
)

// Config holds all application configuration.
// Every field is read from the environment with a default; a .env file in the
// working directory is honored through LoadDotEnv.
//
// Environment Variables:
// HTTP:
// - HTTP_ADDR: listen address (default: :8080)
// - AUTH_SECRET: HMAC secret for bearer JWTs; empty disables auth
// - CORS_ORIGINS: comma separated allowed origins (default: *)
// - RATE_LIMIT_RPM: requests per minute per client IP, 0 disables (default: 120)
//
// System:
// - DATA_DIR: directory holding the sqlite database (default: /app/data)
// - LOG_LEVEL: debug|info|warn|error (default: info)
// - LOG_FILE: optional log file path
//
// Extraction:
// - YTDLP_PATH: yt-dlp binary (default: yt-dlp)
// - COOKIE_FILE: default Netscape cookie file used when a request has no cookies
// - ITEM_TIMEOUT: upper bound for one extraction call (default: 3m)
// - ITEM_DELAY: pause between extractions inside a batch (default: 2s)
// - EXTRACT_PER_MINUTE: extraction budget per minute, 0 disables (default: 0)
//
// Jobs:
// - JOBS_MAX_RETAINED: maximum jobs kept in the registry (default: 1000)
// - JOBS_RETENTION: how long terminal jobs are kept (default: 24h)
// - JOBS_MAX_RUNNING: concurrent running jobs, 0 means unbounded (default: 0)
// - BATCH_CONCURRENCY: extraction workers inside one job (default: 1)
// - BATCH_DEFAULT_MAX_ITEMS: max_items when a request omits it (default: 50)
// - DEFAULT_LANG: subtitle language when a request omits it (default: en)
//
// Redis (optional, shared extraction budget):
// - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
//
// LLM (optional, digests):
// - LLM_API_KEY, LLM_API_URL, LLM_MODEL, LLM_MAX_TOKENS, LLM_TEMPERATURE, LLM_TIMEOUT
//
// Refresh:
// - REFRESH_CRON: cron expression, empty disables scheduled refresh
// - REFRESH_CHANNELS: comma separated channel URLs
// - REFRESH_MAX_ITEMS: max_items per scheduled batch (default: 5)
// - REFRESH_LANG: language for scheduled batches (default: DEFAULT_LANG)
// - REFRESH_SUMMARIZE: build a digest after each scheduled batch (default: false)
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	System  SystemConfig  `json:"system"`
	Extract ExtractConfig `json:"extract"`
	Jobs    JobsConfig    `json:"jobs"`
	Redis   RedisConfig   `json:"redis"`
	LLM     LLMConfig     `json:"llm"`
	Refresh RefreshConfig `json:"refresh"`
}

type HTTPConfig struct {
	Addr         string   `json:"addr"`
	AuthSecret   string   `json:"-"`
	CORSOrigins  []string `json:"cors_origins"`
	RateLimitRPM int      `json:"rate_limit_rpm"`
}

type SystemConfig struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

type ExtractConfig struct {
	YtDlpPath   string        `json:"ytdlp_path"`
	CookieFile  string        `json:"cookie_file"`
	ItemTimeout time.Duration `json:"item_timeout"`
	ItemDelay   time.Duration `json:"item_delay"`
	PerMinute   int           `json:"per_minute"`
}

type JobsConfig struct {
	MaxRetained     int           `json:"max_retained"`
	Retention       time.Duration `json:"retention"`
	MaxRunning      int           `json:"max_running"`
	Concurrency     int           `json:"concurrency"`
	DefaultMaxItems int           `json:"default_max_items"`
	DefaultLang     string        `json:"default_lang"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// LLMConfig configures the OpenAI compatible endpoint used for digests.
type LLMConfig struct {
	APIKey      string  `json:"-"`
	APIURL      string  `json:"api_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
}

func (c LLMConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

type RefreshConfig struct {
	CronExpr  string   `json:"cron_expr"`
	Channels  []string `json:"channels"`
	MaxItems  int      `json:"max_items"`
	Lang      string   `json:"lang"`
	Summarize bool     `json:"summarize"`
}

func (c RefreshConfig) Enabled() bool {
	return strings.TrimSpace(c.CronExpr) != "" && len(c.Channels) > 0
}

// DBPath is the sqlite file inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "subcache.db")
}

// Option is a function type for configuring Config
type Option func(*Config)

func WithDataDir(dir string) Option {
	return func(c *Config) {
		if strings.TrimSpace(dir) != "" {
			c.System.DataDir = dir
		}
	}
}

func WithHTTPAddr(addr string) Option {
	return func(c *Config) {
		if strings.TrimSpace(addr) != "" {
			c.HTTP.Addr = addr
		}
	}
}

// LoadDotEnv loads path (or ".env" when empty) into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	defaultLang := getEnvString("DEFAULT_LANG", "en")
	config := &Config{
		HTTP: HTTPConfig{
			Addr:         getEnvString("HTTP_ADDR", ":8080"),
			AuthSecret:   getEnvString("AUTH_SECRET", ""),
			CORSOrigins:  getEnvList("CORS_ORIGINS", []string{"*"}),
			RateLimitRPM: getEnvInt("RATE_LIMIT_RPM", 120),
		},
		System: SystemConfig{
			DataDir:  getEnvString("DATA_DIR", "/app/data"),
			LogLevel: getEnvString("LOG_LEVEL", "info"),
			LogFile:  getEnvString("LOG_FILE", ""),
		},
		Extract: ExtractConfig{
			YtDlpPath:   getEnvString("YTDLP_PATH", "yt-dlp"),
			CookieFile:  getEnvString("COOKIE_FILE", ""),
			ItemTimeout: getEnvDuration("ITEM_TIMEOUT", 3*time.Minute),
			ItemDelay:   getEnvDuration("ITEM_DELAY", 2*time.Second),
			PerMinute:   getEnvInt("EXTRACT_PER_MINUTE", 0),
		},
		Jobs: JobsConfig{
			MaxRetained:     getEnvInt("JOBS_MAX_RETAINED", 1000),
			Retention:       getEnvDuration("JOBS_RETENTION", 24*time.Hour),
			MaxRunning:      getEnvInt("JOBS_MAX_RUNNING", 0),
			Concurrency:     getEnvInt("BATCH_CONCURRENCY", 1),
			DefaultMaxItems: getEnvInt("BATCH_DEFAULT_MAX_ITEMS", 50),
			DefaultLang:     defaultLang,
		},
		Redis: RedisConfig{
			Addr:     getEnvString("REDIS_ADDR", ""),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		LLM: LLMConfig{
			APIKey:      getEnvString("LLM_API_KEY", ""),
			APIURL:      getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:       getEnvString("LLM_MODEL", "openai/gpt-4o-mini"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 2000),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.3),
			Timeout:     getEnvInt("LLM_TIMEOUT", 60),
		},
		Refresh: RefreshConfig{
			CronExpr:  getEnvString("REFRESH_CRON", ""),
			Channels:  getEnvList("REFRESH_CHANNELS", nil),
			MaxItems:  getEnvInt("REFRESH_MAX_ITEMS", 5),
			Lang:      getEnvString("REFRESH_LANG", defaultLang),
			Summarize: getEnvBool("REFRESH_SUMMARIZE", false),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if strings.TrimSpace(c.System.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Jobs.DefaultMaxItems <= 0 {
		return fmt.Errorf("BATCH_DEFAULT_MAX_ITEMS must be greater than 0")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("BATCH_CONCURRENCY must be greater than 0")
	}
	if c.Jobs.MaxRetained < 0 || c.Jobs.MaxRunning < 0 {
		return fmt.Errorf("JOBS_MAX_RETAINED and JOBS_MAX_RUNNING must not be negative")
	}
	if _, err := language.Parse(c.Jobs.DefaultLang); err != nil {
		return fmt.Errorf("invalid DEFAULT_LANG: %w", err)
	}
	if c.Refresh.CronExpr != "" {
		if _, err := cron.ParseStandard(c.Refresh.CronExpr); err != nil {
			return fmt.Errorf("invalid REFRESH_CRON: %w", err)
		}
		if c.Refresh.MaxItems <= 0 {
			return fmt.Errorf("REFRESH_MAX_ITEMS must be greater than 0")
		}
		if _, err := language.Parse(c.Refresh.Lang); err != nil {
			return fmt.Errorf("invalid REFRESH_LANG: %w", err)
		}
	}
	if c.Refresh.Summarize && !c.LLM.Enabled() {
		return fmt.Errorf("REFRESH_SUMMARIZE requires LLM_API_KEY")
	}
	return nil
}

// NormalizeLang canonicalizes a BCP 47 tag ("EN" -> "en", "pt_br" -> "pt-BR").
func NormalizeLang(lang string) (string, error) {
	lang = strings.ReplaceAll(strings.TrimSpace(lang), "_", "-")
	if lang == "" {
		return "", fmt.Errorf("language is required")
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", lang, err)
	}
	return tag.String(), nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
