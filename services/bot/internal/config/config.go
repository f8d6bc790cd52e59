package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	BeginPolicyRestart = "restart"
	BeginPolicyResume  = "resume"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	Storage     string `yaml:"storage"`
	DatabaseURL string `yaml:"databaseURL"`

	TelegramToken       string `yaml:"telegramToken"`
	TelegramPollTimeout int    `yaml:"telegramPollTimeout"`
	TelegramDebug       bool   `yaml:"telegramDebug"`
	ContactURL          string `yaml:"contactURL"`
	MaxConcurrentChats  int    `yaml:"maxConcurrentChats"`

	RedisAddr         string `yaml:"redisAddr"`
	RedisPassword     string `yaml:"redisPassword"`
	SessionTTLMinutes int    `yaml:"sessionTTLMinutes"`

	GenerationProvider       string  `yaml:"generationProvider"`
	GenerationBaseURL        string  `yaml:"generationBaseURL"`
	GenerationAPIKey         string  `yaml:"generationAPIKey"`
	GenerationModel          string  `yaml:"generationModel"`
	GenerationMaxTokens      int     `yaml:"generationMaxTokens"`
	GenerationTemperature    float64 `yaml:"generationTemperature"`
	GenerationTimeoutSeconds int     `yaml:"generationTimeoutSeconds"`

	QuestionsPath string `yaml:"questionsPath"`
	BeginPolicy   string `yaml:"beginPolicy"`

	AnswerRateLimitPerMinute int `yaml:"answerRateLimitPerMinute"`

	QueueStream      string `yaml:"queueStream"`
	QueueGroup       string `yaml:"queueGroup"`
	QueueConcurrency int    `yaml:"queueConcurrency"`
	QueueMaxRetries  int    `yaml:"queueMaxRetries"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	AdminJWTSecret      string   `yaml:"adminJWTSecret"`
	AdminAllowedOrigins []string `yaml:"adminAllowedOrigins"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("BOT_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("BOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BOT_STORAGE"); v != "" {
		cfg.Storage = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("BOT_GENERATION_PROVIDER"); v != "" {
		cfg.GenerationProvider = strings.TrimSpace(v)
	}
	if v := os.Getenv("BOT_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = strings.TrimSpace(v)
	}
	if v := os.Getenv("BOT_GENERATION_API_KEY"); v != "" {
		cfg.GenerationAPIKey = strings.TrimSpace(v)
	} else if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.GenerationAPIKey == "" {
		cfg.GenerationAPIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BOT_GENERATION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.GenerationTimeoutSeconds = n
		}
	}
	if v := os.Getenv("BOT_QUESTIONS_PATH"); v != "" {
		cfg.QuestionsPath = v
	}
	if v := os.Getenv("BOT_BEGIN_POLICY"); v != "" {
		cfg.BeginPolicy = strings.TrimSpace(v)
	}
	if v := os.Getenv("BOT_ANSWER_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.AnswerRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("BOT_ADMIN_JWT_SECRET"); v != "" {
		cfg.AdminJWTSecret = v
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Storage == "" {
		cfg.Storage = StoragePostgres
	}
	if cfg.BeginPolicy == "" {
		cfg.BeginPolicy = BeginPolicyRestart
	}
	if cfg.GenerationProvider == "" {
		cfg.GenerationProvider = "anthropic"
	}
	if cfg.GenerationTimeoutSeconds == 0 {
		cfg.GenerationTimeoutSeconds = 45
	}
	if cfg.SessionTTLMinutes == 0 {
		cfg.SessionTTLMinutes = 24 * 60
	}
	if cfg.TelegramPollTimeout == 0 {
		cfg.TelegramPollTimeout = 30
	}
	if cfg.MaxConcurrentChats == 0 {
		cfg.MaxConcurrentChats = 64
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "consultbot:generation"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "bot"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 4
	}
	if cfg.QueueMaxRetries == 0 {
		cfg.QueueMaxRetries = 1
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return errors.New("config: telegramToken is required (set in config.yaml or TELEGRAM_BOT_TOKEN)")
	}
	switch cfg.Storage {
	case StorageMemory:
	case StoragePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for postgres storage (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown storage %q (want memory or postgres)", cfg.Storage)
	}
	switch cfg.BeginPolicy {
	case BeginPolicyRestart, BeginPolicyResume:
	default:
		return fmt.Errorf("config: unknown beginPolicy %q (want restart or resume)", cfg.BeginPolicy)
	}
	if cfg.GenerationProvider != "ollama" && strings.TrimSpace(cfg.GenerationAPIKey) == "" {
		return errors.New("config: generationAPIKey is required (set in config.yaml or ANTHROPIC_API_KEY)")
	}
	if cfg.GenerationTimeoutSeconds < 0 {
		return errors.New("config: generationTimeoutSeconds must be > 0")
	}
	if cfg.AnswerRateLimitPerMinute < 0 {
		return errors.New("config: answerRateLimitPerMinute must be >= 0")
	}
	if cfg.AnswerRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for answer rate limiting")
	}
	if cfg.QueueMaxRetries < 0 || cfg.QueueConcurrency < 0 {
		return errors.New("config: queue settings must be >= 0")
	}
	if strings.TrimSpace(cfg.Port) != "" && len(strings.TrimSpace(cfg.AdminJWTSecret)) < 32 {
		return errors.New("config: adminJWTSecret of at least 32 bytes is required when port is set")
	}
	return nil
}

// GenerationTimeout returns the per-call generator deadline.
func (c FileConfig) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSeconds) * time.Second
}

// SessionTTL returns how long an idle dialog pointer is kept.
func (c FileConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}
