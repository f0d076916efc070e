// Package config provides configuration management for dynabot
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/memtensor/dynabot/pkg/errors"
)

// EnvPrefix is the prefix for environment overrides, e.g. DYNABOT_API_PORT
const EnvPrefix = "DYNABOT"

// ChatbotConfig holds conversation behaviour settings
type ChatbotConfig struct {
	Name                string  `yaml:"name" json:"name" mapstructure:"name" validate:"required"`
	MaxHistoryLength    int     `yaml:"max_history_length" json:"max_history_length" mapstructure:"max_history_length" validate:"gte=1"`
	MaxMessageLength    int     `yaml:"max_message_length" json:"max_message_length" mapstructure:"max_message_length" validate:"gte=1"`
	KeywordWindow       int     `yaml:"keyword_window" json:"keyword_window" mapstructure:"keyword_window" validate:"gte=1"`
	SimilarLimit        int     `yaml:"similar_limit" json:"similar_limit" mapstructure:"similar_limit" validate:"gte=0"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold" mapstructure:"similarity_threshold" validate:"gte=0,lte=1"`
	RecentDays          int     `yaml:"recent_days" json:"recent_days" mapstructure:"recent_days" validate:"gte=1"`
}

// SessionConfig controls the in-memory and Redis session stores
type SessionConfig struct {
	Timeout   time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout" validate:"gte=0"`
	Store     string        `yaml:"store" json:"store" mapstructure:"store" validate:"oneof=memory redis"`
	RedisAddr string        `yaml:"redis_addr" json:"redis_addr" mapstructure:"redis_addr"`
	RedisDB   int           `yaml:"redis_db" json:"redis_db" mapstructure:"redis_db" validate:"gte=0"`
	RedisPass string        `yaml:"redis_password" json:"redis_password" mapstructure:"redis_password"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix" mapstructure:"key_prefix"`
}

// LearningConfig holds reinforcement parameters
type LearningConfig struct {
	Enabled             bool    `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	LearningRate        float64 `yaml:"learning_rate" json:"learning_rate" mapstructure:"learning_rate" validate:"gte=0,lte=1"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold" mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`
	Workers             int     `yaml:"workers" json:"workers" mapstructure:"workers" validate:"gte=1"`
}

// NLPConfig toggles analyzer steps and optional backends
type NLPConfig struct {
	EnableSentiment bool `yaml:"enable_sentiment" json:"enable_sentiment" mapstructure:"enable_sentiment"`
	EnableEmotion   bool `yaml:"enable_emotion" json:"enable_emotion" mapstructure:"enable_emotion"`
	EnableEntities  bool `yaml:"enable_entities" json:"enable_entities" mapstructure:"enable_entities"`
	EnableEmbedding bool `yaml:"enable_embedding" json:"enable_embedding" mapstructure:"enable_embedding"`
}

// LLMConfig represents generative backend configuration
type LLMConfig struct {
	Backend     string        `yaml:"backend" json:"backend" mapstructure:"backend" validate:"omitempty,oneof=openai ollama"`
	Model       string        `yaml:"model" json:"model" mapstructure:"model" validate:"required_with=Backend"`
	APIKey      string        `yaml:"api_key,omitempty" json:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL     string        `yaml:"base_url,omitempty" json:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens" mapstructure:"max_tokens" validate:"gte=1"`
	Temperature float64       `yaml:"temperature" json:"temperature" mapstructure:"temperature" validate:"gte=0,lte=2"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// EmbedderConfig represents embedding backend configuration
type EmbedderConfig struct {
	Backend string        `yaml:"backend" json:"backend" mapstructure:"backend" validate:"omitempty,oneof=ollama"`
	Model   string        `yaml:"model" json:"model" mapstructure:"model"`
	BaseURL string        `yaml:"base_url,omitempty" json:"base_url,omitempty" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// DatabaseConfig selects the relational store
type DatabaseConfig struct {
	Type     string `yaml:"type" json:"type" mapstructure:"type" validate:"oneof=sqlite postgres"`
	Path     string `yaml:"path" json:"path" mapstructure:"path"`
	DSN      string `yaml:"dsn,omitempty" json:"dsn,omitempty" mapstructure:"dsn"`
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level" validate:"oneof=silent error warn info"`
}

// RetentionConfig controls age-based cleanup
type RetentionConfig struct {
	DaysToKeep int    `yaml:"days_to_keep" json:"days_to_keep" mapstructure:"days_to_keep" validate:"gte=0"`
	Schedule   string `yaml:"schedule" json:"schedule" mapstructure:"schedule"`
}

// APIConfig represents API server configuration
type APIConfig struct {
	Host         string        `yaml:"host" json:"host" mapstructure:"host" validate:"required"`
	Port         int           `yaml:"port" json:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
	Mode         string        `yaml:"mode" json:"mode" mapstructure:"mode" validate:"oneof=debug release test"`
	CORSOrigins  []string      `yaml:"cors_origins" json:"cors_origins" mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
}

// AnalyticsConfig controls the event collector and NATS fan-out
type AnalyticsConfig struct {
	MaxEvents   int    `yaml:"max_events" json:"max_events" mapstructure:"max_events" validate:"gte=1"`
	NATSEnabled bool   `yaml:"nats_enabled" json:"nats_enabled" mapstructure:"nats_enabled"`
	NATSURL     string `yaml:"nats_url" json:"nats_url" mapstructure:"nats_url" validate:"required_if=NATSEnabled true"`
	NATSSubject string `yaml:"nats_subject" json:"nats_subject" mapstructure:"nats_subject"`
}

// LogConfig is passed to the logger package
type LogConfig struct {
	Level  string `yaml:"level" json:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" mapstructure:"format" validate:"oneof=console json"`
	File   string `yaml:"file,omitempty" json:"file,omitempty" mapstructure:"file"`
}

// MetricsConfig toggles OpenTelemetry instruments and their OTLP/HTTP export
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Endpoint string        `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint" validate:"required_if=Enabled true"`
	Insecure bool          `yaml:"insecure" json:"insecure" mapstructure:"insecure"`
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
}

// Config is the root configuration
type Config struct {
	Chatbot   ChatbotConfig   `yaml:"chatbot" json:"chatbot" mapstructure:"chatbot"`
	Session   SessionConfig   `yaml:"session" json:"session" mapstructure:"session"`
	Learning  LearningConfig  `yaml:"learning" json:"learning" mapstructure:"learning"`
	NLP       NLPConfig       `yaml:"nlp" json:"nlp" mapstructure:"nlp"`
	LLM       LLMConfig       `yaml:"llm" json:"llm" mapstructure:"llm"`
	Embedder  EmbedderConfig  `yaml:"embedder" json:"embedder" mapstructure:"embedder"`
	Database  DatabaseConfig  `yaml:"database" json:"database" mapstructure:"database"`
	Retention RetentionConfig `yaml:"retention" json:"retention" mapstructure:"retention"`
	API       APIConfig       `yaml:"api" json:"api" mapstructure:"api"`
	Analytics AnalyticsConfig `yaml:"analytics" json:"analytics" mapstructure:"analytics"`
	Log       LogConfig       `yaml:"log" json:"log" mapstructure:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Chatbot: ChatbotConfig{
			Name:                "DynamicAI",
			MaxHistoryLength:    10,
			MaxMessageLength:    2000,
			KeywordWindow:       20,
			SimilarLimit:        5,
			SimilarityThreshold: 0.3,
			RecentDays:          7,
		},
		Session: SessionConfig{
			Timeout:   time.Hour,
			Store:     "memory",
			RedisAddr: "localhost:6379",
			KeyPrefix: "dynabot:session:",
		},
		Learning: LearningConfig{
			Enabled:             true,
			LearningRate:        0.001,
			ConfidenceThreshold: 0.7,
			Workers:             4,
		},
		NLP: NLPConfig{
			EnableSentiment: true,
			EnableEmotion:   true,
			EnableEntities:  true,
		},
		LLM: LLMConfig{
			MaxTokens:   100,
			Temperature: 0.7,
			Timeout:     30 * time.Second,
		},
		Embedder: EmbedderConfig{
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type:     "sqlite",
			Path:     "chatbot_memory.db",
			LogLevel: "silent",
		},
		Retention: RetentionConfig{
			DaysToKeep: 30,
		},
		API: APIConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			Mode:         "release",
			CORSOrigins:  []string{"*"},
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Analytics: AnalyticsConfig{
			MaxEvents:   10000,
			NATSURL:     "nats://localhost:4222",
			NATSSubject: "dynabot.analytics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Endpoint: "localhost:4318",
			Insecure: true,
			Interval: time.Minute,
		},
	}
}

var (
	validatorOnce sync.Once
	validate      *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks field ranges and cross-field requirements.
// Every problem found is reported in one errors.ErrorList.
func (c *Config) Validate() error {
	problems := errors.NewErrorList()
	if err := getValidator().Struct(c); err != nil {
		problems.Add(errors.NewConfigInvalidError("invalid configuration", err))
	}
	if c.LLM.Backend == "openai" && c.LLM.APIKey == "" {
		problems.Add(errors.NewConfigInvalidError("llm.api_key is required for the openai backend", nil))
	}
	if c.Database.Type == "postgres" && c.Database.DSN == "" {
		problems.Add(errors.NewConfigInvalidError("database.dsn is required for postgres", nil))
	}
	if c.Database.Type == "sqlite" && c.Database.Path == "" {
		problems.Add(errors.NewConfigInvalidError("database.path is required for sqlite", nil))
	}
	return problems.ToError()
}

// ToYAMLFile saves configuration to a YAML file
func (c *Config) ToYAMLFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// LoadFromEnv returns a viper instance bound to DYNABOT_* variables
func LoadFromEnv(prefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return v
}

// LoadDotEnv loads a .env file into the process environment if it exists
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Load builds the configuration from defaults, an optional file and the environment.
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := LoadFromEnv(EnvPrefix)
	setDefaults(v, "", reflect.ValueOf(Default()).Elem())

	if path == "" {
		return v, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.NewConfigNotFoundError(path)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.NewConfigInvalidError("failed to read config file", err).WithDetail("config_path", path)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.NewConfigInvalidError("failed to decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every leaf field so AutomaticEnv can override it
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanInterface() {
			continue
		}

		tagName := strings.Split(fieldType.Tag.Get("mapstructure"), ",")[0]
		if tagName == "" || tagName == "-" {
			continue
		}
		key := tagName
		if prefix != "" {
			key = prefix + "." + tagName
		}

		if field.Kind() == reflect.Struct && fieldType.Type != reflect.TypeOf(time.Duration(0)) {
			setDefaults(v, key, field)
			continue
		}
		v.SetDefault(key, field.Interface())
	}
}

// Watch reloads the file on change and passes every valid configuration to onChange.
// Invalid edits are reported to onError and the previous configuration stays in effect.
func Watch(ctx context.Context, path string, onChange func(*Config), onError func(error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	if path == "" {
		return errors.NewConfigError("watch requires a configuration file")
	}

	var mu sync.Mutex
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()

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
