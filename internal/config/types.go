package config

import (
	"time"

	"github.com/raaihank/regexner/internal/cache"
	"github.com/raaihank/regexner/internal/etl"
	"github.com/raaihank/regexner/internal/mapping"
	"github.com/raaihank/regexner/internal/ner"
	"github.com/raaihank/regexner/internal/store"
)

// Config represents the main configuration structure
type Config struct {
	Mapping   mapping.Config  `yaml:"mapping" mapstructure:"mapping"`
	Annotator ner.Config      `yaml:"annotator" mapstructure:"annotator"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Cache     cache.Config    `yaml:"cache" mapstructure:"cache"`
	Store     store.Config    `yaml:"store" mapstructure:"store"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
	ETL       etl.Config      `yaml:"etl" mapstructure:"etl"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// RateLimitConfig limits annotation requests per client IP
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size" mapstructure:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Auth            struct {
		Username string `yaml:"username" mapstructure:"username"`
		Password string `yaml:"password" mapstructure:"password"`
	} `yaml:"auth" mapstructure:"auth"`
	Events struct {
		BroadcastAnnotations bool `yaml:"broadcast_annotations" mapstructure:"broadcast_annotations"`
		BroadcastRules       bool `yaml:"broadcast_rules" mapstructure:"broadcast_rules"`
		BroadcastSystem      bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
		BroadcastConnections bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	} `yaml:"events" mapstructure:"events"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Mapping: mapping.Config{
			Paths: []string{"configs/regexner_mapping.tab"},
		},
		Annotator: ner.DefaultConfig(),
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 600,
			BurstSize:         50,
			CleanupInterval:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: cache.Config{
			Enabled:        false,
			RedisURL:       "redis://localhost:6379/0",
			MaxConnections: 10,
			MinIdleConns:   2,
			DefaultTTL:     24 * time.Hour,
			KeyPrefix:      "regexner",
		},
		Store: store.Config{
			Enabled:         false,
			Driver:          "sqlite",
			DatabaseURL:     "regexner.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
			AllowedOrigins:  []string{"*"},
		},
		ETL: *etl.DefaultConfig(),
	}

	cfg.Logging.File.Path = "logs/regexner.log"
	cfg.WebSocket.Events.BroadcastAnnotations = true
	cfg.WebSocket.Events.BroadcastRules = true
	cfg.WebSocket.Events.BroadcastSystem = true
	cfg.WebSocket.Events.BroadcastConnections = true

	return cfg
}
