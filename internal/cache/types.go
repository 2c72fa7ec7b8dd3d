package cache

import (
	"time"
)

// CachedSentence holds the labels a sentence ended up with after annotation
type CachedSentence struct {
	Labels   []string  `json:"labels"`
	Rules    string    `json:"rules"`
	CachedAt time.Time `json:"cached_at"`
	TTL      int64     `json:"ttl"`
}

// Entry pairs a sentence key, computed before annotation, with its final labels
type Entry struct {
	Key    string
	Labels []string
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}
