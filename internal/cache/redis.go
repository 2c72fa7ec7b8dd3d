package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/regexner/internal/ner"
)

// AnnotationCache handles Redis-based caching of annotated sentences.
// Entries are namespaced by rule table fingerprint so a reloaded mapping never
// serves labels produced by older rules.
type AnnotationCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewAnnotationCache creates a new Redis-based annotation cache
func NewAnnotationCache(config *Config, logger *zap.Logger) (*AnnotationCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	if logger == nil {
		logger = zap.NewNop()
	}

	c := &AnnotationCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Annotation cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("default_ttl", config.DefaultTTL))

	return c, nil
}

// Key returns the cache key of a sentence in its current state. It covers the
// words, tags and incoming labels, so it must be taken before annotation.
func (c *AnnotationCache) Key(fingerprint string, s *ner.Sentence) string {
	return SentenceKey(c.config.KeyPrefix, fingerprint, s)
}

// SentenceKey builds the key used for a sentence annotated by the rule table
// with the given fingerprint.
func SentenceKey(prefix, fingerprint string, s *ner.Sentence) string {
	hasher := sha256.New()
	for _, tok := range s.Tokens {
		hasher.Write([]byte(tok.Word))
		hasher.Write([]byte{0x1f})
		hasher.Write([]byte(tok.Tag))
		hasher.Write([]byte{0x1f})
		hasher.Write([]byte(tok.NER))
		hasher.Write([]byte{0x1e})
	}

	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	return fmt.Sprintf("%s:sent:%s:%s", prefix, fingerprint, hash[:32])
}

// Lookup returns the cached labels for key. Lookup failures are logged and
// reported as misses.
func (c *AnnotationCache) Lookup(ctx context.Context, key string) ([]string, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false
	} else if err != nil {
		c.misses.Add(1)
		c.logger.Error("Cache lookup failed", zap.Error(err))
		return nil, false
	}

	entry, err := decodeEntry(data)
	if err != nil {
		c.misses.Add(1)
		c.logger.Error("Failed to unmarshal cached sentence", zap.Error(err))
		c.client.Del(ctx, key)
		return nil, false
	}

	c.hits.Add(1)
	c.logger.Debug("Cache hit", zap.String("key", key))
	return entry.Labels, true
}

// Store caches the labels of one sentence
func (c *AnnotationCache) Store(ctx context.Context, key string, labels []string) error {
	data, err := c.encodeEntry(key, labels)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, key, data, c.config.DefaultTTL).Err(); err != nil {
		c.logger.Error("Failed to cache sentence", zap.Error(err))
		return fmt.Errorf("failed to cache sentence: %w", err)
	}
	return nil
}

// StoreBatch caches multiple sentences using a Redis pipeline
func (c *AnnotationCache) StoreBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, e := range entries {
		data, err := c.encodeEntry(e.Key, e.Labels)
		if err != nil {
			c.logger.Error("Failed to marshal sentence for batch caching", zap.Error(err))
			continue
		}
		pipe.Set(ctx, e.Key, data, c.config.DefaultTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Batch cache operation failed", zap.Error(err))
		return fmt.Errorf("batch cache operation failed: %w", err)
	}

	c.logger.Debug("Batch cache operation completed", zap.Int("cached_sentences", len(entries)))
	return nil
}

func (c *AnnotationCache) encodeEntry(key string, labels []string) ([]byte, error) {
	entry := CachedSentence{
		Labels:   labels,
		Rules:    rulesOf(key),
		CachedAt: time.Now(),
		TTL:      int64(c.config.DefaultTTL.Seconds()),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sentence for caching: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*CachedSentence, error) {
	var entry CachedSentence
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	if entry.Labels == nil {
		return nil, errors.New("cached sentence has no labels")
	}
	return &entry, nil
}

// rulesOf extracts the fingerprint segment of a sentence key
func rulesOf(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}

// GetStats returns cache performance statistics
func (c *AnnotationCache) GetStats(ctx context.Context) (*CacheStats, error) {
	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	stats := &CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes all cached sentences under the configured prefix
func (c *AnnotationCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+":sent:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			c.logger.Error("Failed to delete cache keys", zap.Error(err))
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (c *AnnotationCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// maskRedisURL masks the password of a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	// the only colon may be the scheme separator, in which case there is no password
	if colon < 0 || !strings.Contains(userPart[:colon], "://") {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
