package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// newViper layers defaults, the config file and REGEXNER_ environment variables
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Every default is registered so AutomaticEnv knows the key and file reloads keep it
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("REGEXNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/regexner/")
		v.AddConfigPath("$HOME/.regexner/")
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(GetDefaults())
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	walkDefaults(v, "", tree)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := value.(map[string]interface{}); ok {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, value)
	}
}

func decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if len(config.Mapping.Paths) == 0 {
		return fmt.Errorf("no mapping files configured")
	}

	if config.Annotator.Workers < 1 {
		return fmt.Errorf("invalid annotator workers: %d (must be at least 1)", config.Annotator.Workers)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerMinute <= 0 || config.RateLimit.BurstSize <= 0) {
		return fmt.Errorf("invalid rate limit: %d requests/min, burst %d", config.RateLimit.RequestsPerMinute, config.RateLimit.BurstSize)
	}

	if config.Store.Enabled && config.Store.Driver != "postgres" && config.Store.Driver != "sqlite" {
		return fmt.Errorf("invalid store driver: %s (must be postgres or sqlite)", config.Store.Driver)
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache enabled without redis_url")
	}

	if config.ETL.BatchSize <= 0 || config.ETL.WorkerCount <= 0 {
		return fmt.Errorf("invalid etl batch size %d or worker count %d", config.ETL.BatchSize, config.ETL.WorkerCount)
	}

	return nil
}

// Watch loads the configuration and calls callback with every valid version
// written to the config file afterwards. Invalid versions are passed to onError.
func Watch(configPath string, callback func(*Config), onError func(error)) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return config, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		callback(newConfig)
	})
	v.WatchConfig()

	return config, nil
}
