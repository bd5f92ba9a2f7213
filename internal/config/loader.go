package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	env "github.com/Netflix/go-env"

	"github.com/dayuer/supportbot/internal/utils"
)

// GetDataPath returns the supportbot data directory (~/.supportbot).
func GetDataPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".supportbot")
}

// GetConfigPath returns the default config file path (~/.supportbot/config.json).
func GetConfigPath() string {
	return filepath.Join(GetDataPath(), "config.json")
}

// Load reads configuration from a JSON file.
// If path is empty, uses the default config path.
// If the file doesn't exist, returns DefaultConfig().
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, err
	}

	cfg := DefaultConfig() // start with defaults so zero-value fields get filled
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

// Save writes configuration to a JSON file.
// If path is empty, uses the default config path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Environment is the SUPPORTBOT_* overlay applied on top of the file config.
// Unset variables leave the file value untouched.
type Environment struct {
	Host          string `env:"SUPPORTBOT_HOST"`
	Port          *int   `env:"SUPPORTBOT_PORT"`
	APIKey        string `env:"SUPPORTBOT_API_KEY"`
	StorageDriver string `env:"SUPPORTBOT_STORAGE_DRIVER"`
	StoragePath   string `env:"SUPPORTBOT_STORAGE_PATH"`
	StorageDSN    string `env:"SUPPORTBOT_STORAGE_DSN"`
	BrokerDriver  string `env:"SUPPORTBOT_BROKER_DRIVER"`
	RedisURL      string `env:"SUPPORTBOT_REDIS_URL"`
	RedisPassword string `env:"SUPPORTBOT_REDIS_PASSWORD"`
	KafkaBrokers  string `env:"SUPPORTBOT_KAFKA_BROKERS"` // comma separated
	RulesFile     string `env:"SUPPORTBOT_RULES_FILE"`
	LogLevel      string `env:"SUPPORTBOT_LOG_LEVEL"`
}

// LoadEnvironment reads the overlay from the process environment.
func LoadEnvironment() (Environment, error) {
	var e Environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return Environment{}, fmt.Errorf("reading environment: %w", err)
	}
	return e, nil
}

// Apply copies every set variable onto cfg.
func (e Environment) Apply(cfg *Config) {
	setString(&cfg.Server.Host, e.Host)
	if e.Port != nil {
		cfg.Server.Port = *e.Port
	}
	setString(&cfg.Server.APIKey, e.APIKey)
	setString(&cfg.Storage.Driver, e.StorageDriver)
	setString(&cfg.Storage.Path, e.StoragePath)
	setString(&cfg.Storage.DSN, e.StorageDSN)
	setString(&cfg.Broker.Driver, e.BrokerDriver)
	setString(&cfg.Broker.RedisURL, e.RedisURL)
	setString(&cfg.Broker.RedisPassword, e.RedisPassword)
	if e.KafkaBrokers != "" {
		var brokers []string
		for _, b := range strings.Split(e.KafkaBrokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Broker.KafkaBrokers = brokers
	}
	setString(&cfg.Bot.RulesFile, e.RulesFile)
	setString(&cfg.Log.Level, e.LogLevel)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// LoadWithEnv loads the file config and applies the environment overlay.
func LoadWithEnv(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	e, err := LoadEnvironment()
	if err != nil {
		return cfg, err
	}
	e.Apply(&cfg)
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageBadger, StorageSQLite:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Broker.Driver {
	case BrokerMemory:
	case BrokerRedis:
		if c.Broker.RedisURL == "" {
			return fmt.Errorf("broker driver redis requires redisUrl")
		}
	case BrokerKafka:
		if len(c.Broker.KafkaBrokers) == 0 {
			return fmt.Errorf("broker driver kafka requires kafkaBrokers")
		}
	default:
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}
	if c.Broker.PublishTimeoutMs <= 0 {
		return fmt.Errorf("publishTimeoutMs must be positive")
	}
	for _, t := range []TopicConfig{c.Broker.Topics.Messages, c.Broker.Topics.Sessions, c.Broker.Topics.Analytics} {
		if t.Name == "" {
			return fmt.Errorf("topic name is required")
		}
		if t.Partitions <= 0 {
			return fmt.Errorf("topic %s: partitions must be positive", t.Name)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

// BadgerPath returns the configured badger directory, defaulting under the data path.
func (c Config) BadgerPath() string {
	if c.Storage.Path != "" {
		return utils.ExpandHome(c.Storage.Path)
	}
	return filepath.Join(GetDataPath(), "data")
}
