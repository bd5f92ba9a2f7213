// Package config handles configuration loading, saving, and schema definition.
package config

// Config is the top-level supportbot configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Broker    BrokerConfig    `json:"broker"`
	Bot       BotConfig       `json:"bot"`
	Consumers ConsumersConfig `json:"consumers"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	APIKey string `json:"apiKey,omitempty"` // Bearer token; empty disables auth
}

// Storage drivers.
const (
	StorageBadger = "badger"
	StorageSQLite = "sqlite"
)

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"` // badger directory
	DSN    string `json:"dsn,omitempty"`  // sqlite data source name
}

// Broker drivers.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerKafka  = "kafka"
)

// BrokerConfig selects and configures the event transport.
type BrokerConfig struct {
	Driver           string       `json:"driver,omitempty"`
	PublishTimeoutMs int          `json:"publishTimeoutMs,omitempty"`
	BufferSize       int          `json:"bufferSize,omitempty"` // per-partition queue depth (memory)
	RedisURL         string       `json:"redisUrl,omitempty"`
	RedisPassword    string       `json:"redisPassword,omitempty"`
	RedisDB          int          `json:"redisDb,omitempty"`
	RedisMaxLen      int64        `json:"redisMaxLen,omitempty"`
	KafkaBrokers     []string     `json:"kafkaBrokers,omitempty"`
	Topics           TopicsConfig `json:"topics"`
}

// TopicsConfig maps each event stream to its topic.
type TopicsConfig struct {
	Messages  TopicConfig `json:"messages"`
	Sessions  TopicConfig `json:"sessions"`
	Analytics TopicConfig `json:"analytics"`
}

// TopicConfig is a named, partitioned topic.
type TopicConfig struct {
	Name       string `json:"name"`
	Partitions int    `json:"partitions"`
}

// BotConfig holds reply behaviour settings.
type BotConfig struct {
	RulesFile      string `json:"rulesFile,omitempty"` // YAML intent table; built-in table when empty
	WelcomeMessage string `json:"welcomeMessage,omitempty"`
}

// ConsumersConfig controls the in-process event consumers.
type ConsumersConfig struct {
	Enabled        bool   `json:"enabled"`
	GroupPrefix    string `json:"groupPrefix,omitempty"`
	RestartDelayMs int    `json:"restartDelayMs,omitempty"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `json:"level,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: StorageBadger,
			DSN:    "supportbot.db",
		},
		Broker: BrokerConfig{
			Driver:           BrokerMemory,
			PublishTimeoutMs: 5000,
			BufferSize:       256,
			RedisMaxLen:      100000,
			Topics: TopicsConfig{
				Messages:  TopicConfig{Name: "chat-messages", Partitions: 3},
				Sessions:  TopicConfig{Name: "chat-sessions", Partitions: 2},
				Analytics: TopicConfig{Name: "chat-analytics", Partitions: 2},
			},
		},
		Consumers: ConsumersConfig{
			Enabled:        true,
			GroupPrefix:    "chatbot",
			RestartDelayMs: 2000,
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}
