package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/config"
	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/redis"
	"github.com/dayuer/supportbot/internal/session"
	"github.com/dayuer/supportbot/internal/storage/badgerstore"
	"github.com/dayuer/supportbot/internal/storage/sqlitestore"
	"github.com/dayuer/supportbot/internal/utils"
)

// chatStore is a persistence backend serving both sessions and messages.
type chatStore interface {
	session.Store
	messagelog.Log
	Close() error
}

// statsBroker is a broker that also reports counters for /stats.
type statsBroker interface {
	bus.Broker
	Stats() map[string]any
}

// loadConfig reads .env, the config file and the SUPPORTBOT_* overlay.
func loadConfig() (config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return logs.GetLoggerFromString(cfg.Log.Level)
}

// openStore opens the configured persistence backend.
func openStore(cfg config.Config, log *slog.Logger) (chatStore, error) {
	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		log.Info("Opening SQLite store", "dsn", cfg.Storage.DSN)
		s, err := sqlitestore.Open(utils.ExpandHome(cfg.Storage.DSN), log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		path := cfg.BadgerPath()
		if _, err := utils.EnsureDir(path); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		log.Info("Opening Badger store", "path", path)
		s, err := badgerstore.Open(path, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func topicsFromConfig(cfg config.BrokerConfig) bus.Topics {
	return bus.Topics{
		bus.StreamMessage:   {Name: cfg.Topics.Messages.Name, Partitions: cfg.Topics.Messages.Partitions},
		bus.StreamSession:   {Name: cfg.Topics.Sessions.Name, Partitions: cfg.Topics.Sessions.Partitions},
		bus.StreamAnalytics: {Name: cfg.Topics.Analytics.Name, Partitions: cfg.Topics.Analytics.Partitions},
	}
}

// openBroker builds the configured event transport. The returned func
// releases everything the broker holds.
func openBroker(ctx context.Context, cfg config.Config, log *slog.Logger) (statsBroker, func(), error) {
	topics := topicsFromConfig(cfg.Broker)

	switch cfg.Broker.Driver {
	case config.BrokerRedis:
		client, err := redis.Connect(ctx, redis.Config{
			URL:      cfg.Broker.RedisURL,
			Password: cfg.Broker.RedisPassword,
			DB:       cfg.Broker.RedisDB,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		b := bus.NewRedisBroker(client, topics, log, bus.WithMaxLen(cfg.Broker.RedisMaxLen))
		return b, func() {
			_ = b.Close()
			_ = client.Close()
		}, nil

	case config.BrokerKafka:
		b := bus.NewKafkaBroker(cfg.Broker.KafkaBrokers, topics, log)
		setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := b.EnsureTopics(setupCtx); err != nil {
			// topics may be managed out of band; publishing still works if they exist
			log.Warn("Kafka topic setup failed", "err", err)
		}
		return b, func() { _ = b.Close() }, nil

	default:
		b := bus.NewMemoryBroker(topics, cfg.Broker.BufferSize, log)
		return b, func() { _ = b.Close() }, nil
	}
}

// serverURL is the base URL CLI commands call when --server is not given.
func serverURL(cfg config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}
