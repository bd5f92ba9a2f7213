package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/supportbot/internal/api"
	"github.com/dayuer/supportbot/internal/chatbot"
	"github.com/dayuer/supportbot/internal/consumer"
	"github.com/dayuer/supportbot/internal/livefeed"
	"github.com/dayuer/supportbot/internal/rulehub"
)

var (
	servePort        int
	serveAPIKey      string
	serveStorage     string
	serveBroker      string
	serveNoConsumers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat HTTP API and event consumers",
	Long: `Start the supportbot server with:
  - HTTP API under /api/v1/chat (send, history, mark-read, transfer, ...)
  - Per-session WebSocket live feed (/api/v1/chat/ws/:sessionId)
  - Message, session and analytics consumers on the configured broker`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP API port (overrides config)")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "Bearer key for the API (or SUPPORTBOT_API_KEY env)")
	serveCmd.Flags().StringVar(&serveStorage, "storage", "", "Storage driver: badger|sqlite")
	serveCmd.Flags().StringVar(&serveBroker, "broker", "", "Broker driver: memory|redis|kafka")
	serveCmd.Flags().BoolVar(&serveNoConsumers, "no-consumers", false, "Do not run the in-process event consumers")
}

// statsFunc adapts a snapshot method to api.StatsSource.
type statsFunc func() map[string]any

func (f statsFunc) Stats() map[string]any { return f() }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// --- Resolve settings: CLI flag → env → config.json ---
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if serveAPIKey != "" {
		cfg.Server.APIKey = serveAPIKey
	}
	if serveStorage != "" {
		cfg.Storage.Driver = serveStorage
	}
	if serveBroker != "" {
		cfg.Broker.Driver = serveBroker
	}
	if serveNoConsumers {
		cfg.Consumers.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Persistence
	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		log.Info("Closing store...")
		_ = store.Close()
	}()

	// 2. Event transport
	broker, closeBroker, err := openBroker(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("opening broker: %w", err)
	}
	defer closeBroker()

	// 3. Pipeline
	rules, err := rulehub.New(cfg.Bot.RulesFile, log)
	if err != nil {
		return err
	}
	svc := chatbot.NewService(store, store, broker, log,
		chatbot.WithClassifier(rules.Current()),
		chatbot.WithPublishTimeout(time.Duration(cfg.Broker.PublishTimeoutMs)*time.Millisecond),
		chatbot.WithWelcomeMessage(cfg.Bot.WelcomeMessage),
	)
	rules.OnChange(svc.SetClassifier)
	go reloadOnHangup(ctx, rules, log)

	// 4. Live feed + consumers
	feed := livefeed.NewHub(log)
	go feed.Run(ctx)

	sources := map[string]api.StatsSource{"broker": broker, "rules": rules}
	if cfg.Consumers.Enabled {
		tracker := consumer.NewMessageTracker(log, feed)
		monitor := consumer.NewSessionMonitor(log)
		aggregator := consumer.NewAnalyticsAggregator(log)

		runner, err := consumer.NewRunner(broker, cfg.Consumers.GroupPrefix,
			time.Duration(cfg.Consumers.RestartDelayMs)*time.Millisecond, log,
			tracker, monitor, aggregator)
		if err != nil {
			return err
		}
		if err := runner.Start(ctx); err != nil {
			return fmt.Errorf("starting consumers: %w", err)
		}
		defer runner.Stop()

		sources["consumers"] = runner
		sources["messages"] = statsFunc(tracker.Snapshot)
		sources["sessions"] = statsFunc(monitor.Snapshot)
		sources["analytics"] = statsFunc(aggregator.Snapshot)
	} else {
		log.Info("Event consumers disabled")
	}

	// 5. HTTP API (blocks until ctx is done)
	srv := api.NewServer(api.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		APIKey:  cfg.Server.APIKey,
		Service: svc,
		Feed:    feed,
		Sources: sources,
		Log:     log,
	})

	log.Info("Starting supportbot",
		"version", Version,
		"storage", cfg.Storage.Driver,
		"broker", cfg.Broker.Driver,
		"consumers", cfg.Consumers.Enabled,
		"auth", cfg.Server.APIKey != "")

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("Shutting down gracefully...")
	return nil
}

// reloadOnHangup re-reads the intent rules file on every SIGHUP.
func reloadOnHangup(ctx context.Context, rules *rulehub.Hub, log *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			log.Info("SIGHUP received, reloading intent rules")
			_ = rules.Reload() // failures keep the current table and are logged by the hub
		}
	}
}
