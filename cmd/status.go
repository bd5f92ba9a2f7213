package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dayuer/supportbot/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and the health of a running server",
	RunE:  runStatus,
}

func init() {
	addClientFlags(statusCmd)
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	fmt.Println("🤖 supportbot Status")
	fmt.Println()
	fmt.Printf("Config:    %s\n", path)
	fmt.Printf("Storage:   %s\n", storageTarget(cfg))
	fmt.Printf("Broker:    %s\n", cfg.Broker.Driver)
	fmt.Printf("Consumers: %v (group prefix %q)\n", cfg.Consumers.Enabled, cfg.Consumers.GroupPrefix)
	if cfg.Bot.RulesFile != "" {
		fmt.Printf("Rules:     %s\n", cfg.Bot.RulesFile)
	}

	c := newClient(cfg)
	fmt.Println("\nServer:")
	health, err := c.Health(cmd.Context())
	if err != nil {
		fmt.Printf("  unreachable: %v\n", err)
		return nil
	}
	fmt.Printf("  Status: %v (uptime %vs)\n", health["status"], health["uptime"])

	stats, err := c.Stats(cmd.Context())
	if err != nil {
		fmt.Printf("  stats unavailable: %v\n", err)
		return nil
	}
	if p, ok := stats["pipeline"].(map[string]any); ok {
		fmt.Printf("  Messages: %v processed, %v failed\n", p["processed"], p["failed"])
		fmt.Printf("  Events:   %v published, %v failed\n", p["published"], p["publishFailed"])
	}
	if consumers, ok := stats["consumers"].(map[string]any); ok {
		fmt.Println("\nConsumers:")
		for stream, v := range consumers {
			st, _ := v.(map[string]any)
			fmt.Printf("  %-10s %v running=%v processed=%v failed=%v restarts=%v\n",
				stream, st["handler"], st["running"], st["processed"], st["failed"], st["restarts"])
		}
	}
	return nil
}

func storageTarget(cfg config.Config) string {
	if cfg.Storage.Driver == config.StorageSQLite {
		return "sqlite " + cfg.Storage.DSN
	}
	return "badger " + cfg.BadgerPath()
}
