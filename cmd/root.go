package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "supportbot",
	Short: "supportbot: rule-based customer support chat backend",
	Long: `supportbot answers customer chat messages with a keyword rule table,
keeps per-user sessions and transcripts, and fans message, session and
analytics events out to independent consumers.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.supportbot/config.json)")
}
