package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"instream-live-server/pkg/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "instream",
	Short: "Operator console for live broadcasts from uploaded videos",
	Long: `instream serves a web console that starts and stops live broadcasts on the
platform from videos in a local library, relays viewer counts and comments,
and lets the operator comment on the running broadcast.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (environment variables still override it)")
	rootCmd.AddCommand(serveCmd, probeCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
