package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/safing/portguard/base/info"
	"github.com/safing/portguard/service/config"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "portguard",
		Short: "Host TCP intrusion detection and response.",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the configuration file")

	rootCmd.AddCommand(
		runCmd,
		checkConfigCmd,
		recoverIPTablesCmd,
		backupIPTablesCmd,
		restoreIPTablesCmd,
		versionCmd,
	)
}

func main() {
	info.Set("portguard", "")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", configPath, err)
	}
	return cfg, nil
}
