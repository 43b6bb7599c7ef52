package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and print the effective settings.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		fmt.Printf("configuration %s is valid\n", configPath)
		fmt.Printf("  sensitivity:      %d\n", cfg.Detection.Sensitivity)
		fmt.Printf("  block threshold:  %.2f\n", cfg.Intel.BlockThreshold)
		fmt.Printf("  dry run:          %t\n", cfg.Enforcement.DryRun)
		fmt.Printf("  stealth mode:     %t\n", cfg.Enforcement.StealthMode)
		if cfg.Enforcement.BackupOnStart {
			fmt.Printf("  backups:          %s\n", cfg.Enforcement.BackupDir)
		}
		fmt.Printf("  interception:     %t\n", cfg.Interception.Enabled)
		if cfg.API.Listen != "" {
			fmt.Printf("  api:              http://%s/api/v1/\n", cfg.API.Listen)
		}
		return nil
	},
}
