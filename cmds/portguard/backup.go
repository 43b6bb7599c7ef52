package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/safing/portguard/service/firewall/blocklist"
)

var (
	backupDir   string
	restoreFile string

	backupIPTablesCmd = &cobra.Command{
		Use:   "backup-iptables",
		Short: "Save the iptables filter and mangle tables to the backup dir.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := checkPrivileges(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if backupDir == "" {
				backupDir = cfg.Enforcement.BackupDir
			}
			path, err := blocklist.BackupIPTables(backupDir)
			if err != nil {
				return err
			}
			fmt.Printf("saved iptables rules to %s\n", path)
			return nil
		},
	}

	restoreIPTablesCmd = &cobra.Command{
		Use:   "restore-iptables",
		Short: "Replace the iptables filter and mangle tables with a backup.",
		Long: "Replace the iptables filter and mangle tables with a backup.\n" +
			"Without --file, the newest backup in the backup dir is used.\n" +
			"Do not run this while portguard is running.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := checkPrivileges(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			path := restoreFile
			if path == "" {
				path, err = blocklist.LatestBackup(cfg.Enforcement.BackupDir)
				if err != nil {
					return err
				}
			}
			if err := blocklist.RestoreIPTables(path); err != nil {
				return fmt.Errorf("failed to restore %s: %w", path, err)
			}
			fmt.Printf("restored iptables rules from %s\n", path)
			return nil
		},
	}
)

func init() {
	backupIPTablesCmd.Flags().StringVar(&backupDir, "dir", "", "directory to save the backup to, defaults to enforcement.backup_dir")
	restoreIPTablesCmd.Flags().StringVar(&restoreFile, "file", "", "backup file to restore")
}
