package main

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/safing/portguard/service/firewall/blocklist"
	"github.com/safing/portguard/service/firewall/interception"
)

var recoverIPTablesCmd = &cobra.Command{
	Use:   "recover-iptables",
	Short: "Remove all iptables rules and chains left behind by an unclean shutdown.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := checkPrivileges(); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		var result *multierror.Error
		if err := interception.RemoveRules(); err != nil {
			result = multierror.Append(result, fmt.Errorf("queue rules: %w", err))
		}
		if err := blocklist.RemoveChain(cfg.Enforcement.Chain); err != nil && !errors.Is(err, blocklist.ErrUnsupported) {
			result = multierror.Append(result, fmt.Errorf("enforcement chain: %w", err))
		}
		if err := result.ErrorOrNil(); err != nil {
			return err
		}

		fmt.Println("removed all portguard rules")
		return nil
	},
}
