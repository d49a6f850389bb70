package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const programName = "ledger"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Campaign points ledger reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default $CONFIG_PATH or config/config.yaml)")

	rootCmd.AddCommand(
		serveCommand(),
		syncCommand(),
		auditCommand(),
		auditCampaignsCommand(),
		mintCountersCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "config/config.yaml"
}
