package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/parlor/internal/config"
)

func newCheckKeyCmd() *cobra.Command {
	var configPath, envFile string

	cmd := &cobra.Command{
		Use:   "check-key",
		Short: "Validate the completion API key",
		Long:  "Calls the completion endpoint's key check and reports whether " + config.EnvAPIKey + " is accepted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckKey(cmd, configPath, envFile)
		},
	}

	addConfigFlags(cmd, &configPath, &envFile)
	return cmd
}

func runCheckKey(cmd *cobra.Command, configPath, envFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Only the API key is needed here; a missing Discord token is fine.
	if err := cfg.LoadSecrets(envFile); err != nil && cfg.APIKey == "" {
		return err
	}

	client, err := newCompletionClient(cfg, nil)
	if err != nil {
		return err
	}
	if err := client.ValidateKey(cmd.Context()); err != nil {
		return fmt.Errorf("check API key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "API key OK (%s)\n", cfg.Completion.BaseURL)
	return nil
}
