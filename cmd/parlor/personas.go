package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/parlor/internal/config"
)

func newPersonasCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "personas",
		Short: "List configured personas",
		Long:  "Prints every persona in the config with its trigger, origin channel and slowmode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPersonas(cmd, configPath)
		},
	}

	addConfigFlags(cmd, &configPath, nil)
	return cmd
}

func runPersonas(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	personas, err := cfg.BuildPersonas(nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tORIGIN\tSLOWMODE\tLABEL")
	for _, p := range personas {
		slowmode := "-"
		if p.SlowmodeSec > 0 {
			slowmode = fmt.Sprintf("%ds", p.SlowmodeSec)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Trigger, p.OriginChannelID, slowmode, p.Label)
	}
	return w.Flush()
}
