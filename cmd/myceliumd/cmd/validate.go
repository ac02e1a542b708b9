package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without starting any node",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", flags.config)
			for _, n := range cfg.Nodes {
				state := "enabled"
				if n.Disabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "  %-20s %-10s %s\n", n.Name, n.Kind, state)
			}
			return nil
		},
	}
}
