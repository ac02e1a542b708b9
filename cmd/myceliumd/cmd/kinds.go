package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srediag/mycelial/pkg/plugins"
)

func newKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the endpoint kinds this binary can build",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			for _, kind := range plugins.Kinds() {
				fmt.Fprintln(c.OutOrStdout(), kind)
			}
			return nil
		},
	}
}
