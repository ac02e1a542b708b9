package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srediag/mycelial/internal/logging"
	"github.com/srediag/mycelial/pkg/lifecycle"
)

func newSendCmd(flags *globalFlags) *cobra.Command {
	var (
		node    string
		message string
		timeout time.Duration
	)
	c := &cobra.Command{
		Use:   "send --node NAME [--message TEXT]",
		Short: "Post one payload through a configured node and print what it receives",
		Long: "send builds a single node from the config, posts the payload (the --message " +
			"text, or stdin when omitted), runs one receive and send cycle and prints the " +
			"node's inbox, one payload per line.",
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			var spec *lifecycle.NodeSpec
			for _, s := range cfg.Specs() {
				if s.Name == node {
					s := s
					spec = &s
				}
			}
			if spec == nil {
				return fmt.Errorf("%w: %q", lifecycle.ErrUnknownNode, node)
			}

			payload := []byte(message)
			if !c.Flags().Changed("message") {
				if payload, err = io.ReadAll(c.InOrStdin()); err != nil {
					return err
				}
			}

			sup, err := lifecycle.New(lifecycle.WithLogger(logging.For("send")), lifecycle.WithBuildRetries(0))
			if err != nil {
				return err
			}
			defer sup.Close()
			if err := sup.Register(*spec); err != nil {
				return err
			}
			plugin, ok := sup.Plugin(node)
			if !ok {
				return errors.New("node has no endpoint")
			}
			if err := plugin.Post(payload); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context(), timeout)
			defer cancel()
			pumpErr := sup.PumpNode(ctx, node)
			for _, p := range plugin.Inbox() {
				fmt.Fprintln(c.OutOrStdout(), string(p))
			}
			return pumpErr
		},
	}
	c.Flags().StringVarP(&node, "node", "n", "", "node name from the config")
	c.Flags().StringVarP(&message, "message", "m", "", "payload to post; read from stdin when omitted")
	c.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	_ = c.MarkFlagRequired("node")
	return c
}
