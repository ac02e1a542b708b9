// Package cmd implements the myceliumd command line.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/srediag/mycelial/internal/config"
	"github.com/srediag/mycelial/internal/logging"
	_ "github.com/srediag/mycelial/pkg/plugins/all"
)

const (
	EnvConfig     = "MYCELIAL_CONFIG"
	defaultConfig = "mycelial.toml"
)

type globalFlags struct {
	config   string
	logLevel string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		path = defaultConfig
	}
	fs.StringVarP(&g.config, "config", "c", path, "path to the TOML config (env "+EnvConfig+")")
	fs.StringVar(&g.logLevel, "log-level", "", "override log.level from the config")
}

// load reads the config and applies its logging section.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.config)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		if _, ok := logging.ParseLevel(g.logLevel); !ok {
			return nil, fmt.Errorf("invalid --log-level %q", g.logLevel)
		}
		cfg.Log.Level = g.logLevel
	}
	logging.Apply(cfg.Logging())
	return cfg, nil
}

// NewRootCmd builds the command tree writing normal output to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "myceliumd",
		Short:         "Run and drive mycelial nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	flags.register(root.PersistentFlags())

	root.AddCommand(
		newRunCmd(flags),
		newValidateCmd(flags),
		newSendCmd(flags),
		newKindsCmd(),
	)
	return root
}

func Execute() {
	root := NewRootCmd(os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
