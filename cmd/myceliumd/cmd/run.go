package cmd

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/srediag/mycelial/internal/config"
	"github.com/srediag/mycelial/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every configured node until interrupted; SIGHUP reloads the config",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			d, err := newDaemon(cfg, func() (*config.Config, error) {
				return config.Load(flags.config)
			})
			if err != nil {
				return err
			}
			return d.run(c.Context(), cfg)
		},
	}
}

// run blocks until a signal arrives or an actor fails.
func (d *daemon) run(ctx context.Context, cfg *config.Config) error {
	log := logging.For("daemon")
	if err := d.start(ctx, cfg); err != nil {
		// Failed nodes stay registered; a reload can bring them up.
		log.Error().Err(err).Msg("some nodes did not start")
	}
	log.Info().Int("nodes", len(d.sup.Nodes())).Msg("myceliumd started")

	var g run.Group
	{
		stop := make(chan struct{})
		g.Add(func() error {
			<-stop
			return nil
		}, func(error) {
			close(stop)
			if err := d.sup.Close(); err != nil {
				log.Error().Err(err).Msg("closing nodes")
			}
		})
	}
	{
		if err := d.admin.Listen(); err != nil {
			_ = d.sup.Close()
			return err
		}
		g.Add(d.admin.Serve, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = d.admin.Shutdown(ctx)
		})
	}
	g.Add(d.reloader.Run, d.reloader.Stop)
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}
