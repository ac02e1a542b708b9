package adapter

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Reloader calls a reload function on SIGHUP or Trigger, one reload at a
// time. Triggers that arrive during a reload collapse into one more run.
type Reloader struct {
	reload  func(ctx context.Context) error
	log     zerolog.Logger
	signals []os.Signal

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func NewReloader(reload func(ctx context.Context) error, log zerolog.Logger) *Reloader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reloader{
		reload:  reload,
		log:     log,
		signals: []os.Signal{syscall.SIGHUP},
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Trigger requests a reload without a signal.
func (r *Reloader) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run handles reload requests until Stop.
func (r *Reloader) Run() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, r.signals...)
	defer signal.Stop(sig)

	for {
		select {
		case <-r.ctx.Done():
			return nil
		case s := <-sig:
			r.log.Info().Str("signal", s.String()).Msg("reload requested")
		case <-r.trigger:
			r.log.Info().Msg("reload requested")
		}
		if err := r.reload(r.ctx); err != nil {
			r.log.Error().Err(err).Msg("reload failed")
			continue
		}
		r.log.Info().Msg("reload complete")
	}
}

func (r *Reloader) Stop(error) {
	r.once.Do(r.cancel)
}
