// Package shmpipe exchanges payloads with a peer process through a pair of
// shared-memory rings, one per direction.
package shmpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/srediag/mycelial/api"
	"github.com/srediag/mycelial/internal/logging"
	"github.com/srediag/mycelial/pkg/mailbox"
	"github.com/srediag/mycelial/pkg/plugins"
	"github.com/srediag/mycelial/pkg/shm"
)

const Kind = "shm"

// DefaultSize is the region size of each ring.
const DefaultSize = 1 << 20

const (
	SideA = "a"
	SideB = "b"
)

var ErrNoSpace = errors.New("not enough space on /dev/shm")

func init() {
	plugins.Register(Kind, factory)
}

type Config struct {
	Name          string `toml:"name"`
	Size          int    `toml:"size"`
	Side          string `toml:"side"`
	UnlinkOnClose bool   `toml:"unlink_on_close"`
	Capacity      int    `toml:"capacity"`
}

func decodeConfig(decode plugins.Decoder) (Config, error) {
	cfg := Config{Size: DefaultSize, Side: SideA}
	if err := decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func factory(name string, decode plugins.Decoder) (api.Plugin, error) {
	cfg, err := decodeConfig(decode)
	if err != nil {
		return nil, err
	}
	return Open(context.Background(), name, cfg)
}

// Footprint decodes a node's params and returns the shared region name and
// the /dev/shm bytes its two rings take. Both sides of a pipe share them.
func Footprint(decode plugins.Decoder) (string, uint64, error) {
	cfg, err := decodeConfig(decode)
	if err != nil {
		return "", 0, err
	}
	if cfg.Size < 0 {
		return "", 0, plugins.Invalid("shm size %d is negative", cfg.Size)
	}
	return cfg.Name, 2 * uint64(cfg.Size), nil
}

// RingNames returns the transmit and receive region names for a side.
func RingNames(name, side string) (tx, rx string) {
	a2b, b2a := name+".a2b", name+".b2a"
	if side == SideB {
		return b2a, a2b
	}
	return a2b, b2a
}

type Pipe struct {
	name   string
	tx     *shm.Buffer
	rx     *shm.Buffer
	box    *mailbox.Mailbox
	unlink bool
	log    zerolog.Logger

	// blocked is set while the last Send left payloads behind a full ring.
	blocked atomic.Bool

	closeOnce sync.Once
}

var _ api.Plugin = (*Pipe)(nil)

// Open maps both rings of cfg.Name, creating them when missing.
func Open(ctx context.Context, name string, cfg Config) (*Pipe, error) {
	if cfg.Name == "" {
		return nil, plugins.Invalid("shm region name is required")
	}
	if cfg.Side != SideA && cfg.Side != SideB {
		return nil, plugins.Invalid("shm side must be %q or %q, got %q", SideA, SideB, cfg.Side)
	}
	if cfg.Size < shm.MinSize {
		return nil, plugins.Invalid("shm size %d below minimum %d", cfg.Size, shm.MinSize)
	}
	txName, rxName := RingNames(cfg.Name, cfg.Side)
	if !shm.CanCreateOnDevShm(uint64(2*cfg.Size), shm.RegionPath(txName)) {
		return nil, fmt.Errorf("%w: need %d bytes", ErrNoSpace, 2*cfg.Size)
	}
	tx, err := shm.Open(ctx, shm.OpenOptions{Name: txName, Size: cfg.Size, Create: true})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", txName, err)
	}
	rx, err := shm.Open(ctx, shm.OpenOptions{Name: rxName, Size: cfg.Size, Create: true})
	if err != nil {
		_ = tx.Close()
		return nil, fmt.Errorf("open %s: %w", rxName, err)
	}
	p := NewWithBuffers(name, tx, rx, cfg.Capacity)
	p.unlink = cfg.UnlinkOnClose
	return p, nil
}

// NewWithBuffers builds a pipe over rings the caller already holds.
func NewWithBuffers(name string, tx, rx *shm.Buffer, capacity int) *Pipe {
	return &Pipe{
		name: name,
		tx:   tx,
		rx:   rx,
		box:  mailbox.New(capacity),
		log:  logging.For("shm").With().Str("node", name).Str("tx", tx.Name()).Logger(),
	}
}

func (p *Pipe) Name() string { return p.name }
func (p *Pipe) Kind() string { return Kind }

// Send writes queued payloads to the transmit ring. A full ring stops the
// flush without error; the remaining payloads wait for the next Send.
func (p *Pipe) Send(ctx context.Context) error {
	sent, err := p.box.Flush(func(payload []byte) error {
		_, err := p.tx.Write(ctx, payload)
		if errors.Is(err, shm.ErrFrameTooLarge) {
			return mailbox.Drop(err)
		}
		return err
	})
	p.log.Trace().Int("sent", sent).Int("pending", p.box.Pending()).Msg("send")
	if errors.Is(err, shm.ErrBufferFull) {
		p.blocked.Store(true)
		return nil
	}
	p.blocked.Store(false)
	return err
}

// Receive moves complete frames from the receive ring into the inbox until
// the ring is empty or the inbox is full.
func (p *Pipe) Receive(ctx context.Context) error {
	n := 0
	for p.box.Room() > 0 {
		frame, err := p.rx.ReadFrame(ctx)
		if errors.Is(err, shm.ErrNoData) {
			break
		}
		if err != nil {
			return err
		}
		if err := p.box.Deliver(frame); err != nil {
			return err
		}
		n++
	}
	p.log.Trace().Int("received", n).Msg("receive")
	return nil
}

// Ready reports whether the peer keeps up: it fails while the last Send
// left payloads queued behind a full transmit ring.
func (p *Pipe) Ready() error {
	if p.tx.Closed() {
		return shm.ErrClosed
	}
	if p.blocked.Load() {
		return fmt.Errorf("%s: %w", p.tx.Name(), shm.ErrBufferFull)
	}
	return nil
}

func (p *Pipe) Post(payload []byte) error {
	return p.box.Post(payload)
}

func (p *Pipe) Inbox() [][]byte {
	return p.box.Drain()
}

// Pending is the number of payloads waiting for Send.
func (p *Pipe) Pending() int {
	return p.box.Pending()
}

func (p *Pipe) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		_ = p.box.Close()
		for _, b := range []*shm.Buffer{p.tx, p.rx} {
			if err := b.Close(); err != nil {
				errs = append(errs, err)
			}
			if p.unlink {
				if err := b.Unlink(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
