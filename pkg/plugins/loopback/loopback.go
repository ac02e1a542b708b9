// Package loopback connects endpoints inside one process. Endpoints that share
// a channel name see each other's payloads.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/srediag/mycelial/api"
	"github.com/srediag/mycelial/internal/logging"
	"github.com/srediag/mycelial/pkg/mailbox"
	"github.com/srediag/mycelial/pkg/plugins"
)

const Kind = "loopback"

func init() {
	plugins.Register(Kind, factory)
}

type Config struct {
	Channel  string `toml:"channel"`
	Capacity int    `toml:"capacity"`
}

func factory(name string, decode plugins.Decoder) (api.Plugin, error) {
	cfg := Config{Channel: "default"}
	if err := decode(&cfg); err != nil {
		return nil, err
	}
	return New(name, cfg)
}

type channel struct {
	mu      sync.RWMutex
	members map[string]*Endpoint
}

var (
	hubMu sync.Mutex
	hub   = map[string]*channel{}
)

func join(name string, e *Endpoint) error {
	hubMu.Lock()
	defer hubMu.Unlock()
	ch, ok := hub[name]
	if !ok {
		ch = &channel{members: map[string]*Endpoint{}}
		hub[name] = ch
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, exists := ch.members[e.name]; exists {
		return plugins.Invalid("endpoint %q already on channel %q", e.name, name)
	}
	ch.members[e.name] = e
	e.ch = ch
	return nil
}

func leave(name string, e *Endpoint) {
	hubMu.Lock()
	defer hubMu.Unlock()
	ch, ok := hub[name]
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.members, e.name)
	empty := len(ch.members) == 0
	ch.mu.Unlock()
	if empty {
		delete(hub, name)
	}
}

// Endpoint is a loopback member. Send copies the outbox onto the wire of
// every other member; Receive moves the endpoint's own wire into its inbox.
type Endpoint struct {
	name    string
	channel string
	ch      *channel
	box     *mailbox.Mailbox
	wire    *mailbox.Mailbox
	log     zerolog.Logger
}

var _ api.Plugin = (*Endpoint)(nil)

func New(name string, cfg Config) (*Endpoint, error) {
	if cfg.Channel == "" {
		return nil, plugins.Invalid("loopback channel is required")
	}
	e := &Endpoint{
		name:    name,
		channel: cfg.Channel,
		box:     mailbox.New(cfg.Capacity),
		wire:    mailbox.New(cfg.Capacity),
		log:     logging.For("loopback").With().Str("node", name).Logger(),
	}
	if err := join(cfg.Channel, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Kind() string { return Kind }

func (e *Endpoint) peers() []*Endpoint {
	e.ch.mu.RLock()
	defer e.ch.mu.RUnlock()
	peers := make([]*Endpoint, 0, len(e.ch.members))
	for name, m := range e.ch.members {
		if name != e.name {
			peers = append(peers, m)
		}
	}
	return peers
}

// Send delivers every queued payload to each peer. A peer whose wire is full
// stops the flush; peers already served may see that payload again.
func (e *Endpoint) Send(ctx context.Context) error {
	peers := e.peers()
	sent, err := e.box.Flush(func(p []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, peer := range peers {
			if err := peer.wire.Post(p); err != nil {
				return fmt.Errorf("deliver to %s: %w", peer.name, err)
			}
		}
		return nil
	})
	e.log.Trace().Int("sent", sent).Int("peers", len(peers)).Msg("send")
	return err
}

// Receive stops early, leaving the rest on the wire, when the inbox fills.
func (e *Endpoint) Receive(ctx context.Context) error {
	moved, err := e.wire.Flush(func(p []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return e.box.Deliver(p)
	})
	e.log.Trace().Int("received", moved).Msg("receive")
	return err
}

func (e *Endpoint) Post(payload []byte) error {
	return e.box.Post(payload)
}

func (e *Endpoint) Inbox() [][]byte {
	return e.box.Drain()
}

// Pending is the number of payloads waiting for Send.
func (e *Endpoint) Pending() int {
	return e.box.Pending()
}

func (e *Endpoint) Close() error {
	leave(e.channel, e)
	_ = e.wire.Close()
	return e.box.Close()
}
