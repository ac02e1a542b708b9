// Package tasmota drives a Tasmota device over its HTTP console endpoint.
//
// Each outbox payload is a console command such as "Power On". The device's
// JSON reply is placed in the inbox. Receive polls the device status.
package tasmota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/srediag/mycelial/api"
	"github.com/srediag/mycelial/internal/logging"
	"github.com/srediag/mycelial/internal/transport"
	"github.com/srediag/mycelial/pkg/mailbox"
	"github.com/srediag/mycelial/pkg/plugins"
)

const Kind = "tasmota"

const DefaultStatusCommand = "Status 0"

var (
	ErrUnknownCommand = errors.New("device rejected command")
	ErrInvalidReply   = errors.New("invalid device reply")
)

func init() {
	plugins.Register(Kind, factory)
}

type Config struct {
	Host          string           `toml:"host"`
	User          string           `toml:"user"`
	Password      string           `toml:"password"`
	StatusCommand string           `toml:"status_command"`
	Timeout       plugins.Duration `toml:"timeout"`
	MaxRetries    int              `toml:"max_retries"`
	Capacity      int              `toml:"capacity"`
}

func factory(name string, decode plugins.Decoder) (api.Plugin, error) {
	cfg := Config{MaxRetries: transport.DefaultMaxRetries}
	if err := decode(&cfg); err != nil {
		return nil, err
	}
	return New(name, cfg)
}

// Power returns the command that switches the relay.
func Power(on bool) []byte {
	if on {
		return []byte("Power On")
	}
	return []byte("Power Off")
}

type Device struct {
	name     string
	cfg      Config
	endpoint *url.URL
	client   *transport.Client
	box      *mailbox.Mailbox
	log      zerolog.Logger
}

var _ api.Plugin = (*Device)(nil)

func New(name string, cfg Config) (*Device, error) {
	if cfg.Host == "" {
		return nil, plugins.Invalid("tasmota host is required")
	}
	host := cfg.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		return nil, plugins.Invalid("tasmota host %q", cfg.Host)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/cm"
	if cfg.StatusCommand == "" {
		cfg.StatusCommand = DefaultStatusCommand
	}
	log := logging.For("tasmota").With().Str("node", name).Str("host", u.Host).Logger()
	return &Device{
		name:     name,
		cfg:      cfg,
		endpoint: u,
		client: transport.NewClient(transport.Options{
			Timeout:    cfg.Timeout.Duration,
			MaxRetries: cfg.MaxRetries,
		}, log),
		box: mailbox.New(cfg.Capacity),
		log: log,
	}, nil
}

func (d *Device) Name() string { return d.name }
func (d *Device) Kind() string { return Kind }

// commandURL builds {host}/cm?cmnd=<cmd> with optional credentials.
func (d *Device) commandURL(cmd string) string {
	u := *d.endpoint
	q := url.Values{}
	if d.cfg.User != "" {
		q.Set("user", d.cfg.User)
	}
	if d.cfg.Password != "" {
		q.Set("password", d.cfg.Password)
	}
	q.Set("cmnd", cmd)
	u.RawQuery = q.Encode()
	return u.String()
}

// Command runs one console command and returns the device's JSON reply.
func (d *Device) Command(ctx context.Context, cmd string) ([]byte, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	resp, err := d.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, d.commandURL(cmd), nil)
	})
	if err != nil {
		return nil, err
	}
	if err := checkReply(resp.Body); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return resp.Body, nil
}

func checkReply(body []byte) error {
	var reply map[string]json.RawMessage
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	if raw, ok := reply["Command"]; ok {
		var status string
		if json.Unmarshal(raw, &status) == nil && (status == "Unknown" || status == "Error") {
			return ErrUnknownCommand
		}
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, ErrUnknownCommand) || errors.Is(err, ErrInvalidReply) || transport.IsPermanent(err)
}

// Send runs every queued command. Commands the device rejects are dropped.
func (d *Device) Send(ctx context.Context) error {
	sent, err := d.box.Flush(func(payload []byte) error {
		reply, err := d.Command(ctx, string(payload))
		if err != nil {
			if permanent(err) {
				d.log.Warn().Err(err).Msg("command rejected, dropping")
				return mailbox.Drop(err)
			}
			return err
		}
		d.store(reply)
		return nil
	})
	d.log.Debug().Int("sent", sent).Msg("send")
	return err
}

// Receive asks the device for its status and stores the reply.
func (d *Device) Receive(ctx context.Context) error {
	reply, err := d.Command(ctx, d.cfg.StatusCommand)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	d.store(reply)
	return nil
}

// store keeps a reply in the inbox. Replies that do not fit are logged and
// discarded; the command itself already ran.
func (d *Device) store(reply []byte) {
	if err := d.box.Deliver(reply); err != nil {
		d.log.Warn().Err(err).Msg("reply discarded")
	}
}

func (d *Device) Post(payload []byte) error {
	return d.box.Post(payload)
}

func (d *Device) Inbox() [][]byte {
	return d.box.Drain()
}

// Pending is the number of payloads waiting for Send.
func (d *Device) Pending() int {
	return d.box.Pending()
}

func (d *Device) Close() error {
	return d.box.Close()
}
