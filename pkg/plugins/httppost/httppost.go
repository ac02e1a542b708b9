// Package httppost sends outbox payloads as HTTP POST requests and, when a
// poll URL is configured, collects inbound payloads with GET.
package httppost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/srediag/mycelial/api"
	"github.com/srediag/mycelial/internal/logging"
	"github.com/srediag/mycelial/internal/transport"
	"github.com/srediag/mycelial/pkg/mailbox"
	"github.com/srediag/mycelial/pkg/plugins"
	"github.com/srediag/mycelial/pkg/security"
)

const Kind = "http_post"

const DefaultContentType = "application/octet-stream"

// ErrUnsignedReply is returned when a signed endpoint polls a reply that
// carries no signature.
var ErrUnsignedReply = errors.New("reply is not signed")

func init() {
	plugins.Register(Kind, factory)
}

type Config struct {
	URL         string            `toml:"url"`
	PollURL     string            `toml:"poll_url"`
	ContentType string            `toml:"content_type"`
	Headers     map[string]string `toml:"headers"`
	Timeout     plugins.Duration  `toml:"timeout"`
	MaxRetries  int               `toml:"max_retries"`
	Secret      string            `toml:"secret"`
	// RequireSignature rejects unsigned poll replies when a secret is set.
	RequireSignature bool `toml:"require_signature"`
	Capacity         int  `toml:"capacity"`
}

func factory(name string, decode plugins.Decoder) (api.Plugin, error) {
	cfg := Config{MaxRetries: transport.DefaultMaxRetries}
	if err := decode(&cfg); err != nil {
		return nil, err
	}
	return New(name, cfg)
}

type Endpoint struct {
	name   string
	cfg    Config
	client *transport.Client
	signer api.Signer
	box    *mailbox.Mailbox
	log    zerolog.Logger
}

var _ api.Plugin = (*Endpoint)(nil)

func New(name string, cfg Config) (*Endpoint, error) {
	if err := validURL(cfg.URL); err != nil {
		return nil, plugins.Invalid("url: %v", err)
	}
	if cfg.PollURL != "" {
		if err := validURL(cfg.PollURL); err != nil {
			return nil, plugins.Invalid("poll_url: %v", err)
		}
	}
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}
	log := logging.For("http_post").With().Str("node", name).Logger()
	e := &Endpoint{
		name: name,
		cfg:  cfg,
		client: transport.NewClient(transport.Options{
			Timeout:    cfg.Timeout.Duration,
			MaxRetries: cfg.MaxRetries,
		}, log),
		box: mailbox.New(cfg.Capacity),
		log: log,
	}
	if cfg.Secret != "" {
		signer, err := security.NewHMACSigner(cfg.Secret)
		if err != nil {
			return nil, plugins.Invalid("secret: %v", err)
		}
		e.signer = signer
	}
	return e, nil
}

func validURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Kind() string { return Kind }

// Send POSTs each outbox payload in order. Payloads rejected with a 4xx are
// dropped; any other failure leaves the payload queued for the next Send.
func (e *Endpoint) Send(ctx context.Context) error {
	sent, err := e.box.Flush(func(payload []byte) error {
		_, err := e.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", e.cfg.ContentType)
			for k, v := range e.cfg.Headers {
				req.Header.Set(k, v)
			}
			if e.signer != nil {
				req.Header.Set(security.SignatureHeader, e.signer.Sign(payload))
			}
			return req, nil
		})
		if err != nil && transport.IsPermanent(err) {
			e.log.Warn().Err(err).Int("bytes", len(payload)).Msg("payload rejected, dropping")
			return mailbox.Drop(err)
		}
		return err
	})
	e.log.Debug().Int("sent", sent).Int("pending", e.box.Pending()).Msg("send")
	return err
}

// Receive polls PollURL once. Without a poll URL it does nothing.
func (e *Endpoint) Receive(ctx context.Context) error {
	if e.cfg.PollURL == "" {
		return nil
	}
	resp, err := e.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.PollURL, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range e.cfg.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if resp.Status == http.StatusNoContent || len(resp.Body) == 0 {
		return nil
	}
	if e.signer != nil {
		sig := resp.Header.Get(security.SignatureHeader)
		switch {
		case sig != "":
			if err := e.signer.Verify(resp.Body, sig); err != nil {
				return fmt.Errorf("poll: %w", err)
			}
		case e.cfg.RequireSignature:
			return fmt.Errorf("poll: %w", ErrUnsignedReply)
		}
	}
	return e.box.Deliver(resp.Body)
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
	return e.box.Close()
}
