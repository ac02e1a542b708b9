// Package transport contains the retrying HTTP client shared by the HTTP-based
// plugins.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// MaxBodySize caps how much of a response body is read.
const MaxBodySize = 1 << 20

// ErrBodyTooLarge is returned for a body over MaxBodySize. It is permanent.
var ErrBodyTooLarge = fmt.Errorf("body larger than %d bytes", MaxBodySize)

// ReadBody reads all of r, failing with ErrBodyTooLarge rather than
// returning a truncated body.
func ReadBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

const (
	DefaultTimeout         = 5 * time.Second
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// IsPermanent reports whether retrying err later cannot help: an oversized
// body, or a 4xx other than 408 and 429.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrBodyTooLarge) {
		return true
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 &&
		se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests
}

type Options struct {
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	return o
}

// Response is a fully read 2xx response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type Client struct {
	http *http.Client
	opts Options
	log  zerolog.Logger
}

func NewClient(opts Options, log zerolog.Logger) *Client {
	opts = opts.withDefaults()
	return &Client{
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
		log:  log,
	}
}

// Do sends the request built by newReq, rebuilding it for every attempt.
// Transport errors, 5xx, 408 and 429 are retried with exponential backoff.
func (c *Client) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	var resp *Response
	op := func() error {
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer r.Body.Close()
		body, err := ReadBody(r.Body)
		if errors.Is(err, ErrBodyTooLarge) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			serr := &StatusError{Code: r.StatusCode, Body: truncate(body, 256)}
			if IsPermanent(serr) {
				return backoff.Permanent(serr)
			}
			return serr
		}
		resp = &Response{Status: r.StatusCode, Header: r.Header, Body: body}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialInterval
	eb.MaxInterval = c.opts.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Dur("wait", wait).Msg("retrying request")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
