package httppost

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/mycelial/internal/transport"
	"github.com/srediag/mycelial/pkg/plugins"
	"github.com/srediag/mycelial/pkg/security"
)

type HTTPPostTestSuite struct {
	suite.Suite

	mu       sync.Mutex
	received []string
	headers  []http.Header
	status   int32
	server   *httptest.Server
}

func (s *HTTPPostTestSuite) SetupTest() {
	s.received = nil
	s.headers = nil
	atomic.StoreInt32(&s.status, http.StatusOK)
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.received = append(s.received, string(body))
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()
		w.WriteHeader(int(atomic.LoadInt32(&s.status)))
	}))
}

func (s *HTTPPostTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *HTTPPostTestSuite) newEndpoint(cfg Config) *Endpoint {
	if cfg.URL == "" {
		cfg.URL = s.server.URL
	}
	cfg.Timeout = plugins.Duration{Duration: time.Second}
	e, err := New("poster", cfg)
	s.Require().NoError(err)
	e.client = transport.NewClient(transport.Options{
		Timeout:         time.Second,
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, e.log)
	s.T().Cleanup(func() { _ = e.Close() })
	return e
}

func (s *HTTPPostTestSuite) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *HTTPPostTestSuite) TestSendPostsInOrder() {
	e := s.newEndpoint(Config{
		ContentType: "application/json",
		Headers:     map[string]string{"X-Node": "outlet"},
	})
	s.Require().NoError(e.Post([]byte(`{"n":1}`)))
	s.Require().NoError(e.Post([]byte(`{"n":2}`)))

	s.Require().NoError(e.Send(context.Background()))
	s.Equal([]string{`{"n":1}`, `{"n":2}`}, s.requests())
	s.Equal("application/json", s.headers[0].Get("Content-Type"))
	s.Equal("outlet", s.headers[0].Get("X-Node"))
	s.Empty(s.headers[0].Get(security.SignatureHeader))
	s.Equal(0, e.box.Pending())
}

func (s *HTTPPostTestSuite) TestSendSignsPayload() {
	e := s.newEndpoint(Config{Secret: "hunter2"})
	s.Require().NoError(e.Post([]byte("signed")))
	s.Require().NoError(e.Send(context.Background()))

	signer, err := security.NewHMACSigner("hunter2")
	s.Require().NoError(err)
	s.NoError(signer.Verify([]byte("signed"), s.headers[0].Get(security.SignatureHeader)))
}

func (s *HTTPPostTestSuite) TestClientErrorDropsPayload() {
	atomic.StoreInt32(&s.status, http.StatusBadRequest)
	e := s.newEndpoint(Config{MaxRetries: 3})
	s.Require().NoError(e.Post([]byte("bad")))

	err := e.Send(context.Background())
	s.Error(err)
	s.Len(s.requests(), 1, "4xx is not retried")
	s.Equal(0, e.box.Pending())
}

func (s *HTTPPostTestSuite) TestServerErrorKeepsPayload() {
	atomic.StoreInt32(&s.status, http.StatusServiceUnavailable)
	e := s.newEndpoint(Config{MaxRetries: 2})
	s.Require().NoError(e.Post([]byte("later")))

	err := e.Send(context.Background())
	var se *transport.StatusError
	s.ErrorAs(err, &se)
	s.Equal(http.StatusServiceUnavailable, se.Code)
	s.Len(s.requests(), 3)
	s.Equal(1, e.box.Pending())

	atomic.StoreInt32(&s.status, http.StatusAccepted)
	s.NoError(e.Send(context.Background()))
	s.Equal(0, e.box.Pending())
}

func (s *HTTPPostTestSuite) TestReceiveWithoutPollURL() {
	e := s.newEndpoint(Config{})
	s.NoError(e.Receive(context.Background()))
	s.Empty(s.requests())
	s.Empty(e.Inbox())
}

func (s *HTTPPostTestSuite) TestReceivePolls() {
	var calls int32
	signer, err := security.NewHMACSigner("k")
	s.Require().NoError(err)
	poll := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal(http.MethodGet, r.Method)
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.Header().Set(security.SignatureHeader, signer.Sign([]byte("inbound")))
			_, _ = w.Write([]byte("inbound"))
		case 2:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set(security.SignatureHeader, "00")
			_, _ = w.Write([]byte("forged"))
		}
	}))
	defer poll.Close()

	e := s.newEndpoint(Config{PollURL: poll.URL, Secret: "k"})
	ctx := context.Background()
	s.Require().NoError(e.Receive(ctx))
	s.Require().NoError(e.Receive(ctx))
	s.ErrorIs(e.Receive(ctx), security.ErrSignatureMismatch)

	inbox := e.Inbox()
	s.Require().Len(inbox, 1)
	s.Equal("inbound", string(inbox[0]))
}

func (s *HTTPPostTestSuite) TestReceiveRejectsOversizedReply() {
	poll := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2*transport.MaxBodySize))
	}))
	defer poll.Close()

	e := s.newEndpoint(Config{PollURL: poll.URL, MaxRetries: 2})
	s.ErrorIs(e.Receive(context.Background()), transport.ErrBodyTooLarge)
	s.Empty(e.Inbox(), "a truncated reply must not reach the inbox")
}

func (s *HTTPPostTestSuite) TestRequireSignature() {
	poll := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain"))
	}))
	defer poll.Close()

	e := s.newEndpoint(Config{PollURL: poll.URL, Secret: "k", RequireSignature: true})
	s.ErrorIs(e.Receive(context.Background()), ErrUnsignedReply)
	s.Empty(e.Inbox())
}

func (s *HTTPPostTestSuite) TestInvalidConfig() {
	for _, cfg := range []Config{
		{},
		{URL: "ftp://example.com"},
		{URL: "http://"},
		{URL: "http://example.com", PollURL: "nope"},
	} {
		_, err := New("bad", cfg)
		s.ErrorIs(err, plugins.ErrInvalidConfig, "%+v", cfg)
	}
}

func (s *HTTPPostTestSuite) TestFactoryDecodesParams() {
	p, err := plugins.New(Kind, "from-config", func(v any) error {
		cfg := v.(*Config)
		cfg.URL = s.server.URL
		return cfg.Timeout.UnmarshalText([]byte("250ms"))
	})
	s.Require().NoError(err)
	defer p.Close()
	e := p.(*Endpoint)
	s.Equal(250*time.Millisecond, e.cfg.Timeout.Duration)
	s.Equal(transport.DefaultMaxRetries, e.cfg.MaxRetries)
	s.Equal(DefaultContentType, e.cfg.ContentType)
}

func TestHTTPPostTestSuite(t *testing.T) {
	suite.Run(t, new(HTTPPostTestSuite))
}
