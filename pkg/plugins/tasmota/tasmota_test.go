package tasmota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/mycelial/internal/transport"
	"github.com/srediag/mycelial/pkg/plugins"
)

// fakeDevice answers like a Tasmota console for a few commands.
type fakeDevice struct {
	mu       sync.Mutex
	power    bool
	commands []string
	queries  []map[string]string
}

func (f *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/cm" {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	cmd := q.Get("cmnd")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	f.queries = append(f.queries, map[string]string{"user": q.Get("user"), "password": q.Get("password")})

	w.Header().Set("Content-Type", "application/json")
	switch cmd {
	case "Power On":
		f.power = true
		_, _ = w.Write([]byte(`{"POWER":"ON"}`))
	case "Power Off":
		f.power = false
		_, _ = w.Write([]byte(`{"POWER":"OFF"}`))
	case "Status 0":
		if f.power {
			_, _ = w.Write([]byte(`{"Status":{"Power":1}}`))
		} else {
			_, _ = w.Write([]byte(`{"Status":{"Power":0}}`))
		}
	case "Garbage":
		_, _ = w.Write([]byte(`not json`))
	case "Dump":
		_, _ = w.Write(make([]byte, transport.MaxBodySize+1))
	default:
		_, _ = w.Write([]byte(`{"Command":"Unknown"}`))
	}
}

func newDevice(t *testing.T, cfg Config) (*Device, *fakeDevice) {
	t.Helper()
	fake := &fakeDevice{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	if cfg.Host == "" {
		cfg.Host = srv.URL
	}
	d, err := New("outlet", cfg)
	require.NoError(t, err)
	d.client = transport.NewClient(transport.Options{
		Timeout:         time.Second,
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: time.Millisecond,
	}, d.log)
	t.Cleanup(func() { _ = d.Close() })
	return d, fake
}

func TestPowerCommands(t *testing.T) {
	assert.Equal(t, "Power On", string(Power(true)))
	assert.Equal(t, "Power Off", string(Power(false)))
}

func TestSendRunsCommands(t *testing.T) {
	ctx := context.Background()
	d, fake := newDevice(t, Config{User: "admin", Password: "joker"})

	require.NoError(t, d.Post(Power(true)))
	require.NoError(t, d.Send(ctx))
	assert.True(t, fake.power)
	assert.Equal(t, []string{"Power On"}, fake.commands)
	assert.Equal(t, "admin", fake.queries[0]["user"])
	assert.Equal(t, "joker", fake.queries[0]["password"])

	inbox := d.Inbox()
	require.Len(t, inbox, 1)
	assert.JSONEq(t, `{"POWER":"ON"}`, string(inbox[0]))
}

func TestReceivePollsStatus(t *testing.T) {
	ctx := context.Background()
	d, fake := newDevice(t, Config{})

	require.NoError(t, d.Receive(ctx))
	require.NoError(t, d.Post(Power(true)))
	require.NoError(t, d.Send(ctx))
	require.NoError(t, d.Receive(ctx))

	assert.Equal(t, []string{"Status 0", "Power On", "Status 0"}, fake.commands)
	inbox := d.Inbox()
	require.Len(t, inbox, 3)
	assert.JSONEq(t, `{"Status":{"Power":0}}`, string(inbox[0]))
	assert.JSONEq(t, `{"Status":{"Power":1}}`, string(inbox[2]))
}

func TestUnknownCommandIsDropped(t *testing.T) {
	ctx := context.Background()
	d, fake := newDevice(t, Config{MaxRetries: 3})

	require.NoError(t, d.Post([]byte("Frobnicate")))
	require.NoError(t, d.Post([]byte("Garbage")))
	require.NoError(t, d.Post(Power(false)))
	err := d.Send(ctx)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.ErrorIs(t, err, ErrInvalidReply)
	assert.Equal(t, 0, d.box.Pending())
	assert.Equal(t, []string{"Frobnicate", "Garbage", "Power Off"}, fake.commands)
	assert.Len(t, d.Inbox(), 1)
}

func TestOversizedReplyIsDropped(t *testing.T) {
	d, fake := newDevice(t, Config{MaxRetries: 3})

	require.NoError(t, d.Post([]byte("Dump")))
	assert.ErrorIs(t, d.Send(context.Background()), transport.ErrBodyTooLarge)
	assert.Equal(t, 0, d.box.Pending())
	assert.Equal(t, []string{"Dump"}, fake.commands, "not retried")
	assert.Empty(t, d.Inbox())
}

func TestCustomStatusCommand(t *testing.T) {
	d, _ := newDevice(t, Config{StatusCommand: "Nope"})
	err := d.Receive(context.Background())
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Empty(t, d.Inbox())
}

func TestCommandURL(t *testing.T) {
	d, err := New("plug", Config{Host: "192.168.1.50", User: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.50/cm?cmnd=Power+On&user=admin", d.commandURL("Power On"))

	d, err = New("plug", Config{Host: "https://plug.lan/"})
	require.NoError(t, err)
	assert.Equal(t, "https://plug.lan/cm?cmnd=Status+0", d.commandURL(DefaultStatusCommand))
}

func TestInvalidConfig(t *testing.T) {
	_, err := New("plug", Config{})
	assert.ErrorIs(t, err, plugins.ErrInvalidConfig)
	_, err = New("plug", Config{Host: "http://"})
	assert.ErrorIs(t, err, plugins.ErrInvalidConfig)

	p, err := plugins.New(Kind, "plug", func(v any) error {
		v.(*Config).Host = "plug.lan"
		return nil
	})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, DefaultStatusCommand, p.(*Device).cfg.StatusCommand)
}
