package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/mycelial/api"
)

type stubPlugin struct {
	name  string
	param string
}

func (s *stubPlugin) Send(context.Context) error    { return nil }
func (s *stubPlugin) Receive(context.Context) error { return nil }
func (s *stubPlugin) Name() string                  { return s.name }
func (s *stubPlugin) Kind() string                  { return "stub" }
func (s *stubPlugin) Post([]byte) error             { return nil }
func (s *stubPlugin) Inbox() [][]byte               { return nil }
func (s *stubPlugin) Close() error                  { return nil }

type stubParams struct {
	Param string
}

func stubFactory(name string, decode Decoder) (api.Plugin, error) {
	params := stubParams{Param: "default"}
	if err := decode(&params); err != nil {
		return nil, err
	}
	if params.Param == "" {
		return nil, Invalid("param is required")
	}
	return &stubPlugin{name: name, param: params.Param}, nil
}

func TestRegistry(t *testing.T) {
	Register("stub", stubFactory)
	assert.True(t, Known("stub"))
	assert.False(t, Known("nope"))
	assert.Contains(t, Kinds(), "stub")

	p, err := New("stub", "n1", nil)
	require.NoError(t, err)
	assert.Equal(t, "n1", p.Name())
	assert.Equal(t, "default", p.(*stubPlugin).param)

	p, err = New("stub", "n2", func(v any) error {
		v.(*stubParams).Param = "set"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "set", p.(*stubPlugin).param)

	_, err = New("stub", "n3", func(v any) error {
		v.(*stubParams).Param = ""
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New("nope", "n4", NoParams)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("250ms")))
	assert.Equal(t, 250*time.Millisecond, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "250ms", string(out))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
