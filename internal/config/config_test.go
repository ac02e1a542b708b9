package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/mycelial/pkg/audit"
	"github.com/srediag/mycelial/pkg/plugins"
	_ "github.com/srediag/mycelial/pkg/plugins/all"
	"github.com/srediag/mycelial/pkg/plugins/httppost"
	"github.com/srediag/mycelial/pkg/plugins/tasmota"
)

const sample = `
[log]
level = "debug"
json = true

[admin]
addr = "127.0.0.1:9200"

[audit]
policy = "errors"

[[node]]
name = "webhook"
kind = "http_post"
interval = "2s"

  [node.params]
  url = "https://hooks.example.com/in"
  timeout = "750ms"
  max_retries = 5
  secret = "s3cret"

    [node.params.headers]
    X-Source = "mycelial"

[[node]]
name = "outlet"
kind = "tasmota"
heartbeat_window = "1m"

  [node.params]
  host = "192.168.1.50"
  user = "admin"

[[node]]
name = "spare"
kind = "loopback"
disabled = true
`

func TestDefault(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Admin.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, audit.PolicyAll, cfg.Audit.Policy)
	assert.Empty(t, cfg.Specs())
}

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9200", cfg.Admin.Addr)
	assert.Equal(t, audit.PolicyErrors, cfg.Audit.Policy)
	assert.True(t, cfg.HasKind(tasmota.Kind))
	assert.False(t, cfg.HasKind("loopback"), "disabled nodes do not count")

	lc := cfg.Logging()
	assert.True(t, lc.JSON)
	if os.Getenv("MYCELIAL_LOG_LEVEL") == "" {
		assert.Equal(t, zerolog.DebugLevel, lc.Level)
	}

	specs := cfg.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "webhook", specs[0].Name)
	assert.Equal(t, 2*time.Second, specs[0].Interval)
	assert.Equal(t, time.Minute, specs[1].HeartbeatWindow)

	var hp httppost.Config
	require.NoError(t, specs[0].Decode(&hp))
	assert.Equal(t, "https://hooks.example.com/in", hp.URL)
	assert.Equal(t, 750*time.Millisecond, hp.Timeout.Duration)
	assert.Equal(t, 5, hp.MaxRetries)
	assert.Equal(t, "mycelial", hp.Headers["X-Source"])

	tc := tasmota.Config{StatusCommand: "Status 11"}
	require.NoError(t, specs[1].Decode(&tc))
	assert.Equal(t, "192.168.1.50", tc.Host)
	assert.Equal(t, "Status 11", tc.StatusCommand, "unset params keep their defaults")
}

func TestSpecsBuildPlugins(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)
	for _, spec := range cfg.Specs() {
		p, err := plugins.New(spec.Kind, spec.Name, spec.Decode)
		require.NoError(t, err, spec.Name)
		assert.Equal(t, spec.Kind, p.Kind())
		require.NoError(t, p.Close())
	}
}

func TestNodeWithoutParams(t *testing.T) {
	cfg, err := Parse(`
[[node]]
name = "bus"
kind = "loopback"
`)
	require.NoError(t, err)
	specs := cfg.Specs()
	require.Len(t, specs, 1)
	assert.NoError(t, specs[0].Decode(&struct{}{}))
}

func TestBadParamType(t *testing.T) {
	cfg, err := Parse(`
[[node]]
name = "outlet"
kind = "tasmota"
  [node.params]
  max_retries = "many"
`)
	require.NoError(t, err)
	var tc tasmota.Config
	assert.ErrorIs(t, cfg.Specs()[0].Decode(&tc), plugins.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"log level":    "[log]\nlevel = \"loud\"\n",
		"admin addr":   "[admin]\naddr = \"\"\n",
		"audit policy": "[audit]\npolicy = \"most\"\n",
		"no name":      "[[node]]\nkind = \"loopback\"\n",
		"unknown kind": "[[node]]\nname = \"a\"\nkind = \"carrier-pigeon\"\n",
		"duplicate":    "[[node]]\nname = \"a\"\nkind = \"loopback\"\n[[node]]\nname = \"a\"\nkind = \"loopback\"\n",
		"bad interval": "[[node]]\nname = \"a\"\nkind = \"loopback\"\ninterval = \"soon\"\n",
		"unknown key":  "[admin]\nport = 9100\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(data)
			assert.Error(t, err)
		})
	}

	_, err := Parse("[[node]]\nname = \"a\"\nkind = \"nope\"\n")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mycelial.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Nodes, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
