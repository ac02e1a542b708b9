package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]struct {
		level zerolog.Level
		ok    bool
	}{
		"":        {zerolog.InfoLevel, false},
		"trace":   {zerolog.TraceLevel, true},
		" DEBUG ": {zerolog.DebugLevel, true},
		"warning": {zerolog.WarnLevel, true},
		"error":   {zerolog.ErrorLevel, true},
		"off":     {zerolog.Disabled, true},
		"loud":    {zerolog.InfoLevel, false},
	}
	for raw, want := range cases {
		lvl, ok := ParseLevel(raw)
		assert.Equal(t, want.ok, ok, raw)
		assert.Equal(t, want.level, lvl, raw)
	}
}

func TestDefaultConfigProfiles(t *testing.T) {
	rt := DefaultConfig(ProfileRuntime)
	assert.Equal(t, zerolog.InfoLevel, rt.Level)
	assert.True(t, rt.Timestamp)

	tc := DefaultConfig(ProfileTest)
	assert.Equal(t, zerolog.DebugLevel, tc.Level)
	assert.False(t, tc.Timestamp)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogJSON, "not-a-bool")

	cfg := DefaultConfig(ProfileRuntime)
	ApplyEnv(&cfg)
	assert.Equal(t, zerolog.ErrorLevel, cfg.Level)
	assert.True(t, cfg.NoColor)
	assert.False(t, cfg.JSON)
}

func TestForTagsComponent(t *testing.T) {
	prev := Root()
	defer func() {
		mu.Lock()
		root = prev
		mu.Unlock()
	}()

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.DebugLevel, JSON: true, Out: &buf})
	log := For("mailbox")
	log.Debug().Int("pending", 3).Msg("flushed")
	log.Trace().Msg("filtered")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "mailbox", line["component"])
	assert.Equal(t, "flushed", line["message"])
	assert.Equal(t, float64(3), line["pending"])
}
