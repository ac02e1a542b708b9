// Package config loads the daemon configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/srediag/mycelial/adapter"
	"github.com/srediag/mycelial/internal/logging"
	"github.com/srediag/mycelial/pkg/audit"
	"github.com/srediag/mycelial/pkg/health"
	"github.com/srediag/mycelial/pkg/lifecycle"
	"github.com/srediag/mycelial/pkg/plugins"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Log       LogConfig       `toml:"log"`
	Admin     AdminConfig     `toml:"admin"`
	Audit     AuditConfig     `toml:"audit"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Nodes     []NodeConfig    `toml:"node"`

	meta toml.MetaData
}

type LogConfig struct {
	Level   string `toml:"level"`
	JSON    bool   `toml:"json"`
	NoColor bool   `toml:"no_color"`
}

type AdminConfig struct {
	Addr           string `toml:"addr"`
	GoroutineLimit int    `toml:"goroutine_limit"`
}

type AuditConfig struct {
	Policy string `toml:"policy"`
}

type TelemetryConfig struct {
	// Enabled instruments every node with the global OpenTelemetry providers.
	Enabled bool `toml:"enabled"`
}

type NodeConfig struct {
	Name            string           `toml:"name"`
	Kind            string           `toml:"kind"`
	Interval        plugins.Duration `toml:"interval"`
	HeartbeatWindow plugins.Duration `toml:"heartbeat_window"`
	Disabled        bool             `toml:"disabled"`
	Params          *toml.Primitive  `toml:"params"`
}

func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info"},
		Admin: AdminConfig{Addr: adapter.DefaultAdminAddr, GoroutineLimit: health.DefaultGoroutineLimit},
		Audit: AuditConfig{Policy: audit.PolicyAll},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result.
func Parse(data string) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.meta = meta
	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkUndecoded rejects unknown keys. Node params are decoded later by the
// plugin that owns them.
func checkUndecoded(meta toml.MetaData) error {
	var unknown []string
	for _, key := range meta.Undecoded() {
		if len(key) >= 2 && key[0] == "node" && key[1] == "params" {
			continue
		}
		unknown = append(unknown, key.String())
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(unknown, ", "))
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level %q", c.Log.Level))
	}
	if strings.TrimSpace(c.Admin.Addr) == "" {
		errs = append(errs, errors.New("admin.addr is empty"))
	}
	if c.Admin.GoroutineLimit < 0 {
		errs = append(errs, fmt.Errorf("admin.goroutine_limit %d", c.Admin.GoroutineLimit))
	}
	switch c.Audit.Policy {
	case audit.PolicyAll, audit.PolicyErrors, audit.PolicyNone:
	default:
		errs = append(errs, fmt.Errorf("audit.policy %q", c.Audit.Policy))
	}
	seen := map[string]bool{}
	for i, n := range c.Nodes {
		switch {
		case strings.TrimSpace(n.Name) == "":
			errs = append(errs, fmt.Errorf("node[%d] missing name", i))
		case seen[n.Name]:
			errs = append(errs, fmt.Errorf("node[%d] duplicate name %q", i, n.Name))
		}
		seen[n.Name] = true
		if !plugins.Known(n.Kind) {
			errs = append(errs, fmt.Errorf("node[%d] %q: unknown kind %q", i, n.Name, n.Kind))
		}
		if n.Interval.Duration < 0 || n.HeartbeatWindow.Duration < 0 {
			errs = append(errs, fmt.Errorf("node[%d] %q: negative duration", i, n.Name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Logging returns the logger configuration, with env overrides applied last.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		cfg.Level = lvl
	}
	cfg.JSON = c.Log.JSON
	cfg.NoColor = c.Log.NoColor
	logging.ApplyEnv(&cfg)
	return cfg
}

// Specs turns the enabled nodes into lifecycle specs whose decoders read
// each node's params table.
func (c *Config) Specs() []lifecycle.NodeSpec {
	specs := make([]lifecycle.NodeSpec, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Disabled {
			continue
		}
		specs = append(specs, lifecycle.NodeSpec{
			Name:            n.Name,
			Kind:            n.Kind,
			Interval:        n.Interval.Duration,
			HeartbeatWindow: n.HeartbeatWindow.Duration,
			Decode:          c.decoder(n),
		})
	}
	return specs
}

func (c *Config) decoder(n NodeConfig) plugins.Decoder {
	params := n.Params
	meta := c.meta
	return func(v any) error {
		if params == nil {
			return nil
		}
		if err := meta.PrimitiveDecode(*params, v); err != nil {
			return plugins.Invalid("node %q params: %v", n.Name, err)
		}
		return nil
	}
}

// HasKind reports whether an enabled node uses kind.
func (c *Config) HasKind(kind string) bool {
	for _, n := range c.Nodes {
		if !n.Disabled && n.Kind == kind {
			return true
		}
	}
	return false
}
