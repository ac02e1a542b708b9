// Package audit records node lifecycle events for governance and compliance.
package audit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/srediag/mycelial/api"
)

// Compliance policies.
const (
	PolicyAll    = "all"
	PolicyErrors = "errors"
	PolicyNone   = "none"
)

// ErrorKey marks an event as a failure when present in its details.
const ErrorKey = "error"

var (
	ErrEmptyEvent    = errors.New("empty audit event")
	ErrUnknownPolicy = errors.New("unknown compliance policy")
)

// Logger writes audit events as structured log lines.
type Logger struct {
	log     zerolog.Logger
	mu      sync.RWMutex
	policy  string
	written atomic.Uint64
}

var _ api.Audit = (*Logger)(nil)

// New returns a Logger with PolicyAll.
func New(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("stream", "audit").Logger(), policy: PolicyAll}
}

func (l *Logger) SetCompliancePolicy(policy string) error {
	switch policy {
	case PolicyAll, PolicyErrors, PolicyNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
	l.mu.Lock()
	l.policy = policy
	l.mu.Unlock()
	return nil
}

func (l *Logger) Policy() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// LogEvent records event unless the policy filters it out. Detail keys are
// written in sorted order.
func (l *Logger) LogEvent(event string, details map[string]interface{}) error {
	if event == "" {
		return ErrEmptyEvent
	}
	failed := details[ErrorKey] != nil
	switch l.Policy() {
	case PolicyNone:
		return nil
	case PolicyErrors:
		if !failed {
			return nil
		}
	}

	ev := l.log.Info()
	if failed {
		ev = l.log.Warn()
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := details[k].(type) {
		case error:
			ev = ev.AnErr(k, v)
		default:
			ev = ev.Interface(k, v)
		}
	}
	ev.Str("event", event).Msg("audit")
	l.written.Add(1)
	return nil
}

// Written counts the events that passed the policy.
func (l *Logger) Written() uint64 {
	return l.written.Load()
}
