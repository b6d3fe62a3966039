package creds

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrUnavailable reports that the source could not produce credentials.
var ErrUnavailable = errors.New("credentials unavailable")

const (
	// DefaultRefreshMargin is the lead time before expiry at which
	// credentials are considered stale.
	DefaultRefreshMargin = 5 * time.Minute
	// DefaultRefreshInterval is how often the background loop wakes.
	DefaultRefreshInterval = time.Hour

	refreshFailureBackoff = time.Minute
)

// Credentials is an immutable snapshot of the upstream identity. It is
// replaced wholesale on refresh, never mutated in place.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// Source produces fresh credentials from the ambient identity provider.
type Source interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

// Manager owns the credential lifecycle for one session: refresh on
// demand, staleness checks, and a periodic background refresh.
type Manager struct {
	source   Source
	margin   time.Duration
	interval time.Duration

	// OnRefresh, when set, is called with "ok" or "error" after every
	// refresh attempt.
	OnRefresh func(outcome string)

	mu      sync.RWMutex
	current *Credentials
}

func NewManager(source Source, margin, interval time.Duration) *Manager {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Manager{source: source, margin: margin, interval: interval}
}

// Refresh obtains fresh credentials from the source, replacing the held
// snapshot wholesale.
func (m *Manager) Refresh(ctx context.Context) error {
	c, err := m.source.Retrieve(ctx)
	if err != nil {
		m.notify("error")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		m.notify("error")
		return ErrUnavailable
	}
	m.notify("ok")

	m.mu.Lock()
	m.current = &c
	m.mu.Unlock()
	return nil
}

func (m *Manager) notify(outcome string) {
	if m.OnRefresh != nil {
		m.OnRefresh(outcome)
	}
}

// Current returns the held snapshot, if any.
func (m *Manager) Current() (Credentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Credentials{}, false
	}
	return *m.current, true
}

// IsStale reports whether a refresh is due: no credentials held, no
// known expiry, or time-to-expiry below the configured margin.
func (m *Manager) IsStale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return true
	}
	if m.current.Expires.IsZero() {
		return true
	}
	return time.Until(m.current.Expires) < m.margin
}

// RunRefreshLoop wakes every interval and refreshes when stale. Refresh
// failures are logged and retried after a short backoff; the loop only
// exits when ctx is cancelled.
func (m *Manager) RunRefreshLoop(ctx context.Context) {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := m.interval
		if m.IsStale() {
			if err := m.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("creds: periodic refresh failed: %v", err)
				next = refreshFailureBackoff
			}
		}
		timer.Reset(next)
	}
}
