// Package store provides the in-memory grant store owning authorization
// codes and refresh tokens.
//
// Redemption is the only concurrently-mutated path in the provider; it runs
// as a compare-and-swap under the store mutex so two concurrent redemption
// attempts for the same grant resolve to exactly one success.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	identityd "github.com/eduardomb-aw/identityd"
)

// Memory is an in-memory identityd.GrantStore. Zero value is not usable;
// create with NewMemory.
type Memory struct {
	mu      sync.Mutex
	codes   map[string]*identityd.AuthorizationCode
	refresh map[string]*identityd.RefreshToken

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// compile-time check
var _ identityd.GrantStore = (*Memory)(nil)

// Option configures the Memory store.
type Option func(*Memory)

// WithSweepInterval sets how often expired grants are removed.
// Default: 1 minute. Zero disables the janitor; redemption still rejects
// expired grants, the janitor only reclaims memory.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Memory) { m.sweepEvery = d }
}

// NewMemory creates an in-memory grant store and starts its janitor.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		codes:      make(map[string]*identityd.AuthorizationCode),
		refresh:    make(map[string]*identityd.RefreshToken),
		sweepEvery: 1 * time.Minute,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.sweepEvery > 0 {
		go m.janitor()
	}
	return m
}

// SaveCode stores an authorization code.
func (m *Memory) SaveCode(_ context.Context, code *identityd.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("store: authorization code is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.codes[code.Code]; dup {
		return fmt.Errorf("store: authorization code collision")
	}
	cp := *code
	cp.Scopes = append([]string(nil), code.Scopes...)
	m.codes[code.Code] = &cp
	return nil
}

// RedeemCode atomically marks the code consumed and returns a copy of the
// record. A consumed or expired code fails; of two concurrent attempts for
// the same code exactly one succeeds.
func (m *Memory) RedeemCode(_ context.Context, code string, now time.Time) (*identityd.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.codes[code]
	if !ok {
		return nil, identityd.ErrGrantNotFound
	}
	if rec.Consumed {
		return nil, identityd.ErrGrantConsumed
	}
	if now.After(rec.ExpiresAt) {
		return nil, identityd.ErrGrantExpired
	}
	rec.Consumed = true

	cp := *rec
	cp.Scopes = append([]string(nil), rec.Scopes...)
	return &cp, nil
}

// SaveRefreshToken stores a refresh token.
func (m *Memory) SaveRefreshToken(_ context.Context, token *identityd.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("store: refresh token is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.refresh[token.Token]; dup {
		return fmt.Errorf("store: refresh token collision")
	}
	cp := *token
	cp.Scopes = append([]string(nil), token.Scopes...)
	m.refresh[token.Token] = &cp
	return nil
}

// RedeemRefreshToken returns a copy of the token if it is valid. One-time
// tokens are removed in the same critical section, so a second redemption
// fails with ErrGrantNotFound; reuse tokens stay until expiry.
func (m *Memory) RedeemRefreshToken(_ context.Context, token string, now time.Time) (*identityd.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.refresh[token]
	if !ok {
		return nil, identityd.ErrGrantNotFound
	}
	if now.After(rec.ExpiresAt) {
		delete(m.refresh, token)
		return nil, identityd.ErrGrantExpired
	}
	if rec.Usage == identityd.RefreshUsageOneTime {
		delete(m.refresh, token)
	}

	cp := *rec
	cp.Scopes = append([]string(nil), rec.Scopes...)
	return &cp, nil
}

// RevokeRefreshToken removes a refresh token regardless of usage mode.
func (m *Memory) RevokeRefreshToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refresh[token]; !ok {
		return identityd.ErrGrantNotFound
	}
	delete(m.refresh, token)
	return nil
}

// Len returns the number of stored codes and refresh tokens.
func (m *Memory) Len() (codes, refresh int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.codes), len(m.refresh)
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Memory) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, c := range m.codes {
		if c.Consumed || now.After(c.ExpiresAt) {
			delete(m.codes, k)
		}
	}
	for k, r := range m.refresh {
		if now.After(r.ExpiresAt) {
			delete(m.refresh, k)
		}
	}
}
