// Package login provides the resource-owner login collaborator: an
// in-memory credential store and a cookie session manager.
//
// The authorization endpoint never sees passwords; it only consumes the
// authenticated subject from an established session. Deployments with an
// external identity store replace the credential store behind the
// identityd.CredentialVerifier interface.
package login

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	identityd "github.com/eduardomb-aw/identityd"
)

// MemoryStore verifies resource-owner credentials against users loaded from
// configuration. Read-only after construction.
type MemoryStore struct {
	byUsername map[string]*record
	byID       map[string]*record
}

type record struct {
	subject      identityd.Subject
	passwordHash string
}

// compile-time check
var _ identityd.CredentialVerifier = (*MemoryStore)(nil)

// dummyHash is compared against when the username is unknown so that lookup
// misses cost the same as password mismatches.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("identityd-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// NewMemoryStore builds a credential store from user configuration entries.
// Plaintext passwords are hashed with bcrypt here and discarded.
func NewMemoryStore(users []identityd.UserConfig) (*MemoryStore, error) {
	s := &MemoryStore{
		byUsername: make(map[string]*record, len(users)),
		byID:       make(map[string]*record, len(users)),
	}
	for _, u := range users {
		if u.ID == "" || u.Username == "" {
			return nil, fmt.Errorf("login: user entry missing id or username")
		}
		if _, dup := s.byUsername[u.Username]; dup {
			return nil, fmt.Errorf("login: duplicate username %q", u.Username)
		}
		if _, dup := s.byID[u.ID]; dup {
			return nil, fmt.Errorf("login: duplicate user ID %q", u.ID)
		}

		hash := u.PasswordHash
		if u.Password != "" {
			h, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("login: hash password for %q: %w", u.Username, err)
			}
			hash = string(h)
		}
		if hash == "" {
			return nil, fmt.Errorf("login: user %q has no password or password_hash", u.Username)
		}

		rec := &record{
			subject: identityd.Subject{
				ID:       u.ID,
				Username: u.Username,
				Name:     u.Name,
				Email:    u.Email,
			},
			passwordHash: hash,
		}
		s.byUsername[u.Username] = rec
		s.byID[u.ID] = rec
	}
	return s, nil
}

// Verify checks the credentials and returns the authenticated subject.
// Failures always return access_denied without distinguishing unknown users
// from wrong passwords.
func (s *MemoryStore) Verify(_ context.Context, username, password string) (*identityd.Subject, error) {
	rec, ok := s.byUsername[username]
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, identityd.NewError(identityd.ErrCodeAccessDenied, "invalid username or password")
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.passwordHash), []byte(password)) != nil {
		return nil, identityd.NewError(identityd.ErrCodeAccessDenied, "invalid username or password")
	}
	sub := rec.subject
	return &sub, nil
}

// Lookup returns the subject with the given ID.
func (s *MemoryStore) Lookup(_ context.Context, subjectID string) (*identityd.Subject, error) {
	rec, ok := s.byID[subjectID]
	if !ok {
		return nil, fmt.Errorf("login: unknown subject %q", subjectID)
	}
	sub := rec.subject
	return &sub, nil
}

// Session is an authenticated browser session.
type Session struct {
	ID        string
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionManager tracks active sessions in memory.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	clock    identityd.Clock
}

// ManagerOption configures the SessionManager.
type ManagerOption func(*SessionManager)

// WithClock sets the time source. Defaults to the system clock.
func WithClock(c identityd.Clock) ManagerOption {
	return func(m *SessionManager) { m.clock = c }
}

// NewSessionManager creates a session manager. A non-positive ttl falls back
// to the default session TTL.
func NewSessionManager(ttl time.Duration, opts ...ManagerOption) *SessionManager {
	if ttl <= 0 {
		ttl = identityd.DefaultSessionTTL
	}
	m := &SessionManager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		clock:    identityd.SystemClock(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Issue creates a session for the subject and returns it.
func (m *SessionManager) Issue(subjectID string) (*Session, error) {
	id, err := identityd.NewOpaqueToken(32)
	if err != nil {
		return nil, fmt.Errorf("login: session ID: %w", err)
	}
	now := m.clock.Now()
	s := &Session{
		ID:        id,
		SubjectID: subjectID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the session if it exists and has not expired. Expired sessions
// are removed on access.
func (m *SessionManager) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if now.After(s.ExpiresAt) {
		delete(m.sessions, id)
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Revoke terminates a session. Revoking an unknown ID is a no-op.
func (m *SessionManager) Revoke(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// RevokeSubject terminates every session belonging to the subject and
// returns how many were removed.
func (m *SessionManager) RevokeSubject(subjectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, s := range m.sessions {
		if s.SubjectID == subjectID {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// TTL returns the configured session lifetime.
func (m *SessionManager) TTL() time.Duration { return m.ttl }

// Len returns the number of live sessions, expired included until swept.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
