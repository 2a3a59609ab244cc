package identityd

import (
	"context"
	"time"
)

// ClientDirectory is a read-only view of the registered OAuth clients.
// Implementations: registry/ (config-backed, immutable after startup).
type ClientDirectory interface {
	// Lookup returns the client with the given ID.
	Lookup(clientID string) (*Client, bool)

	// ValidateSecret compares a provided secret against the client's stored
	// hash in constant time. Always false for public clients.
	ValidateSecret(c *Client, secret string) bool
}

// ScopeDirectory is a read-only view of the registered scopes.
type ScopeDirectory interface {
	// Lookup returns the scope with the given name.
	Lookup(name string) (*Scope, bool)

	// Names returns every registered scope name in registration order.
	Names() []string
}

// GrantStore exclusively owns AuthorizationCode and RefreshToken lifecycles.
// Redemption must be atomic and exactly-once: of two concurrent redemption
// attempts for the same code or one-time refresh token, exactly one succeeds
// and the other fails with ErrGrantConsumed or ErrGrantNotFound.
// Implementations: store/ (in-memory).
type GrantStore interface {
	// SaveCode stores an authorization code.
	SaveCode(ctx context.Context, code *AuthorizationCode) error

	// RedeemCode atomically marks the code consumed and returns it.
	// Fails with ErrGrantNotFound, ErrGrantExpired, or ErrGrantConsumed.
	// All TTL checks use the caller's captured now.
	RedeemCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)

	// SaveRefreshToken stores a refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// RedeemRefreshToken returns the token if valid. One-time tokens are
	// atomically invalidated; reuse tokens stay valid until expiry.
	RedeemRefreshToken(ctx context.Context, token string, now time.Time) (*RefreshToken, error)

	// RevokeRefreshToken removes a refresh token regardless of usage mode.
	RevokeRefreshToken(ctx context.Context, token string) error
}

// CredentialVerifier authenticates resource-owner credentials. The
// authorization endpoint never checks credentials itself; production
// deployments substitute an external identity store without touching it.
// Implementations: login/ (in-memory bcrypt store).
type CredentialVerifier interface {
	// Verify checks the credentials and returns the authenticated subject.
	Verify(ctx context.Context, username, password string) (*Subject, error)

	// Lookup returns the subject with the given ID, for claim enrichment.
	Lookup(ctx context.Context, subjectID string) (*Subject, error)
}

// TokenSigner produces signed JWTs. Implementations: signer/ (RS256 with
// rotating keys published via JWKS).
type TokenSigner interface {
	// Sign returns a compact JWT over the claims, signed with the active key.
	Sign(claims map[string]any) (string, error)
}

// Clock supplies the current time. Endpoints capture a single now per
// request so TTL checks cannot skew; tests substitute fixed instants.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return ClockFunc(time.Now) }
