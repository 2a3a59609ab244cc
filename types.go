package identityd

import "time"

// GrantType identifies an OAuth 2.0 grant.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantRefreshToken      GrantType = "refresh_token"
)

// RefreshTokenUsage controls whether a refresh token survives redemption.
type RefreshTokenUsage string

const (
	// RefreshUsageOneTime invalidates the token on redemption and issues a
	// replacement chained to the same subject and client.
	RefreshUsageOneTime RefreshTokenUsage = "one_time"

	// RefreshUsageReuse keeps the token valid until it expires.
	RefreshUsageReuse RefreshTokenUsage = "reuse"
)

// Client is a registered OAuth client. Immutable after registration;
// built once at startup from configuration.
type Client struct {
	ID                     string
	SecretHash             string // bcrypt hash; empty for public clients
	GrantTypes             []GrantType
	RedirectURIs           []string // exact-match only
	PostLogoutRedirectURIs []string
	AllowedScopes          []string
	RequirePKCE            bool
	AllowOfflineAccess     bool
	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration
	RefreshTokenUsage      RefreshTokenUsage
	SlidingRefreshExpiry   bool
}

// Public reports whether the client has no secret and cannot authenticate itself.
func (c *Client) Public() bool { return c.SecretHash == "" }

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(gt GrantType) bool {
	for _, g := range c.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// AllowsRedirectURI reports whether uri exactly matches a registered redirect
// URI. No prefix or substring matching: partial matches open redirects.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsPostLogoutRedirectURI reports whether uri exactly matches a
// registered post-logout redirect URI.
func (c *Client) AllowsPostLogoutRedirectURI(uri string) bool {
	for _, u := range c.PostLogoutRedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the scope is in the client's allow list.
func (c *Client) AllowsScope(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// NarrowScopes returns the intersection of requested scopes with the
// client's allow list, preserving request order and dropping duplicates.
func (c *Client) NarrowScopes(requested []string) []string {
	var granted []string
	seen := make(map[string]bool, len(requested))
	for _, s := range requested {
		if seen[s] {
			continue
		}
		seen[s] = true
		if c.AllowsScope(s) {
			granted = append(granted, s)
		}
	}
	return granted
}

// ScopeKind distinguishes identity scopes (user claims) from API scopes
// (resource access).
type ScopeKind string

const (
	ScopeIdentity ScopeKind = "identity"
	ScopeAPI      ScopeKind = "api"
)

// Scope is a registered identity or API scope with display metadata.
type Scope struct {
	Name        string
	DisplayName string
	Kind        ScopeKind
}

// AuthorizationCode is a short-lived, one-time credential bound to the
// client, subject, redirect URI, granted scopes, and PKCE challenge it was
// issued for. Redeemable exactly once before ExpiresAt.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	SubjectID           string
	RedirectURI         string
	Scopes              []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// RefreshToken is an outstanding long-lived grant. With one-time usage each
// redemption invalidates the token and mints a replacement.
type RefreshToken struct {
	Token     string
	ClientID  string
	SubjectID string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Usage     RefreshTokenUsage
	Sliding   bool
}

// Subject is an authenticated resource owner as reported by the
// credential-verification collaborator.
type Subject struct {
	ID       string
	Username string
	Name     string
	Email    string
}
