// Package registry provides the immutable client and scope registries.
//
// Both registries are built once from configuration at startup and are
// read-only afterwards; every other component consults them through the
// directory interfaces in the root package.
package registry

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	identityd "github.com/eduardomb-aw/identityd"
)

// ClientRegistry holds the registered OAuth clients.
type ClientRegistry struct {
	clients map[string]*identityd.Client
}

// compile-time check
var _ identityd.ClientDirectory = (*ClientRegistry)(nil)

// BuildClients converts client configuration entries into registry records.
// Plaintext secrets are hashed with bcrypt here so the rest of the process
// never sees them. PKCE defaults to required for authorization_code clients.
func BuildClients(configs []identityd.ClientConfig) ([]identityd.Client, error) {
	clients := make([]identityd.Client, 0, len(configs))
	for _, cc := range configs {
		hash := cc.SecretHash
		if cc.Secret != "" {
			h, err := bcrypt.GenerateFromPassword([]byte(cc.Secret), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("registry: hash secret for client %q: %w", cc.ID, err)
			}
			hash = string(h)
		}

		grants := make([]identityd.GrantType, len(cc.GrantTypes))
		for i, g := range cc.GrantTypes {
			grants[i] = identityd.GrantType(g)
		}

		requirePKCE := true
		if cc.RequirePKCE != nil {
			requirePKCE = *cc.RequirePKCE
		}

		usage := identityd.RefreshTokenUsage(cc.RefreshTokenUsage)
		if usage == "" {
			usage = identityd.RefreshUsageOneTime
		}

		accessTTL := cc.AccessTokenTTL.Std()
		if accessTTL <= 0 {
			accessTTL = identityd.DefaultAccessTokenTTL
		}
		refreshTTL := cc.RefreshTokenTTL.Std()
		if refreshTTL <= 0 {
			refreshTTL = identityd.DefaultRefreshTTL
		}

		clients = append(clients, identityd.Client{
			ID:                     cc.ID,
			SecretHash:             hash,
			GrantTypes:             grants,
			RedirectURIs:           append([]string(nil), cc.RedirectURIs...),
			PostLogoutRedirectURIs: append([]string(nil), cc.PostLogoutRedirectURIs...),
			AllowedScopes:          append([]string(nil), cc.AllowedScopes...),
			RequirePKCE:            requirePKCE,
			AllowOfflineAccess:     cc.AllowOfflineAccess,
			AccessTokenTTL:         accessTTL,
			RefreshTokenTTL:        refreshTTL,
			RefreshTokenUsage:      usage,
			SlidingRefreshExpiry:   cc.SlidingRefreshExpiry,
		})
	}
	return clients, nil
}

// NewClientRegistry creates a registry from fully built client records.
func NewClientRegistry(clients []identityd.Client) (*ClientRegistry, error) {
	m := make(map[string]*identityd.Client, len(clients))
	for i := range clients {
		c := clients[i]
		if c.ID == "" {
			return nil, fmt.Errorf("registry: client with empty ID")
		}
		if _, dup := m[c.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate client %q", c.ID)
		}
		m[c.ID] = &c
	}
	return &ClientRegistry{clients: m}, nil
}

// Lookup returns the client with the given ID.
func (r *ClientRegistry) Lookup(clientID string) (*identityd.Client, bool) {
	c, ok := r.clients[clientID]
	return c, ok
}

// ValidateSecret compares the provided secret against the client's bcrypt
// hash. bcrypt's comparison is constant-time; public clients (no hash)
// always fail.
func (r *ClientRegistry) ValidateSecret(c *identityd.Client, secret string) bool {
	if c == nil || c.SecretHash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// ScopeRegistry holds the registered identity and API scopes.
type ScopeRegistry struct {
	scopes map[string]*identityd.Scope
	names  []string
}

// compile-time check
var _ identityd.ScopeDirectory = (*ScopeRegistry)(nil)

// BuildScopes converts scope configuration entries into registry records.
func BuildScopes(configs []identityd.ScopeConfig) []identityd.Scope {
	scopes := make([]identityd.Scope, 0, len(configs))
	for _, sc := range configs {
		name := sc.DisplayName
		if name == "" {
			name = sc.Name
		}
		scopes = append(scopes, identityd.Scope{
			Name:        sc.Name,
			DisplayName: name,
			Kind:        identityd.ScopeKind(sc.Kind),
		})
	}
	return scopes
}

// NewScopeRegistry creates a registry from scope records.
func NewScopeRegistry(scopes []identityd.Scope) (*ScopeRegistry, error) {
	m := make(map[string]*identityd.Scope, len(scopes))
	names := make([]string, 0, len(scopes))
	for i := range scopes {
		s := scopes[i]
		if s.Name == "" {
			return nil, fmt.Errorf("registry: scope with empty name")
		}
		if _, dup := m[s.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate scope %q", s.Name)
		}
		m[s.Name] = &s
		names = append(names, s.Name)
	}
	return &ScopeRegistry{scopes: m, names: names}, nil
}

// Lookup returns the scope with the given name.
func (r *ScopeRegistry) Lookup(name string) (*identityd.Scope, bool) {
	s, ok := r.scopes[name]
	return s, ok
}

// Names returns every registered scope name in registration order.
func (r *ScopeRegistry) Names() []string {
	return append([]string(nil), r.names...)
}
