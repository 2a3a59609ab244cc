// Package identityd implements a minimal OAuth 2.0 / OpenID Connect provider
// core: client and scope registries, an authorization-code state machine, a
// token endpoint with authorization_code, client_credentials, and
// refresh_token grants, a one-time grant store, and an RS256 token issuer
// published over JWKS.
//
// The root package defines the shared types and the service interfaces;
// concrete implementations live in subpackages and are injected into a
// Provider via Option functions:
//
//	p, err := identityd.NewProvider(cfg,
//	    identityd.WithClientDirectory(clients),
//	    identityd.WithScopeDirectory(scopes),
//	    identityd.WithGrantStore(store.NewMemory()),
//	    identityd.WithSigner(sig),
//	    identityd.WithCredentialVerifier(users),
//	)
package identityd

import (
	"fmt"
	"io"
	"log/slog"
)

// Provider aggregates the components of the identity provider. All fields
// are read-only after NewProvider returns; the grant store is the only
// injected dependency with internal mutable state.
type Provider struct {
	config   Config
	logger   *slog.Logger
	clock    Clock
	clients  ClientDirectory
	scopes   ScopeDirectory
	grants   GrantStore
	signer   TokenSigner
	verifier CredentialVerifier
}

// Option configures the Provider.
type Option func(*Provider)

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithClock sets the time source. Defaults to SystemClock.
func WithClock(c Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// WithClientDirectory sets the client registry implementation.
func WithClientDirectory(d ClientDirectory) Option {
	return func(p *Provider) { p.clients = d }
}

// WithScopeDirectory sets the scope registry implementation.
func WithScopeDirectory(d ScopeDirectory) Option {
	return func(p *Provider) { p.scopes = d }
}

// WithGrantStore sets the authorization-code and refresh-token store.
func WithGrantStore(s GrantStore) Option {
	return func(p *Provider) { p.grants = s }
}

// WithSigner sets the token signing implementation.
func WithSigner(s TokenSigner) Option {
	return func(p *Provider) { p.signer = s }
}

// WithCredentialVerifier sets the resource-owner credential checker.
func WithCredentialVerifier(v CredentialVerifier) Option {
	return func(p *Provider) { p.verifier = v }
}

// NewProvider creates a Provider with the given configuration and options.
// The client directory, scope directory, grant store, and signer are
// required; the credential verifier is only required when any client uses
// the authorization_code grant.
func NewProvider(cfg Config, opts ...Option) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("identityd: issuer is required")
	}
	cfg.applyDefaults()

	p := &Provider{
		config: cfg,
		logger: slog.Default(),
		clock:  SystemClock(),
	}
	for _, o := range opts {
		o(p)
	}

	switch {
	case p.clients == nil:
		return nil, fmt.Errorf("identityd: client directory is required")
	case p.scopes == nil:
		return nil, fmt.Errorf("identityd: scope directory is required")
	case p.grants == nil:
		return nil, fmt.Errorf("identityd: grant store is required")
	case p.signer == nil:
		return nil, fmt.Errorf("identityd: token signer is required")
	}
	return p, nil
}

// Config returns the provider configuration.
func (p *Provider) Config() Config { return p.config }

// Logger returns the configured logger.
func (p *Provider) Logger() *slog.Logger { return p.logger }

// Clock returns the time source.
func (p *Provider) Clock() Clock { return p.clock }

// Clients returns the client directory.
func (p *Provider) Clients() ClientDirectory { return p.clients }

// Scopes returns the scope directory.
func (p *Provider) Scopes() ScopeDirectory { return p.scopes }

// Grants returns the grant store.
func (p *Provider) Grants() GrantStore { return p.grants }

// Signer returns the token signer.
func (p *Provider) Signer() TokenSigner { return p.signer }

// Verifier returns the credential verifier, or nil if not configured.
func (p *Provider) Verifier() CredentialVerifier { return p.verifier }

// Close releases all resources held by the provider. Any injected component
// that implements io.Closer will be closed.
func (p *Provider) Close() error {
	closers := []any{p.grants, p.signer, p.verifier}
	var firstErr error
	for _, c := range closers {
		if cl, ok := c.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
