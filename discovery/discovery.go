// Package discovery publishes the OpenID Connect discovery document and the
// JWKS key set.
package discovery

import (
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	identityd "github.com/eduardomb-aw/identityd"
	"github.com/eduardomb-aw/identityd/signer"
)

// Well-known paths served relative to the issuer.
const (
	DocumentPath = "/.well-known/openid-configuration"
	JWKSPath     = "/.well-known/openid-configuration/jwks"

	AuthorizePath  = "/connect/authorize"
	TokenPath      = "/connect/token"
	UserinfoPath   = "/connect/userinfo"
	EndSessionPath = "/account/logout"
)

// Document is the OpenID Connect discovery metadata.
type Document struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Publisher builds and caches the discovery document. The document depends
// only on startup configuration, so it is built once and shared; concurrent
// first requests collapse into a single build.
type Publisher struct {
	provider *identityd.Provider
	signer   *signer.Signer

	group  singleflight.Group
	mu     sync.RWMutex
	cached *Document
}

// New creates a discovery publisher. The signer is consulted for the key set;
// it must be the same instance the provider signs with.
func New(p *identityd.Provider, s *signer.Signer) *Publisher {
	return &Publisher{provider: p, signer: s}
}

// Document returns the discovery document, building it on first use.
func (p *Publisher) Document() *Document {
	p.mu.RLock()
	doc := p.cached
	p.mu.RUnlock()
	if doc != nil {
		return doc
	}

	v, _, _ := p.group.Do("document", func() (any, error) {
		doc := p.build()
		p.mu.Lock()
		p.cached = doc
		p.mu.Unlock()
		return doc, nil
	})
	return v.(*Document)
}

// JWKS returns the published key set. Not cached: the set changes on key
// rotation and the signer already serves it from memory.
func (p *Publisher) JWKS() signer.JWKS {
	return p.signer.JWKS()
}

// Invalidate drops the cached document so the next request rebuilds it.
func (p *Publisher) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *Publisher) build() *Document {
	issuer := strings.TrimRight(p.provider.Config().Issuer, "/")

	return &Document{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + AuthorizePath,
		TokenEndpoint:         issuer + TokenPath,
		UserinfoEndpoint:      issuer + UserinfoPath,
		EndSessionEndpoint:    issuer + EndSessionPath,
		JWKSURI:               issuer + JWKSPath,
		ScopesSupported:       p.provider.Scopes().Names(),
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			string(identityd.GrantAuthorizationCode),
			string(identityd.GrantClientCredentials),
			string(identityd.GrantRefreshToken),
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic",
			"client_secret_post",
		},
		CodeChallengeMethodsSupported: []string{"S256"},
		ClaimsSupported: []string{
			"sub", "name", "email", "preferred_username",
		},
	}
}
