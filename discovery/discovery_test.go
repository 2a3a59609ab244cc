package discovery_test

import (
	"sync"
	"testing"

	identityd "github.com/eduardomb-aw/identityd"
	"github.com/eduardomb-aw/identityd/discovery"
	"github.com/eduardomb-aw/identityd/registry"
	"github.com/eduardomb-aw/identityd/signer"
	"github.com/eduardomb-aw/identityd/store"
)

func newPublisher(t *testing.T, issuer string) *discovery.Publisher {
	t.Helper()

	clients, err := registry.NewClientRegistry([]identityd.Client{{ID: "web"}})
	if err != nil {
		t.Fatal(err)
	}
	scopes, err := registry.NewScopeRegistry([]identityd.Scope{
		{Name: "openid", Kind: identityd.ScopeIdentity},
		{Name: "profile", Kind: identityd.ScopeIdentity},
		{Name: "api1", Kind: identityd.ScopeAPI},
	})
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signer.New()
	if err != nil {
		t.Fatal(err)
	}
	grants := store.NewMemory(store.WithSweepInterval(0))
	t.Cleanup(func() { grants.Close() })

	p, err := identityd.NewProvider(identityd.Config{Issuer: issuer},
		identityd.WithClientDirectory(clients),
		identityd.WithScopeDirectory(scopes),
		identityd.WithGrantStore(grants),
		identityd.WithSigner(sig),
	)
	if err != nil {
		t.Fatal(err)
	}
	return discovery.New(p, sig)
}

func TestDocument(t *testing.T) {
	pub := newPublisher(t, "https://localhost:5001")
	doc := pub.Document()

	if doc.Issuer != "https://localhost:5001" {
		t.Errorf("issuer = %q", doc.Issuer)
	}
	if doc.AuthorizationEndpoint != "https://localhost:5001/connect/authorize" {
		t.Errorf("authorization_endpoint = %q", doc.AuthorizationEndpoint)
	}
	if doc.TokenEndpoint != "https://localhost:5001/connect/token" {
		t.Errorf("token_endpoint = %q", doc.TokenEndpoint)
	}
	if doc.JWKSURI != "https://localhost:5001/.well-known/openid-configuration/jwks" {
		t.Errorf("jwks_uri = %q", doc.JWKSURI)
	}

	wantScopes := []string{"openid", "profile", "api1"}
	if len(doc.ScopesSupported) != len(wantScopes) {
		t.Fatalf("scopes_supported = %v, want %v", doc.ScopesSupported, wantScopes)
	}
	for i := range wantScopes {
		if doc.ScopesSupported[i] != wantScopes[i] {
			t.Errorf("scopes_supported[%d] = %q, want %q", i, doc.ScopesSupported[i], wantScopes[i])
		}
	}

	if len(doc.ResponseTypesSupported) != 1 || doc.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v, want [code]", doc.ResponseTypesSupported)
	}
	if len(doc.CodeChallengeMethodsSupported) != 1 || doc.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", doc.CodeChallengeMethodsSupported)
	}
	if len(doc.GrantTypesSupported) != 3 {
		t.Errorf("grant_types_supported = %v, want 3 entries", doc.GrantTypesSupported)
	}
}

func TestDocument_TrimsTrailingSlash(t *testing.T) {
	pub := newPublisher(t, "https://idp.example.com/")
	doc := pub.Document()

	if doc.Issuer != "https://idp.example.com" {
		t.Errorf("issuer = %q, want trailing slash trimmed", doc.Issuer)
	}
	if doc.TokenEndpoint != "https://idp.example.com/connect/token" {
		t.Errorf("token_endpoint = %q", doc.TokenEndpoint)
	}
}

func TestDocument_CachedAndConcurrent(t *testing.T) {
	pub := newPublisher(t, "https://localhost:5001")

	const workers = 16
	docs := make([]*discovery.Document, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			docs[i] = pub.Document()
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if docs[i] != docs[0] {
			t.Fatal("concurrent Document() calls should share one cached instance")
		}
	}

	pub.Invalidate()
	if pub.Document() == nil {
		t.Fatal("Document() after Invalidate() should rebuild")
	}
}

func TestJWKS(t *testing.T) {
	pub := newPublisher(t, "https://localhost:5001")

	ks := pub.JWKS()
	if len(ks.Keys) != 1 {
		t.Fatalf("JWKS keys = %d, want 1", len(ks.Keys))
	}
	k := ks.Keys[0]
	if k.Kty != "RSA" || k.Use != "sig" || k.Alg != "RS256" {
		t.Errorf("key metadata = %s/%s/%s, want RSA/sig/RS256", k.Kty, k.Use, k.Alg)
	}
	if k.Kid == "" || k.N == "" || k.E == "" {
		t.Error("kid, n, and e must be populated")
	}
}
