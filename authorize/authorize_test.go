package authorize_test

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	identityd "github.com/eduardomb-aw/identityd"
	"github.com/eduardomb-aw/identityd/authorize"
	"github.com/eduardomb-aw/identityd/registry"
	"github.com/eduardomb-aw/identityd/store"
)

type nopSigner struct{}

func (nopSigner) Sign(map[string]any) (string, error) { return "signed", nil }

const (
	registeredRedirect = "https://localhost:5002/signin-oidc"
	testChallenge      = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM" // 43 chars
)

func testProvider(t *testing.T) *identityd.Provider {
	t.Helper()

	clients, err := registry.NewClientRegistry([]identityd.Client{
		{
			ID:            "web",
			GrantTypes:    []identityd.GrantType{identityd.GrantAuthorizationCode},
			RedirectURIs:  []string{registeredRedirect},
			AllowedScopes: []string{"openid", "profile", "api1"},
			RequirePKCE:   true,
		},
		{
			ID:            "legacy",
			GrantTypes:    []identityd.GrantType{identityd.GrantAuthorizationCode},
			RedirectURIs:  []string{registeredRedirect},
			AllowedScopes: []string{"openid"},
			RequirePKCE:   false,
		},
		{
			ID:            "m2m",
			GrantTypes:    []identityd.GrantType{identityd.GrantClientCredentials},
			AllowedScopes: []string{"api1"},
		},
	})
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

	grants := store.NewMemory(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = grants.Close() })

	p, err := identityd.NewProvider(
		identityd.Config{Issuer: "https://localhost:5001"},
		identityd.WithClientDirectory(clients),
		identityd.WithScopeDirectory(scopes),
		identityd.WithGrantStore(grants),
		identityd.WithSigner(nopSigner{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func validRequest() authorize.Request {
	return authorize.Request{
		ClientID:            "web",
		ResponseType:        "code",
		RedirectURI:         registeredRedirect,
		Scope:               "openid api1",
		State:               "xyz",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
	}
}

func TestValidate_HappyPath(t *testing.T) {
	flow := authorize.New(testProvider(t))

	v, rej := flow.Validate(validRequest())
	if rej != nil {
		t.Fatalf("Validate() rejected: %v", rej.Err)
	}
	if v.Client.ID != "web" {
		t.Errorf("client = %q, want web", v.Client.ID)
	}
	if len(v.Scopes) != 2 {
		t.Errorf("scopes = %v, want [openid api1]", v.Scopes)
	}
}

func TestValidate_Rejections(t *testing.T) {
	flow := authorize.New(testProvider(t))

	tests := []struct {
		name         string
		mutate       func(*authorize.Request)
		wantCode     identityd.ErrorCode
		wantRedirect bool
	}{
		{
			"missing client_id",
			func(r *authorize.Request) { r.ClientID = "" },
			identityd.ErrCodeInvalidRequest, false,
		},
		{
			"unknown client",
			func(r *authorize.Request) { r.ClientID = "ghost" },
			identityd.ErrCodeUnauthorizedClient, false,
		},
		{
			"missing redirect_uri",
			func(r *authorize.Request) { r.RedirectURI = "" },
			identityd.ErrCodeInvalidRequest, false,
		},
		{
			"unregistered redirect_uri",
			func(r *authorize.Request) { r.RedirectURI = "https://evil.example/cb" },
			identityd.ErrCodeInvalidRequest, false,
		},
		{
			"prefix match is not a match",
			func(r *authorize.Request) { r.RedirectURI = registeredRedirect + "/extra" },
			identityd.ErrCodeInvalidRequest, false,
		},
		{
			"substring match is not a match",
			func(r *authorize.Request) { r.RedirectURI = "https://localhost:5002/signin" },
			identityd.ErrCodeInvalidRequest, false,
		},
		{
			"wrong response_type",
			func(r *authorize.Request) { r.ResponseType = "token" },
			identityd.ErrCodeUnsupportedResponseType, true,
		},
		{
			"grant not allowed",
			func(r *authorize.Request) { r.ClientID = "m2m"; r.RedirectURI = registeredRedirect },
			identityd.ErrCodeInvalidRequest, false, // m2m has no registered redirect URIs
		},
		{
			"scope not allowed",
			func(r *authorize.Request) { r.Scope = "openid admin" },
			identityd.ErrCodeInvalidScope, true,
		},
		{
			"missing PKCE challenge",
			func(r *authorize.Request) { r.CodeChallenge = ""; r.CodeChallengeMethod = "" },
			identityd.ErrCodeInvalidRequest, true,
		},
		{
			"plain PKCE method rejected",
			func(r *authorize.Request) { r.CodeChallengeMethod = "plain" },
			identityd.ErrCodeInvalidRequest, true,
		},
		{
			"malformed challenge",
			func(r *authorize.Request) { r.CodeChallenge = "short" },
			identityd.ErrCodeInvalidRequest, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			v, rej := flow.Validate(req)
			if rej == nil {
				t.Fatalf("Validate() accepted, got %+v", v)
			}
			if rej.Err.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", rej.Err.Code, tt.wantCode)
			}
			if rej.CanRedirect() != tt.wantRedirect {
				t.Errorf("CanRedirect() = %v, want %v", rej.CanRedirect(), tt.wantRedirect)
			}
		})
	}
}

func TestValidate_PKCEOptionalClient(t *testing.T) {
	flow := authorize.New(testProvider(t))

	req := authorize.Request{
		ClientID:     "legacy",
		ResponseType: "code",
		RedirectURI:  registeredRedirect,
		Scope:        "openid",
	}
	if _, rej := flow.Validate(req); rej != nil {
		t.Fatalf("Validate() rejected PKCE-optional client: %v", rej.Err)
	}
}

func TestRejection_RedirectEchoesState(t *testing.T) {
	flow := authorize.New(testProvider(t))

	req := validRequest()
	req.Scope = "openid admin"
	_, rej := flow.Validate(req)
	if rej == nil || !rej.CanRedirect() {
		t.Fatal("expected a redirectable rejection")
	}

	u, err := url.Parse(rej.RedirectURL())
	if err != nil {
		t.Fatalf("RedirectURL() unparsable: %v", err)
	}
	if got := u.Query().Get("error"); got != "invalid_scope" {
		t.Errorf("error param = %q, want invalid_scope", got)
	}
	if got := u.Query().Get("state"); got != "xyz" {
		t.Errorf("state param = %q, want xyz (verbatim echo)", got)
	}
	if !strings.HasPrefix(rej.RedirectURL(), registeredRedirect) {
		t.Errorf("error redirect %q does not target the registered URI", rej.RedirectURL())
	}
}

func TestIssueCode(t *testing.T) {
	p := testProvider(t)
	flow := authorize.New(p)

	v, rej := flow.Validate(validRequest())
	if rej != nil {
		t.Fatalf("Validate() rejected: %v", rej.Err)
	}

	redirect, err := flow.IssueCode(context.Background(), v, &identityd.Subject{ID: "user-1"})
	if err != nil {
		t.Fatalf("IssueCode() error: %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect unparsable: %v", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatal("redirect is missing the code parameter")
	}
	if got := u.Query().Get("state"); got != "xyz" {
		t.Errorf("state param = %q, want xyz", got)
	}

	rec, err := p.Grants().RedeemCode(context.Background(), code, p.Clock().Now())
	if err != nil {
		t.Fatalf("stored code not redeemable: %v", err)
	}
	if rec.ClientID != "web" || rec.SubjectID != "user-1" || rec.RedirectURI != registeredRedirect {
		t.Errorf("code bindings = %+v", rec)
	}
	if rec.CodeChallenge != testChallenge || rec.CodeChallengeMethod != "S256" {
		t.Errorf("PKCE bindings lost: %+v", rec)
	}
	if rec.ExpiresAt.Sub(rec.IssuedAt) > 10*time.Minute {
		t.Errorf("code TTL %v exceeds the 10 minute cap", rec.ExpiresAt.Sub(rec.IssuedAt))
	}
}

func TestIssueCode_RequiresSubject(t *testing.T) {
	flow := authorize.New(testProvider(t))

	v, rej := flow.Validate(validRequest())
	if rej != nil {
		t.Fatal(rej.Err)
	}
	if _, err := flow.IssueCode(context.Background(), v, nil); err == nil {
		t.Fatal("IssueCode() expected error without an authenticated subject")
	}
}

func TestParseRequest(t *testing.T) {
	q := url.Values{}
	q.Set("client_id", " web ")
	q.Set("response_type", "code")
	q.Set("redirect_uri", registeredRedirect)
	q.Set("scope", "openid api1")
	q.Set("state", "abc 123")

	req := authorize.ParseRequest(q)
	if req.ClientID != "web" {
		t.Errorf("ClientID = %q, want trimmed %q", req.ClientID, "web")
	}
	if req.State != "abc 123" {
		t.Errorf("State = %q, must be preserved verbatim", req.State)
	}
	if got := req.Scopes(); len(got) != 2 || got[0] != "openid" || got[1] != "api1" {
		t.Errorf("Scopes() = %v", got)
	}
}
