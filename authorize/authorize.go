// Package authorize implements the authorization endpoint state machine.
//
// Each request moves RECEIVED → VALIDATED → AUTHENTICATED → CODE_ISSUED, or
// terminates in REJECTED. Credential checking is delegated to the login
// collaborator; this package only validates the request against the client
// registry and mints the one-time authorization code.
package authorize

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	identityd "github.com/eduardomb-aw/identityd"
)

// State names a position in the per-request state machine.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateAuthenticated
	StateCodeIssued
	StateRejected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateAuthenticated:
		return "authenticated"
	case StateCodeIssued:
		return "code_issued"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request carries the query parameters of an authorization request.
type Request struct {
	ClientID            string
	ResponseType        string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ParseRequest extracts an authorization request from query values.
func ParseRequest(q url.Values) Request {
	return Request{
		ClientID:            strings.TrimSpace(q.Get("client_id")),
		ResponseType:        strings.TrimSpace(q.Get("response_type")),
		RedirectURI:         strings.TrimSpace(q.Get("redirect_uri")),
		Scope:               strings.TrimSpace(q.Get("scope")),
		State:               q.Get("state"),
		Nonce:               strings.TrimSpace(q.Get("nonce")),
		CodeChallenge:       strings.TrimSpace(q.Get("code_challenge")),
		CodeChallengeMethod: strings.TrimSpace(q.Get("code_challenge_method")),
	}
}

// Scopes returns the space-delimited scope parameter as a list.
func (r Request) Scopes() []string {
	return strings.Fields(r.Scope)
}

// Rejection is the REJECTED terminal state. When RedirectURI is non-empty
// the client and redirect URI were validated first, so the error may be
// delivered via redirect with the original state echoed; otherwise it must
// be shown directly — never redirect to an unvalidated URI.
type Rejection struct {
	Err         *identityd.Error
	RedirectURI string
	State       string
}

// CanRedirect reports whether the error may be delivered via redirect.
func (r *Rejection) CanRedirect() bool { return r.RedirectURI != "" }

// RedirectURL builds the error redirect with error, error_description, and
// the verbatim state.
func (r *Rejection) RedirectURL() string {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("error", string(r.Err.Code))
	if r.Err.Description != "" {
		q.Set("error_description", r.Err.Description)
	}
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Validated is the VALIDATED state: the request passed every registry check
// and waits for the authenticated subject.
type Validated struct {
	Request Request
	Client  *identityd.Client
	Scopes  []string
}

// Flow validates authorization requests and issues codes.
type Flow struct {
	provider *identityd.Provider
}

// New creates an authorization flow backed by the provider's registries,
// grant store, and clock.
func New(p *identityd.Provider) *Flow {
	return &Flow{provider: p}
}

// Validate performs the RECEIVED → VALIDATED transition. The returned
// Rejection carries a redirect target only after both client_id and
// redirect_uri have been verified against the registry.
func (f *Flow) Validate(req Request) (*Validated, *Rejection) {
	reject := func(code identityd.ErrorCode, desc string) *Rejection {
		return &Rejection{Err: identityd.NewError(code, desc)}
	}

	if req.ClientID == "" {
		return nil, reject(identityd.ErrCodeInvalidRequest, "client_id is required")
	}
	client, ok := f.provider.Clients().Lookup(req.ClientID)
	if !ok {
		return nil, reject(identityd.ErrCodeUnauthorizedClient, "unknown client")
	}

	if req.RedirectURI == "" {
		return nil, reject(identityd.ErrCodeInvalidRequest, "redirect_uri is required")
	}
	if !client.AllowsRedirectURI(req.RedirectURI) {
		// Deliberately direct: the URI is untrusted.
		return nil, reject(identityd.ErrCodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	// From here on the redirect target is trusted and errors go back to it.
	redirected := func(code identityd.ErrorCode, desc string) *Rejection {
		return &Rejection{
			Err:         identityd.NewError(code, desc),
			RedirectURI: req.RedirectURI,
			State:       req.State,
		}
	}

	if req.ResponseType != "code" {
		return nil, redirected(identityd.ErrCodeUnsupportedResponseType, "only response_type=code is supported")
	}
	if !client.AllowsGrant(identityd.GrantAuthorizationCode) {
		return nil, redirected(identityd.ErrCodeUnauthorizedClient, "client may not use the authorization_code grant")
	}

	scopes := req.Scopes()
	for _, s := range scopes {
		if !client.AllowsScope(s) {
			return nil, redirected(identityd.ErrCodeInvalidScope, fmt.Sprintf("scope %q is not allowed for this client", s))
		}
	}

	if client.RequirePKCE && req.CodeChallenge == "" {
		return nil, redirected(identityd.ErrCodeInvalidRequest, "code_challenge is required")
	}
	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod != "S256" {
			return nil, redirected(identityd.ErrCodeInvalidRequest, "code_challenge_method must be S256")
		}
		// base64url(SHA-256) without padding is exactly 43 characters
		if len(req.CodeChallenge) != 43 {
			return nil, redirected(identityd.ErrCodeInvalidRequest, "malformed code_challenge")
		}
	}

	return &Validated{Request: req, Client: client, Scopes: scopes}, nil
}

// IssueCode performs AUTHENTICATED → CODE_ISSUED: it mints an authorization
// code bound to the client, subject, redirect URI, granted scopes, and PKCE
// challenge, and returns the success redirect with the state echoed
// verbatim.
func (f *Flow) IssueCode(ctx context.Context, v *Validated, subject *identityd.Subject) (string, error) {
	if subject == nil || subject.ID == "" {
		return "", identityd.NewError(identityd.ErrCodeAccessDenied, "no authenticated subject")
	}

	code, err := identityd.NewOpaqueToken(32)
	if err != nil {
		return "", identityd.NewError(identityd.ErrCodeServerError, "could not mint authorization code")
	}

	now := f.provider.Clock().Now()
	ttl := f.provider.Config().CodeTTL.Std()
	if ttl <= 0 || ttl > identityd.MaxCodeTTL {
		ttl = identityd.MaxCodeTTL
	}

	record := &identityd.AuthorizationCode{
		Code:                code,
		ClientID:            v.Client.ID,
		SubjectID:           subject.ID,
		RedirectURI:         v.Request.RedirectURI,
		Scopes:              v.Scopes,
		Nonce:               v.Request.Nonce,
		CodeChallenge:       v.Request.CodeChallenge,
		CodeChallengeMethod: v.Request.CodeChallengeMethod,
		IssuedAt:            now,
		ExpiresAt:           now.Add(ttl),
	}
	if err := f.provider.Grants().SaveCode(ctx, record); err != nil {
		return "", identityd.NewError(identityd.ErrCodeServerError, "could not persist authorization code")
	}

	u, err := url.Parse(v.Request.RedirectURI)
	if err != nil {
		// unreachable after registry validation, but never redirect blindly
		return "", identityd.NewError(identityd.ErrCodeServerError, "invalid redirect URI")
	}
	q := u.Query()
	q.Set("code", code)
	if v.Request.State != "" {
		q.Set("state", v.Request.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
