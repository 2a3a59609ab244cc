// Package token implements the token endpoint.
//
// The endpoint is a stateless request handler branching on grant_type:
// authorization_code, client_credentials, and refresh_token. Every TTL
// check within one exchange uses a single captured now, so the checks
// cannot skew against each other.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	identityd "github.com/eduardomb-aw/identityd"
	"github.com/eduardomb-aw/identityd/audit"
	"github.com/eduardomb-aw/identityd/metrics"
)

// Request carries the form parameters of a token request. ClientID and
// ClientSecret may come from the form body (client_secret_post) or from
// HTTP basic auth (client_secret_basic); the transport layer decides.
type Request struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// ParseRequest extracts a token request from form values.
func ParseRequest(form url.Values) Request {
	return Request{
		GrantType:    strings.TrimSpace(form.Get("grant_type")),
		ClientID:     strings.TrimSpace(form.Get("client_id")),
		ClientSecret: form.Get("client_secret"),
		Code:         strings.TrimSpace(form.Get("code")),
		RedirectURI:  strings.TrimSpace(form.Get("redirect_uri")),
		CodeVerifier: strings.TrimSpace(form.Get("code_verifier")),
		RefreshToken: strings.TrimSpace(form.Get("refresh_token")),
		Scope:        strings.TrimSpace(form.Get("scope")),
	}
}

// Response is the standard JSON token response.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Service exchanges grants for tokens.
type Service struct {
	provider *identityd.Provider
	metrics  *metrics.Metrics
	audit    *audit.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// New creates a token service backed by the provider's registries, grant
// store, signer, and clock.
func New(p *identityd.Provider, opts ...Option) *Service {
	s := &Service{
		provider: p,
		metrics:  metrics.New(false),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Exchange processes a token request. On failure it returns an *Error with
// the OAuth error code and the HTTP status for direct JSON delivery: 400
// for request and grant errors, 401 for client authentication failures.
func (s *Service) Exchange(ctx context.Context, req Request) (*Response, *identityd.Error) {
	now := s.provider.Clock().Now()

	gt := identityd.GrantType(req.GrantType)
	switch gt {
	case identityd.GrantAuthorizationCode, identityd.GrantClientCredentials, identityd.GrantRefreshToken:
	case "":
		return nil, s.fail(req, identityd.NewError(identityd.ErrCodeInvalidRequest, "grant_type is required"))
	default:
		return nil, s.fail(req, identityd.NewError(identityd.ErrCodeUnsupportedGrantType, "unsupported grant type"))
	}

	client, err := s.authenticateClient(req, gt)
	if err != nil {
		return nil, s.fail(req, err)
	}
	if !client.AllowsGrant(gt) {
		return nil, s.fail(req, identityd.NewError(identityd.ErrCodeUnauthorizedClient, "client may not use this grant type"))
	}

	var resp *Response
	switch gt {
	case identityd.GrantAuthorizationCode:
		resp, err = s.authorizationCode(ctx, now, client, req)
	case identityd.GrantClientCredentials:
		resp, err = s.clientCredentials(now, client, req)
	case identityd.GrantRefreshToken:
		resp, err = s.refreshToken(ctx, now, client, req)
	}
	if err != nil {
		return nil, s.fail(req, err)
	}

	s.metrics.RecordTokenIssued(req.GrantType)
	if s.audit != nil {
		s.audit.Log(audit.Event{
			Action:    audit.ActionTokenIssued,
			Result:    "success",
			ClientID:  client.ID,
			GrantType: req.GrantType,
			Scope:     resp.Scope,
		})
	}
	return resp, nil
}

// authenticateClient resolves and authenticates the requesting client.
// Confidential clients must present their secret on every grant; public
// clients are only acceptable on the PKCE-protected authorization_code
// grant.
func (s *Service) authenticateClient(req Request, gt identityd.GrantType) (*identityd.Client, *identityd.Error) {
	if req.ClientID == "" {
		return nil, identityd.NewError(identityd.ErrCodeInvalidClient, "client authentication required")
	}
	client, ok := s.provider.Clients().Lookup(req.ClientID)
	if !ok {
		return nil, identityd.NewError(identityd.ErrCodeInvalidClient, "unknown client")
	}

	if client.Public() {
		if gt != identityd.GrantAuthorizationCode && gt != identityd.GrantRefreshToken {
			return nil, identityd.NewError(identityd.ErrCodeInvalidClient, "public clients may not use this grant type")
		}
		return client, nil
	}

	if !s.provider.Clients().ValidateSecret(client, req.ClientSecret) {
		return nil, identityd.NewError(identityd.ErrCodeInvalidClient, "invalid client credentials")
	}
	return client, nil
}

func (s *Service) authorizationCode(ctx context.Context, now time.Time, client *identityd.Client, req Request) (*Response, *identityd.Error) {
	if req.Code == "" {
		return nil, identityd.NewError(identityd.ErrCodeInvalidRequest, "code is required")
	}

	code, err := s.provider.Grants().RedeemCode(ctx, req.Code, now)
	if err != nil {
		s.metrics.RecordRedemption("code", redemptionResult(err))
		// Replay and expiry are protocol failures, never server errors. The
		// description stays generic so callers cannot probe code state.
		return nil, identityd.NewError(identityd.ErrCodeInvalidGrant, "authorization code is invalid, expired, or already redeemed")
	}
	s.metrics.RecordRedemption("code", "ok")
	if s.audit != nil {
		s.audit.Log(audit.Event{
			Action:    audit.ActionCodeRedeemed,
			Result:    "success",
			ClientID:  client.ID,
			SubjectID: code.SubjectID,
		})
	}

	if code.ClientID != client.ID {
		return nil, identityd.NewError(identityd.ErrCodeInvalidGrant, "authorization code was issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, identityd.NewError(identityd.ErrCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if pkceErr := verifyPKCE(code, req.CodeVerifier); pkceErr != nil {
		return nil, pkceErr
	}

	accessToken, signErr := s.signAccessToken(now, client, code.SubjectID, code.Scopes)
	if signErr != nil {
		return nil, signErr
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(client.AccessTokenTTL.Seconds()),
		Scope:       strings.Join(code.Scopes, " "),
	}

	if containsScope(code.Scopes, "openid") {
		idToken, idErr := s.signIDToken(ctx, now, client, code.SubjectID, code.Nonce)
		if idErr != nil {
			return nil, idErr
		}
		resp.IDToken = idToken
	}

	if client.AllowOfflineAccess {
		refresh, rtErr := s.mintRefreshToken(ctx, now, client, code.SubjectID, code.Scopes, client.RefreshTokenTTL)
		if rtErr != nil {
			return nil, rtErr
		}
		resp.RefreshToken = refresh
	}
	return resp, nil
}

// clientCredentials issues an access token scoped to the intersection of
// requested and allowed scopes. Never issues refresh or ID tokens.
func (s *Service) clientCredentials(now time.Time, client *identityd.Client, req Request) (*Response, *identityd.Error) {
	requested := strings.Fields(req.Scope)

	var granted []string
	if len(requested) == 0 {
		for _, sc := range client.AllowedScopes {
			if sc != "offline_access" {
				granted = append(granted, sc)
			}
		}
	} else {
		granted = client.NarrowScopes(requested)
		if len(granted) == 0 {
			return nil, identityd.NewError(identityd.ErrCodeInvalidScope, "no requested scope is allowed for this client")
		}
	}

	accessToken, signErr := s.signAccessToken(now, client, "", granted)
	if signErr != nil {
		return nil, signErr
	}
	return &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(client.AccessTokenTTL.Seconds()),
		Scope:       strings.Join(granted, " "),
	}, nil
}

func (s *Service) refreshToken(ctx context.Context, now time.Time, client *identityd.Client, req Request) (*Response, *identityd.Error) {
	if req.RefreshToken == "" {
		return nil, identityd.NewError(identityd.ErrCodeInvalidRequest, "refresh_token is required")
	}

	rt, err := s.provider.Grants().RedeemRefreshToken(ctx, req.RefreshToken, now)
	if err != nil {
		s.metrics.RecordRedemption("refresh_token", redemptionResult(err))
		return nil, identityd.NewError(identityd.ErrCodeInvalidGrant, "refresh token is invalid or expired")
	}
	s.metrics.RecordRedemption("refresh_token", "ok")

	if rt.ClientID != client.ID {
		return nil, identityd.NewError(identityd.ErrCodeInvalidGrant, "refresh token was issued to another client")
	}

	// The grant may be narrowed on refresh, never widened.
	granted := rt.Scopes
	if requested := strings.Fields(req.Scope); len(requested) > 0 {
		for _, sc := range requested {
			if !containsScope(rt.Scopes, sc) {
				return nil, identityd.NewError(identityd.ErrCodeInvalidScope, "scope exceeds the original grant")
			}
		}
		granted = requested
	}

	accessToken, signErr := s.signAccessToken(now, client, rt.SubjectID, granted)
	if signErr != nil {
		return nil, signErr
	}
	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(client.AccessTokenTTL.Seconds()),
		Scope:       strings.Join(granted, " "),
	}

	if containsScope(granted, "openid") {
		idToken, idErr := s.signIDToken(ctx, now, client, rt.SubjectID, "")
		if idErr != nil {
			return nil, idErr
		}
		resp.IDToken = idToken
	}

	if rt.Usage == identityd.RefreshUsageOneTime {
		ttl := rt.ExpiresAt.Sub(now)
		if rt.Sliding {
			ttl = client.RefreshTokenTTL
		}
		replacement, rtErr := s.mintRefreshToken(ctx, now, client, rt.SubjectID, granted, ttl)
		if rtErr != nil {
			return nil, rtErr
		}
		resp.RefreshToken = replacement
	}
	return resp, nil
}

func (s *Service) signAccessToken(now time.Time, client *identityd.Client, subjectID string, scopes []string) (string, *identityd.Error) {
	claims := map[string]any{
		"iss":       s.provider.Config().Issuer,
		"client_id": client.ID,
		"scope":     strings.Join(scopes, " "),
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(client.AccessTokenTTL).Unix(),
		"jti":       uuid.NewString(),
	}
	if subjectID != "" {
		claims["sub"] = subjectID
	}
	if aud := s.apiAudience(scopes); len(aud) == 1 {
		claims["aud"] = aud[0]
	} else if len(aud) > 1 {
		claims["aud"] = aud
	}

	signed, err := s.provider.Signer().Sign(claims)
	if err != nil {
		s.provider.Logger().Error("access token signing failed", "client_id", client.ID, "err", err)
		return "", identityd.NewError(identityd.ErrCodeServerError, "token signing failed")
	}
	return signed, nil
}

func (s *Service) signIDToken(ctx context.Context, now time.Time, client *identityd.Client, subjectID, nonce string) (string, *identityd.Error) {
	claims := map[string]any{
		"iss": s.provider.Config().Issuer,
		"sub": subjectID,
		"aud": client.ID,
		"iat": now.Unix(),
		"exp": now.Add(client.AccessTokenTTL).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if v := s.provider.Verifier(); v != nil {
		if sub, err := v.Lookup(ctx, subjectID); err == nil && sub != nil {
			if sub.Name != "" {
				claims["name"] = sub.Name
			}
			if sub.Email != "" {
				claims["email"] = sub.Email
			}
			if sub.Username != "" {
				claims["preferred_username"] = sub.Username
			}
		}
	}

	signed, err := s.provider.Signer().Sign(claims)
	if err != nil {
		s.provider.Logger().Error("id token signing failed", "client_id", client.ID, "err", err)
		return "", identityd.NewError(identityd.ErrCodeServerError, "token signing failed")
	}
	return signed, nil
}

func (s *Service) mintRefreshToken(ctx context.Context, now time.Time, client *identityd.Client, subjectID string, scopes []string, ttl time.Duration) (string, *identityd.Error) {
	opaque, err := identityd.NewOpaqueToken(32)
	if err != nil {
		return "", identityd.NewError(identityd.ErrCodeServerError, "could not mint refresh token")
	}
	record := &identityd.RefreshToken{
		Token:     opaque,
		ClientID:  client.ID,
		SubjectID: subjectID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Usage:     client.RefreshTokenUsage,
		Sliding:   client.SlidingRefreshExpiry,
	}
	if err := s.provider.Grants().SaveRefreshToken(ctx, record); err != nil {
		return "", identityd.NewError(identityd.ErrCodeServerError, "could not persist refresh token")
	}
	return opaque, nil
}

// apiAudience maps granted scopes to the API resources they unlock.
func (s *Service) apiAudience(scopes []string) []string {
	var aud []string
	for _, name := range scopes {
		if sc, ok := s.provider.Scopes().Lookup(name); ok && sc.Kind == identityd.ScopeAPI {
			aud = append(aud, name)
		}
	}
	return aud
}

func (s *Service) fail(req Request, err *identityd.Error) *identityd.Error {
	s.metrics.RecordTokenFailure(req.GrantType, string(err.Code))
	if s.audit != nil {
		s.audit.Log(audit.Event{
			Action:    audit.ActionTokenDenied,
			Result:    "denied",
			ClientID:  req.ClientID,
			GrantType: req.GrantType,
			Error:     string(err.Code),
		})
	}
	return err
}

// verifyPKCE recomputes BASE64URL(SHA256(code_verifier)) and compares it to
// the stored challenge in constant time.
func verifyPKCE(code *identityd.AuthorizationCode, verifier string) *identityd.Error {
	if code.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return identityd.NewError(identityd.ErrCodeInvalidGrant, "code_verifier is required")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return identityd.NewError(identityd.ErrCodeInvalidGrant, "malformed code_verifier")
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(code.CodeChallenge)) != 1 {
		return identityd.NewError(identityd.ErrCodeInvalidGrant, "PKCE verification failed")
	}
	return nil
}

func containsScope(scopes []string, name string) bool {
	for _, s := range scopes {
		if s == name {
			return true
		}
	}
	return false
}

func redemptionResult(err error) string {
	switch err {
	case identityd.ErrGrantNotFound:
		return "not_found"
	case identityd.ErrGrantExpired:
		return "expired"
	case identityd.ErrGrantConsumed:
		return "consumed"
	default:
		return "error"
	}
}
