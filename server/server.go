// Package server wires the provider endpoints onto a Gin HTTP engine.
package server

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	identityd "github.com/eduardomb-aw/identityd"
	"github.com/eduardomb-aw/identityd/audit"
	"github.com/eduardomb-aw/identityd/authorize"
	"github.com/eduardomb-aw/identityd/discovery"
	"github.com/eduardomb-aw/identityd/login"
	"github.com/eduardomb-aw/identityd/metrics"
	"github.com/eduardomb-aw/identityd/signer"
	"github.com/eduardomb-aw/identityd/token"
)

// SessionCookie is the browser session cookie name.
const SessionCookie = "identityd.session"

// Server serves the provider's HTTP surface: discovery, JWKS, authorization,
// token, userinfo, login, and logout.
type Server struct {
	provider *identityd.Provider
	flow     *authorize.Flow
	tokens   *token.Service
	disc     *discovery.Publisher
	sessions *login.SessionManager
	signer   *signer.Signer
	metrics  *metrics.Metrics
	audit    *audit.Logger

	engine  *gin.Engine
	timeout time.Duration
}

// Option configures the Server.
type Option func(*Server)

// WithMetrics sets the metrics recorder and exposes /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(s *Server) { s.audit = a }
}

// WithSessionManager sets the session manager. A default one using the
// configured session TTL is created otherwise.
func WithSessionManager(m *login.SessionManager) Option {
	return func(s *Server) { s.sessions = m }
}

// New creates the HTTP server. The signer must be the instance the provider
// signs with; it backs both the JWKS endpoint and userinfo verification.
func New(p *identityd.Provider, sig *signer.Signer, opts ...Option) *Server {
	s := &Server{
		provider: p,
		flow:     authorize.New(p),
		disc:     discovery.New(p, sig),
		signer:   sig,
		metrics:  metrics.New(false),
		timeout:  p.Config().RequestTimeout.Std(),
	}
	if s.timeout <= 0 {
		s.timeout = identityd.DefaultRequestTimeout
	}
	for _, o := range opts {
		o(s)
	}
	if s.sessions == nil {
		s.sessions = login.NewSessionManager(p.Config().SessionTTL.Std(),
			login.WithClock(p.Clock()))
	}

	tokenOpts := []token.Option{token.WithMetrics(s.metrics)}
	if s.audit != nil {
		tokenOpts = append(tokenOpts, token.WithAudit(s.audit))
	}
	s.tokens = token.New(p, tokenOpts...)

	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), s.requestLogger(), s.timeoutMiddleware())

	e.GET(discovery.DocumentPath, s.handleDiscovery)
	e.GET(discovery.JWKSPath, s.handleJWKS)
	e.GET(discovery.AuthorizePath, s.handleAuthorize)
	e.POST(discovery.TokenPath, s.handleToken)
	e.GET(discovery.UserinfoPath, s.handleUserinfo)
	e.GET("/account/login", s.handleLoginPage)
	e.POST("/account/login", s.handleLogin)
	e.GET(discovery.EndSessionPath, s.handleLogout)
	e.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if p.Config().MetricsEnabled {
		e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	s.engine = e
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = identityd.DefaultListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.provider.Logger().Info("listening", "addr", addr, "issuer", s.provider.Config().Issuer)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// --- middleware ---

func (s *Server) requestLogger() gin.HandlerFunc {
	logger := s.provider.Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.ObserveRequest(endpoint, elapsed.Seconds())
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", elapsed,
		)
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if ctx.Err() == context.DeadlineExceeded && !c.Writer.Written() {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":             "server_error",
				"error_description": "request timed out",
			})
		}
	}
}

// --- discovery ---

func (s *Server) handleDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, s.disc.Document())
}

func (s *Server) handleJWKS(c *gin.Context) {
	c.JSON(http.StatusOK, s.disc.JWKS())
}

// --- authorization endpoint ---

func (s *Server) handleAuthorize(c *gin.Context) {
	req := authorize.ParseRequest(c.Request.URL.Query())

	validated, rejection := s.flow.Validate(req)
	if rejection != nil {
		s.metrics.RecordAuthorize("rejected")
		if rejection.CanRedirect() {
			c.Redirect(http.StatusFound, rejection.RedirectURL())
			return
		}
		c.JSON(rejection.Err.Status, gin.H{
			"error":             string(rejection.Err.Code),
			"error_description": rejection.Err.Description,
		})
		return
	}

	subject, sessionID := s.authenticatedSubject(c)
	if subject == nil {
		s.metrics.RecordAuthorize("login_redirect")
		c.Redirect(http.StatusFound, "/account/login?return_url="+url.QueryEscape(c.Request.URL.RequestURI()))
		return
	}

	ctx := identityd.WithSubject(c.Request.Context(), subject)
	ctx = identityd.WithSessionID(ctx, sessionID)
	target, err := s.flow.IssueCode(ctx, validated, subject)
	if err != nil {
		s.metrics.RecordAuthorize("rejected")
		oe, _ := identityd.AsError(err)
		if oe == nil {
			oe = identityd.NewError(identityd.ErrCodeServerError, "authorization failed")
		}
		c.JSON(oe.Status, gin.H{
			"error":             string(oe.Code),
			"error_description": oe.Description,
		})
		return
	}

	s.metrics.RecordAuthorize("code_issued")
	s.metrics.RecordCodeIssued()
	if s.audit != nil {
		s.audit.Log(audit.Event{
			Action:    audit.ActionCodeIssued,
			Result:    "success",
			ClientID:  validated.Client.ID,
			SubjectID: subject.ID,
			Scope:     validated.Request.Scope,
			RemoteIP:  c.ClientIP(),
		})
	}
	c.Redirect(http.StatusFound, target)
}

// authenticatedSubject resolves the session cookie to a subject and its
// session ID, or nil when there is no live session.
func (s *Server) authenticatedSubject(c *gin.Context) (*identityd.Subject, string) {
	cookie, err := c.Cookie(SessionCookie)
	if err != nil || cookie == "" {
		return nil, ""
	}
	sess, ok := s.sessions.Get(cookie)
	if !ok {
		return nil, ""
	}
	v := s.provider.Verifier()
	if v == nil {
		return nil, ""
	}
	subject, err := v.Lookup(c.Request.Context(), sess.SubjectID)
	if err != nil {
		return nil, ""
	}
	return subject, sess.ID
}

// --- token endpoint ---

func (s *Server) handleToken(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_request",
			"error_description": "malformed form body",
		})
		return
	}
	req := token.ParseRequest(c.Request.PostForm)

	// client_secret_basic takes precedence over form credentials
	if id, secret, ok := basicClientAuth(c.Request); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	// Token responses must never be cached.
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")

	resp, oe := s.tokens.Exchange(c.Request.Context(), req)
	if oe != nil {
		if oe.Status == http.StatusUnauthorized {
			c.Header("WWW-Authenticate", `Basic realm="identityd"`)
		}
		c.JSON(oe.Status, gin.H{
			"error":             string(oe.Code),
			"error_description": oe.Description,
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// basicClientAuth extracts client credentials from an HTTP basic auth
// header. Both values are form-urlencoded inside the header (RFC 6749 2.3.1).
func basicClientAuth(r *http.Request) (id, secret string, ok bool) {
	rawID, rawSecret, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	id, err := url.QueryUnescape(rawID)
	if err != nil {
		return "", "", false
	}
	secret, err = url.QueryUnescape(rawSecret)
	if err != nil {
		return "", "", false
	}
	return id, secret, true
}

// --- userinfo endpoint ---

func (s *Server) handleUserinfo(c *gin.Context) {
	tokenStr := extractBearerToken(c.Request)
	if tokenStr == "" {
		c.Header("WWW-Authenticate", `Bearer realm="identityd"`)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}

	claims, err := s.signer.Verify(tokenStr)
	if err != nil {
		c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}

	scope, _ := claims["scope"].(string)
	if !containsField(scope, "openid") {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient_scope"})
		return
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient_scope"})
		return
	}

	out := gin.H{"sub": sub}
	if v := s.provider.Verifier(); v != nil {
		if subject, err := v.Lookup(c.Request.Context(), sub); err == nil && subject != nil {
			if subject.Name != "" {
				out["name"] = subject.Name
			}
			if subject.Email != "" {
				out["email"] = subject.Email
			}
			if subject.Username != "" {
				out["preferred_username"] = subject.Username
			}
		}
	}
	c.JSON(http.StatusOK, out)
}

// --- login and logout ---

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="/account/login">
<input type="hidden" name="return_url" value="{{.ReturnURL}}">
<label>Username <input type="text" name="username" autofocus></label>
<label>Password <input type="password" name="password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

func (s *Server) renderLogin(c *gin.Context, status int, returnURL, errMsg string) {
	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	loginPage.Execute(c.Writer, map[string]string{
		"ReturnURL": returnURL,
		"Error":     errMsg,
	})
}

func (s *Server) handleLoginPage(c *gin.Context) {
	s.renderLogin(c, http.StatusOK, safeReturnURL(c.Query("return_url")), "")
}

func (s *Server) handleLogin(c *gin.Context) {
	v := s.provider.Verifier()
	if v == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	returnURL := safeReturnURL(c.PostForm("return_url"))
	subject, err := v.Verify(c.Request.Context(), c.PostForm("username"), c.PostForm("password"))
	if err != nil {
		s.metrics.RecordLogin("denied")
		if s.audit != nil {
			s.audit.Log(audit.Event{
				Action:   audit.ActionLogin,
				Result:   "denied",
				RemoteIP: c.ClientIP(),
			})
		}
		s.renderLogin(c, http.StatusUnauthorized, returnURL, "Invalid username or password.")
		return
	}

	sess, err := s.sessions.Issue(subject.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	s.metrics.RecordLogin("ok")
	if s.audit != nil {
		s.audit.Log(audit.Event{
			Action:    audit.ActionLogin,
			Result:    "success",
			SubjectID: subject.ID,
			RemoteIP:  c.ClientIP(),
		})
	}
	s.setSessionCookie(c, sess.ID, int(s.sessions.TTL().Seconds()))
	if returnURL == "" {
		returnURL = "/account/login"
	}
	c.Redirect(http.StatusFound, returnURL)
}

func (s *Server) handleLogout(c *gin.Context) {
	var subjectID string
	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie != "" {
		if sess, ok := s.sessions.Get(cookie); ok {
			subjectID = sess.SubjectID
		}
		s.sessions.Revoke(cookie)
	}
	s.setSessionCookie(c, "", -1)

	if s.audit != nil {
		s.audit.Log(audit.Event{
			Action:    audit.ActionLogout,
			Result:    "success",
			SubjectID: subjectID,
			RemoteIP:  c.ClientIP(),
		})
	}

	// Post-logout redirects only go to URIs registered by the named client.
	target := c.Query("post_logout_redirect_uri")
	clientID := c.Query("client_id")
	if target != "" && clientID != "" {
		if client, ok := s.provider.Clients().Lookup(clientID); ok && client.AllowsPostLogoutRedirectURI(target) {
			c.Redirect(http.StatusFound, target)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "signed_out"})
}

func (s *Server) setSessionCookie(c *gin.Context, value string, maxAge int) {
	secure := strings.HasPrefix(s.provider.Config().Issuer, "https://")
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, value, maxAge, "/", "", secure, true)
}

// safeReturnURL only accepts local authorization endpoint paths, so the
// login form can never be used as an open redirector.
func safeReturnURL(raw string) string {
	if strings.HasPrefix(raw, discovery.AuthorizePath+"?") || raw == discovery.AuthorizePath {
		return raw
	}
	return ""
}

// --- helpers ---

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func containsField(list, want string) bool {
	for _, f := range strings.Fields(list) {
		if f == want {
			return true
		}
	}
	return false
}
