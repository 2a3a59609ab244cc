// Package metrics provides Prometheus metrics for the provider endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for token issuance and authorization.
type Metrics struct {
	enabled bool

	// Token endpoint
	tokensIssuedTotal  *prometheus.CounterVec
	tokenFailuresTotal *prometheus.CounterVec

	// Authorization endpoint
	authorizeTotal   *prometheus.CounterVec
	codesIssuedTotal prometheus.Counter

	// Grant store
	redemptionsTotal *prometheus.CounterVec

	// Login collaborator
	loginsTotal *prometheus.CounterVec

	// HTTP surface
	requestDuration *prometheus.HistogramVec
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}

	if !enabled {
		return m
	}

	m.tokensIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identityd_tokens_issued_total",
		Help: "Total tokens issued by the token endpoint",
	}, []string{"grant_type"})

	m.tokenFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identityd_token_failures_total",
		Help: "Total token endpoint failures",
	}, []string{"grant_type", "error"})

	m.authorizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identityd_authorize_requests_total",
		Help: "Total authorization endpoint requests",
	}, []string{"outcome"})

	m.codesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "identityd_authorization_codes_issued_total",
		Help: "Total authorization codes issued",
	})

	m.redemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identityd_grant_redemptions_total",
		Help: "Total grant store redemption attempts",
	}, []string{"grant", "result"})

	m.loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identityd_logins_total",
		Help: "Total login attempts",
	}, []string{"result"})

	m.requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "identityd_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	return m
}

// RecordTokenIssued records a successful token response.
func (m *Metrics) RecordTokenIssued(grantType string) {
	if !m.enabled {
		return
	}
	m.tokensIssuedTotal.WithLabelValues(grantType).Inc()
}

// RecordTokenFailure records a failed token request.
func (m *Metrics) RecordTokenFailure(grantType, errCode string) {
	if !m.enabled {
		return
	}
	m.tokenFailuresTotal.WithLabelValues(grantType, errCode).Inc()
}

// RecordAuthorize records an authorization request outcome
// (code_issued, rejected, login_redirect).
func (m *Metrics) RecordAuthorize(outcome string) {
	if !m.enabled {
		return
	}
	m.authorizeTotal.WithLabelValues(outcome).Inc()
}

// RecordCodeIssued records a minted authorization code.
func (m *Metrics) RecordCodeIssued() {
	if !m.enabled {
		return
	}
	m.codesIssuedTotal.Inc()
}

// RecordRedemption records a grant store redemption attempt
// (grant: code|refresh_token; result: ok|not_found|expired|consumed).
func (m *Metrics) RecordRedemption(grant, result string) {
	if !m.enabled {
		return
	}
	m.redemptionsTotal.WithLabelValues(grant, result).Inc()
}

// RecordLogin records a login attempt result (ok, denied).
func (m *Metrics) RecordLogin(result string) {
	if !m.enabled {
		return
	}
	m.loginsTotal.WithLabelValues(result).Inc()
}

// ObserveRequest records an HTTP request duration for an endpoint label.
func (m *Metrics) ObserveRequest(endpoint string, seconds float64) {
	if !m.enabled {
		return
	}
	m.requestDuration.WithLabelValues(endpoint).Observe(seconds)
}
