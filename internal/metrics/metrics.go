// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Authentication metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"method", "result"},
	)

	OtpIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_otp_issued_total",
			Help: "Total number of one-time passcodes issued",
		},
	)

	OtpVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_otp_verifications_total",
			Help: "Total number of one-time passcode verifications",
		},
		[]string{"result"},
	)

	// Session metrics
	SessionValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_session_validations_total",
			Help: "Total number of session validations",
		},
		[]string{"result"},
	)

	SessionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_sessions_reaped_total",
			Help: "Total number of expired sessions removed by the reaper",
		},
	)

	OtpTokensReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_otp_tokens_reaped_total",
			Help: "Total number of expired OTP tokens removed by the reaper",
		},
	)

	// Authorization metrics
	AuthorizationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_authorization_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"decision"},
	)

	// Audit metrics
	AuditEventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_audit_events_total",
			Help: "Total number of audit events recorded",
		},
		[]string{"action"},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_audit_write_failures_total",
			Help: "Total number of audit events that could not be persisted",
		},
	)

	AuditWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authcore_audit_write_duration_seconds",
			Help:    "Duration of audit persistence in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuditForwardFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_audit_forward_failures_total",
			Help: "Total number of audit events that could not be forwarded to the message bus",
		},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	RateLimitErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_rate_limit_errors_total",
			Help: "Total number of rate limiter backend errors",
		},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authcore_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "code"},
	)
)

// Result labels shared by counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
)

// Outcome maps a boolean into a result label.
func Outcome(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
