package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/authcore/internal/authmw"
	"github.com/telhawk-systems/authcore/internal/handlers"
	"github.com/telhawk-systems/authcore/internal/metrics"
	"github.com/telhawk-systems/authcore/internal/middleware"
	"github.com/telhawk-systems/authcore/internal/models"
)

// NewRouter constructs a ServeMux with the public, administrative and
// internal routes registered. Forwarding headers are honoured only from
// trusted proxies.
func NewRouter(h *handlers.AuthHandler, auth *authmw.AuthMiddleware, logger *slog.Logger, trusted middleware.TrustedProxies) http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, fn))
	}

	// Session lifecycle
	handle("POST /api/v1/auth/login", h.Login)
	handle("POST /api/v1/auth/logout", h.Logout)
	handle("GET /api/v1/auth/session", auth.RequireSession(h.Session))

	// Permission catalog and role administration
	handle("GET /api/v1/permissions/catalog", auth.RequireSession(h.Catalog))
	handle("GET /api/v1/roles", auth.RequirePermission(models.PermRolesRead)(h.ListRoles))
	handle("GET /api/v1/roles/{role}/permissions", auth.RequirePermission(models.PermRolesRead)(h.GetRolePermissions))
	handle("PUT /api/v1/roles/{role}/permissions", auth.RequirePermission(models.PermRolesManage)(h.SetRolePermissions))

	// Principal administration. Password changes check users.manage themselves
	// because principals may change their own password.
	handle("POST /api/v1/principals", auth.RequirePermission(models.PermUsersManage)(h.CreatePrincipal))
	handle("POST /api/v1/principals/{id}/password", auth.RequireSession(h.ChangePassword))

	// Audit trail
	handle("GET /api/v1/audit/events", auth.RequirePermission(models.PermAuditRead)(h.QueryAuditEvents))

	// Collaborator services
	handle("POST /internal/v1/otp", auth.RequireServiceToken(h.RequestOtp))
	handle("POST /internal/v1/otp/verify", auth.RequireServiceToken(h.VerifyOtp))
	handle("POST /internal/v1/authorize", auth.RequireServiceToken(h.Authorize))
	handle("POST /internal/v1/audit/events", auth.RequireServiceToken(h.RecordAuditEvent))

	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	var root http.Handler = mux
	if logger != nil {
		root = middleware.AccessLog(logger)(root)
	}
	root = middleware.RealIP(trusted)(root)
	return middleware.RequestID(root)
}

func instrument(route string, next http.Handler) http.Handler {
	observer := metrics.HTTPRequestDuration.MustCurryWith(prometheus.Labels{"route": route})
	return promhttp.InstrumentHandlerDuration(observer, next)
}
