package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/authcore/internal/httputil"
	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/rbac"
	"github.com/telhawk-systems/authcore/internal/repository"
	"github.com/telhawk-systems/authcore/internal/service"
)

// writeServiceError maps a service error onto a JSON:API error response.
// Authentication failures never reveal their cause.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidCredential),
		errors.Is(err, models.ErrExpiredOrConsumedToken):
		httputil.WriteJSONAPIUnauthorizedError(w, "invalid credentials")
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrSessionExpired):
		httputil.WriteJSONAPIUnauthorizedError(w, "Invalid or expired session")
	case errors.Is(err, models.ErrForbidden):
		httputil.WriteJSONAPIForbiddenError(w, "Insufficient permissions")
	case errors.Is(err, models.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		httputil.WriteJSONAPIRateLimitedError(w)
	case errors.Is(err, models.ErrUnknownPermission),
		errors.Is(err, models.ErrUnknownAction),
		errors.Is(err, models.ErrPasswordPolicy),
		errors.Is(err, rbac.ErrSuperuserGrant),
		errors.Is(err, service.ErrInvalidMethod),
		errors.Is(err, service.ErrInvalidPrincipal):
		httputil.WriteJSONAPIValidationError(w, err.Error())
	case errors.Is(err, repository.ErrPrincipalNotFound):
		httputil.WriteJSONAPIError(w, http.StatusNotFound, "not_found", "Resource Not Found", "principal not found")
	case errors.Is(err, repository.ErrPrincipalExists):
		httputil.WriteJSONAPIError(w, http.StatusConflict, "conflict", "Conflict", "principal already exists")
	case errors.Is(err, models.ErrStorageUnavailable):
		slog.ErrorContext(r.Context(), "Storage unavailable", logging.Error(err))
		httputil.WriteJSONAPIUnavailableError(w)
	default:
		slog.ErrorContext(r.Context(), "Unhandled service error", logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "An unexpected error occurred")
	}
}
