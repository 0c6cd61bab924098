package models

import "errors"

// Authentication and authorization outcomes returned to callers. Callers compare with
// errors.Is; storage failures wrap ErrStorageUnavailable.
var (
	ErrInvalidCredential      = errors.New("invalid credentials")
	ErrExpiredOrConsumedToken = errors.New("token expired or already consumed")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session expired")
	ErrForbidden              = errors.New("forbidden")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrAuditWriteFailed       = errors.New("audit write failed")
	ErrRateLimited            = errors.New("too many attempts")
	ErrUnknownPermission      = errors.New("unknown permission code")
	ErrUnknownAction          = errors.New("unknown audit action")
	ErrPasswordPolicy         = errors.New("password does not satisfy policy")
)
