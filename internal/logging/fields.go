package logging

import "log/slog"

// Field names shared by every log line the service emits. Secrets (passwords, OTP
// codes, session tokens) have no field and must never be logged.
const (
	FieldRequestID   = "request_id"
	FieldPrincipalID = "principal_id"
	FieldIdentifier  = "identifier"
	FieldSessionID   = "session_id"
	FieldRole        = "role"
	FieldPermission  = "permission"
	FieldAction      = "action"
	FieldError       = "error"
)

// PrincipalID returns a slog attribute for a principal ID.
func PrincipalID(id string) slog.Attr {
	return slog.String(FieldPrincipalID, id)
}

// Identifier returns a slog attribute for a contact identifier.
func Identifier(identifier string) slog.Attr {
	return slog.String(FieldIdentifier, identifier)
}

// SessionID returns a slog attribute for a session's public ID.
func SessionID(id string) slog.Attr {
	return slog.String(FieldSessionID, id)
}

// Role returns a slog attribute for a role tag.
func Role(role string) slog.Attr {
	return slog.String(FieldRole, role)
}

// Permission returns a slog attribute for a permission code.
func Permission(code string) slog.Attr {
	return slog.String(FieldPermission, code)
}

// Action returns a slog attribute for an audit action.
func Action(action string) slog.Attr {
	return slog.String(FieldAction, action)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
