package messaging

import "strings"

// Subject prefixes. Audit events are published as {prefix}.{action}, lower-cased,
// e.g. authcore.audit.login.
const (
	DefaultAuditSubjectPrefix = "authcore.audit"

	HeaderRequestID = "Authcore-Request-Id"
	HeaderEventID   = "Authcore-Event-Id"
)

// AuditSubject returns the subject an audit action is forwarded on.
func AuditSubject(prefix, action string) string {
	if prefix == "" {
		prefix = DefaultAuditSubjectPrefix
	}
	return strings.TrimSuffix(prefix, ".") + "." + strings.ToLower(action)
}
