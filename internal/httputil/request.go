package httputil

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/telhawk-systems/authcore/internal/middleware"
	"github.com/telhawk-systems/authcore/internal/models"
)

// maxUserAgent bounds the stored User-Agent so audit rows stay small.
const maxUserAgent = 512

// Origin captures the request provenance recorded with audit events.
func Origin(r *http.Request) models.Origin {
	return models.Origin{
		IPAddress: middleware.ClientIP(r),
		UserAgent: truncateUTF8(r.Header.Get("User-Agent"), maxUserAgent),
		RequestID: middleware.GetRequestID(r.Context()),
	}
}

// truncateUTF8 cuts s to at most n bytes on a rune boundary and drops any
// invalid byte sequences, since audit columns are TEXT.
func truncateUTF8(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
