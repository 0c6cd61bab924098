// Package httputil holds the JSON and JSON:API response helpers shared by the
// HTTP surface.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/authcore/internal/logging"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeJSONAPI = "application/vnd.api+json"

	maxBodyBytes = 1 << 20
)

// WriteJSON writes data as plain JSON.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	write(w, ContentTypeJSON, status, data)
}

// WriteJSONAPI writes data as a JSON:API document.
func WriteJSONAPI(w http.ResponseWriter, status int, data any) {
	write(w, ContentTypeJSONAPI, status, data)
}

func write(w http.ResponseWriter, contentType string, status int, data any) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", logging.Error(err))
	}
}

// DecodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
