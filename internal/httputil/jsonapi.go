package httputil

import "net/http"

// JSONAPIResource is a single JSON:API resource object.
type JSONAPIResource struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes any    `json:"attributes"`
}

// JSONAPIErrorObject is a single entry of a JSON:API errors array.
type JSONAPIErrorObject struct {
	Status int               `json:"status,omitempty"`
	Code   string            `json:"code,omitempty"`
	Title  string            `json:"title,omitempty"`
	Detail string            `json:"detail,omitempty"`
	Source map[string]string `json:"source,omitempty"`
	Meta   map[string]any    `json:"meta,omitempty"`
}

// Pagination describes an offset page in a collection response.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

func WriteJSONAPIResource(w http.ResponseWriter, status int, resourceType, id string, attributes any) {
	WriteJSONAPI(w, status, map[string]any{
		"data": JSONAPIResource{Type: resourceType, ID: id, Attributes: attributes},
	})
}

func WriteJSONAPICollection(w http.ResponseWriter, status int, data []JSONAPIResource, meta map[string]any) {
	if data == nil {
		data = []JSONAPIResource{}
	}
	doc := map[string]any{"data": data}
	if len(meta) > 0 {
		doc["meta"] = meta
	}
	WriteJSONAPI(w, status, doc)
}

func WriteJSONAPIErrors(w http.ResponseWriter, status int, errs ...JSONAPIErrorObject) {
	WriteJSONAPI(w, status, map[string]any{"errors": errs})
}

func WriteJSONAPIError(w http.ResponseWriter, status int, code, title, detail string) {
	WriteJSONAPIErrors(w, status, JSONAPIErrorObject{
		Status: status,
		Code:   code,
		Title:  title,
		Detail: detail,
	})
}

func WriteJSONAPIValidationError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusBadRequest, "validation_failed", "Validation Failed", detail)
}

func WriteJSONAPINotFoundError(w http.ResponseWriter, resourceType, id string) {
	WriteJSONAPIError(w, http.StatusNotFound, "not_found", "Resource Not Found",
		"The requested "+resourceType+" with ID '"+id+"' was not found")
}

func WriteJSONAPIUnauthorizedError(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="authcore"`)
	WriteJSONAPIError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", detail)
}

func WriteJSONAPIForbiddenError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusForbidden, "forbidden", "Forbidden", detail)
}

func WriteJSONAPIRateLimitedError(w http.ResponseWriter) {
	WriteJSONAPIError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests",
		"Too many attempts, try again later")
}

func WriteJSONAPIUnavailableError(w http.ResponseWriter) {
	WriteJSONAPIError(w, http.StatusServiceUnavailable, "unavailable", "Service Unavailable",
		"The service is temporarily unavailable")
}

func WriteJSONAPIInternalError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", detail)
}
