package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/telhawk-systems/authcore/internal/audit"
	"github.com/telhawk-systems/authcore/internal/authmw"
	"github.com/telhawk-systems/authcore/internal/clock"
	"github.com/telhawk-systems/authcore/internal/credentials"
	"github.com/telhawk-systems/authcore/internal/handlers"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/otp"
	"github.com/telhawk-systems/authcore/internal/rbac"
	"github.com/telhawk-systems/authcore/internal/repository"
	"github.com/telhawk-systems/authcore/internal/service"
	"github.com/telhawk-systems/authcore/internal/session"
)

const (
	serviceToken = "svc-token"
	password     = "Correct Horse 1"
)

type testServer struct {
	handler http.Handler
	clk     *clock.Manual
	admin   *models.Principal
	user    *models.Principal
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	clk := clock.NewManual(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))

	creds, err := credentials.NewStore(repo, clk, credentials.Options{Cost: bcrypt.MinCost})
	require.NoError(t, err)
	issuer, err := otp.NewIssuer(repo, clk, otp.Options{Secret: []byte("otp-secret-otp-secret-otp-secret!")})
	require.NoError(t, err)

	svc := service.NewAuthService(service.Deps{
		Repo:        repo,
		Credentials: creds,
		Otp:         issuer,
		Sessions:    session.NewManager(repo, clk, session.Options{TTL: time.Hour}),
		Permissions: rbac.NewEvaluator(repo),
		Audit:       audit.NewLogger(repo, clk, audit.Options{Secret: []byte("audit-secret")}),
		Clock:       clk,
	})

	ctx := context.Background()
	admin, err := svc.CreatePrincipal(ctx, service.NewPrincipal{Identifier: "admin@x.com", Password: password, Role: models.RoleAdmin}, models.Origin{})
	require.NoError(t, err)
	user, err := svc.CreatePrincipal(ctx, service.NewPrincipal{Identifier: "user@x.com", Password: password, Role: models.RoleClientUser}, models.Origin{})
	require.NoError(t, err)
	_, err = svc.SetRolePermissions(ctx, nil, models.RoleClientUser, []string{"admissions.create"}, models.Origin{})
	require.NoError(t, err)

	h := handlers.NewAuthHandler(svc, nil)
	mw := authmw.NewAuthMiddleware(svc, serviceToken)
	return &testServer{handler: NewRouter(h, mw, nil, nil), clk: clk, admin: admin, user: user}
}

type document struct {
	Data   json.RawMessage `json:"data"`
	Meta   map[string]any  `json:"meta"`
	Errors []struct {
		Status int            `json:"status"`
		Code   string         `json:"code"`
		Detail string         `json:"detail"`
		Meta   map[string]any `json:"meta"`
	} `json:"errors"`
}

type resource struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, document) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var doc document
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc), w.Body.String())
	}
	return w, doc
}

func (s *testServer) login(t *testing.T, identifier string) string {
	t.Helper()
	w, doc := s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"identifier": identifier,
		"secret":     password,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res resource
	require.NoError(t, json.Unmarshal(doc.Data, &res))
	token, _ := res.Attributes["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "USER@x.com")

	w, doc := s.do(t, http.MethodGet, "/api/v1/auth/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	var res resource
	require.NoError(t, json.Unmarshal(doc.Data, &res))
	assert.Equal(t, s.user.ID, res.Attributes["principal_id"])
	assert.Equal(t, "client_user", res.Attributes["role"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code, "logout is idempotent")

	w, doc = s.do(t, http.MethodGet, "/api/v1/auth/session", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "unauthorized", doc.Errors[0].Code)
}

func TestSessionExpiry(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "user@x.com")

	s.clk.Advance(time.Hour)
	w, _ := s.do(t, http.MethodGet, "/api/v1/auth/session", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRejections(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   map[string]string
		status int
		detail string
	}{
		{"wrong password", map[string]string{"identifier": "user@x.com", "secret": "nope"}, http.StatusUnauthorized, "invalid credentials"},
		{"unknown identifier", map[string]string{"identifier": "ghost@x.com", "secret": password}, http.StatusUnauthorized, "invalid credentials"},
		{"missing secret", map[string]string{"identifier": "user@x.com"}, http.StatusUnauthorized, "invalid credentials"},
		{"bad otp", map[string]string{"identifier": "user@x.com", "secret": "123456", "method": "otp"}, http.StatusUnauthorized, "invalid credentials"},
		{"unknown method", map[string]string{"identifier": "user@x.com", "secret": password, "method": "sms"}, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, doc := s.do(t, http.MethodPost, "/api/v1/auth/login", "", tt.body)
			assert.Equal(t, tt.status, w.Code)
			require.Len(t, doc.Errors, 1)
			if tt.detail != "" {
				assert.Equal(t, tt.detail, doc.Errors[0].Detail)
			}
		})
	}

	w, _ := s.do(t, http.MethodGet, "/api/v1/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestOtpFlow(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPost, "/internal/v1/otp", "", map[string]string{"identifier": "user@x.com"})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "service token required")

	w, _ = s.do(t, http.MethodPost, "/internal/v1/otp", "wrong", map[string]string{"identifier": "user@x.com"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, doc := s.do(t, http.MethodPost, "/internal/v1/otp", serviceToken, map[string]string{"identifier": "user@x.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res resource
	require.NoError(t, json.Unmarshal(doc.Data, &res))
	code, _ := res.Attributes["code"].(string)
	require.Len(t, code, 6)

	w, _ = s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"identifier": "user@x.com", "secret": code, "method": "otp",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodPost, "/internal/v1/otp/verify", serviceToken, map[string]string{
		"identifier": "user@x.com", "code": code,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "code is single use")
}

func TestOtpVerifyEndpoint(t *testing.T) {
	s := newTestServer(t)

	_, doc := s.do(t, http.MethodPost, "/internal/v1/otp", serviceToken, map[string]string{"identifier": "new@x.com"})
	var res resource
	require.NoError(t, json.Unmarshal(doc.Data, &res))
	code := res.Attributes["code"].(string)

	w, _ := s.do(t, http.MethodPost, "/internal/v1/otp/verify", serviceToken, map[string]string{
		"identifier": "new@x.com", "code": code,
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, _ = s.do(t, http.MethodPost, "/internal/v1/otp", serviceToken, map[string]string{"identifier": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPermissionGuards(t *testing.T) {
	s := newTestServer(t)
	userToken := s.login(t, "user@x.com")
	adminToken := s.login(t, "admin@x.com")

	w, doc := s.do(t, http.MethodGet, "/api/v1/audit/events", userToken, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "audit.read", doc.Errors[0].Meta["permission"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/audit/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	s.clk.Advance(time.Second)
	w, doc = s.do(t, http.MethodGet, "/api/v1/audit/events?action=FORBIDDEN", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var events []resource
	require.NoError(t, json.Unmarshal(doc.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "audit.read", events[0].Attributes["metadata"].(map[string]any)["permission"])
	assert.Equal(t, true, events[0].Attributes["verified"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/audit/events?limit=-1", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoleAdministration(t *testing.T) {
	s := newTestServer(t)
	adminToken := s.login(t, "admin@x.com")

	w, doc := s.do(t, http.MethodPut, "/api/v1/roles/operator/permissions", adminToken, map[string][]string{
		"permissions": {"reports.read", "reports.export"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, doc = s.do(t, http.MethodGet, "/api/v1/roles/operator/permissions", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res resource
	require.NoError(t, json.Unmarshal(doc.Data, &res))
	assert.ElementsMatch(t, []any{"reports.read", "reports.export"}, res.Attributes["permissions"])

	w, _ = s.do(t, http.MethodPut, "/api/v1/roles/operator/permissions", adminToken, map[string][]string{
		"permissions": {"reports.delete"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown codes are rejected")

	w, _ = s.do(t, http.MethodPut, "/api/v1/roles/admin/permissions", adminToken, map[string][]string{
		"permissions": {"reports.read"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "superuser grants are rejected")

	w, doc = s.do(t, http.MethodGet, "/api/v1/roles", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var roles []resource
	require.NoError(t, json.Unmarshal(doc.Data, &roles))
	ids := make([]string, 0, len(roles))
	for _, r := range roles {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, "operator")
	assert.Contains(t, ids, "client_user")

	w, _ = s.do(t, http.MethodGet, "/api/v1/permissions/catalog", s.login(t, "user@x.com"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthorizeEndpoint(t *testing.T) {
	s := newTestServer(t)
	userToken := s.login(t, "user@x.com")

	tests := []struct {
		name    string
		body    map[string]string
		status  int
		allowed bool
	}{
		{"granted role", map[string]string{"role": "client_user", "permission": "admissions.create"}, http.StatusOK, true},
		{"ungranted role", map[string]string{"role": "client_user", "permission": "reports.export"}, http.StatusOK, false},
		{"superuser", map[string]string{"role": "admin", "permission": "roles.manage"}, http.StatusOK, true},
		{"session token", map[string]string{"token": userToken, "permission": "admissions.create"}, http.StatusOK, true},
		{"session token denied", map[string]string{"token": userToken, "permission": "audit.read"}, http.StatusOK, false},
		{"dead token", map[string]string{"token": "bogus", "permission": "audit.read"}, http.StatusUnauthorized, false},
		{"unknown permission", map[string]string{"role": "admin", "permission": "launch.missiles"}, http.StatusBadRequest, false},
		{"no subject", map[string]string{"permission": "audit.read"}, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, doc := s.do(t, http.MethodPost, "/internal/v1/authorize", serviceToken, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusOK {
				return
			}
			var res resource
			require.NoError(t, json.Unmarshal(doc.Data, &res))
			assert.Equal(t, tt.allowed, res.Attributes["allowed"])
		})
	}
}

func TestRecordAuditEvent(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPost, "/internal/v1/audit/events", serviceToken, map[string]any{
		"action": "EMPLOYEE_FIRED",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/internal/v1/audit/events", serviceToken, map[string]any{
		"actor_id":    s.user.ID,
		"action":      "ENTITY_CREATED",
		"entity_type": "admission",
		"entity_id":   "adm-1",
		"success":     true,
		"metadata":    map[string]any{"company": "acme"},
		"timestamp":   "2020-01-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	s.clk.Advance(time.Second)
	adminToken := s.login(t, "admin@x.com")
	w, doc := s.do(t, http.MethodGet, "/api/v1/audit/events?entity_type=admission", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []resource
	require.NoError(t, json.Unmarshal(doc.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "adm-1", events[0].Attributes["entity_id"])
	assert.Equal(t, s.user.ID, events[0].Attributes["actor_id"])
	assert.NotEmpty(t, events[0].Attributes["request_id"])
	assert.Equal(t, "2026-05-01T12:00:00Z", events[0].Attributes["timestamp"], "server clock, not the reported time")
	meta := events[0].Attributes["metadata"].(map[string]any)
	assert.Equal(t, "acme", meta["company"])
	assert.Equal(t, "2020-01-01T00:00:00Z", meta["reported_at"])
	assert.Equal(t, true, events[0].Attributes["verified"])
}

func TestChangePassword(t *testing.T) {
	s := newTestServer(t)
	userToken := s.login(t, "user@x.com")
	path := "/api/v1/principals/" + s.user.ID + "/password"

	w, _ := s.do(t, http.MethodPost, path, userToken, map[string]string{
		"current_password": "wrong", "new_password": "Battery Staple 2",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/principals/"+s.admin.ID+"/password", userToken, map[string]string{
		"new_password": "Battery Staple 2",
	})
	assert.Equal(t, http.StatusForbidden, w.Code, "users.manage required for other principals")

	w, _ = s.do(t, http.MethodPost, path, userToken, map[string]string{
		"current_password": password, "new_password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, path, userToken, map[string]string{
		"current_password": password, "new_password": "Battery Staple 2",
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w, _ = s.do(t, http.MethodGet, "/api/v1/auth/session", userToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "sessions end when the password changes")

	adminToken := s.login(t, "admin@x.com")
	w, _ = s.do(t, http.MethodPost, "/api/v1/principals/does-not-exist/password", adminToken, map[string]string{
		"new_password": "Battery Staple 2",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreatePrincipal(t *testing.T) {
	s := newTestServer(t)
	adminToken := s.login(t, "admin@x.com")

	w, doc := s.do(t, http.MethodPost, "/api/v1/principals", adminToken, map[string]string{
		"identifier": "Ops@X.com", "password": password, "role": "operator",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res resource
	require.NoError(t, json.Unmarshal(doc.Data, &res))
	assert.Equal(t, "ops@x.com", res.Attributes["identifier"])
	assert.NotContains(t, res.Attributes, "password_hash")

	w, _ = s.do(t, http.MethodPost, "/api/v1/principals", adminToken, map[string]string{
		"identifier": "ops@x.com", "password": password, "role": "operator",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/principals", adminToken, map[string]string{
		"identifier": "", "password": password, "role": "operator",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/principals", s.login(t, "user@x.com"), map[string]string{
		"identifier": "x@x.com", "password": password, "role": "operator",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUsersManageCannotReachSuperuser(t *testing.T) {
	s := newTestServer(t)
	adminToken := s.login(t, "admin@x.com")
	w, _ := s.do(t, http.MethodPut, "/api/v1/roles/client_user/permissions", adminToken, map[string]any{
		"permissions": []string{"users.manage"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	userToken := s.login(t, "user@x.com")
	w, _ = s.do(t, http.MethodPost, "/api/v1/principals", userToken, map[string]string{
		"identifier": "root@x.com", "password": password, "role": "admin",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/principals/"+s.admin.ID+"/password", userToken, map[string]string{
		"new_password": "Battery Staple 2",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	s.login(t, "admin@x.com")

	w, doc := s.do(t, http.MethodPost, "/api/v1/principals", userToken, map[string]string{
		"identifier": "ops@x.com", "password": password, "role": "operator",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created resource
	require.NoError(t, json.Unmarshal(doc.Data, &created))

	w, _ = s.do(t, http.MethodPost, "/api/v1/principals/"+created.ID+"/password", userToken, map[string]string{
		"new_password": "Battery Staple 2",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	s.clk.Advance(time.Second)
	w, doc = s.do(t, http.MethodGet, "/api/v1/audit/events?action=FORBIDDEN&actor_id="+s.user.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []resource
	require.NoError(t, json.Unmarshal(doc.Data, &events))
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "principal", e.Attributes["entity_type"])
		assert.Equal(t, "admin", e.Attributes["metadata"].(map[string]any)["target_role"])
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "forwarding disabled", body["forwarding"].(map[string]any)["error"])

	s.login(t, "user@x.com")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `authcore_http_request_duration_seconds_count{code="200",route="POST /api/v1/auth/login"}`)
}
