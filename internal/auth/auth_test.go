package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeToken,
		Tokens: []Token{
			{Name: "reader", Value: "read-token", Permissions: []string{PermissionToolsRead}},
			{Name: "admin", Value: "admin-token", Permissions: []string{PermissionAll}},
			{Name: "retired", Value: "old-token", Permissions: []string{PermissionAll}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeToken}); err == nil {
		t.Fatalf("token mode without tokens should fail")
	}
	if _, err := NewService(Config{Mode: ModeToken, Tokens: []Token{{Name: "x"}}}); err == nil {
		t.Fatalf("empty token value should fail")
	}
	if _, err := NewService(Config{Mode: "jwt"}); err == nil {
		t.Fatalf("unknown mode should fail")
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty mode should default to disabled, got %v %v", svc.Mode(), err)
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)

	cases := []struct {
		header string
		want   error
	}{
		{"", ErrMissingToken},
		{"Basic abc", ErrMissingToken},
		{"Bearer   ", ErrMissingToken},
		{"Bearer nope", ErrInvalidToken},
		{"Bearer old-token", ErrSubjectRevoked},
	}
	for _, tc := range cases {
		if _, err := svc.AuthenticateRequest(tc.header); err != tc.want {
			t.Fatalf("header %q: want %v got %v", tc.header, tc.want, err)
		}
	}

	subject, err := svc.AuthenticateRequest("bearer admin-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "admin" || !subject.HasPermission(PermissionTasksWrite) {
		t.Fatalf("unexpected subject: %+v", subject)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t)

	var seen *Subject
	handler := svc.Middleware(PermissionQueryExecute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := map[string]int{
		"":                   http.StatusUnauthorized,
		"Bearer wrong":       http.StatusUnauthorized,
		"Bearer read-token":  http.StatusForbidden,
		"Bearer old-token":   http.StatusForbidden,
		"Bearer admin-token": http.StatusAccepted,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/queries", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("header %q: want %d got %d", header, want, rec.Code)
		}
	}
	if seen == nil || seen.Name != "admin" {
		t.Fatalf("subject should be stored in the request context: %+v", seen)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler := svc.Middleware(PermissionAll)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled auth should pass through, got %d", rec.Code)
	}
}
