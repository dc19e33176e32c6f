package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (string, []string, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var user string
	var roles []string
	err := mw(func(c echo.Context) error {
		user = UserIDFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})(c)
	return user, roles, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		PreferredUsername: "mlopez",
		Roles:             []string{RoleOperator},
	}, testSigningKey)

	user, roles, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "mlopez" {
		t.Errorf("expected actor mlopez, got %q", user)
	}
	if len(roles) != 1 || roles[0] != RoleOperator {
		t.Errorf("unexpected roles: %v", roles)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"},
	}, []byte("another-key"))

	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Expired(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, testSigningKey)

	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_NoSubject(t *testing.T) {
	token := createTestToken(t, Claims{}, testSigningKey)

	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevUserHeader, "enfermera.sector3")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := DevAuthMiddleware()(func(c echo.Context) error {
		if got := UserIDFromContext(c.Request().Context()); got != "enfermera.sector3" {
			t.Errorf("expected actor from header, got %q", got)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	user, roles, _ := runMiddleware(t, DevAuthMiddleware(), "")
	if user != "dev-user" || len(roles) != 1 || roles[0] != RoleAdmin {
		t.Errorf("unexpected dev defaults: %q %v", user, roles)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		wantErr bool
	}{
		{"operator allowed", []string{RoleOperator}, false},
		{"admin always allowed", []string{RoleAdmin}, false},
		{"viewer denied", []string{RoleViewer}, true},
		{"no roles denied", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(WithUser(req.Context(), "u", tt.roles))
			c := e.NewContext(req, httptest.NewRecorder())

			err := RequireRole(RoleOperator)(func(c echo.Context) error { return nil })(c)
			if tt.wantErr {
				expectStatus(t, err, http.StatusForbidden)
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
