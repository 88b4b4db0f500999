package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/mediatext/internal/api/shared"
	"github.com/phrazzld/mediatext/internal/config"
	"github.com/phrazzld/mediatext/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJWT struct {
	claims *auth.Claims
	err    error
}

func (s stubJWT) GenerateToken(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (s stubJWT) ValidateToken(context.Context, string) (*auth.Claims, error) {
	return s.claims, s.err
}

func operatorEcho(w http.ResponseWriter, r *http.Request) {
	op, _ := shared.GetOperator(r.Context())
	_, _ = io.WriteString(w, op)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	svc, err := auth.NewJWTService(config.AuthConfig{
		JWTSecret:            "test-secret-that-is-long-enough-for-testing",
		TokenLifetimeMinutes: 5,
	})
	require.NoError(t, err)
	token, err := svc.GenerateToken(context.Background(), "ops", 0)
	require.NoError(t, err)

	handler := NewAuthMiddleware(svc).Authenticate(http.HandlerFunc(operatorEcho))

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + token, http.StatusOK, "ops"},
		{"lowercase scheme", "bearer " + token, http.StatusOK, "ops"},
		{"missing", "", http.StatusUnauthorized, "Authorization header required"},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized, "Invalid authorization format"},
		{"no token", "Bearer ", http.StatusUnauthorized, "Invalid authorization format"},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized, "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestAuthenticateErrorClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		body   string
	}{
		{auth.ErrExpiredToken, http.StatusUnauthorized, "Token expired"},
		{auth.ErrWrongTokenType, http.StatusUnauthorized, "Invalid token"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, "Authentication error"},
	}
	for _, tt := range tests {
		handler := NewAuthMiddleware(stubJWT{err: tt.err}).Authenticate(http.HandlerFunc(operatorEcho))
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer x.y.z")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, tt.status, w.Code, tt.err.Error())
		assert.Contains(t, w.Body.String(), tt.body)
	}
}

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	handler := NewTraceMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.GetTraceID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set(shared.TraceIDHeader, "upstream-trace-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "upstream-trace-42", seen)
	assert.Equal(t, "upstream-trace-42", w.Header().Get(shared.TraceIDHeader))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, seen, 2*shared.TraceIDLength)
	assert.Equal(t, seen, w.Header().Get(shared.TraceIDHeader))
}
