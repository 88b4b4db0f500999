package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTraceID(t *testing.T) {
	t.Parallel()

	ctx := WithTraceID(context.Background(), "client-trace-1234")
	assert.Equal(t, "client-trace-1234", GetTraceID(ctx))

	for _, bad := range []string{"", "short", "has spaces in it", strings.Repeat("a", 65)} {
		got := GetTraceID(WithTraceID(context.Background(), bad))
		assert.Len(t, got, 2*TraceIDLength, bad)
	}
	assert.Empty(t, GetTraceID(context.Background()))
	assert.NotEqual(t, NewTraceID(), NewTraceID())
}

func TestOperatorContext(t *testing.T) {
	t.Parallel()

	_, ok := GetOperator(context.Background())
	assert.False(t, ok)

	op, ok := GetOperator(WithOperator(context.Background(), "ops"))
	assert.True(t, ok)
	assert.Equal(t, "ops", op)
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name string `json:"name" validate:"required"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"a"}`, false},
		{"unknown field", `{"name":"a","extra":1}`, true},
		{"trailing data", `{"name":"a"}{"name":"b"}`, true},
		{"malformed", `{"name":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p payload
			err := DecodeJSON(httptest.NewRecorder(), r, &p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "a", p.Name)
		})
	}

	assert.Error(t, ValidateRequest(payload{}))
	assert.NoError(t, ValidateRequest(payload{Name: "x"}))
}

func TestRespondWithErrorAndLog(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := logger.WithLogger(WithTraceID(context.Background(), "trace-abcdef"), log)
	r := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to list tasks",
		errors.New("dial postgres://app:hunter2@db:5432/app: refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, ErrorResponse{Error: "Failed to list tasks", TraceID: "trace-abcdef"}, body)

	assert.Contains(t, logs.String(), `"level":"ERROR"`)
	assert.NotContains(t, logs.String(), "hunter2")
}
