package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"explicit transient", Transient("process", errors.New("flaky")), ClassTransient},
		{"explicit permanent", Permanent("process", errors.New("bad")), ClassPermanent},
		{"wrapped permanent", fmt.Errorf("outer: %w", Permanent("submit", errors.New("bad"))), ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"throttled", ErrThrottled, ClassTransient},
		{"call timeout", fmt.Errorf("ocr: %w", ErrCallTimeout), ClassTransient},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ClassTransient},
		{"unsupported format", ErrUnsupportedFormat, ClassPermanent},
		{"auth", ErrAuth, ClassPermanent},
		{"validation", fmt.Errorf("%w: empty", domain.ErrValidation), ClassPermanent},
		{"status 429", &HTTPStatusError{StatusCode: http.StatusTooManyRequests}, ClassTransient},
		{"status 503", &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}, ClassTransient},
		{"status 400", &HTTPStatusError{StatusCode: http.StatusBadRequest}, ClassPermanent},
		{"unknown", errors.New("mystery"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	err := StatusError("submit", http.StatusUnauthorized, "bad key")
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, ErrPermanent)

	var statusErr *HTTPStatusError
	assert.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	err = StatusError("poll", http.StatusBadGateway, "")
	assert.False(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrTransient)
}

func TestWithEngine(t *testing.T) {
	t.Parallel()

	err := WithEngine(domain.EngineRemoteOCR, "process", Permanent("", ErrUnsupportedFormat))
	assert.Equal(t, "permanent: remote-ocr process: unsupported format", err.Error())
	assert.ErrorIs(t, err, ErrPermanent)

	err = WithEngine(domain.EngineLocalOCR, "process", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NoError(t, WithEngine(domain.EngineLocalOCR, "process", nil))
}
