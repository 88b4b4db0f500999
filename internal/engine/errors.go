package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/phrazzld/mediatext/internal/domain"
)

// Class is the retry classification of an engine failure.
type Class int

// Failure classes
const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Sentinels matched with errors.Is.
var (
	// ErrTransient marks failures that may succeed on retry.
	ErrTransient = errors.New("transient engine failure")

	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent engine failure")

	// ErrThrottled is returned when a rate limit token was not granted in time.
	ErrThrottled = errors.New("rate limit wait exceeded")

	// ErrCallTimeout is returned when one adapter call exceeded its deadline.
	ErrCallTimeout = errors.New("call timeout")

	// ErrUnsupportedFormat is returned for media an engine cannot read.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrAuth is returned when the remote engine rejects our credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrNotRegistered is returned for an engine with no adapter.
	ErrNotRegistered = errors.New("engine not registered")
)

// Error is a classified adapter failure.
type Error struct {
	Class  Class
	Engine domain.Engine
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Engine != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Class, e.Engine, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

// Unwrap exposes both the class sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Class == ClassPermanent {
		return []error{ErrPermanent, e.Err}
	}
	return []error{ErrTransient, e.Err}
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &Error{Class: ClassTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure of op.
func Permanent(op string, err error) error {
	return &Error{Class: ClassPermanent, Op: op, Err: err}
}

// WithEngine stamps the engine name on a classified error, classifying it
// first if needed.
func WithEngine(e domain.Engine, op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		c := *ee
		c.Engine = e
		if c.Op == "" {
			c.Op = op
		}
		return &c
	}
	return &Error{Class: Classify(err), Engine: e, Op: op, Err: err}
}

// HTTPStatusError is a non-2xx response from a remote engine.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// StatusError builds a classified error for an HTTP response status.
func StatusError(op string, code int, body string) error {
	if len(body) > 512 {
		body = body[:512]
	}
	cause := &HTTPStatusError{StatusCode: code, Body: body}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return Permanent(op, fmt.Errorf("%w: %w", ErrAuth, cause))
	}
	return &Error{Class: ClassifyStatus(code), Op: op, Err: cause}
}

// ClassifyStatus maps an HTTP status code to a failure class.
func ClassifyStatus(code int) Class {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// Classify returns the class of any error. Unrecognized errors are treated
// as transient so a flaky dependency does not fail work outright; the retry
// bound still caps them.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var ee *Error
	if errors.As(err, &ee) {
		return ee.Class
	}

	switch {
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrAuth), errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnsupportedKind):
		return ClassPermanent
	case errors.Is(err, ErrTransient), errors.Is(err, ErrThrottled), errors.Is(err, ErrCallTimeout):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return ClassifyStatus(statusErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}

// IsPermanent reports whether err should skip retries.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}
