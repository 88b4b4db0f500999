package factory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/mediatext/internal/config"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limits(enabled bool) config.EngineLimits {
	return config.EngineLimits{
		Enabled:     enabled,
		Concurrency: 2,
		Rate:        30,
		RateWindow:  time.Minute,
		Burst:       2,
		WaitTimeout: 10 * time.Second,
		CallTimeout: time.Minute,
	}
}

var globalRetry = config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.5}

func TestBuild(t *testing.T) {
	t.Parallel()

	cfg := config.EnginesConfig{
		LocalOCR:   config.LocalOCRConfig{EngineLimits: limits(true)},
		RemoteOCR:  config.RemoteOCRConfig{EngineLimits: limits(true), APIKey: "k"},
		RemoteNLP:  config.RemoteNLPConfig{EngineLimits: limits(false)},
		Transcribe: config.TranscribeConfig{EngineLimits: limits(true), APIKey: "k"},
	}

	built, err := Build(context.Background(), cfg, globalRetry, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, []domain.Engine{
		domain.EngineLocalOCR, domain.EngineRemoteOCR, domain.EngineRemoteTranscribe,
	}, built.Registry.Engines())
	assert.Len(t, built.Limits, 3)

	_, err = built.Registry.Get(domain.EngineRemoteNLP)
	assert.ErrorIs(t, err, engine.ErrNotRegistered)

	transcribe, err := built.Registry.Get(domain.EngineRemoteTranscribe)
	require.NoError(t, err)
	_, isAsync := transcribe.(engine.AsyncAdapter)
	assert.True(t, isAsync)

	_, err = ratelimit.New(built.Limits)
	assert.NoError(t, err)
}

func TestLimitsRetryOverride(t *testing.T) {
	t.Parallel()

	l := limits(true)
	got := Limits(l, globalRetry)
	assert.Equal(t, 3, got.Policy.MaxAttempts)
	assert.Equal(t, time.Minute, got.Window)
	assert.Equal(t, 30, got.Rate)

	l.Retry = &config.RetryConfig{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	got = Limits(l, globalRetry)
	assert.Equal(t, ratelimit.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}, got.Policy)
}
