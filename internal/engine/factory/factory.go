// Package factory builds the engine registry and per-engine throttling limits
// from configuration. Only enabled engines are registered; tasks for the
// others are rejected at submission.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/mediatext/internal/config"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/platform/dashscope"
	"github.com/phrazzld/mediatext/internal/platform/gemini"
	"github.com/phrazzld/mediatext/internal/platform/mistral"
	"github.com/phrazzld/mediatext/internal/platform/tesseract"
	"github.com/phrazzld/mediatext/internal/ratelimit"
)

// Engines is the result of Build.
type Engines struct {
	Registry *engine.Registry
	Limits   map[domain.Engine]ratelimit.Limits
}

// Build creates an adapter and limits for every enabled engine.
func Build(ctx context.Context, cfg config.EnginesConfig, retry config.RetryConfig, log *slog.Logger) (*Engines, error) {
	client := &http.Client{}
	var adapters []engine.Adapter
	limits := make(map[domain.Engine]ratelimit.Limits)

	add := func(a engine.Adapter, l config.EngineLimits) {
		adapters = append(adapters, a)
		limits[a.Engine()] = Limits(l, retry)
	}

	if c := cfg.LocalOCR; c.Enabled {
		add(tesseract.New(tesseract.Config{
			Tesseract: c.Tesseract,
			PDFToText: c.PDFToText,
			PDFToPPM:  c.PDFToPPM,
			Languages: c.Languages,
			DPI:       c.DPI,
		}, log), c.EngineLimits)
	}

	if c := cfg.RemoteOCR; c.Enabled {
		add(mistral.New(mistral.Config{
			APIKey:  c.APIKey,
			BaseURL: c.BaseURL,
			Model:   c.Model,
		}, client, log), c.EngineLimits)
	}

	if c := cfg.RemoteNLP; c.Enabled {
		a, err := gemini.New(ctx, gemini.Config{
			APIKey:      c.APIKey,
			Model:       c.Model,
			Prompt:      c.Prompt,
			Temperature: c.Temperature,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s adapter: %w", domain.EngineRemoteNLP, err)
		}
		add(a, c.EngineLimits)
	}

	if c := cfg.Transcribe; c.Enabled {
		a, err := dashscope.New(dashscope.Config{
			APIKey:        c.APIKey,
			BaseURL:       c.BaseURL,
			Model:         c.Model,
			SpeakerCount:  c.SpeakerCount,
			LanguageHints: c.LanguageHints,
		}, client, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s adapter: %w", domain.EngineRemoteTranscribe, err)
		}
		add(a, c.EngineLimits)
	}

	registry, err := engine.NewRegistry(adapters...)
	if err != nil {
		return nil, err
	}
	log.Info("engines configured", "engines", registry.Engines())
	return &Engines{Registry: registry, Limits: limits}, nil
}

// Limits converts one engine's configuration to controller limits. The
// engine's retry block overrides the global policy when it sets MaxAttempts.
func Limits(l config.EngineLimits, retry config.RetryConfig) ratelimit.Limits {
	if l.Retry != nil && l.Retry.MaxAttempts > 0 {
		retry = *l.Retry
	}
	return ratelimit.Limits{
		Concurrency: l.Concurrency,
		Rate:        l.Rate,
		Window:      l.RateWindow,
		Burst:       l.Burst,
		WaitTimeout: l.WaitTimeout,
		CallTimeout: l.CallTimeout,
		Policy: ratelimit.Policy{
			MaxAttempts: retry.MaxAttempts,
			BaseDelay:   retry.BaseDelay,
			MaxDelay:    retry.MaxDelay,
			Jitter:      retry.Jitter,
		},
	}
}
