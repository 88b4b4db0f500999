package engine_test

import (
	"context"
	"testing"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/engine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inertAdapter struct{}

func (inertAdapter) Engine() domain.Engine                { return domain.EngineRemoteNLP }
func (inertAdapter) CheckAvailable(context.Context) bool { return true }

func TestRegistry(t *testing.T) {
	t.Parallel()

	ocr := &enginetest.SyncAdapter{Name: domain.EngineRemoteOCR}
	local := &enginetest.SyncAdapter{Name: domain.EngineLocalOCR}
	local.Unavailable.Store(true)
	asr := &enginetest.AsyncAdapter{Name: domain.EngineRemoteTranscribe}

	reg, err := engine.NewRegistry(ocr, local, asr)
	require.NoError(t, err)

	got, err := reg.Get(domain.EngineRemoteOCR)
	require.NoError(t, err)
	assert.Same(t, ocr, got)

	_, err = reg.Get(domain.EngineRemoteNLP)
	assert.ErrorIs(t, err, engine.ErrNotRegistered)

	assert.Equal(t, []domain.Engine{
		domain.EngineLocalOCR, domain.EngineRemoteOCR, domain.EngineRemoteTranscribe,
	}, reg.Engines())
	assert.Equal(t, []domain.Engine{
		domain.EngineRemoteOCR, domain.EngineRemoteTranscribe,
	}, reg.Available(context.Background()))
	assert.False(t, reg.Availability(context.Background())[domain.EngineLocalOCR])
}

func TestRegistryRejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := engine.NewRegistry(
		&enginetest.SyncAdapter{Name: domain.EngineRemoteOCR},
		&enginetest.SyncAdapter{Name: domain.EngineRemoteOCR},
	)
	assert.Error(t, err, "duplicate")

	_, err = engine.NewRegistry(&enginetest.SyncAdapter{Name: "bogus"})
	assert.ErrorIs(t, err, domain.ErrUnknownEngine)

	_, err = engine.NewRegistry(inertAdapter{})
	assert.Error(t, err, "no processing capability")
}

func TestScripted(t *testing.T) {
	t.Parallel()

	fn := enginetest.Scripted(
		enginetest.Outcome{Err: engine.Transient("process", engine.ErrThrottled)},
		enginetest.Outcome{Text: "hello"},
	)
	_, err := fn(context.Background(), domain.SourceRef{})
	assert.ErrorIs(t, err, engine.ErrTransient)
	text, err := fn(context.Background(), domain.SourceRef{})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	text, _ = fn(context.Background(), domain.SourceRef{})
	assert.Equal(t, "hello", text, "last outcome repeats")
}
