package quakelink

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStages(t *testing.T) {
	assert.NoError(t, ValidateStages([]string{"manifest", "ingest", "raw"}))
	assert.NoError(t, ValidateStages([]string{"link", "features", "model"}))
	assert.NoError(t, ValidateStages([]string{"standard"}))

	assert.ErrorIs(t, ValidateStages(nil), ErrNoStages)
	assert.ErrorIs(t, ValidateStages([]string{"standard", "raw"}), ErrStageOrder)
	assert.ErrorIs(t, ValidateStages([]string{"manifest", "bogus"}), ErrUnknownStage)
}

func TestRunStagesFailsBeforeExecution(t *testing.T) {
	env := newTestEnv(t)
	p := NewPipeline()

	timings, err := p.RunStages(context.Background(), env, []string{"link", "standard"})
	assert.ErrorIs(t, err, ErrStageOrder)
	assert.Empty(t, timings)
}

func TestRunStagesRecordsTimings(t *testing.T) {
	env := newTestEnv(t)
	p := NewPipeline()

	timings, err := p.RunStages(context.Background(), env, []string{"standard", "link"})
	require.NoError(t, err)
	require.Len(t, timings, 2)
	assert.Equal(t, "standard", timings[0].Stage)
	assert.Equal(t, "ok", timings[0].Status)
	assert.Equal(t, "link", timings[1].Stage)
}

func TestRunStagesStopsAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Events = nil // link cannot resolve an event
	p := NewPipeline()

	timings, err := p.RunStages(context.Background(), env, []string{"standard", "link", "features"})
	require.Error(t, err)
	require.Len(t, timings, 2)
	assert.Equal(t, "failed", timings[1].Status)
	assert.NotEmpty(t, timings[1].Error)
}

func TestDqReportsWrittenOnEmptyPath(t *testing.T) {
	env := newTestEnv(t)
	p := NewPipeline()

	_, err := p.RunStages(context.Background(), env, []string{"ingest", "raw", "standard", "spatial"})
	require.NoError(t, err)

	for _, name := range []string{"dq_ingest.json", "dq_raw.json", "dq_standard.json", "dq_spatial.json"} {
		payload := loadJsonMap(filepath.Join(env.Paths.Reports, name))
		assert.Contains(t, payload, "generated_at_utc", name)
	}
}
