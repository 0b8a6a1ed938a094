package quakelink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

const testYaml = `
pipeline:
  version: "1.2.3"
outputs:
  root: out
time:
  event_window:
    pre_hours: 48
link:
  spatial_km: 350
events:
  - event_id: evt_a
    origin_time_utc: "2020-01-03T00:00:00Z"
    lat: 35.0
    lon: 135.0
  - event_id: evt_b
    origin_time_utc: "2021-06-01T12:00:00Z"
    lat: -10.0
    lon: 120.0
`

func TestLoadConfigDeepMerge(t *testing.T) {
	config, err := LoadConfig(writeConfigFile(t, testYaml))
	require.NoError(t, err)

	// overridden values
	assert.Equal(t, "1.2.3", config.Pipeline.Version)
	assert.Equal(t, 48.0, config.Time.EventWindow.PreHours)
	assert.Equal(t, 350.0, config.Link.SpatialKm)

	// defaults survive a partial override of their section
	assert.Equal(t, 24.0, config.Time.EventWindow.PostHours)
	assert.Equal(t, "1min", config.Time.AlignInterval)
	assert.Equal(t, "zstd", config.Storage.Parquet.Compression)
}

func TestParamsHashStable(t *testing.T) {
	path := writeConfigFile(t, testYaml)

	a, err := LoadConfig(path)
	require.NoError(t, err)
	b, err := LoadConfig(path)
	require.NoError(t, err)

	hash_a, err := a.ParamsHash()
	require.NoError(t, err)
	hash_b, err := b.ParamsHash()
	require.NoError(t, err)

	assert.Equal(t, hash_a, hash_b)
	assert.Len(t, hash_a, 12)
}

func TestParamsHashChangesWithConfig(t *testing.T) {
	a, err := LoadConfig(writeConfigFile(t, testYaml))
	require.NoError(t, err)
	b, err := LoadConfig(writeConfigFile(t, testYaml+"\nlimits:\n  max_rows_per_source: 10\n"))
	require.NoError(t, err)

	hash_a, err := a.ParamsHash()
	require.NoError(t, err)
	hash_b, err := b.ParamsHash()
	require.NoError(t, err)

	assert.NotEqual(t, hash_a, hash_b)
}

func TestGetEvent(t *testing.T) {
	config, err := LoadConfig(writeConfigFile(t, testYaml))
	require.NoError(t, err)

	first, err := config.GetEvent("")
	require.NoError(t, err)
	assert.Equal(t, "evt_a", first.EventID)

	second, err := config.GetEvent("evt_b")
	require.NoError(t, err)
	assert.Equal(t, "evt_b", second.EventID)

	_, err = config.GetEvent("evt_missing")
	assert.ErrorIs(t, err, ErrEventNotFound)

	empty := DefaultConfig()
	_, err = empty.GetEvent("")
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestParseInterval(t *testing.T) {
	for input, want := range map[string]time.Duration{
		"1min":  time.Minute,
		"5min":  5 * time.Minute,
		"30s":   30 * time.Second,
		"1h":    time.Hour,
		"500ms": 500 * time.Millisecond,
	} {
		got, err := ParseInterval(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}

func TestEventWindow(t *testing.T) {
	event := Event{EventID: "e", OriginTimeUTC: "2020-01-03T00:00:00Z"}

	t0, t1, err := event.Window(72, 24)
	require.NoError(t, err)

	origin, err := event.OriginMs()
	require.NoError(t, err)
	assert.Equal(t, origin-72*3_600_000, t0)
	assert.Equal(t, origin+24*3_600_000, t1)
}

func TestSourcePreprocessOverride(t *testing.T) {
	cfg := DefaultConfig().Preprocess
	cfg.Aef = &SourcePreprocess{
		Hampel:  &HampelConfig{Enabled: true, Window: 11, Threshold: 3},
		Outlier: &OutlierConfig{Threshold: 5},
	}

	aef := cfg.ForSource(SourceAef)
	assert.True(t, aef.Hampel.Enabled)
	assert.Equal(t, 5.0, aef.Outlier.Threshold)
	// untouched settings fall through to the shared block
	assert.Equal(t, cfg.Interpolate, aef.Interpolate)

	geomag := cfg.ForSource(SourceGeomag)
	assert.False(t, geomag.Hampel.Enabled)
	assert.Equal(t, 4.0, geomag.Outlier.Threshold)
}

func TestResolvePatternsReadMode(t *testing.T) {
	sp := SourcePaths{
		SecPatterns: []string{"*sec.sec"},
		MinPatterns: []string{"*min.min"},
		ReadMode:    "both",
	}
	assert.ElementsMatch(t, []string{"*sec.sec", "*min.min"}, sp.ResolvePatterns())

	sp.ReadMode = "min"
	assert.ElementsMatch(t, []string{"*min.min"}, sp.ResolvePatterns())
}
