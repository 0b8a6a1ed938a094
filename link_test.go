package quakelink

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignTsTruncatesTowardMinusInf(t *testing.T) {
	assert.Equal(t, int64(120_000), alignTs(125_500, 60_000))
	assert.Equal(t, int64(0), alignTs(59_999, 60_000))
	assert.Equal(t, int64(-60_000), alignTs(-1, 60_000))
	assert.Equal(t, int64(-120_000), alignTs(-60_001, 60_000))
}

func TestHaversine(t *testing.T) {
	// equator to (20, 20) is roughly 3100 km
	d := HaversineKm(0, 0, 20, 20)
	assert.InDelta(t, 3100, d, 60)

	assert.InDelta(t, 0, HaversineKm(35.0, 135.0, 35.0, 135.0), 1e-9)
}

// seedStandardStore writes located rows for two stations inside the event
// window of the test event.
func seedStandardStore(t *testing.T, env *StageEnv) {
	t.Helper()

	origin, err := env.Config.Events[0].OriginMs()
	require.NoError(t, err)

	near := makeRecords(SourceGeomag, "NEAR", origin-10*60_000, 20)
	for i := range near {
		near[i].Lat = F64(0)
		near[i].Lon = F64(0)
		near[i].ProcStage = StageTagStandard
	}
	far := makeRecords(SourceGeomag, "FARX", origin-10*60_000, 20)
	for i := range far {
		far[i].Lat = F64(20)
		far[i].Lon = F64(20)
		far[i].ProcStage = StageTagStandard
	}

	root := filepath.Join(env.Paths.Standard, "source="+SourceGeomag)
	_, err = WritePartitioned(append(near, far...), root, rawPartitionCfg(env.Config.Storage.Parquet), nil)
	require.NoError(t, err)
}

func TestRunLinkSpatialFilter(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Link.SpatialKm = 500
	seedStandardStore(t, env)

	p := NewPipeline()
	require.NoError(t, p.runLink(context.Background(), env))

	aligned, err := ReadAligned(filepath.Join(env.Paths.LinkedEvent("evt_test"), "aligned.parquet"))
	require.NoError(t, err)
	require.NotEmpty(t, aligned)

	interval := env.Config.AlignIntervalMs()
	for i := range aligned {
		assert.Equal(t, "NEAR", aligned[i].StationID, "station beyond spatial_km must be dropped")
		assert.Equal(t, "evt_test", aligned[i].EventID)
		assert.Zero(t, aligned[i].TsMs%interval)
		require.NotNil(t, aligned[i].DistanceKm)
		assert.LessOrEqual(t, *aligned[i].DistanceKm, 500.0)
	}

	var summary LinkSummary
	require.NoError(t, ReadJsonInto(filepath.Join(env.Paths.LinkedEvent("evt_test"), "summary.json"), &summary))
	assert.Equal(t, "evt_test", summary.EventID)
	assert.GreaterOrEqual(t, summary.JoinCoverage, 0.0)
	assert.LessOrEqual(t, summary.JoinCoverage, 1.0)
	expected := int((int64(env.Config.Time.EventWindow.PreHours+env.Config.Time.EventWindow.PostHours) * 3_600_000) / interval)
	assert.Equal(t, expected, summary.ExpectedBins)

	var stations struct {
		Stations []StationSummary `json:"stations"`
	}
	require.NoError(t, ReadJsonInto(filepath.Join(env.Paths.LinkedEvent("evt_test"), "stations.json"), &stations))
	require.Len(t, stations.Stations, 1)
	assert.Equal(t, "NEAR", stations.Stations[0].StationID)
	assert.Equal(t, 20, stations.Stations[0].Rows)
}

func TestRunLinkEmptyWindowWritesSchema(t *testing.T) {
	env := newTestEnv(t)

	p := NewPipeline()
	require.NoError(t, p.runLink(context.Background(), env))

	aligned_path := filepath.Join(env.Paths.LinkedEvent("evt_test"), "aligned.parquet")
	aligned, err := ReadAligned(aligned_path)
	require.NoError(t, err)
	assert.Empty(t, aligned)

	var summary LinkSummary
	require.NoError(t, ReadJsonInto(filepath.Join(env.Paths.LinkedEvent("evt_test"), "summary.json"), &summary))
	assert.Zero(t, summary.JoinCoverage)
}

func TestRequireStationLocationDropsUnlocated(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Link.RequireStationLocation = true

	origin, err := env.Config.Events[0].OriginMs()
	require.NoError(t, err)

	rows := makeRecords(SourceAef, "NOLOC", origin, 5)
	for i := range rows {
		rows[i].Lat = nil
		rows[i].Lon = nil
	}
	root := filepath.Join(env.Paths.Standard, "source="+SourceAef)
	_, err = WritePartitioned(rows, root, rawPartitionCfg(env.Config.Storage.Parquet), nil)
	require.NoError(t, err)

	p := NewPipeline()
	require.NoError(t, p.runLink(context.Background(), env))

	aligned, err := ReadAligned(filepath.Join(env.Paths.LinkedEvent("evt_test"), "aligned.parquet"))
	require.NoError(t, err)
	assert.Empty(t, aligned)
}
