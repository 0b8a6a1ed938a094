package quakelink

import (
	"context"
	"math"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *StageEnv {
	t.Helper()

	config := DefaultConfig()
	config.Storage.Parquet.BatchRows = 64
	config.Preprocess.BatchRows = 64
	config.Events = []Event{{
		EventID:       "evt_test",
		OriginTimeUTC: "2020-01-03T00:00:00Z",
		Lat:           0,
		Lon:           0,
	}}

	paths := NewOutputPaths(t.TempDir())
	require.NoError(t, paths.Ensure())

	return &StageEnv{
		BaseDir:    paths.Root,
		Config:     &config,
		Paths:      paths,
		RunID:      "20200101_000000",
		ParamsHash: "cafe0123abcd",
		Log:        zerolog.Nop(),
	}
}

// runCleaner pushes the rows through a streamCleaner at the given batch size
// and returns everything emitted, ordered by timestamp.
func runCleaner(t *testing.T, rows []Record, cfg PreprocessConfig, batch int) []Record {
	t.Helper()

	var ref SuffStats
	for i := range rows {
		if rows[i].Value != nil {
			ref.Add(*rows[i].Value)
		}
	}
	stats := GroupStats{rows[0].Key(): &ref}

	var emitted []Record
	cleaner := newStreamCleaner(SourceGeomag, cfg, nil, stats, "0.1.0", "cafe0123abcd", func(batch []Record) error {
		emitted = append(emitted, batch...)
		return nil
	})

	for start := 0; start < len(rows); start += batch {
		end := start + batch
		if end > len(rows) {
			end = len(rows)
		}
		chunk := cloneRecords(rows[start:end])
		require.NoError(t, cleaner.ProcessBatch(chunk))
	}
	require.NoError(t, cleaner.Flush())

	sort.Slice(emitted, func(i, j int) bool { return emitted[i].TsMs < emitted[j].TsMs })

	return emitted
}

func TestTailCarryMatchesSingleBatch(t *testing.T) {
	cfg := DefaultConfig().Preprocess
	cfg.Interpolate.MaxGapPoints = 3
	cfg.Filter.Enabled = true
	cfg.Filter.Window = 5
	cfg.Outlier.Threshold = 1e9 // local-window operations only

	n := 97
	rows := make([]Record, n)
	for i := range rows {
		rows[i] = Record{
			TsMs:      int64(i) * 60_000,
			Source:    SourceGeomag,
			StationID: "KAK",
			Channel:   "X",
		}
		// a gap every 17 samples, otherwise a smooth oscillation
		if i%17 != 3 {
			rows[i].Value = F64(math.Sin(float64(i) / 9.0))
		}
	}

	overlap := CleanOverlap(cfg)
	full := runCleaner(t, rows, cfg, len(rows))

	for _, batch := range []int{overlap + 1, overlap + 7, 40} {
		chunked := runCleaner(t, rows, cfg, batch)
		require.Len(t, chunked, len(full), "batch=%d", batch)
		for i := range full {
			assert.Equal(t, full[i].TsMs, chunked[i].TsMs, "batch=%d i=%d", batch, i)
			if full[i].Value == nil {
				assert.Nil(t, chunked[i].Value, "batch=%d i=%d", batch, i)
			} else {
				require.NotNil(t, chunked[i].Value, "batch=%d i=%d", batch, i)
				assert.InDelta(t, *full[i].Value, *chunked[i].Value, 1e-9, "batch=%d i=%d", batch, i)
			}
			assert.Equal(t, full[i].Flags, chunked[i].Flags, "batch=%d i=%d", batch, i)
		}
	}
}

func TestMinuteExpansionForward(t *testing.T) {
	rows := []Record{
		{TsMs: 0, Source: SourceGeomag, StationID: "KAK", Channel: "X", Value: F64(1)},
		{TsMs: 60_000, Source: SourceGeomag, StationID: "KAK", Channel: "X", Value: F64(2)},
	}

	out := expandMinuteRows(rows, ExpandConfig{Seconds: 3, Mode: "forward"})
	require.Len(t, out, 6)

	assert.Equal(t, int64(0), out[0].TsMs)
	assert.Equal(t, int64(1000), out[1].TsMs)
	assert.Equal(t, int64(2000), out[2].TsMs)

	// the original timestamp keeps its measured flags; the copies are
	// synthetic
	assert.False(t, out[0].Flags.IsInterpolated)
	assert.True(t, out[1].Flags.IsInterpolated)
	assert.Equal(t, "minute_expand", out[1].Flags.InterpMethod)
	assert.True(t, out[2].Flags.IsInterpolated)
}

func TestMinuteExpansionCentered(t *testing.T) {
	rows := []Record{{TsMs: 60_000, Source: SourceAef, StationID: "SGD", Channel: "E", Value: F64(1)}}

	out := expandMinuteRows(rows, ExpandConfig{Seconds: 4, Mode: "centered"})
	require.Len(t, out, 4)
	assert.Equal(t, int64(58_000), out[0].TsMs)
	assert.Equal(t, int64(61_000), out[3].TsMs)
}

func TestStandardizeTimeseriesEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Preprocess.Interpolate.MaxGapPoints = 1

	raw := makeRecords(SourceGeomag, "KAK", 1577836800000, 30)
	raw[7].Value = nil
	raw[7].Flags = QualityFlags{IsMissing: true, MissingReason: "sentinel"}

	raw_root := filepath.Join(env.Paths.Raw, "source="+SourceGeomag)
	_, err := WritePartitioned(raw, raw_root, rawPartitionCfg(env.Config.Storage.Parquet), nil)
	require.NoError(t, err)

	p := NewPipeline()
	stats, _, err := p.standardizeTimeseries(context.Background(), env, SourceGeomag)
	require.NoError(t, err)
	assert.Equal(t, int64(30), stats.Rows)

	std_root := filepath.Join(env.Paths.Standard, "source="+SourceGeomag)
	got, err := ReadRecords(std_root, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 30)

	sort.Slice(got, func(i, j int) bool { return got[i].TsMs < got[j].TsMs })
	for i := range got {
		assert.Equal(t, StageTagStandard, got[i].ProcStage)
		assert.Equal(t, env.ParamsHash, got[i].ParamsHash)
	}
	// the sentinel row was a one-point gap and comes back interpolated
	assert.True(t, got[7].Flags.IsInterpolated)
	require.NotNil(t, got[7].Value)
}
