package quakelink

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParquetCfg() ParquetConfig {
	return ParquetConfig{
		Compression:   "zstd",
		BatchRows:     4,
		PartitionCols: []string{"source", "station_id", "date"},
	}
}

func makeRecords(source, station string, startMs int64, n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			TsMs:        startMs + int64(i)*60_000,
			Source:      source,
			StationID:   station,
			Channel:     "X",
			Value:       F64(float64(i)),
			Lat:         F64(10.5),
			Lon:         F64(20.25),
			Flags:       QualityFlags{Note: "synthetic"},
			ProcStage:   StageTagRaw,
			ProcVersion: "0.1.0",
			ParamsHash:  "abcdef012345",
		}
	}

	return records
}

func TestWriteReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	records := makeRecords(SourceGeomag, "KAK", 1577836800000, 10)
	records[3].Value = nil
	records[3].Flags = QualityFlags{IsMissing: true, MissingReason: "sentinel"}

	_, err := WritePartitioned(records, root, testParquetCfg(), nil)
	require.NoError(t, err)

	got, err := ReadRecords(root, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, len(records))

	sort.Slice(got, func(i, j int) bool { return got[i].TsMs < got[j].TsMs })
	for i := range records {
		assert.Equal(t, records[i].TsMs, got[i].TsMs)
		assert.Equal(t, records[i].Source, got[i].Source)
		assert.Equal(t, records[i].StationID, got[i].StationID)
		assert.Equal(t, records[i].Flags, got[i].Flags)
		if records[i].Value == nil {
			assert.Nil(t, got[i].Value)
			assert.True(t, got[i].Flags.IsMissing)
		} else {
			require.NotNil(t, got[i].Value)
			assert.Equal(t, *records[i].Value, *got[i].Value)
		}
	}
}

func TestAppendNeverOverwrites(t *testing.T) {
	root := t.TempDir()
	cfg := testParquetCfg()

	counters, err := WritePartitioned(makeRecords(SourceGeomag, "KAK", 1577836800000, 5), root, cfg, nil)
	require.NoError(t, err)

	_, err = WritePartitioned(makeRecords(SourceGeomag, "KAK", 1577837100000, 5), root, cfg, counters)
	require.NoError(t, err)

	got, err := ReadRecords(root, nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestAppendFreshWriterRotates(t *testing.T) {
	// even without carried counters, a second writer must not clobber files
	root := t.TempDir()
	cfg := testParquetCfg()

	_, err := WritePartitioned(makeRecords(SourceAef, "SGD", 1577836800000, 3), root, cfg, nil)
	require.NoError(t, err)
	_, err = WritePartitioned(makeRecords(SourceAef, "SGD", 1577836800000, 3), root, cfg, nil)
	require.NoError(t, err)

	got, err := ReadRecords(root, nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, got, 6)
}

func TestReadPredicateAndLimit(t *testing.T) {
	root := t.TempDir()
	records := append(
		makeRecords(SourceGeomag, "KAK", 1577836800000, 10),
		makeRecords(SourceAef, "SGD", 1577836800000, 10)...,
	)
	_, err := WritePartitioned(records, root, testParquetCfg(), nil)
	require.NoError(t, err)

	t0 := int64(1577836800000)
	t1 := t0 + 4*60_000
	pred := &Predicate{
		Keys:  map[string][]string{"source": {SourceGeomag}},
		TsMin: &t0,
		TsMax: &t1,
	}

	got, err := ReadRecords(root, pred, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := range got {
		assert.Equal(t, SourceGeomag, got[i].Source)
		assert.GreaterOrEqual(t, got[i].TsMs, t0)
		assert.LessOrEqual(t, got[i].TsMs, t1)
	}

	capped, err := ReadRecords(root, pred, nil, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestReadProjectsColumns(t *testing.T) {
	root := t.TempDir()
	_, err := WritePartitioned(makeRecords(SourceGeomag, "KAK", 1577836800000, 3), root, testParquetCfg(), nil)
	require.NoError(t, err)

	got, err := ReadRecords(root, nil, []string{"ts_ms", "station_id", "value"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		assert.NotZero(t, got[i].TsMs)
		assert.Equal(t, "KAK", got[i].StationID)
		assert.NotNil(t, got[i].Value)
		assert.Empty(t, got[i].Channel)
		assert.Empty(t, got[i].ProcVersion)
	}
}

func TestReadMissingRootIsEmpty(t *testing.T) {
	got, err := ReadRecords(filepath.Join(t.TempDir(), "nope"), nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMissingPartitionColumnGoesUnknown(t *testing.T) {
	root := t.TempDir()
	records := makeRecords(SourceGeomag, "", 1577836800000, 2)

	_, err := WritePartitioned(records, root, testParquetCfg(), nil)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(root, "source=geomag", "station_id=unknown", "*", "*.parquet"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestWriteTableEmptyIsSchemaValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.parquet")
	require.NoError(t, WriteTable[FeatureRow](path, nil, "zstd"))

	rows, err := ReadTable[FeatureRow](path)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
