package quakelink

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alignedRow(source, station, channel string, tsMs int64, value float64) Record {
	return Record{
		TsMs:      tsMs,
		Source:    source,
		StationID: station,
		Channel:   channel,
		Value:     F64(value),
		EventID:   "evt_test",
	}
}

func TestGroupFeatureValues(t *testing.T) {
	var aligned []Record
	values := []float64{1, 2, 3, 4}
	for i, v := range values {
		aligned = append(aligned, alignedRow(SourceAef, "SGD", "E", int64(i)*60_000, v))
	}

	rows := ComputeFeatures(aligned, "evt_test", 0)

	byFeature := make(map[string]float64)
	for _, row := range rows {
		byFeature[row.Feature] = row.Value
	}

	assert.InDelta(t, 4, byFeature["count"], 1e-9)
	assert.InDelta(t, 2.5, byFeature["mean"], 1e-9)
	assert.InDelta(t, 4, byFeature["max"], 1e-9)
	assert.InDelta(t, 4, byFeature["peak"], 1e-9)
	assert.InDelta(t, 1, byFeature["min"], 1e-9)
	assert.InDelta(t, math.Sqrt(30.0/4.0), byFeature["rms"], 1e-9)
	// sample variance with n-1 in the denominator
	assert.InDelta(t, 5.0/3.0, byFeature["variance"], 1e-9)
}

func TestGeomagGradientFeatures(t *testing.T) {
	var aligned []Record
	values := []float64{0, 60, 60, 180}
	for i, v := range values {
		aligned = append(aligned, alignedRow(SourceGeomag, "KAK", "X", int64(i)*60_000, v))
	}

	rows := ComputeFeatures(aligned, "evt_test", 0)

	byFeature := make(map[string]float64)
	for _, row := range rows {
		byFeature[row.Feature] = row.Value
	}

	// |dv/dt| per step: 1.0, 0.0, 2.0 units per second
	require.Contains(t, byFeature, "gradient_abs_mean")
	assert.InDelta(t, 1.0, byFeature["gradient_abs_mean"], 1e-9)
	assert.InDelta(t, 2.0, byFeature["gradient_abs_max"], 1e-9)
}

func TestSeismicArrivalOffsets(t *testing.T) {
	origin := int64(600_000)
	var aligned []Record
	peaks := []float64{1, 2, 9, 3}
	for i, v := range peaks {
		aligned = append(aligned, alignedRow(SourceSeismic, "IU.ANMO..BHZ", "BHZ_rms", origin+int64(i)*60_000, v))
		aligned = append(aligned, alignedRow(SourceSeismic, "IU.ANMO..BHZ", "BHZ_mean_abs", origin+int64(i)*60_000, v))
	}

	rows := ComputeFeatures(aligned, "evt_test", origin)

	var p_offset, s_offset *float64
	for i := range rows {
		switch rows[i].Feature {
		case "p_arrival_offset_s":
			p_offset = &rows[i].Value
		case "s_arrival_offset_s":
			s_offset = &rows[i].Value
		}
	}

	require.NotNil(t, p_offset)
	require.NotNil(t, s_offset)
	// maximum sits two bins after origin
	assert.InDelta(t, 120.0, *p_offset, 1e-9)
	assert.InDelta(t, 120.0, *s_offset, 1e-9)
}

func TestMissingValuesExcluded(t *testing.T) {
	aligned := []Record{
		alignedRow(SourceAef, "SGD", "E", 0, 1),
		{TsMs: 60_000, Source: SourceAef, StationID: "SGD", Channel: "E", EventID: "evt_test"},
		alignedRow(SourceAef, "SGD", "E", 120_000, 3),
	}

	rows := ComputeFeatures(aligned, "evt_test", 0)

	byFeature := make(map[string]float64)
	for _, row := range rows {
		byFeature[row.Feature] = row.Value
	}
	assert.InDelta(t, 2, byFeature["count"], 1e-9)
	assert.InDelta(t, 2, byFeature["mean"], 1e-9)
}
