package quakelink

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assocCfg() AssociationConfig {
	return AssociationConfig{
		ChangeThreshold: 3.0,
		CorrThreshold:   0.6,
		MaxLagMinutes:   30,
		LagStepMinutes:  1,
		MinSources:      2,
		MinOverlap:      30,
		MinPoints:       20,
		TopnPairs:       50,
	}
}

func TestRankAnomalies(t *testing.T) {
	features := []FeatureRow{
		{EventID: "evt_test", Source: SourceGeomag, StationID: "A", Channel: "X", Feature: "mean", Value: 0},
		{EventID: "evt_test", Source: SourceGeomag, StationID: "B", Channel: "X", Feature: "mean", Value: 10},
	}

	anomalies := RankAnomalies(features, 0.5, 10)

	require.NotEmpty(t, anomalies)
	assert.Equal(t, 1, anomalies[0].Rank)
	assert.GreaterOrEqual(t, math.Abs(anomalies[0].Score), 0.5)
	for i := 1; i < len(anomalies); i++ {
		assert.Equal(t, i+1, anomalies[i].Rank)
		assert.GreaterOrEqual(t, math.Abs(anomalies[i-1].Score), math.Abs(anomalies[i].Score))
	}
}

func TestRankAnomaliesZeroStdGuard(t *testing.T) {
	features := []FeatureRow{
		{Source: SourceAef, StationID: "A", Channel: "E", Feature: "mean", Value: 7},
		{Source: SourceAef, StationID: "B", Channel: "E", Feature: "mean", Value: 7},
	}

	// identical values: scores are zero, nothing passes a positive threshold
	assert.Empty(t, RankAnomalies(features, 0.1, 10))
}

// bump returns a non-periodic test signal with a single localized peak, so
// the lag search has a unique optimum.
func bump(i int) float64 {
	x := float64(i)
	return math.Exp(-(x-100)*(x-100)/50.0) + 0.001*x
}

func TestLagCorrelationRecoversShift(t *testing.T) {
	shift := 5
	var aligned []Record
	for i := 0; i < 200; i++ {
		ts := int64(i) * 60_000
		aligned = append(aligned, alignedRow(SourceGeomag, "KAK", "X", ts, bump(i)))
		// the aef series trails the geomag series by `shift` bins
		aligned = append(aligned, alignedRow(SourceAef, "SGD", "E", ts+int64(shift)*60_000, bump(i)))
	}

	series := buildSeriesMap(aligned)
	rows := ComputeSimilarity(context.Background(), series, assocCfg(), "evt_test", "cafe0123abcd")

	require.Len(t, rows, 1)
	assert.Equal(t, shift, rows[0].LagMinutes)
	// the pair is oriented by physical lead/trail, not by tag spelling:
	// geomag leads even though "aef" sorts first
	assert.Equal(t, SourceGeomag, rows[0].SourceA)
	assert.Equal(t, SourceAef, rows[0].SourceB)
	assert.InDelta(t, 1.0, math.Abs(rows[0].Corr), 1e-6)
	assert.True(t, rows[0].SimilarityFlag)
	assert.GreaterOrEqual(t, rows[0].OverlapPoints, 30)
}

func TestLagOrientationIndependentOfSpelling(t *testing.T) {
	// mirror fixture: now the alphabetically-earlier source leads
	shift := 7
	var aligned []Record
	for i := 0; i < 200; i++ {
		ts := int64(i) * 60_000
		aligned = append(aligned, alignedRow(SourceAef, "SGD", "E", ts, bump(i)))
		aligned = append(aligned, alignedRow(SourceGeomag, "KAK", "X", ts+int64(shift)*60_000, bump(i)))
	}

	series := buildSeriesMap(aligned)
	rows := ComputeSimilarity(context.Background(), series, assocCfg(), "evt_test", "cafe0123abcd")

	require.Len(t, rows, 1)
	assert.Equal(t, shift, rows[0].LagMinutes)
	assert.Equal(t, SourceAef, rows[0].SourceA)
	assert.Equal(t, SourceGeomag, rows[0].SourceB)
	assert.InDelta(t, 1.0, math.Abs(rows[0].Corr), 1e-6)
}

func TestLagZeroCollapsesToPlainCorrelation(t *testing.T) {
	var aligned []Record
	for i := 0; i < 100; i++ {
		ts := int64(i) * 60_000
		aligned = append(aligned, alignedRow(SourceGeomag, "KAK", "X", ts, bump(i)))
		aligned = append(aligned, alignedRow(SourceVlf, "VLF1", "ch1_band_10_1000", ts, bump(i)+0.01*float64(i%7)))
	}

	cfg := assocCfg()
	cfg.MaxLagMinutes = 0

	series := buildSeriesMap(aligned)
	rows := ComputeSimilarity(context.Background(), series, cfg, "evt_test", "cafe0123abcd")

	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].LagMinutes)
	assert.Greater(t, math.Abs(rows[0].Corr), 0.9)
}

func TestSameSourcePairsSkipped(t *testing.T) {
	var aligned []Record
	for i := 0; i < 100; i++ {
		ts := int64(i) * 60_000
		aligned = append(aligned, alignedRow(SourceGeomag, "KAK", "X", ts, bump(i)))
		aligned = append(aligned, alignedRow(SourceGeomag, "KAK", "Y", ts, bump(i)))
	}

	series := buildSeriesMap(aligned)
	rows := ComputeSimilarity(context.Background(), series, assocCfg(), "evt_test", "cafe0123abcd")
	assert.Empty(t, rows)
}

func TestChangeDetectionFlagsStep(t *testing.T) {
	origin := int64(100) * 60_000
	var aligned []Record
	for i := 0; i < 200; i++ {
		ts := int64(i) * 60_000
		level := 1.0 + 0.01*float64(i%5)
		if ts >= origin {
			level += 10
		}
		aligned = append(aligned, alignedRow(SourceGeomag, "KAK", "X", ts, level))
		aligned = append(aligned, alignedRow(SourceAef, "SGD", "E", ts, 5.0+0.01*float64(i%3)))
	}

	series := buildSeriesMap(aligned)
	changes := ComputeChanges(series, origin, assocCfg(), "evt_test", "cafe0123abcd")

	require.Len(t, changes, 2)
	byKey := make(map[string]ChangeRow)
	for _, row := range changes {
		byKey[row.Source] = row
	}

	assert.True(t, byKey[SourceGeomag].ChangeFlag)
	assert.Greater(t, byKey[SourceGeomag].ChangeScore, 3.0)
	assert.False(t, byKey[SourceAef].ChangeFlag)
}

func TestDuplicateBinsCollapseByMedian(t *testing.T) {
	aligned := []Record{
		alignedRow(SourceGeomag, "KAK", "X", 0, 1),
		alignedRow(SourceGeomag, "LRM", "X", 0, 3),
		alignedRow(SourceGeomag, "ASP", "X", 0, 100),
	}

	series := buildSeriesMap(aligned)
	key := seriesKey{Source: SourceGeomag, Channel: "X"}
	require.Contains(t, series, key)
	require.Len(t, series[key].values, 1)
	assert.InDelta(t, 3.0, series[key].values[0], 1e-9)
}
