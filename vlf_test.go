package quakelink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpectrogram() *Spectrogram {
	freqs := []float64{100, 500, 2000, 5000}
	epochs := []int64{
		1577836800_000_000_000,
		1577836815_000_000_000, // same minute
		1577836860_000_000_000, // next minute
	}

	ch1 := [][]float64{
		{1, 3, 10, 2},
		{3, 5, 20, 4},
		{2, 2, 30, 6},
	}

	return &Spectrogram{
		StationID: "VLF1",
		EpochNs:   epochs,
		FreqHz:    freqs,
		Channels:  map[string][][]float64{"ch1": ch1},
	}
}

func vlfCfg() VlfPreprocessConfig {
	return VlfPreprocessConfig{
		Standardize: VlfStandardizeConfig{
			BandsHz:        [][]float64{{10, 1000}, {1000, 10000}},
			FreqAgg:        "mean",
			TimeAgg:        "mean",
			TargetInterval: "1min",
		},
		FreqLineMask:       VlfLineMaskConfig{BaseHz: 50, Harmonics: 0},
		BackgroundSubtract: VlfBackgroundConfig{Method: "none"},
	}
}

func TestVlfBandRecords(t *testing.T) {
	spec := testSpectrogram()
	records := vlfBandRecords(spec, vlfCfg(), "0.1.0", "cafe0123abcd")

	byKey := make(map[string]map[int64]float64)
	for i := range records {
		r := &records[i]
		assert.Equal(t, SourceVlf, r.Source)
		assert.Equal(t, "VLF1", r.StationID)
		assert.Equal(t, StageTagStandard, r.ProcStage)
		if byKey[r.Channel] == nil {
			byKey[r.Channel] = make(map[int64]float64)
		}
		require.NotNil(t, r.Value)
		byKey[r.Channel][r.TsMs] = *r.Value
	}

	minute0 := int64(1577836800000)
	minute1 := minute0 + 60_000

	low := byKey["ch1_band_10_1000"]
	require.NotNil(t, low)
	// rows one and two share the first minute bin: mean(mean(1,3), mean(3,5)) = 3
	assert.InDelta(t, 3.0, low[minute0], 1e-9)
	assert.InDelta(t, 2.0, low[minute1], 1e-9)

	high := byKey["ch1_band_1000_10000"]
	require.NotNil(t, high)
	assert.InDelta(t, 9.0, high[minute0], 1e-9) // mean(mean(10,2), mean(20,4))
	assert.InDelta(t, 18.0, high[minute1], 1e-9)

	peak := byKey["ch1_peak_freq"]
	require.NotNil(t, peak)
	assert.InDelta(t, 2000.0, peak[minute0], 1e-9)
	assert.InDelta(t, 2000.0, peak[minute1], 1e-9)
}

func TestVlfLineMask(t *testing.T) {
	spec := testSpectrogram()
	spec.applyLineMask(VlfLineMaskConfig{BaseHz: 100, Harmonics: 1, HalfWidthHz: 10})

	for _, row := range spec.Channels["ch1"] {
		assert.Zero(t, row[0]) // the 100 Hz bin is masked
		assert.NotZero(t, row[2])
	}
}

func TestVlfBackgroundSubtract(t *testing.T) {
	spec := testSpectrogram()
	cfg := vlfCfg()
	cfg.BackgroundSubtract.Method = "median"

	records := vlfBandRecords(spec, cfg, "0.1.0", "cafe0123abcd")

	var low []float64
	for i := range records {
		if records[i].Channel == "ch1_band_10_1000" {
			low = append(low, *records[i].Value)
		}
	}
	require.Len(t, low, 2)
	// subtracting a per-channel baseline centres the series near zero
	var sum float64
	for _, v := range low {
		sum += v
	}
	assert.InDelta(t, 0.0, sum/2, 1.0)
}

func TestVlfMissingCh2Tolerated(t *testing.T) {
	spec := testSpectrogram() // ch1 only
	records := vlfBandRecords(spec, vlfCfg(), "0.1.0", "cafe0123abcd")
	require.NotEmpty(t, records)
	for i := range records {
		assert.NotContains(t, records[i].Channel, "ch2")
	}
}

func TestVlfTimeMedian(t *testing.T) {
	spec := testSpectrogram()
	spec.applyTimeMedian(3)

	// the middle row of each column becomes the column median
	assert.InDelta(t, 2.0, spec.Channels["ch1"][1][0], 1e-9) // median(1,3,2)
	assert.InDelta(t, 20.0, spec.Channels["ch1"][1][2], 1e-9)
}
