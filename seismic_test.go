package quakelink

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineTrace(station string, startMs int64, sr float64, seconds int, freqHz float64) *Trace {
	n := int(sr) * seconds
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Sin(2 * math.Pi * freqHz * float64(i) / sr)
	}

	return &Trace{
		StationID:  station,
		Channel:    "BHZ",
		StartMs:    startMs,
		SampleRate: sr,
		Data:       data,
		Lat:        F64(35.0),
		Lon:        F64(135.0),
	}
}

func TestBandpassKeepsPassbandKillsStopband(t *testing.T) {
	sr := 100.0
	n := 4096

	in_band := make([]float64, n)
	out_band := make([]float64, n)
	for i := range in_band {
		in_band[i] = math.Sin(2 * math.Pi * 5.0 * float64(i) / sr)   // inside 1..20 Hz
		out_band[i] = math.Sin(2 * math.Pi * 40.0 * float64(i) / sr) // far above
	}

	require.NoError(t, Bandpass(in_band, sr, 1.0, 20.0, 4, true))
	require.NoError(t, Bandpass(out_band, sr, 1.0, 20.0, 4, true))

	power := func(x []float64) float64 {
		var sum float64
		for _, v := range x[n/4 : 3*n/4] { // ignore edge transients
			sum += v * v
		}
		return sum
	}

	assert.Greater(t, power(in_band), 100.0)
	assert.Less(t, power(out_band), power(in_band)/100.0)
}

func TestNotchRemovesLine(t *testing.T) {
	sr := 200.0
	n := 4096
	line := make([]float64, n)
	for i := range line {
		line[i] = math.Sin(2 * math.Pi * 50.0 * float64(i) / sr)
	}

	require.NoError(t, NotchHarmonics(line, sr, NotchConfig{BaseHz: 50, HalfWidthHz: 1, Harmonics: 2}))

	var residual float64
	for _, v := range line[n/2:] {
		residual += v * v
	}
	assert.Less(t, residual, 10.0)
}

func TestTraceFeatureRowsWindows(t *testing.T) {
	trace := sineTrace("IU.ANMO..BHZ", 1577836800000, 20, 180, 1.0)
	rows := traceFeatureRows(trace, 60, map[string]any{"freqmin_hz": 0.1}, "0.1.0", "cafe0123abcd")

	// three full minutes, two channels per window
	require.Len(t, rows, 6)

	channels := map[string]int{}
	for i := range rows {
		channels[rows[i].Channel]++
		assert.Equal(t, SourceSeismic, rows[i].Source)
		assert.Equal(t, StageTagStandard, rows[i].ProcStage)
		assert.True(t, rows[i].Flags.IsFiltered)
		require.NotNil(t, rows[i].Value)
	}
	assert.Equal(t, 3, channels["BHZ_rms"])
	assert.Equal(t, 3, channels["BHZ_mean_abs"])

	// unit sine: rms ~ 1/sqrt(2), mean abs ~ 2/pi
	for i := range rows {
		if rows[i].Channel == "BHZ_rms" {
			assert.InDelta(t, 1/math.Sqrt2, *rows[i].Value, 0.01)
		} else {
			assert.InDelta(t, 2/math.Pi, *rows[i].Value, 0.01)
		}
	}
}

func TestShortTraceSkipped(t *testing.T) {
	trace := sineTrace("IU.ANMO..BHZ", 0, 20, 30, 1.0) // half a window
	rows := traceFeatureRows(trace, 60, nil, "0.1.0", "cafe0123abcd")
	assert.Empty(t, rows)

	zero_sr := &Trace{StationID: "X", Channel: "BHZ", SampleRate: 0, Data: make([]float64, 100)}
	assert.Empty(t, traceFeatureRows(zero_sr, 60, nil, "0.1.0", "cafe0123abcd"))
}

// memTraceSource feeds fixed traces into the pipeline.
type memTraceSource struct {
	traces []*Trace
}

func (m *memTraceSource) Traces(ctx context.Context, fn func(trace *Trace) error) error {
	for _, trace := range m.traces {
		if err := fn(trace); err != nil {
			return err
		}
	}

	return nil
}

func TestStandardizeSeismic(t *testing.T) {
	env := newTestEnv(t)

	p := NewPipeline()
	p.RegisterTraceSource(&memTraceSource{traces: []*Trace{
		sineTrace("IU.ANMO..BHZ", 1577836800000, 20, 300, 2.0),
	}})

	stats, err := p.standardizeSeismic(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Rows) // five minutes, two channels each

	got, err := ReadRecords(filepath.Join(env.Paths.Standard, "source="+SourceSeismic), nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, got, 10)
	for i := range got {
		assert.Equal(t, "IU.ANMO..BHZ", got[i].StationID)
		require.NotNil(t, got[i].Lat)
	}
}

func TestChannelFromCompound(t *testing.T) {
	assert.Equal(t, "BHZ", channelFromCompound("IU.ANMO..BHZ"))
	assert.Equal(t, "KAK", channelFromCompound("KAK"))
}
