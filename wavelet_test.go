package quakelink

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDwtRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := make([]float64, 64)
	for i := range x {
		x[i] = rng.NormFloat64()
	}

	approx, detail := dwtStep(x)
	require.Len(t, approx, 32)
	require.Len(t, detail, 32)

	rebuilt := idwtStep(approx, detail)
	require.Len(t, rebuilt, 64)
	for i := range x {
		assert.InDelta(t, x[i], rebuilt[i], 1e-9, "i=%d", i)
	}
}

func TestMultiLevelRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := make([]float64, 128)
	for i := range x {
		x[i] = math.Sin(float64(i)/5.0) + 0.1*rng.NormFloat64()
	}

	approx, details := waveletDecompose(x, dwtMaxLevel(len(x)))
	rebuilt := waveletReconstruct(approx, details)

	require.Len(t, rebuilt, len(x))
	for i := range x {
		assert.InDelta(t, x[i], rebuilt[i], 1e-9)
	}
}

func TestWaveletDenoiseReducesNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n := 256
	clean := make([]float64, n)
	noisy := make([]float64, n)
	for i := range clean {
		clean[i] = math.Sin(float64(i) / 20.0)
		noisy[i] = clean[i] + 0.2*rng.NormFloat64()
	}

	denoised, ok := WaveletDenoise(noisy, WaveletConfig{Enabled: true, Threshold: 1.0, Mode: "soft"})
	require.True(t, ok)
	require.Len(t, denoised, n)

	rmse := func(a []float64) float64 {
		var sum float64
		for i := range a {
			d := a[i] - clean[i]
			sum += d * d
		}
		return math.Sqrt(sum / float64(n))
	}

	assert.Less(t, rmse(denoised), rmse(noisy))
}

func TestWaveletDenoisePreservesMissing(t *testing.T) {
	n := 128
	values := make([]float64, n)
	for i := range values {
		values[i] = math.Sin(float64(i) / 10.0)
	}
	values[17] = math.NaN()
	values[90] = math.NaN()

	denoised, ok := WaveletDenoise(values, WaveletConfig{Threshold: 1.0, Mode: "soft"})
	require.True(t, ok)
	assert.True(t, math.IsNaN(denoised[17]))
	assert.True(t, math.IsNaN(denoised[90]))
	assert.False(t, math.IsNaN(denoised[18]))
}

func TestWaveletDenoiseTooShort(t *testing.T) {
	_, ok := WaveletDenoise(make([]float64, 5), WaveletConfig{})
	assert.False(t, ok)
}

func TestBridgeMissing(t *testing.T) {
	nan := math.NaN()
	values := []float64{nan, 2, nan, nan, 8, nan}

	require.True(t, bridgeMissing(values))
	want := []float64{2, 2, 4, 6, 8, 8}
	for i := range want {
		assert.InDelta(t, want[i], values[i], 1e-9, "i=%d", i)
	}

	all_nan := []float64{nan, nan}
	assert.False(t, bridgeMissing(all_nan))
}
