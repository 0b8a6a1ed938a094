package quakelink

import (
	"math"
)

// Daubechies-4 orthonormal scaling filter. The wavelet filter is derived by
// the usual quadrature mirror relation.
var db4Scaling = []float64{
	0.2303778133088552,
	0.7148465705525415,
	0.6308807679295904,
	-0.0279837694169839,
	-0.1870348117188811,
	0.0308413818359870,
	0.0328830116669829,
	-0.0105974017849973,
}

func db4Wavelet() []float64 {
	taps := len(db4Scaling)
	g := make([]float64, taps)
	for k := 0; k < taps; k++ {
		g[k] = db4Scaling[taps-1-k]
		if k%2 == 1 {
			g[k] = -g[k]
		}
	}

	return g
}

// dwtStep performs one decimated, periodized analysis step. The input length
// must be even.
func dwtStep(x []float64) (approx, detail []float64) {
	n := len(x)
	half := n / 2
	g := db4Wavelet()

	approx = make([]float64, half)
	detail = make([]float64, half)

	for i := 0; i < half; i++ {
		var a, d float64
		for k := 0; k < len(db4Scaling); k++ {
			idx := (2*i + k) % n
			a += db4Scaling[k] * x[idx]
			d += g[k] * x[idx]
		}
		approx[i] = a
		detail[i] = d
	}

	return approx, detail
}

// idwtStep inverts one periodized analysis step.
func idwtStep(approx, detail []float64) []float64 {
	half := len(approx)
	n := half * 2
	g := db4Wavelet()

	x := make([]float64, n)
	for i := 0; i < half; i++ {
		for k := 0; k < len(db4Scaling); k++ {
			idx := (2*i + k) % n
			x[idx] += db4Scaling[k]*approx[i] + g[k]*detail[i]
		}
	}

	return x
}

// dwtMaxLevel mirrors the usual maximum useful decomposition depth for a
// filter of this length.
func dwtMaxLevel(n int) int {
	taps := len(db4Scaling)
	if n < taps {
		return 0
	}

	return int(math.Floor(math.Log2(float64(n) / float64(taps-1))))
}

// waveletDecompose runs a multi-level periodized DWT, returning the final
// approximation and the detail bands from finest to coarsest.
func waveletDecompose(x []float64, levels int) (approx []float64, details [][]float64) {
	current := make([]float64, len(x))
	copy(current, x)

	for level := 0; level < levels; level++ {
		if len(current)%2 != 0 || len(current) < len(db4Scaling) {
			break
		}
		a, d := dwtStep(current)
		details = append(details, d)
		current = a
	}

	return current, details
}

func waveletReconstruct(approx []float64, details [][]float64) []float64 {
	current := approx
	for level := len(details) - 1; level >= 0; level-- {
		current = idwtStep(current, details[level])
	}

	return current
}

func thresholdDetail(detail []float64, thr float64, mode string) {
	for i, v := range detail {
		if mode == "hard" {
			if math.Abs(v) <= thr {
				detail[i] = 0
			}
			continue
		}
		// soft
		switch {
		case v > thr:
			detail[i] = v - thr
		case v < -thr:
			detail[i] = v + thr
		default:
			detail[i] = 0
		}
	}
}

// WaveletDenoise applies universal-threshold Daubechies denoising to a
// NaN-marked series. Missing samples are bridged by linear interpolation so
// the transform never sees a discontinuity, and are restored to NaN
// afterwards. Returns ok=false when the series is too short or too sparse to
// transform.
func WaveletDenoise(values []float64, cfg WaveletConfig) ([]float64, bool) {
	n := len(values)
	if n < 2*len(db4Scaling) {
		return nil, false
	}

	work := make([]float64, n)
	copy(work, values)
	if !bridgeMissing(work) {
		return nil, false
	}

	// periodization wants an even length; carry the last sample separately
	trimmed := work
	odd := n%2 == 1
	if odd {
		trimmed = work[:n-1]
	}

	levels := dwtMaxLevel(len(trimmed))
	if levels < 1 {
		return nil, false
	}

	approx, details := waveletDecompose(trimmed, levels)
	if len(details) == 0 {
		return nil, false
	}

	// sigma from the finest detail band, universal threshold scaled by the
	// user constant
	finest := details[0]
	med := median(absSlice(finest))
	sigma := med / 0.6745
	scale := cfg.Threshold
	if scale <= 0 {
		scale = 1.0
	}
	thr := scale * sigma * math.Sqrt(2*math.Log(float64(len(trimmed))))

	mode := cfg.Mode
	if mode != "hard" {
		mode = "soft"
	}
	for _, detail := range details {
		thresholdDetail(detail, thr, mode)
	}

	rebuilt := waveletReconstruct(approx, details)

	out := make([]float64, n)
	copy(out, rebuilt)
	if odd {
		out[n-1] = work[n-1]
	}
	for i := range values {
		if math.IsNaN(values[i]) {
			out[i] = math.NaN()
		}
	}

	return out, true
}

// bridgeMissing linearly interpolates across interior NaN runs and extends
// the nearest finite value over the ends. Returns false when no finite
// sample exists.
func bridgeMissing(values []float64) bool {
	n := len(values)

	first := -1
	last := -1
	for i, v := range values {
		if !math.IsNaN(v) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return false
	}

	for i := 0; i < first; i++ {
		values[i] = values[first]
	}
	for i := last + 1; i < n; i++ {
		values[i] = values[last]
	}

	i := first
	for i <= last {
		if !math.IsNaN(values[i]) {
			i++
			continue
		}
		start := i
		for math.IsNaN(values[i]) {
			i++
		}
		left := values[start-1]
		right := values[i]
		span := float64(i - start + 1)
		for j := start; j < i; j++ {
			frac := float64(j-start+1) / span
			values[j] = left + (right-left)*frac
		}
	}

	return true
}

func absSlice(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Abs(v)
	}

	return out
}
