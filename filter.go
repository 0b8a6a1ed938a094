package quakelink

import (
	"errors"
	"math"
)

// biquad is one second-order IIR section in normalized form (a0 == 1).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// apply runs the section over x in place (direct form II transposed).
func (bq *biquad) apply(x []float64) {
	var z1, z2 float64

	for i, v := range x {
		y := bq.b0*v + z1
		z1 = bq.b1*v - bq.a1*y + z2
		z2 = bq.b2*v - bq.a2*y
		x[i] = y
	}
}

// designLowpass builds an RBJ cookbook low-pass section.
func designLowpass(freqHz, sampleRate, q float64) (biquad, error) {
	if freqHz <= 0 || freqHz >= sampleRate/2 {
		return biquad{}, errors.Join(ErrFilterDesign, errors.New("lowpass corner outside (0, nyquist)"))
	}

	w0 := 2 * math.Pi * freqHz / sampleRate
	alpha := math.Sin(w0) / (2 * q)
	cw := math.Cos(w0)
	a0 := 1 + alpha

	return biquad{
		b0: (1 - cw) / 2 / a0,
		b1: (1 - cw) / a0,
		b2: (1 - cw) / 2 / a0,
		a1: -2 * cw / a0,
		a2: (1 - alpha) / a0,
	}, nil
}

// designHighpass builds an RBJ cookbook high-pass section.
func designHighpass(freqHz, sampleRate, q float64) (biquad, error) {
	if freqHz <= 0 || freqHz >= sampleRate/2 {
		return biquad{}, errors.Join(ErrFilterDesign, errors.New("highpass corner outside (0, nyquist)"))
	}

	w0 := 2 * math.Pi * freqHz / sampleRate
	alpha := math.Sin(w0) / (2 * q)
	cw := math.Cos(w0)
	a0 := 1 + alpha

	return biquad{
		b0: (1 + cw) / 2 / a0,
		b1: -(1 + cw) / a0,
		b2: (1 + cw) / 2 / a0,
		a1: -2 * cw / a0,
		a2: (1 - alpha) / a0,
	}, nil
}

// designNotch builds a zero notch centred on freqHz with the given half
// width.
func designNotch(freqHz, halfWidthHz, sampleRate float64) (biquad, error) {
	if freqHz <= 0 || freqHz >= sampleRate/2 {
		return biquad{}, errors.Join(ErrFilterDesign, errors.New("notch frequency outside (0, nyquist)"))
	}
	if halfWidthHz <= 0 {
		halfWidthHz = 0.5
	}

	w0 := 2 * math.Pi * freqHz / sampleRate
	q := freqHz / (2 * halfWidthHz)
	alpha := math.Sin(w0) / (2 * q)
	cw := math.Cos(w0)
	a0 := 1 + alpha

	return biquad{
		b0: 1 / a0,
		b1: -2 * cw / a0,
		b2: 1 / a0,
		a1: -2 * cw / a0,
		a2: (1 - alpha) / a0,
	}, nil
}

// butterworthQs returns the section Q values of an order-n Butterworth
// response realised as cascaded second-order sections. Odd orders are
// rounded up to the next even order.
func butterworthQs(order int) []float64 {
	if order < 2 {
		order = 2
	}
	if order%2 == 1 {
		order++
	}

	sections := order / 2
	qs := make([]float64, sections)
	for k := 0; k < sections; k++ {
		qs[k] = 1 / (2 * math.Cos(float64(2*k+1)*math.Pi/float64(2*order)))
	}

	return qs
}

// CosineTaper applies a Hann-flanked taper over the first and last
// fraction of the trace, the usual step before IIR filtering so the filter
// does not ring off the trace edges.
func CosineTaper(x []float64, maxPercentage float64) {
	if maxPercentage <= 0 {
		return
	}
	if maxPercentage > 0.5 {
		maxPercentage = 0.5
	}

	width := int(float64(len(x)) * maxPercentage)
	if width < 1 {
		return
	}

	for i := 0; i < width; i++ {
		w := 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(width)))
		x[i] *= w
		x[len(x)-1-i] *= w
	}
}

// Bandpass applies an order-corners Butterworth band-pass between freqmin
// and freqmax. When zerophase is set the cascade runs forward and backward,
// doubling the effective order and cancelling phase distortion.
func Bandpass(x []float64, sampleRate, freqmin, freqmax float64, corners int, zerophase bool) error {
	var cascade []biquad

	for _, q := range butterworthQs(corners) {
		hp, err := designHighpass(freqmin, sampleRate, q)
		if err != nil {
			return err
		}
		lp, err := designLowpass(freqmax, sampleRate, q)
		if err != nil {
			return err
		}
		cascade = append(cascade, hp, lp)
	}

	runCascade(x, cascade, zerophase)

	return nil
}

// NotchHarmonics notches the configured base frequency and its harmonics
// that fall below the Nyquist frequency.
func NotchHarmonics(x []float64, sampleRate float64, cfg NotchConfig) error {
	if cfg.BaseHz <= 0 || cfg.Harmonics <= 0 {
		return nil
	}

	var cascade []biquad
	nyquist := sampleRate / 2
	for h := 1; h <= cfg.Harmonics; h++ {
		freq := cfg.BaseHz * float64(h)
		if freq >= nyquist {
			break
		}
		notch, err := designNotch(freq, cfg.HalfWidthHz, sampleRate)
		if err != nil {
			return err
		}
		cascade = append(cascade, notch)
	}

	runCascade(x, cascade, false)

	return nil
}

func runCascade(x []float64, cascade []biquad, zerophase bool) {
	for i := range cascade {
		cascade[i].apply(x)
	}

	if zerophase {
		reverseFloats(x)
		for i := range cascade {
			cascade[i].apply(x)
		}
		reverseFloats(x)
	}
}

func reverseFloats(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
