package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Bandpass designs a Butterworth bandpass for p and applies it forward and
// backward so the output has no phase delay relative to samples. The result
// has the same length as samples; samples is not modified.
func Bandpass(samples []float64, p Params) ([]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if need := p.MinSamples(); len(samples) < need {
		return nil, fmt.Errorf("%w: got %d samples, need at least %d for order %d at %g Hz with %g Hz low cutoff",
			ErrInsufficientSamples, len(samples), need, p.Order, p.SamplingRateHz, p.Band.Low)
	}
	coef, err := DesignBandpass(p)
	if err != nil {
		return nil, err
	}
	return FiltFilt(coef, samples, p.PadLen())
}

// CheckDesign designs the bandpass for p and solves its initial filter
// state, so a configuration that would fail on every request is rejected
// up front.
func CheckDesign(p Params) error {
	coef, err := DesignBandpass(p)
	if err != nil {
		return err
	}
	for _, v := range append(append([]float64(nil), coef.B...), coef.A...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: order %d over %g-%g Hz at %g Hz has non-finite coefficients",
				ErrInvalidParameters, p.Order, p.Band.Low, p.Band.High, p.SamplingRateHz)
		}
	}
	zi, err := steadyState(coef)
	if err != nil {
		return err
	}
	for _, v := range zi {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: order %d has no finite initial filter state", ErrInvalidParameters, p.Order)
		}
	}
	return nil
}

// FiltFilt applies coef forward then backward over an odd extension of x
// padded by padLen samples at each end.
func FiltFilt(coef Coefficients, x []float64, padLen int) ([]float64, error) {
	n := len(x)
	if n <= padLen {
		return nil, fmt.Errorf("%w: got %d samples, edge padding needs more than %d", ErrInsufficientSamples, n, padLen)
	}

	zi, err := steadyState(coef)
	if err != nil {
		return nil, err
	}

	ext := make([]float64, 0, n+2*padLen)
	for i := padLen; i > 0; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := 0; i < padLen; i++ {
		ext = append(ext, 2*x[n-1]-x[n-2-i])
	}

	fwd := lfilter(coef, ext, scaled(zi, ext[0]))
	reverse(fwd)
	bwd := lfilter(coef, fwd, scaled(zi, fwd[0]))
	reverse(bwd)

	out := make([]float64, n)
	copy(out, bwd[padLen:padLen+n])
	return out, nil
}

// lfilter runs a direct-form II transposed IIR filter with initial state z.
func lfilter(coef Coefficients, x, z []float64) []float64 {
	b, a := coef.B, coef.A
	order := len(a) - 1
	y := make([]float64, len(x))
	for i, xv := range x {
		yv := b[0]*xv + z[0]
		for j := 0; j < order-1; j++ {
			z[j] = b[j+1]*xv + z[j+1] - a[j+1]*yv
		}
		z[order-1] = b[order]*xv - a[order]*yv
		y[i] = yv
	}
	return y
}

// steadyState solves (I - C^T) zi = b[1:] - a[1:]*b[0], where C is the
// companion matrix of a: the filter state for a unit step held forever.
func steadyState(coef Coefficients) ([]float64, error) {
	b, a := coef.B, coef.A
	n := len(a) - 1
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, 0, a[i+1])
		if i > 0 {
			m.Set(i-1, i, -1)
		}
		m.Set(i, i, m.At(i, i)+1)
	}
	rhs := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		rhs.SetVec(i, b[i+1]-a[i+1]*b[0])
	}
	var zi mat.VecDense
	if err := zi.SolveVec(m, rhs); err != nil {
		return nil, fmt.Errorf("%w: initial filter state: %v", ErrInvalidParameters, err)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = zi.AtVec(i)
	}
	return out, nil
}

func scaled(v []float64, k float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = v[i] * k
	}
	return out
}

func reverse(v []float64) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}
