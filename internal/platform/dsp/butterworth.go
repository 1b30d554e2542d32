package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Coefficients is a digital filter in transfer-function form with a[0] == 1.
type Coefficients struct {
	B []float64
	A []float64
}

// DesignBandpass returns the digital Butterworth bandpass for p. The
// prototype is order p.Order, so B and A each have 2*order+1 taps.
func DesignBandpass(p Params) (Coefficients, error) {
	if err := p.Validate(); err != nil {
		return Coefficients{}, err
	}

	n := p.Order
	nyq := p.Nyquist()
	wl := p.Band.Low / nyq
	wh := p.Band.High / nyq

	// Analog lowpass prototype: poles on the left half of the unit circle.
	proto := make([]complex128, n)
	for k := 0; k < n; k++ {
		theta := math.Pi * float64(2*k+n+1) / float64(2*n)
		proto[k] = cmplx.Exp(complex(0, theta))
	}

	// Pre-warp the normalised corners (fs = 2 in normalised units).
	const fsNorm = 2.0
	warpL := 2 * fsNorm * math.Tan(math.Pi*wl/fsNorm)
	warpH := 2 * fsNorm * math.Tan(math.Pi*wh/fsNorm)
	bw := warpH - warpL
	wo := math.Sqrt(warpL * warpH)

	// Lowpass to bandpass: each prototype pole splits into two.
	poles := make([]complex128, 0, 2*n)
	for _, pp := range proto {
		scaled := pp * complex(bw/2, 0)
		root := cmplx.Sqrt(scaled*scaled - complex(wo*wo, 0))
		poles = append(poles, scaled+root)
	}
	for _, pp := range proto {
		scaled := pp * complex(bw/2, 0)
		root := cmplx.Sqrt(scaled*scaled - complex(wo*wo, 0))
		poles = append(poles, scaled-root)
	}
	zeros := make([]complex128, n) // n zeros at the origin
	gain := math.Pow(bw, float64(n))

	// Bilinear transform.
	fs2 := complex(2*fsNorm, 0)
	num := complex(1, 0)
	den := complex(1, 0)
	dz := make([]complex128, 0, len(poles))
	for _, z := range zeros {
		num *= fs2 - z
		dz = append(dz, (fs2+z)/(fs2-z))
	}
	for len(dz) < len(poles) {
		dz = append(dz, complex(-1, 0))
	}
	dp := make([]complex128, len(poles))
	for i, pp := range poles {
		den *= fs2 - pp
		dp[i] = (fs2 + pp) / (fs2 - pp)
		if cmplx.Abs(dp[i]) >= 1 {
			return Coefficients{}, fmt.Errorf("%w: designed filter is unstable (pole radius %g)", ErrInvalidParameters, cmplx.Abs(dp[i]))
		}
	}
	k := gain * real(num/den)

	b := expand(dz)
	a := expand(dp)
	for i := range b {
		b[i] *= k
	}
	return Coefficients{B: b, A: a}, nil
}

// expand multiplies out prod(x - r) and returns the real coefficients,
// highest power first.
func expand(roots []complex128) []float64 {
	c := []complex128{1}
	for _, r := range roots {
		next := make([]complex128, len(c)+1)
		for i, v := range c {
			next[i] += v
			next[i+1] -= v * r
		}
		c = next
	}
	out := make([]float64, len(c))
	for i, v := range c {
		out[i] = real(v)
	}
	return out
}
