// Package dsp implements the signal-conditioning primitives used by the
// analysis pipeline: a zero-phase Butterworth bandpass filter, a stride
// downsampler for plotting, and a bounded memo for filter results.
package dsp

import (
	"errors"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrInvalidParameters   = errors.New("invalid filter parameters")
	ErrInsufficientSamples = errors.New("insufficient samples for filter")
)

// DefaultOrder is the Butterworth prototype order used when none is given.
const DefaultOrder = 2

// Band is a passband in Hz.
type Band struct {
	Low  float64 `json:"low_hz"`
	High float64 `json:"high_hz"`
}

// Params fully describes a bandpass filter run.
type Params struct {
	Order          int     `json:"order"`
	Band           Band    `json:"band"`
	SamplingRateHz float64 `json:"sampling_rate_hz"`
}

// Nyquist returns half the sampling rate.
func (p Params) Nyquist() float64 {
	return 0.5 * p.SamplingRateHz
}

// Validate checks 0 < low < high < fs/2 and order >= 1.
func (p Params) Validate() error {
	switch {
	case p.Order < 1:
		return fmt.Errorf("%w: order must be at least 1, got %d", ErrInvalidParameters, p.Order)
	case !(p.SamplingRateHz > 0) || math.IsInf(p.SamplingRateHz, 0):
		return fmt.Errorf("%w: sampling rate must be positive, got %g Hz", ErrInvalidParameters, p.SamplingRateHz)
	case !(p.Band.Low > 0):
		return fmt.Errorf("%w: low cutoff must be positive, got %g Hz", ErrInvalidParameters, p.Band.Low)
	case !(p.Band.High > p.Band.Low):
		return fmt.Errorf("%w: high cutoff %g Hz must exceed low cutoff %g Hz", ErrInvalidParameters, p.Band.High, p.Band.Low)
	case !(p.Band.High < p.Nyquist()):
		return fmt.Errorf("%w: high cutoff %g Hz must be below Nyquist %g Hz", ErrInvalidParameters, p.Band.High, p.Nyquist())
	}
	return nil
}

// PadLen is the odd-extension length applied at each end of the signal
// before forward-backward filtering: three times the coefficient count.
func (p Params) PadLen() int {
	return 3 * (2*p.Order + 1)
}

// MinSamples is the shortest input Bandpass accepts. The edge extension
// needs more than PadLen samples, and the record must span at least one
// full period of the low cutoff for the high-pass section to settle.
func (p Params) MinSamples() int {
	n := p.PadLen() + 1
	if p.Band.Low > 0 {
		if period := int(math.Ceil(p.SamplingRateHz / p.Band.Low)); period > n {
			n = period
		}
	}
	return n
}
