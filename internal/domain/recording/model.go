// Package recording holds the sample-series model and the parsers that
// turn uploaded device exports (heart-rate and single-lead ECG tables)
// into series ready for analysis.
package recording

import (
	"errors"
	"time"

	"gonum.org/v1/gonum/stat"
)

var ErrMalformedInput = errors.New("malformed input")

// ADC reference used by the wearable's 12-bit converter.
const (
	ADCMax        = 4095.0
	ADCReferenceV = 3.3
)

// Sample is one (timestamp, value) reading.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Series is an ordered heart-rate capture. Parsers return it sorted by time.
type Series []Sample

// Values returns the value column as a new slice.
func (s Series) Values() []float64 {
	out := make([]float64, len(s))
	for i, smp := range s {
		out[i] = smp.Value
	}
	return out
}

// Times returns the timestamp column as a new slice.
func (s Series) Times() []time.Time {
	out := make([]time.Time, len(s))
	for i, smp := range s {
		out[i] = smp.Time
	}
	return out
}

// ECGTrace is a single-lead capture with timestamps in seconds.
type ECGTrace struct {
	Seconds []float64 `json:"seconds"`
	Values  []float64 `json:"values"`
}

// Len returns the number of samples.
func (t ECGTrace) Len() int {
	return len(t.Values)
}

// ADCToVolts maps a raw 12-bit reading onto the 0-3.3 V range.
func ADCToVolts(raw float64) float64 {
	return raw / ADCMax * ADCReferenceV
}

// Volts returns a copy of the trace with every value mapped through
// ADCToVolts.
func (t ECGTrace) Volts() ECGTrace {
	out := ECGTrace{
		Seconds: append([]float64(nil), t.Seconds...),
		Values:  make([]float64, len(t.Values)),
	}
	for i, v := range t.Values {
		out.Values[i] = ADCToVolts(v)
	}
	return out
}

// Centered returns a copy of the trace with its mean subtracted.
func (t ECGTrace) Centered() ECGTrace {
	out := ECGTrace{
		Seconds: append([]float64(nil), t.Seconds...),
		Values:  make([]float64, len(t.Values)),
	}
	if len(t.Values) == 0 {
		return out
	}
	mean := stat.Mean(t.Values, nil)
	for i, v := range t.Values {
		out.Values[i] = v - mean
	}
	return out
}
