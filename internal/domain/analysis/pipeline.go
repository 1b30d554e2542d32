// Package analysis runs the request-scoped heart-rate and ECG pipelines:
// parse, condition, summarise, chart, render and archive.
package analysis

import (
	"errors"
	"fmt"
	"math"

	"github.com/aurix/cardio/internal/platform/dsp"
)

// ErrInvalidOptions is returned for a request override outside its domain.
var ErrInvalidOptions = errors.New("invalid pipeline options")

// PipelineVersion identifies the defaults below. Bump it whenever one changes.
const PipelineVersion = "2"

// PipelineConfig is the single source of every tunable in the pipeline.
type PipelineConfig struct {
	Version            string   `json:"version"`
	ThresholdBPM       float64  `json:"threshold_bpm"`
	SamplingRateHz     float64  `json:"sampling_rate_hz"`
	Band               dsp.Band `json:"band"`
	Order              int      `json:"order"`
	CenterBeforeFilter bool     `json:"center_before_filter"`
	MaxPlotPoints      int      `json:"max_plot_points"`
}

// DefaultPipelineConfig returns the version PipelineVersion defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Version:        PipelineVersion,
		ThresholdBPM:   100,
		SamplingRateHz: 200,
		Band:           dsp.Band{Low: 0.5, High: 40},
		Order:          dsp.DefaultOrder,
		MaxPlotPoints:  1000,
	}
}

// Validate checks every field; the filter fields go through dsp.Params.
func (c PipelineConfig) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidOptions)
	}
	if err := checkThreshold(c.ThresholdBPM); err != nil {
		return err
	}
	if c.MaxPlotPoints < 1 {
		return fmt.Errorf("%w: max plot points must be at least 1, got %d", ErrInvalidOptions, c.MaxPlotPoints)
	}
	return c.filterParams().Validate()
}

func (c PipelineConfig) filterParams() dsp.Params {
	return dsp.Params{Order: c.Order, Band: c.Band, SamplingRateHz: c.SamplingRateHz}
}

// HeartRateOptions are per-request overrides. Nil fields use the
// configured value.
type HeartRateOptions struct {
	ThresholdBPM *float64
}

// ECGOptions are per-request overrides. Nil fields use the configured
// value.
type ECGOptions struct {
	SamplingRateHz *float64
	LowCutHz       *float64
	HighCutHz      *float64
	MaxPoints      *int
	Center         *bool
}

func (c PipelineConfig) threshold(o HeartRateOptions) (float64, error) {
	if o.ThresholdBPM == nil {
		return c.ThresholdBPM, nil
	}
	if err := checkThreshold(*o.ThresholdBPM); err != nil {
		return 0, err
	}
	return *o.ThresholdBPM, nil
}

// ecgRun is an ECG request with every override applied.
type ecgRun struct {
	params    dsp.Params
	maxPoints int
	center    bool
}

func (c PipelineConfig) ecg(o ECGOptions) (ecgRun, error) {
	run := ecgRun{params: c.filterParams(), maxPoints: c.MaxPlotPoints, center: c.CenterBeforeFilter}
	if o.SamplingRateHz != nil {
		run.params.SamplingRateHz = *o.SamplingRateHz
	}
	if o.LowCutHz != nil {
		run.params.Band.Low = *o.LowCutHz
	}
	if o.HighCutHz != nil {
		run.params.Band.High = *o.HighCutHz
	}
	if o.MaxPoints != nil {
		if *o.MaxPoints < 1 {
			return ecgRun{}, fmt.Errorf("%w: max points must be at least 1, got %d", ErrInvalidOptions, *o.MaxPoints)
		}
		run.maxPoints = *o.MaxPoints
	}
	if o.Center != nil {
		run.center = *o.Center
	}
	if err := run.params.Validate(); err != nil {
		return ecgRun{}, err
	}
	return run, nil
}

func checkThreshold(bpm float64) error {
	if math.IsNaN(bpm) || math.IsInf(bpm, 0) || bpm < 0 {
		return fmt.Errorf("%w: threshold must be a finite non-negative bpm, got %g", ErrInvalidOptions, bpm)
	}
	return nil
}
