package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurix/cardio/internal/domain/heartrate"
	"github.com/aurix/cardio/internal/domain/history"
	"github.com/aurix/cardio/internal/domain/recording"
	"github.com/aurix/cardio/internal/platform/chart"
	"github.com/aurix/cardio/internal/platform/dsp"
	"github.com/aurix/cardio/internal/platform/reporting"
	"github.com/aurix/cardio/internal/platform/telemetry"
)

// Service wires the pipeline stages together. It holds no per-request
// state; every call is independent.
type Service struct {
	cfg     PipelineConfig
	memo    *dsp.Memo
	charts  *chart.Renderer
	reports *reporting.Renderer
	history *history.Service
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewService returns a Service. memo may be nil to filter without caching.
func NewService(cfg PipelineConfig, memo *dsp.Memo, charts *chart.Renderer, reports *reporting.Renderer, hist *history.Service) *Service {
	return &Service{
		cfg:     cfg,
		memo:    memo,
		charts:  charts,
		reports: reports,
		history: hist,
		now:     time.Now,
	}
}

// Config returns the pipeline defaults in effect.
func (s *Service) Config() PipelineConfig { return s.cfg }

// SetMetrics enables pipeline run counters.
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

func (s *Service) observe(operation string, start time.Time, err error, warned bool) {
	outcome := telemetry.OutcomeOK
	switch {
	case err != nil && rejected(err):
		outcome = telemetry.OutcomeRejected
	case err != nil:
		outcome = telemetry.OutcomeError
	case warned:
		outcome = telemetry.OutcomeWarning
	}
	s.metrics.PipelineRun(operation, outcome, time.Since(start))
}

// rejected reports whether err was caused by the caller's input.
func rejected(err error) bool {
	for _, target := range []error{
		recording.ErrMalformedInput,
		history.ErrInvalidRecord,
		ErrInvalidOptions,
		dsp.ErrInvalidParameters,
		dsp.ErrInsufficientSamples,
		chart.ErrNotEnoughPoints,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Heart rate
// ---------------------------------------------------------------------------

// SummarizeHeartRate computes the statistics block for series.
func (s *Service) SummarizeHeartRate(series recording.Series, opts HeartRateOptions) (heartrate.Summary, error) {
	threshold, err := s.cfg.threshold(opts)
	if err != nil {
		return heartrate.Summary{}, err
	}
	return heartrate.Summarize(series, threshold), nil
}

// HeartRateChart renders the heart-rate plot, decimated to MaxPlotPoints.
func (s *Service) HeartRateChart(series recording.Series) ([]byte, error) {
	plot := dsp.Downsample(series, s.cfg.MaxPlotPoints)
	return s.charts.TimeSeries(recording.Series(plot).Times(), recording.Series(plot).Values())
}

// ReportRequest is one heart-rate report to build and archive.
type ReportRequest struct {
	Patient history.Record
	Series  recording.Series
	Options HeartRateOptions
}

// ReportResult carries the rendered document whatever happened to its
// persistence.
type ReportResult struct {
	PDF     []byte
	Summary heartrate.Summary
	Record  history.Record
	Archive history.ArchiveResult
}

// HeartRateReport summarises, charts and renders the report, then hands it
// to the ledger. A zero VisitDate means today. Persistence problems are
// reported in Archive.Warnings, never as an error.
func (s *Service) HeartRateReport(ctx context.Context, req ReportRequest) (res *ReportResult, err error) {
	start := time.Now()
	defer func() {
		s.observe("heart_rate_report", start, err, res != nil && len(res.Archive.Warnings) > 0)
	}()

	now := s.now().UTC()
	rec := req.Patient
	if rec.VisitDate.IsZero() {
		rec.VisitDate = now
	}
	rec.VisitDate = history.Day(rec.VisitDate)
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	sum, err := s.SummarizeHeartRate(req.Series, req.Options)
	if err != nil {
		return nil, err
	}
	img, err := s.HeartRateChart(req.Series)
	if errors.Is(err, chart.ErrNotEnoughPoints) {
		// Too few readings to plot: the report still carries the n/a stats.
		img, err = s.charts.EmptyTimeSeries()
	}
	if err != nil {
		return nil, fmt.Errorf("heart rate chart: %w", err)
	}
	// Past the deadline nothing is rendered or archived.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdf, err := s.reports.Render(reporting.Report{
		Patient: reporting.Patient{
			Name:         rec.Name,
			Age:          rec.Age,
			Observations: rec.Observations,
		},
		Stats: reporting.Stats{
			Min:            sum.Min,
			Max:            sum.Max,
			Mean:           sum.Mean,
			ThresholdBPM:   sum.ThresholdBPM,
			ThresholdCount: sum.ThresholdCount,
			TotalCount:     sum.TotalCount,
			LoadPercent:    sum.LoadPercent,
		},
		Chart:       img,
		GeneratedAt: now,
	})
	if err != nil {
		return nil, err
	}

	res = &ReportResult{PDF: pdf, Summary: sum, Record: rec}
	if s.history == nil {
		res.Archive = history.ArchiveResult{
			ArtifactName: rec.ArtifactName(),
			Warnings:     []string{"no ledger configured, report not archived"},
		}
		return res, nil
	}
	// A rendered report is archived even if the caller's deadline passes
	// meanwhile, so the ledger matches what was returned.
	res.Archive, err = s.history.Archive(context.WithoutCancel(ctx), rec, pdf)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Ctx(ctx)
	for _, w := range res.Archive.Warnings {
		logger.Warn().Str("artifact", res.Archive.ArtifactName).Msg(w)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// ECG
// ---------------------------------------------------------------------------

// ECGResult is a conditioned trace plus its plotting copy.
type ECGResult struct {
	PipelineVersion string             `json:"pipeline_version"`
	Params          dsp.Params         `json:"params"`
	Centered        bool               `json:"centered"`
	SampleCount     int                `json:"sample_count"`
	Stride          int                `json:"stride"`
	Filtered        recording.ECGTrace `json:"filtered"`
	Plot            recording.ECGTrace `json:"plot"`
}

// ConditionECG maps raw ADC readings to volts, optionally removes the mean,
// applies the zero-phase bandpass and decimates a copy for plotting. The
// input trace is not modified.
func (s *Service) ConditionECG(trace recording.ECGTrace, opts ECGOptions) (res *ECGResult, err error) {
	start := time.Now()
	defer func() { s.observe("ecg_condition", start, err, false) }()

	run, err := s.cfg.ecg(opts)
	if err != nil {
		return nil, err
	}
	if len(trace.Seconds) != len(trace.Values) {
		return nil, fmt.Errorf("%w: %d timestamps for %d samples", recording.ErrMalformedInput, len(trace.Seconds), len(trace.Values))
	}

	volts := trace.Volts()
	if run.center {
		volts = volts.Centered()
	}
	filtered, err := s.memo.Bandpass(volts.Values, run.params)
	if err != nil {
		return nil, err
	}

	clean := recording.ECGTrace{Seconds: volts.Seconds, Values: filtered}
	return &ECGResult{
		PipelineVersion: s.cfg.Version,
		Params:          run.params,
		Centered:        run.center,
		SampleCount:     clean.Len(),
		Stride:          dsp.Stride(clean.Len(), run.maxPoints),
		Filtered:        clean,
		Plot: recording.ECGTrace{
			Seconds: dsp.Downsample(clean.Seconds, run.maxPoints),
			Values:  dsp.Downsample(clean.Values, run.maxPoints),
		},
	}, nil
}

// ECGChart conditions trace and renders the decimated result.
func (s *Service) ECGChart(trace recording.ECGTrace, opts ECGOptions) ([]byte, *ECGResult, error) {
	res, err := s.ConditionECG(trace, opts)
	if err != nil {
		return nil, nil, err
	}
	img, err := s.charts.Continuous(res.Plot.Seconds, res.Plot.Values)
	if err != nil {
		return nil, nil, fmt.Errorf("ecg chart: %w", err)
	}
	return img, res, nil
}
