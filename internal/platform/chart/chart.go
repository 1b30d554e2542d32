// Package chart renders static PNG line plots of heart-rate and ECG series
// for embedding into reports and for direct download.
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

var ErrNotEnoughPoints = errors.New("chart needs at least two distinct points")

const (
	DefaultWidth  = 1000
	DefaultHeight = 500
)

var (
	heartRateColor = drawing.ColorFromHex("dc143c")
	ecgColor       = drawing.ColorFromHex("ff0000")
)

// Renderer produces PNG images of a fixed pixel size.
type Renderer struct {
	Width  int
	Height int
}

// NewRenderer returns a Renderer, falling back to the default size for
// non-positive dimensions.
func NewRenderer(width, height int) *Renderer {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Renderer{Width: width, Height: height}
}

// TimeSeries plots heart rate against wall-clock time.
func (r *Renderer) TimeSeries(times []time.Time, values []float64) ([]byte, error) {
	if len(times) != len(values) {
		return nil, fmt.Errorf("chart: %d timestamps for %d values", len(times), len(values))
	}
	if len(times) < 2 || times[0].Equal(times[len(times)-1]) {
		return nil, ErrNotEnoughPoints
	}
	if err := checkFinite(values); err != nil {
		return nil, err
	}

	graph := r.base("Heart rate over time", "Date and time", "Rate (bpm)", values)
	graph.XAxis.ValueFormatter = gochart.TimeValueFormatterWithFormat(timeLayout(times))
	graph.Series = []gochart.Series{
		gochart.TimeSeries{
			Name:    "heart rate",
			Style:   gochart.Style{StrokeColor: heartRateColor, StrokeWidth: 2},
			XValues: times,
			YValues: values,
		},
	}
	return render(graph)
}

// EmptyTimeSeries draws the heart-rate axes with no trace, for reports on
// recordings that have fewer than two usable readings.
func (r *Renderer) EmptyTimeSeries() ([]byte, error) {
	graph := r.base("Heart rate over time (no readings)", "Date and time", "Rate (bpm)", nil)
	graph.XAxis.Range = &gochart.ContinuousRange{Min: 0, Max: 1}
	graph.XAxis.ValueFormatter = func(interface{}) string { return "" }
	graph.YAxis.Range = &gochart.ContinuousRange{Min: 40, Max: 160}
	graph.Series = []gochart.Series{
		gochart.ContinuousSeries{
			Style:   gochart.Style{StrokeColor: drawing.ColorTransparent, StrokeWidth: 1},
			XValues: []float64{0, 1},
			YValues: []float64{100, 100},
		},
	}
	return render(graph)
}

// Continuous plots an ECG trace in volts against seconds.
func (r *Renderer) Continuous(seconds, values []float64) ([]byte, error) {
	if len(seconds) != len(values) {
		return nil, fmt.Errorf("chart: %d x values for %d y values", len(seconds), len(values))
	}
	if len(seconds) < 2 || seconds[0] == seconds[len(seconds)-1] {
		return nil, ErrNotEnoughPoints
	}
	if err := checkFinite(seconds); err != nil {
		return nil, err
	}
	if err := checkFinite(values); err != nil {
		return nil, err
	}

	graph := r.base("ECG signal", "Time [s]", "ECG (V)", values)
	graph.Series = []gochart.Series{
		gochart.ContinuousSeries{
			Name:    "filtered ecg",
			Style:   gochart.Style{StrokeColor: ecgColor, StrokeWidth: 1},
			XValues: seconds,
			YValues: values,
		},
	}
	return render(graph)
}

func (r *Renderer) base(title, xName, yName string, values []float64) gochart.Chart {
	width, height := r.Width, r.Height
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}

	graph := gochart.Chart{
		Title:  title,
		Width:  width,
		Height: height,
		XAxis: gochart.XAxis{
			Name:           xName,
			GridMajorStyle: gridStyle(),
		},
		YAxis: gochart.YAxis{
			Name:           yName,
			GridMajorStyle: gridStyle(),
		},
	}
	// A flat trace has no y extent; pad it so the axis can be drawn.
	if lo, hi := bounds(values); len(values) > 0 && lo == hi {
		graph.YAxis.Range = &gochart.ContinuousRange{Min: lo - 1, Max: hi + 1}
	}
	return graph
}

func render(graph gochart.Chart) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := graph.Render(gochart.PNG, buf); err != nil {
		return nil, fmt.Errorf("chart: render: %w", err)
	}
	return buf.Bytes(), nil
}

func gridStyle() gochart.Style {
	return gochart.Style{
		StrokeColor: drawing.ColorFromHex("e0e0e0"),
		StrokeWidth: 1,
	}
}

// timeLayout picks tick labels that still distinguish points on short
// captures.
func timeLayout(times []time.Time) string {
	span := times[len(times)-1].Sub(times[0])
	switch {
	case span < time.Hour:
		return "15:04:05"
	case span < 48*time.Hour:
		return "01-02 15:04"
	default:
		return "2006-01-02"
	}
}

func bounds(values []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func checkFinite(values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("chart: value %d is not finite", i)
		}
	}
	return nil
}
