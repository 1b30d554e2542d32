// Package reporting assembles the single-page heart-rate PDF report.
package reporting

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"
)

var ErrRender = errors.New("report render failed")

const (
	pageMargin   = 10.0
	lineHeight   = 10.0
	minChartSize = 20.0
	chartImage   = "chart"
)

// Patient is the demographic block printed at the top of the report.
type Patient struct {
	Name         string
	Age          int
	Observations string
}

// Stats is the statistics block. Nil pointers are printed as "n/a".
type Stats struct {
	Min            *float64
	Max            *float64
	Mean           *float64
	ThresholdBPM   float64
	ThresholdCount int
	TotalCount     int
	LoadPercent    float64
}

// Report is everything needed to render one document.
type Report struct {
	Patient     Patient
	Stats       Stats
	Chart       []byte
	GeneratedAt time.Time
}

// Renderer builds report documents in memory.
type Renderer struct {
	Title    string
	Location *time.Location
	// Compress deflates page content streams.
	Compress bool
}

// NewRenderer returns a Renderer printing timestamps in UTC.
func NewRenderer() *Renderer {
	return &Renderer{Title: "Heart Rate Report", Location: time.UTC, Compress: true}
}

// Render produces the PDF bytes for r. Two calls with equal inputs return
// identical bytes.
func (rn *Renderer) Render(r Report) ([]byte, error) {
	imgType, err := imageType(r.Chart)
	if err != nil {
		return nil, err
	}
	loc := rn.Location
	if loc == nil {
		loc = time.UTC
	}
	generated := r.GeneratedAt.In(loc)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(generated)
	pdf.SetModificationDate(generated)
	pdf.SetCatalogSort(true)
	pdf.SetCompression(rn.Compress)
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, lineHeight, tr(rn.Title), "", 1, "C", false, 0, "")

	pdf.SetFont("Helvetica", "", 12)
	line := func(format string, args ...interface{}) {
		pdf.CellFormat(0, lineHeight, tr(fmt.Sprintf(format, args...)), "", 1, "L", false, 0, "")
	}
	line("Generated: %s", generated.Format("2006-01-02 15:04 MST"))
	pdf.Ln(5)
	line("Patient name: %s", r.Patient.Name)
	line("Age: %d years", r.Patient.Age)
	pdf.Ln(5)
	if obs := strings.TrimSpace(r.Patient.Observations); obs != "" {
		pdf.MultiCell(0, lineHeight, tr("Observations: "+obs), "", "L", false)
		pdf.Ln(5)
	}

	s := r.Stats
	line("Minimum heart rate: %s bpm", fixed(s.Min))
	line("Maximum heart rate: %s bpm", fixed(s.Max))
	line("Mean heart rate: %s bpm", fixed(s.Mean))
	line("Arrhythmic load: %s %%", fixed(&s.LoadPercent))
	line("Readings above %s bpm: %d of %d", fixed(&s.ThresholdBPM), s.ThresholdCount, s.TotalCount)
	pdf.Ln(5)

	if pdf.PageNo() != 1 {
		return nil, fmt.Errorf("%w: text does not fit on one page", ErrRender)
	}

	info := pdf.RegisterImageOptionsReader(chartImage, fpdf.ImageOptions{ImageType: imgType}, bytes.NewReader(r.Chart))
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("%w: chart image: %v", ErrRender, err)
	}
	if err := placeChart(pdf, info); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return buf.Bytes(), nil
}

// placeChart draws the chart at content width, shrinking it to whatever
// height is left on the page.
func placeChart(pdf *fpdf.Fpdf, info *fpdf.ImageInfoType) error {
	imgW, imgH := info.Extent()
	if imgW <= 0 || imgH <= 0 {
		return fmt.Errorf("%w: chart image has no extent", ErrRender)
	}
	pageW, pageH := pdf.GetPageSize()
	left, _, right, bottom := pdf.GetMargins()
	y := pdf.GetY()

	w := pageW - left - right
	h := w * imgH / imgW
	if avail := pageH - bottom - y; h > avail {
		if avail < minChartSize {
			return fmt.Errorf("%w: no room left for the chart", ErrRender)
		}
		h = avail
		w = h * imgW / imgH
	}
	pdf.ImageOptions(chartImage, left, y, w, h, false, fpdf.ImageOptions{}, 0, "")
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("%w: place chart: %v", ErrRender, err)
	}
	return nil
}

func imageType(img []byte) (string, error) {
	if len(img) == 0 {
		return "", fmt.Errorf("%w: empty chart image", ErrRender)
	}
	switch http.DetectContentType(img) {
	case "image/png":
		return "PNG", nil
	case "image/jpeg":
		return "JPG", nil
	default:
		return "", fmt.Errorf("%w: unsupported chart image format", ErrRender)
	}
}

func fixed(v *float64) string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return "n/a"
	}
	return decimal.NewFromFloat(*v).StringFixed(2)
}
