package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/labstack/echo/v4"

	"github.com/aurix/cardio/internal/domain/heartrate"
	"github.com/aurix/cardio/internal/domain/history"
	"github.com/aurix/cardio/internal/domain/recording"
	"github.com/aurix/cardio/internal/platform/chart"
	"github.com/aurix/cardio/internal/platform/dsp"
	"github.com/aurix/cardio/internal/platform/reporting"
)

// Response headers of the report endpoint.
const (
	HeaderLedgerInserted     = "X-Ledger-Inserted"
	HeaderArtifactName       = "X-Artifact-Name"
	HeaderArtifactStored     = "X-Artifact-Stored"
	HeaderPersistenceWarning = "X-Persistence-Warning"
	HeaderPlotStride         = "X-Plot-Stride"
	HeaderPipelineVersion    = "X-Pipeline-Version"
)

const uploadField = "file"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/pipeline", h.GetPipeline)
	api.POST("/heart-rate/summary", h.HeartRateSummary)
	api.POST("/heart-rate/chart", h.HeartRateChart)
	api.POST("/heart-rate/report", h.HeartRateReport)
	api.POST("/ecg/condition", h.ConditionECG)
	api.POST("/ecg/chart", h.ECGChart)
}

func (h *Handler) GetPipeline(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Config())
}

// SummaryResponse is the body of POST /heart-rate/summary.
type SummaryResponse struct {
	PipelineVersion string            `json:"pipeline_version"`
	DroppedRows     int               `json:"dropped_rows"`
	Summary         heartrate.Summary `json:"summary"`
}

func (h *Handler) HeartRateSummary(c echo.Context) error {
	series, dropped, err := heartRateUpload(c)
	if err != nil {
		return err
	}
	opts, err := heartRateOptions(c)
	if err != nil {
		return httpError(err)
	}
	sum, err := h.svc.SummarizeHeartRate(series, opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, SummaryResponse{
		PipelineVersion: h.svc.Config().Version,
		DroppedRows:     dropped,
		Summary:         sum,
	})
}

func (h *Handler) HeartRateChart(c echo.Context) error {
	series, _, err := heartRateUpload(c)
	if err != nil {
		return err
	}
	img, err := h.svc.HeartRateChart(series)
	if err != nil {
		return httpError(err)
	}
	return c.Blob(http.StatusOK, "image/png", img)
}

func (h *Handler) HeartRateReport(c echo.Context) error {
	rec, err := patientRecord(c)
	if err != nil {
		return httpError(err)
	}
	series, _, err := heartRateUpload(c)
	if err != nil {
		return err
	}
	opts, err := heartRateOptions(c)
	if err != nil {
		return httpError(err)
	}

	res, err := h.svc.HeartRateReport(c.Request().Context(), ReportRequest{
		Patient: rec,
		Series:  series,
		Options: opts,
	})
	if err != nil {
		return httpError(err)
	}

	hdr := c.Response().Header()
	hdr.Set(HeaderPipelineVersion, h.svc.Config().Version)
	hdr.Set(HeaderLedgerInserted, strconv.FormatBool(res.Archive.Inserted))
	hdr.Set(HeaderArtifactStored, strconv.FormatBool(res.Archive.Stored))
	hdr.Set(HeaderArtifactName, res.Archive.ArtifactName)
	for _, w := range res.Archive.Warnings {
		hdr.Add(HeaderPersistenceWarning, headerSafe(w))
	}
	hdr.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", downloadName(res.Record)))
	return c.Blob(http.StatusOK, "application/pdf", res.PDF)
}

func (h *Handler) ConditionECG(c echo.Context) error {
	trace, err := ecgUpload(c)
	if err != nil {
		return err
	}
	opts, err := ecgOptions(c)
	if err != nil {
		return httpError(err)
	}
	res, err := h.svc.ConditionECG(trace, opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ECGChart(c echo.Context) error {
	trace, err := ecgUpload(c)
	if err != nil {
		return err
	}
	opts, err := ecgOptions(c)
	if err != nil {
		return httpError(err)
	}
	img, res, err := h.svc.ECGChart(trace, opts)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(HeaderPlotStride, strconv.Itoa(res.Stride))
	c.Response().Header().Set(HeaderPipelineVersion, res.PipelineVersion)
	return c.Blob(http.StatusOK, "image/png", img)
}

// ---------------------------------------------------------------------------
// Request parsing
// ---------------------------------------------------------------------------

// upload returns the CSV export, either the multipart "file" field or a
// text/csv request body.
func upload(c echo.Context) (io.ReadCloser, error) {
	fh, err := c.FormFile(uploadField)
	if err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "cannot read uploaded file")
		}
		return f, nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return nil, he
	}
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), "text/csv") {
		return io.NopCloser(c.Request().Body), nil
	}
	return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("multipart field %q with a CSV export is required", uploadField))
}

func heartRateUpload(c echo.Context) (recording.Series, int, error) {
	f, err := upload(c)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	series, dropped, err := recording.ParseHeartRateCSV(f)
	if err != nil {
		return nil, 0, httpError(err)
	}
	return series, dropped, nil
}

func ecgUpload(c echo.Context) (recording.ECGTrace, error) {
	f, err := upload(c)
	if err != nil {
		return recording.ECGTrace{}, err
	}
	defer f.Close()
	trace, err := recording.ParseECGCSV(f)
	if err != nil {
		return recording.ECGTrace{}, httpError(err)
	}
	return trace, nil
}

func patientRecord(c echo.Context) (history.Record, error) {
	rec := history.Record{
		Name:         c.FormValue("name"),
		Observations: c.FormValue("observations"),
	}
	rawAge := strings.TrimSpace(c.FormValue("age"))
	if rawAge == "" {
		return rec, fmt.Errorf("%w: age is required", history.ErrInvalidRecord)
	}
	age, err := strconv.Atoi(rawAge)
	if err != nil {
		return rec, fmt.Errorf("%w: age %q is not a whole number", history.ErrInvalidRecord, rawAge)
	}
	rec.Age = age

	if raw := strings.TrimSpace(c.FormValue("visit_date")); raw != "" {
		day, err := time.Parse(history.DateLayout, raw)
		if err != nil {
			return rec, fmt.Errorf("%w: visit_date %q is not YYYY-MM-DD", history.ErrInvalidRecord, raw)
		}
		rec.VisitDate = day
	}
	return rec, nil
}

func heartRateOptions(c echo.Context) (HeartRateOptions, error) {
	threshold, err := optFloat(c, "threshold_bpm")
	return HeartRateOptions{ThresholdBPM: threshold}, err
}

func ecgOptions(c echo.Context) (ECGOptions, error) {
	var (
		opts ECGOptions
		err  error
	)
	if opts.SamplingRateHz, err = optFloat(c, "sampling_rate_hz"); err != nil {
		return opts, err
	}
	if opts.LowCutHz, err = optFloat(c, "low_cut_hz"); err != nil {
		return opts, err
	}
	if opts.HighCutHz, err = optFloat(c, "high_cut_hz"); err != nil {
		return opts, err
	}
	if opts.MaxPoints, err = optInt(c, "max_points"); err != nil {
		return opts, err
	}
	if opts.Center, err = optBool(c, "center"); err != nil {
		return opts, err
	}
	return opts, nil
}

func optFloat(c echo.Context, key string) (*float64, error) {
	raw := strings.TrimSpace(c.FormValue(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a number", ErrInvalidOptions, key, raw)
	}
	return &v, nil
}

func optInt(c echo.Context, key string) (*int, error) {
	raw := strings.TrimSpace(c.FormValue(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a whole number", ErrInvalidOptions, key, raw)
	}
	return &v, nil
}

func optBool(c echo.Context, key string) (*bool, error) {
	raw := strings.TrimSpace(c.FormValue(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a boolean", ErrInvalidOptions, key, raw)
	}
	return &v, nil
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// httpError maps pipeline errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, recording.ErrMalformedInput),
		errors.Is(err, history.ErrInvalidRecord):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidOptions),
		errors.Is(err, dsp.ErrInvalidParameters),
		errors.Is(err, dsp.ErrInsufficientSamples),
		errors.Is(err, chart.ErrNotEnoughPoints):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, history.ErrArtifactUnavailable):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request deadline exceeded").SetInternal(err)
	case errors.Is(err, reporting.ErrRender):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

// downloadName is an ASCII file name for the Content-Disposition header.
// The stored artifact keeps the exact patient name.
func downloadName(rec history.Record) string {
	base := slug.Make(rec.Name)
	if base == "" {
		base = "report"
	}
	return base + "_" + rec.Date() + ".pdf"
}

func headerSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}
