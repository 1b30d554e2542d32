package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// uploadRequest builds a multipart POST with the CSV under "file" and the
// given form fields.
func uploadRequest(t *testing.T, path, csv string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if csv != "" {
		fw, err := mw.CreateFormFile(uploadField, "export.csv")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write([]byte(csv))
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t)
	return NewHandler(f.svc), f, echo.New()
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func TestHeartRateSummaryHandler(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := uploadRequest(t, "/api/v1/heart-rate/summary", heartRateCSV+"not-a-date,90\n", nil)
	rec := httptest.NewRecorder()
	if err := h.HeartRateSummary(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		PipelineVersion string `json:"pipeline_version"`
		DroppedRows     int    `json:"dropped_rows"`
		Summary         struct {
			Min            *float64 `json:"min"`
			Mean           *float64 `json:"mean"`
			ThresholdCount int      `json:"threshold_count"`
			LoadPercent    float64  `json:"load_percent"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PipelineVersion != PipelineVersion || body.DroppedRows != 1 {
		t.Errorf("unexpected envelope %+v", body)
	}
	if *body.Summary.Min != 65 || *body.Summary.Mean != 96.75 || body.Summary.ThresholdCount != 2 || body.Summary.LoadPercent != 50 {
		t.Errorf("unexpected summary %+v", body.Summary)
	}
}

func TestHeartRateSummaryHandler_EmptySeries(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := uploadRequest(t, "/api/v1/heart-rate/summary", "time,value\n", nil)
	rec := httptest.NewRecorder()
	if err := h.HeartRateSummary(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"min":null`) {
		t.Errorf("expected null min for empty series, got %s", rec.Body.String())
	}
}

func TestHeartRateSummaryHandler_CSVBody(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/heart-rate/summary?threshold_bpm=70", strings.NewReader(heartRateCSV))
	req.Header.Set(echo.HeaderContentType, "text/csv")
	rec := httptest.NewRecorder()
	if err := h.HeartRateSummary(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"threshold_count":3`) {
		t.Errorf("expected threshold override from query, got %s", rec.Body.String())
	}
}

func TestHeartRateSummaryHandler_Errors(t *testing.T) {
	h, _, e := newTestHandler(t)
	tests := []struct {
		name   string
		csv    string
		fields map[string]string
		code   int
	}{
		{"no file", "", nil, http.StatusBadRequest},
		{"non-numeric value", "time,value\n2024-05-01T10:00:00Z,fast\n", nil, http.StatusBadRequest},
		{"missing column", "time,other\n2024-05-01T10:00:00Z,1\n", nil, http.StatusBadRequest},
		{"bad threshold", heartRateCSV, map[string]string{"threshold_bpm": "high"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := uploadRequest(t, "/api/v1/heart-rate/summary", tt.csv, tt.fields)
			err := h.HeartRateSummary(e.NewContext(req, httptest.NewRecorder()))
			expectStatus(t, err, tt.code)
		})
	}
}

func TestHeartRateReportHandler(t *testing.T) {
	h, f, e := newTestHandler(t)
	fields := map[string]string{
		"name":         "Ana Gómez",
		"age":          "54",
		"observations": "Palpitations after exercise.",
		"visit_date":   "2024-04-30",
	}

	req := uploadRequest(t, "/api/v1/heart-rate/report", heartRateCSV, fields)
	rec := httptest.NewRecorder()
	if err := h.HeartRateReport(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/pdf" {
		t.Errorf("expected application/pdf, got %s", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")) {
		t.Fatal("expected a PDF body")
	}
	if rec.Header().Get(HeaderLedgerInserted) != "true" || rec.Header().Get(HeaderArtifactStored) != "true" {
		t.Errorf("expected inserted and stored, got %v", rec.Header())
	}
	if got := rec.Header().Get(HeaderArtifactName); got != "Ana_Gómez_2024-04-30.pdf" {
		t.Errorf("unexpected artifact name %q", got)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "ana-gomez_2024-04-30.pdf") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if _, err := f.store.Stat(req.Context(), "Ana_Gómez_2024-04-30.pdf"); err != nil {
		t.Errorf("expected artifact in store: %v", err)
	}

	// Same patient and day again: report returned, ledger untouched.
	req = uploadRequest(t, "/api/v1/heart-rate/report", heartRateCSV, fields)
	rec = httptest.NewRecorder()
	if err := h.HeartRateReport(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(HeaderLedgerInserted) != "false" {
		t.Error("expected no second insert")
	}
	if len(rec.Header().Values(HeaderPersistenceWarning)) != 1 {
		t.Errorf("expected one persistence warning, got %v", rec.Header().Values(HeaderPersistenceWarning))
	}
	if rec.Body.Len() == 0 {
		t.Error("expected the PDF even without persistence")
	}
}

func TestHeartRateReportHandler_Errors(t *testing.T) {
	h, _, e := newTestHandler(t)
	tests := []struct {
		name   string
		csv    string
		fields map[string]string
		code   int
	}{
		{"missing age", heartRateCSV, map[string]string{"name": "Ana"}, http.StatusBadRequest},
		{"bad age", heartRateCSV, map[string]string{"name": "Ana", "age": "old"}, http.StatusBadRequest},
		{"age out of range", heartRateCSV, map[string]string{"name": "Ana", "age": "130"}, http.StatusBadRequest},
		{"bad date", heartRateCSV, map[string]string{"name": "Ana", "age": "40", "visit_date": "01/05/2024"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := uploadRequest(t, "/api/v1/heart-rate/report", tt.csv, tt.fields)
			err := h.HeartRateReport(e.NewContext(req, httptest.NewRecorder()))
			expectStatus(t, err, tt.code)
		})
	}
}

func TestHeartRateReportHandler_SingleReading(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := uploadRequest(t, "/api/v1/heart-rate/report", "time,value\n2024-05-01T10:00:00Z,72\n",
		map[string]string{"name": "Ana", "age": "40"})
	rec := httptest.NewRecorder()
	if err := h.HeartRateReport(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(echo.HeaderContentType) != "application/pdf" {
		t.Errorf("expected application/pdf, got %s", rec.Header().Get(echo.HeaderContentType))
	}
	if rec.Header().Get(HeaderLedgerInserted) != "true" {
		t.Errorf("expected the visit recorded, got %q", rec.Header().Get(HeaderLedgerInserted))
	}
}

func TestHeartRateChartHandler(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := uploadRequest(t, "/api/v1/heart-rate/chart", heartRateCSV, nil)
	rec := httptest.NewRecorder()
	if err := h.HeartRateChart(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(echo.HeaderContentType) != "image/png" {
		t.Errorf("expected image/png, got %s", rec.Header().Get(echo.HeaderContentType))
	}
}

func TestConditionECGHandler(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := uploadRequest(t, "/api/v1/ecg/condition", ecgCSV(600), map[string]string{"max_points": "300"})
	rec := httptest.NewRecorder()
	if err := h.ConditionECG(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body ECGResult
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SampleCount != 600 || len(body.Filtered.Values) != 600 || len(body.Plot.Values) != 300 || body.Stride != 2 {
		t.Errorf("unexpected result count=%d filtered=%d plot=%d stride=%d",
			body.SampleCount, len(body.Filtered.Values), len(body.Plot.Values), body.Stride)
	}
}

func TestConditionECGHandler_Errors(t *testing.T) {
	h, _, e := newTestHandler(t)
	tests := []struct {
		name   string
		csv    string
		fields map[string]string
		code   int
	}{
		{"too short", ecgCSV(30), nil, http.StatusUnprocessableEntity},
		{"nyquist", ecgCSV(600), map[string]string{"sampling_rate_hz": "50"}, http.StatusUnprocessableEntity},
		{"bad cutoff", ecgCSV(600), map[string]string{"low_cut_hz": "low"}, http.StatusUnprocessableEntity},
		{"bad center", ecgCSV(600), map[string]string{"center": "maybe"}, http.StatusUnprocessableEntity},
		{"non-numeric sample", "timestamp_ms,ecg\n0,x\n", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := uploadRequest(t, "/api/v1/ecg/condition", tt.csv, tt.fields)
			err := h.ConditionECG(e.NewContext(req, httptest.NewRecorder()))
			expectStatus(t, err, tt.code)
		})
	}
}

func TestECGChartHandler(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := uploadRequest(t, "/api/v1/ecg/chart", ecgCSV(600), map[string]string{"center": "true"})
	rec := httptest.NewRecorder()
	if err := h.ECGChart(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(echo.HeaderContentType) != "image/png" {
		t.Errorf("expected image/png, got %s", rec.Header().Get(echo.HeaderContentType))
	}
	if rec.Header().Get(HeaderPlotStride) != "1" {
		t.Errorf("expected stride 1, got %q", rec.Header().Get(HeaderPlotStride))
	}
}

func TestGetPipeline(t *testing.T) {
	h, _, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	if err := h.GetPipeline(e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/pipeline", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var cfg PipelineConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg != DefaultPipelineConfig() {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler(t)
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/pipeline":            false,
		"POST /api/v1/heart-rate/summary": false,
		"POST /api/v1/heart-rate/chart":   false,
		"POST /api/v1/heart-rate/report":  false,
		"POST /api/v1/ecg/condition":      false,
		"POST /api/v1/ecg/chart":          false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
