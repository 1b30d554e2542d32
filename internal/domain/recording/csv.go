package recording

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Column aliases accepted in uploaded tables, matched case-insensitively.
var (
	heartRateTimeColumns  = []string{"time", "fecha", "timestamp", "datetime"}
	heartRateValueColumns = []string{"value", "frecuencia_cardíaca", "frecuencia_cardiaca", "heart_rate", "bpm"}
	ecgTimeColumns        = []string{"timestamp_ms"}
	ecgValueColumns       = []string{"ecg"}
)

// timestampLayouts are tried in order; naive layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses a device timestamp in any supported layout.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ParseHeartRateCSV reads a two-column heart-rate export. Rows whose
// timestamp does not parse, or whose value is empty or NaN, are dropped and
// counted; a value that is present but not numeric is an error. The result
// is sorted by time (stable for equal timestamps).
func ParseHeartRateCSV(r io.Reader) (Series, int, error) {
	rd, cols, err := openTable(r, heartRateTimeColumns, heartRateValueColumns)
	if err != nil {
		return nil, 0, err
	}

	var (
		series  Series
		dropped int
	)
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		line, _ := rd.FieldPos(0)
		rawTime, rawValue := field(rec, cols[0]), field(rec, cols[1])

		ts, err := ParseTimestamp(rawTime)
		if err != nil {
			dropped++
			continue
		}
		if strings.TrimSpace(rawValue) == "" {
			dropped++
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
		if err != nil || math.IsInf(v, 0) {
			return nil, 0, fmt.Errorf("%w: line %d: heart rate %q is not a number", ErrMalformedInput, line, rawValue)
		}
		if math.IsNaN(v) {
			dropped++
			continue
		}
		series = append(series, Sample{Time: ts, Value: v})
	}

	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Time.Before(series[j].Time)
	})
	return series, dropped, nil
}

// ParseECGCSV reads a `timestamp_ms`,`ecg` export of raw ADC readings.
// Every data row must be numeric in both columns and timestamps must not
// decrease.
func ParseECGCSV(r io.Reader) (ECGTrace, error) {
	rd, cols, err := openTable(r, ecgTimeColumns, ecgValueColumns)
	if err != nil {
		return ECGTrace{}, err
	}

	var trace ECGTrace
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ECGTrace{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		line, _ := rd.FieldPos(0)
		rawMS, rawValue := field(rec, cols[0]), field(rec, cols[1])

		ms, err := strconv.ParseFloat(strings.TrimSpace(rawMS), 64)
		if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) {
			return ECGTrace{}, fmt.Errorf("%w: line %d: timestamp_ms %q is not a number", ErrMalformedInput, line, rawMS)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return ECGTrace{}, fmt.Errorf("%w: line %d: ecg %q is not a number", ErrMalformedInput, line, rawValue)
		}
		if n := len(trace.Seconds); n > 0 && ms/1000.0 < trace.Seconds[n-1] {
			return ECGTrace{}, fmt.Errorf("%w: line %d: timestamp_ms %s goes backwards", ErrMalformedInput, line, strings.TrimSpace(rawMS))
		}
		trace.Seconds = append(trace.Seconds, ms/1000.0)
		trace.Values = append(trace.Values, v)
	}
	return trace, nil
}

// openTable reads the header row and resolves the index of one column from
// each alias group.
func openTable(r io.Reader, groups ...[]string) (*csv.Reader, []int, error) {
	rd := csv.NewReader(r)
	rd.FieldsPerRecord = -1
	rd.TrimLeadingSpace = true

	header, err := rd.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: empty table", ErrMalformedInput)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrMalformedInput, err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	cols := make([]int, len(groups))
	for g, aliases := range groups {
		cols[g] = -1
		for _, a := range aliases {
			if i, ok := index[a]; ok {
				cols[g] = i
				break
			}
		}
		if cols[g] < 0 {
			return nil, nil, fmt.Errorf("%w: missing required column %q", ErrMalformedInput, aliases[0])
		}
	}
	return rd, cols, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}
