package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Header of a newly created ledger file.
var csvHeader = []string{"Name", "Age", "Date", "Observations"}

// Column aliases, matched case-insensitively. The Spanish names are the
// headers of ledgers written by earlier releases.
var csvColumns = map[string]int{
	"name": 0, "nombre": 0,
	"age": 1, "edad": 1,
	"date": 2, "fecha": 2,
	"observations": 3, "observaciones": 3,
}

// CSVRepository is a flat-file ledger. Every call reads the whole file,
// which is fine for the expected few thousand rows and wrong beyond that.
// The mutex serialises callers inside one process only.
type CSVRepository struct {
	path string
	mu   sync.Mutex
}

// NewCSVRepository returns a ledger stored at path. Nothing is created
// until Init or the first append.
func NewCSVRepository(path string) *CSVRepository {
	return &CSVRepository{path: path}
}

// Path returns the ledger file location.
func (r *CSVRepository) Path() string { return r.path }

// Init creates the parent directory and an empty ledger with a header if
// the file does not exist.
func (r *CSVRepository) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	defer f.Close()
	return writeRow(f, csvHeader)
}

func (r *CSVRepository) AppendIfAbsent(_ context.Context, rec Record) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tbl, err := r.load()
	if err != nil {
		return false, err
	}
	for _, existing := range tbl.rows {
		if existing.SameVisit(rec) {
			return false, nil
		}
	}
	if err := r.append(tbl, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (r *CSVRepository) Find(_ context.Context, name string, day time.Time) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tbl, err := r.load()
	if err != nil {
		return nil, err
	}
	key := Record{Name: name, VisitDate: day}
	for _, existing := range tbl.rows {
		if existing.SameVisit(key) {
			out := existing
			return &out, nil
		}
	}
	return nil, nil
}

func (r *CSVRepository) List(_ context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tbl, err := r.load()
	if err != nil {
		return nil, err
	}
	return tbl.rows, nil
}

// table is a loaded ledger. order maps file column position to the
// logical column, so appends follow the file's own header.
type table struct {
	rows       []Record
	order      []int
	endsInLine bool
}

func (r *CSVRepository) load() (*table, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return &table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	tbl := &table{endsInLine: len(data) == 0 || data[len(data)-1] == '\n'}
	if len(bytes.TrimSpace(data)) == 0 {
		return tbl, nil
	}

	rd := csv.NewReader(bytes.NewReader(data))
	rd.FieldsPerRecord = -1

	header, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptLedger, err)
	}
	tbl.order, err = columnOrder(header)
	if err != nil {
		return nil, err
	}

	for {
		fields, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLedger, err)
		}
		line, _ := rd.FieldPos(0)
		rec, err := parseRow(fields, tbl.order)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorruptLedger, line, err)
		}
		tbl.rows = append(tbl.rows, rec)
	}
	return tbl, nil
}

func (r *CSVRepository) append(tbl *table, rec Record) error {
	var buf bytes.Buffer
	flags := os.O_WRONLY | os.O_APPEND | os.O_CREATE
	order := tbl.order
	if order == nil {
		// Missing or blank file: start it with a header.
		flags = os.O_WRONLY | os.O_TRUNC | os.O_CREATE
		order = []int{0, 1, 2, 3}
		if err := writeRow(&buf, csvHeader); err != nil {
			return err
		}
	} else if !tbl.endsInLine {
		buf.WriteByte('\n')
	}

	logical := []string{rec.Name, strconv.Itoa(rec.Age), rec.Date(), rec.Observations}
	out := make([]string, len(order))
	for i, col := range order {
		if col >= 0 {
			out[i] = logical[col]
		}
	}
	if err := writeRow(&buf, out); err != nil {
		return err
	}

	f, err := os.OpenFile(r.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append ledger row: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return f.Close()
}

// columnOrder maps each header position to a logical column, or -1 for
// columns the ledger does not use.
func columnOrder(header []string) ([]int, error) {
	order := make([]int, len(header))
	seen := make([]bool, len(csvHeader))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		col, ok := csvColumns[h]
		if !ok || seen[col] {
			order[i] = -1
			continue
		}
		order[i] = col
		seen[col] = true
	}
	for col, ok := range seen[:3] {
		if !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrCorruptLedger, csvHeader[col])
		}
	}
	return order, nil
}

func parseRow(fields []string, order []int) (Record, error) {
	var logical [4]string
	for i, col := range order {
		if col >= 0 && i < len(fields) {
			logical[col] = fields[i]
		}
	}

	age, err := strconv.Atoi(strings.TrimSpace(logical[1]))
	if err != nil {
		// Earlier releases could write ages as floats ("54.0").
		f, ferr := strconv.ParseFloat(strings.TrimSpace(logical[1]), 64)
		if ferr != nil {
			return Record{}, fmt.Errorf("age %q is not a number", logical[1])
		}
		age = int(f)
	}
	day, err := time.Parse(DateLayout, strings.TrimSpace(logical[2]))
	if err != nil {
		return Record{}, fmt.Errorf("date %q is not YYYY-MM-DD", logical[2])
	}
	return Record{
		Name:         logical[0],
		Age:          age,
		VisitDate:    day,
		Observations: logical[3],
	}, nil
}

func writeRow(w io.Writer, fields []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(fields); err != nil {
		return fmt.Errorf("write ledger row: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write ledger row: %w", err)
	}
	return nil
}
