package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newCSVRepo(t *testing.T) *CSVRepository {
	t.Helper()
	return NewCSVRepository(filepath.Join(t.TempDir(), "historial_pacientes.csv"))
}

func visit(name string, age int, date string, obs string) Record {
	day, err := time.Parse(DateLayout, date)
	if err != nil {
		panic(err)
	}
	return Record{Name: name, Age: age, VisitDate: day, Observations: obs}
}

func TestCSVRepository_AppendIfAbsentIdempotent(t *testing.T) {
	repo := newCSVRepo(t)
	ctx := context.Background()
	rec := visit("Ana Gomez", 54, "2024-05-01", "first visit")

	inserted, err := repo.AppendIfAbsent(ctx, rec)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if !inserted {
		t.Error("expected first append to insert")
	}

	inserted, err = repo.AppendIfAbsent(ctx, rec)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if inserted {
		t.Error("expected second append to be a no-op")
	}

	rows, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestCSVRepository_FirstWriteWins(t *testing.T) {
	repo := newCSVRepo(t)
	ctx := context.Background()
	repo.AppendIfAbsent(ctx, visit("Ana Gomez", 54, "2024-05-01", "first"))
	repo.AppendIfAbsent(ctx, visit("Ana Gomez", 54, "2024-05-01", "second"))

	rows, _ := repo.List(ctx)
	if len(rows) != 1 || rows[0].Observations != "first" {
		t.Fatalf("expected only the first row to survive, got %+v", rows)
	}
}

func TestCSVRepository_RoundTrip(t *testing.T) {
	repo := newCSVRepo(t)
	ctx := context.Background()
	want := []Record{
		visit("Ana Gomez", 54, "2024-05-01", "line one\nline two, with comma"),
		visit("Luis Pérez", 61, "2024-05-01", ""),
		visit("Ana Gomez", 54, "2024-05-02", `said "ok"`),
	}
	for _, rec := range want {
		if _, err := repo.AppendIfAbsent(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Name != want[i].Name || got[i].Age != want[i].Age ||
			got[i].Date() != want[i].Date() || got[i].Observations != want[i].Observations {
			t.Errorf("row %d: expected %+v, got %+v", i, want[i], got[i])
		}
		if got[i].ArtifactName() != want[i].ArtifactName() {
			t.Errorf("row %d: artifact name changed across persistence", i)
		}
	}
}

func TestCSVRepository_Find(t *testing.T) {
	repo := newCSVRepo(t)
	ctx := context.Background()
	rec := visit("Ana Gomez", 54, "2024-05-01", "")
	repo.AppendIfAbsent(ctx, rec)

	found, err := repo.Find(ctx, "Ana Gomez", rec.VisitDate)
	if err != nil || found == nil {
		t.Fatalf("expected row, got %v / %v", found, err)
	}
	missing, err := repo.Find(ctx, "Ana Gomez", rec.VisitDate.AddDate(0, 0, 1))
	if err != nil || missing != nil {
		t.Fatalf("expected no row, got %v / %v", missing, err)
	}
}

func TestCSVRepository_InitWritesHeaderOnce(t *testing.T) {
	repo := NewCSVRepository(filepath.Join(t.TempDir(), "data", "historial_pacientes.csv"))
	if err := repo.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := repo.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	data, err := os.ReadFile(repo.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "Name,Age,Date,Observations\n" {
		t.Errorf("unexpected ledger contents %q", data)
	}
	rows, err := repo.List(context.Background())
	if err != nil || len(rows) != 0 {
		t.Errorf("expected empty ledger, got %v / %v", rows, err)
	}
}

func TestCSVRepository_ListMissingFile(t *testing.T) {
	repo := newCSVRepo(t)
	rows, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
	if _, err := os.Stat(repo.Path()); !os.IsNotExist(err) {
		t.Error("List must not create the ledger")
	}
}

func TestCSVRepository_LegacySpanishHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "historial_pacientes.csv")
	legacy := "Nombre,Edad,Fecha,Observaciones\nAna Gomez,54.0,2024-05-01,control\nLuis,61,2024-05-02,"
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	repo := NewCSVRepository(path)
	ctx := context.Background()

	rows, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 || rows[0].Age != 54 || rows[0].Observations != "control" {
		t.Fatalf("unexpected rows %+v", rows)
	}

	inserted, err := repo.AppendIfAbsent(ctx, visit("Ana Gomez", 54, "2024-05-01", "dup"))
	if err != nil || inserted {
		t.Fatalf("expected duplicate against legacy row, got %v / %v", inserted, err)
	}
	if _, err := repo.AppendIfAbsent(ctx, visit("Eva", 30, "2024-05-03", "")); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "Nombre,Edad,Fecha,Observaciones\n") {
		t.Error("legacy header must be preserved")
	}
	if !strings.HasSuffix(string(data), "Luis,61,2024-05-02,\nEva,30,2024-05-03,\n") {
		t.Errorf("expected new row on its own line, got %q", data)
	}
	rows, _ = repo.List(ctx)
	if len(rows) != 3 {
		t.Errorf("expected 3 rows, got %d", len(rows))
	}
}

func TestCSVRepository_ReorderedColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	if err := os.WriteFile(path, []byte("Date,Name,Extra,Age\n2024-05-01,Ana,x,54\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	repo := NewCSVRepository(path)
	ctx := context.Background()
	if _, err := repo.AppendIfAbsent(ctx, visit("Bob", 40, "2024-05-01", "dropped")); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.HasSuffix(string(data), "2024-05-01,Bob,,40\n") {
		t.Errorf("expected row in file column order, got %q", data)
	}
}

func TestCSVRepository_Corrupt(t *testing.T) {
	tests := map[string]string{
		"missing column": "Name,Observations\nAna,x\n",
		"bad date":       "Name,Age,Date,Observations\nAna,54,01/05/2024,\n",
		"bad age":        "Name,Age,Date,Observations\nAna,old,2024-05-01,\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ledger.csv")
			os.WriteFile(path, []byte(content), 0o644)
			_, err := NewCSVRepository(path).List(context.Background())
			if !errors.Is(err, ErrCorruptLedger) {
				t.Errorf("expected ErrCorruptLedger, got %v", err)
			}
		})
	}
}

func TestCSVRepository_ConcurrentAppends(t *testing.T) {
	repo := newCSVRepo(t)
	if err := repo.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := context.Background()
	rec := visit("Ana Gomez", 54, "2024-05-01", "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.AppendIfAbsent(ctx, rec)
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Errorf("expected exactly one insert, got %d", inserted)
	}
	rows, _ := repo.List(ctx)
	if len(rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(rows))
	}
}
