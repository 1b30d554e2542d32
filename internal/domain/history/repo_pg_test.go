package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aurix/cardio/internal/platform/db"
)

// Runs against a disposable database named by HISTORY_TEST_DATABASE_URL.
func TestPGRepository(t *testing.T) {
	url := os.Getenv("HISTORY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HISTORY_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, db.PoolConfig{DatabaseURL: url, MaxConns: 2})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	if _, err := db.NewMigrator(pool, Migrations()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE patient_history`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	repo := NewPGRepository(pool)
	rec := visit("Ana Gomez", 54, "2024-05-01", "first")

	inserted, err := repo.AppendIfAbsent(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("first append: %v / %v", inserted, err)
	}
	rec.Observations = "second"
	inserted, err = repo.AppendIfAbsent(ctx, rec)
	if err != nil || inserted {
		t.Fatalf("second append: %v / %v", inserted, err)
	}
	if _, err := repo.AppendIfAbsent(ctx, visit("Luis", 61, "2024-05-02", "")); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 || rows[0].Observations != "first" || rows[1].Name != "Luis" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[0].ArtifactName() != "Ana_Gomez_2024-05-01.pdf" {
		t.Errorf("unexpected artifact name %q", rows[0].ArtifactName())
	}

	found, err := repo.Find(ctx, "Ana Gomez", rec.VisitDate)
	if err != nil || found == nil {
		t.Fatalf("Find: %v / %v", found, err)
	}
	missing, err := repo.Find(ctx, "ana gomez", rec.VisitDate)
	if err != nil || missing != nil {
		t.Fatalf("expected exact-match lookup, got %v / %v", missing, err)
	}
}

func TestMigrations_Embedded(t *testing.T) {
	migs, err := db.NewMigrator(nil, Migrations()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migs) == 0 || migs[0].Name != "001_patient_history.sql" {
		t.Fatalf("unexpected migrations %+v", migs)
	}
}
