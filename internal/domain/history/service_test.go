package history

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aurix/cardio/internal/platform/blobstore"
)

// -- Mocks --

type failingRepo struct {
	Repository
	appendErr error
	findErr   error
}

func (f *failingRepo) AppendIfAbsent(ctx context.Context, rec Record) (bool, error) {
	if f.appendErr != nil {
		return false, f.appendErr
	}
	return f.Repository.AppendIfAbsent(ctx, rec)
}

func (f *failingRepo) Find(ctx context.Context, name string, day time.Time) (*Record, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.Repository.Find(ctx, name, day)
}

type failingStore struct {
	*blobstore.InMemoryBlobStore
}

func (failingStore) Put(context.Context, string, io.Reader) (*blobstore.BlobMetadata, error) {
	return nil, errors.New("disk full")
}

func newTestService(t *testing.T) (*Service, *CSVRepository, *blobstore.InMemoryBlobStore) {
	t.Helper()
	repo := newCSVRepo(t)
	store := blobstore.NewInMemoryBlobStore()
	return NewService(repo, store), repo, store
}

func readArtifact(t *testing.T, svc *Service, name string) string {
	t.Helper()
	rc, _, err := svc.OpenArtifact(context.Background(), name)
	if err != nil {
		t.Fatalf("OpenArtifact(%s): %v", name, err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(data)
}

// -- Archive --

func TestArchive_StoresReportAndRow(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	rec := visit("Ana Gomez", 54, "2024-05-01", "")

	res, err := svc.Archive(ctx, rec, []byte("%PDF-report"))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !res.Inserted || !res.Stored || len(res.Warnings) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ArtifactName != "Ana_Gomez_2024-05-01.pdf" {
		t.Errorf("unexpected artifact name %q", res.ArtifactName)
	}

	rows, _ := repo.List(ctx)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	// The name a row resolves to is the name its report was written under.
	if got := readArtifact(t, svc, rows[0].ArtifactName()); got != "%PDF-report" {
		t.Errorf("unexpected artifact contents %q", got)
	}
}

func TestArchive_SameVisitTwiceKeepsFirst(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	first, _ := svc.Archive(ctx, visit("Ana Gomez", 54, "2024-05-01", "first"), []byte("%PDF-first"))
	second, err := svc.Archive(ctx, visit("Ana Gomez", 54, "2024-05-01", "second"), []byte("%PDF-second"))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !first.Inserted {
		t.Error("expected first archive to insert")
	}
	if second.Inserted || second.Stored {
		t.Errorf("expected second archive to change nothing, got %+v", second)
	}
	if len(second.Warnings) != 1 {
		t.Errorf("expected one warning, got %v", second.Warnings)
	}

	rows, _ := repo.List(ctx)
	if len(rows) != 1 || rows[0].Observations != "first" {
		t.Fatalf("expected only the first row, got %+v", rows)
	}
	if got := readArtifact(t, svc, "Ana_Gomez_2024-05-01.pdf"); got != "%PDF-first" {
		t.Errorf("expected first report kept, got %q", got)
	}
}

func TestArchive_InvalidRecord(t *testing.T) {
	svc, repo, store := newTestService(t)
	_, err := svc.Archive(context.Background(), Record{Name: "", Age: 30, VisitDate: time.Now()}, []byte("%PDF"))
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	rows, _ := repo.List(context.Background())
	items, _ := store.List(context.Background())
	if len(rows) != 0 || len(items) != 0 {
		t.Error("invalid record must not persist anything")
	}
}

func TestArchive_StoreFailureSkipsRow(t *testing.T) {
	repo := newCSVRepo(t)
	svc := NewService(repo, failingStore{blobstore.NewInMemoryBlobStore()})

	res, err := svc.Archive(context.Background(), visit("Ana Gomez", 54, "2024-05-01", ""), []byte("%PDF"))
	if err != nil {
		t.Fatalf("persistence failures must not be errors: %v", err)
	}
	if res.Inserted || res.Stored {
		t.Errorf("expected nothing persisted, got %+v", res)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "disk full") {
		t.Errorf("expected warning naming the failure, got %v", res.Warnings)
	}
	rows, _ := repo.List(context.Background())
	if len(rows) != 0 {
		t.Error("a row must not be written without its report")
	}
}

func TestArchive_LedgerFailureLeavesOrphan(t *testing.T) {
	repo := &failingRepo{Repository: newCSVRepo(t), appendErr: errors.New("read-only")}
	store := blobstore.NewInMemoryBlobStore()
	svc := NewService(repo, store)
	ctx := context.Background()

	res, err := svc.Archive(ctx, visit("Ana Gomez", 54, "2024-05-01", ""), []byte("%PDF"))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !res.Stored || res.Inserted || len(res.Warnings) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	rep, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(rep.Orphans) != 1 || rep.Orphans[0] != "Ana_Gomez_2024-05-01.pdf" {
		t.Errorf("expected the orphan report, got %+v", rep)
	}

	// A retry records the visit and adopts the report.
	repo.appendErr = nil
	res, _ = svc.Archive(ctx, visit("Ana Gomez", 54, "2024-05-01", ""), []byte("%PDF-retry"))
	if !res.Inserted {
		t.Errorf("expected retry to insert, got %+v", res)
	}
	rep, _ = svc.Reconcile(ctx)
	if len(rep.Orphans) != 0 || len(rep.Missing) != 0 {
		t.Errorf("expected a clean ledger after retry, got %+v", rep)
	}
}

func TestArchive_LookupFailure(t *testing.T) {
	repo := &failingRepo{Repository: newCSVRepo(t), findErr: errors.New("corrupt")}
	store := blobstore.NewInMemoryBlobStore()
	res, err := NewService(repo, store).Archive(context.Background(), visit("Ana", 1, "2024-05-01", ""), []byte("%PDF"))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if res.Stored || len(res.Warnings) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestArchive_RestoresMissingReport(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	rec := visit("Ana Gomez", 54, "2024-05-01", "")

	svc.Archive(ctx, rec, []byte("%PDF-first"))
	store.Delete(ctx, rec.ArtifactName())

	res, _ := svc.Archive(ctx, rec, []byte("%PDF-again"))
	if res.Inserted || !res.Stored {
		t.Fatalf("expected report restored without a new row, got %+v", res)
	}
	if got := readArtifact(t, svc, rec.ArtifactName()); got != "%PDF-again" {
		t.Errorf("unexpected contents %q", got)
	}
}

// -- History / OpenArtifact / Reconcile --

func TestHistory_PerRowAvailability(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	svc.Archive(ctx, visit("Ana Gomez", 54, "2024-05-01", ""), []byte("%PDF"))
	// A row whose report never made it to the store.
	repo.AppendIfAbsent(ctx, visit("Luis", 61, "2024-05-02", ""))
	svc.Archive(ctx, visit("Eva", 30, "2024-05-03", ""), []byte("%PDF"))

	entries, total, err := svc.History(ctx, 10, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != 3 || len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d of %d", len(entries), total)
	}
	wantAvail := []bool{true, false, true}
	for i, e := range entries {
		if e.Available != wantAvail[i] {
			t.Errorf("entry %d (%s): available = %v, want %v", i, e.Name, e.Available, wantAvail[i])
		}
	}
	if entries[1].Warning == "" {
		t.Error("expected warning on unavailable entry")
	}

	page, total, _ := svc.History(ctx, 1, 1)
	if total != 3 || len(page) != 1 || page[0].Name != "Luis" {
		t.Errorf("unexpected page %+v", page)
	}
	past, _, _ := svc.History(ctx, 10, 10)
	if len(past) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(past))
	}
}

func TestOpenArtifact_Unavailable(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, name := range []string{"Nobody_2024-05-01.pdf", "../etc/passwd"} {
		if _, _, err := svc.OpenArtifact(context.Background(), name); !errors.Is(err, ErrArtifactUnavailable) {
			t.Errorf("OpenArtifact(%q): expected ErrArtifactUnavailable, got %v", name, err)
		}
	}
}

func TestReconcile_MissingArtifacts(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	svc.Archive(ctx, visit("Ana Gomez", 54, "2024-05-01", ""), []byte("%PDF"))
	repo.AppendIfAbsent(ctx, visit("Luis", 61, "2024-05-02", ""))

	rep, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Checked != 2 {
		t.Errorf("expected 2 rows checked, got %d", rep.Checked)
	}
	if len(rep.Missing) != 1 || rep.Missing[0].ArtifactName != "Luis_2024-05-02.pdf" {
		t.Errorf("unexpected missing list %+v", rep.Missing)
	}
	if len(rep.Orphans) != 0 {
		t.Errorf("unexpected orphans %v", rep.Orphans)
	}
}

func TestPruneOrphans_DeletesUnreferencedReports(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	svc.Archive(ctx, visit("Ana Gomez", 54, "2024-05-01", ""), []byte("%PDF"))
	store.Put(ctx, "Luis_2024-05-02.pdf", strings.NewReader("%PDF-orphan"))
	store.Put(ctx, "notes.txt", strings.NewReader("kept"))

	rep, err := svc.PruneOrphans(ctx)
	if err != nil {
		t.Fatalf("PruneOrphans: %v", err)
	}
	if len(rep.Pruned) != 1 || rep.Pruned[0] != "Luis_2024-05-02.pdf" {
		t.Fatalf("unexpected pruned list %v", rep.Pruned)
	}
	if _, err := store.Stat(ctx, "Luis_2024-05-02.pdf"); !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("expected orphan deleted, got %v", err)
	}
	for _, name := range []string{"Ana_Gomez_2024-05-01.pdf", "notes.txt"} {
		if _, err := store.Stat(ctx, name); err != nil {
			t.Errorf("expected %s kept, got %v", name, err)
		}
	}

	again, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(again.Orphans) != 0 {
		t.Errorf("expected no orphans after pruning, got %v", again.Orphans)
	}
}

func TestPruneOrphans_NothingToDo(t *testing.T) {
	svc, _, _ := newTestService(t)
	rep, err := svc.PruneOrphans(context.Background())
	if err != nil {
		t.Fatalf("PruneOrphans: %v", err)
	}
	if len(rep.Pruned) != 0 || rep.Pruned == nil {
		t.Errorf("expected an empty pruned list, got %#v", rep.Pruned)
	}
}
