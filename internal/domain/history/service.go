package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aurix/cardio/internal/platform/blobstore"
	"github.com/aurix/cardio/pkg/pagination"
)

// ArchiveResult describes what Archive persisted. Warnings explain every
// step that did not happen; the caller still owns the in-memory report.
type ArchiveResult struct {
	Inserted     bool     `json:"inserted"`
	ArtifactName string   `json:"artifact_name"`
	Stored       bool     `json:"stored"`
	Warnings     []string `json:"warnings,omitempty"`
}

// ReconcileReport lists disagreements between the ledger and the store.
type ReconcileReport struct {
	Checked int      `json:"checked"`
	Missing []Entry  `json:"missing"`
	Orphans []string `json:"orphans"`
	Pruned  []string `json:"pruned,omitempty"`
}

// Service is the ledger together with the artifact store it indexes.
type Service struct {
	repo      Repository
	artifacts blobstore.BlobStore
	mu        sync.Mutex
}

func NewService(repo Repository, artifacts blobstore.BlobStore) *Service {
	return &Service{repo: repo, artifacts: artifacts}
}

// Archive stores the report for rec and records the visit.
//
// The artifact is written first and the ledger row second; the row is the
// durability boundary. A crash between the two leaves an orphan artifact,
// which the next Archive for the same visit or Reconcile picks up, but
// never a row without its report. An existing visit keeps its first row and
// its first report: a repeat render is returned to the caller but not
// written over the stored PDF, so the archive always matches the row it
// was recorded with. A missing report for an existing row is rewritten.
//
// Only an invalid record is returned as an error.
func (s *Service) Archive(ctx context.Context, rec Record, pdf []byte) (ArchiveResult, error) {
	if err := rec.Validate(); err != nil {
		return ArchiveResult{}, err
	}
	rec.VisitDate = Day(rec.VisitDate)
	res := ArchiveResult{ArtifactName: rec.ArtifactName()}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.Find(ctx, rec.Name, rec.VisitDate)
	if err != nil {
		res.warn("ledger lookup failed, report not archived: %v", err)
		return res, nil
	}
	if existing != nil {
		if s.available(ctx, res.ArtifactName) {
			res.warn("visit for %s on %s already archived; stored report kept", rec.Name, rec.Date())
			return res, nil
		}
		// Row without its report: heal it with this render.
		if err := s.put(ctx, res.ArtifactName, pdf); err != nil {
			res.warn("report for existing visit could not be restored: %v", err)
			return res, nil
		}
		res.Stored = true
		return res, nil
	}

	if err := s.put(ctx, res.ArtifactName, pdf); err != nil {
		res.warn("report could not be stored, visit not recorded: %v", err)
		return res, nil
	}
	res.Stored = true

	inserted, err := s.repo.AppendIfAbsent(ctx, rec)
	if err != nil {
		res.warn("report stored but visit not recorded: %v", err)
		return res, nil
	}
	res.Inserted = inserted
	return res, nil
}

// History returns one page of the ledger in insertion order, each entry
// carrying its own artifact availability.
func (s *Service) History(ctx context.Context, limit, offset int) ([]Entry, int, error) {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	total := len(recs)
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(total)

	entries := make([]Entry, 0, end-start)
	for _, rec := range recs[start:end] {
		entries = append(entries, newEntry(rec, s.available(ctx, rec.ArtifactName())))
	}
	return entries, total, nil
}

// OpenArtifact returns a stored report by file name.
func (s *Service) OpenArtifact(ctx context.Context, name string) (io.ReadCloser, *blobstore.BlobMetadata, error) {
	rc, meta, err := s.artifacts.Open(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) || errors.Is(err, blobstore.ErrInvalidName) {
			return nil, nil, fmt.Errorf("%w: %s", ErrArtifactUnavailable, name)
		}
		return nil, nil, err
	}
	return rc, meta, nil
}

// Reconcile checks every ledger row against the store and lists stored
// reports that no row points at.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	return s.reconcile(ctx)
}

// PruneOrphans reconciles and then deletes every orphan report. It holds
// the archive lock so a report stored by an in-flight Archive is never
// taken for an orphan. Orphans lists what was found, Pruned what was
// removed.
func (s *Service) PruneOrphans(ctx context.Context) (ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep, err := s.reconcile(ctx)
	if err != nil {
		return rep, err
	}
	rep.Pruned = []string{}
	for _, name := range rep.Orphans {
		if err := s.artifacts.Delete(ctx, name); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			return rep, fmt.Errorf("delete orphan %s: %w", name, err)
		}
		rep.Pruned = append(rep.Pruned, name)
	}
	return rep, nil
}

func (s *Service) reconcile(ctx context.Context) (ReconcileReport, error) {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	blobs, err := s.artifacts.List(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list artifacts: %w", err)
	}

	stored := make(map[string]bool, len(blobs))
	for _, b := range blobs {
		stored[b.FileName] = true
	}

	rep := ReconcileReport{Checked: len(recs), Missing: []Entry{}, Orphans: []string{}}
	referenced := make(map[string]bool, len(recs))
	for _, rec := range recs {
		name := rec.ArtifactName()
		referenced[name] = true
		if !stored[name] {
			rep.Missing = append(rep.Missing, newEntry(rec, false))
		}
	}
	for _, b := range blobs {
		if !referenced[b.FileName] && strings.HasSuffix(b.FileName, ".pdf") {
			rep.Orphans = append(rep.Orphans, b.FileName)
		}
	}
	return rep, nil
}

func (s *Service) available(ctx context.Context, name string) bool {
	_, err := s.artifacts.Stat(ctx, name)
	return err == nil
}

func (s *Service) put(ctx context.Context, name string, pdf []byte) error {
	if len(pdf) == 0 {
		return errors.New("empty report")
	}
	_, err := s.artifacts.Put(ctx, name, bytes.NewReader(pdf))
	return err
}

func (r *ArchiveResult) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
