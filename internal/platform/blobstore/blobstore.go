// Package blobstore stores rendered report artifacts addressed by file name.
// It defines the BlobStore interface, a filesystem implementation used in
// production, and an in-memory implementation for tests and development.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrInvalidName  = errors.New("invalid blob name")
)

// MaxFileSize is the maximum allowed blob size in bytes (32 MB).
const MaxFileSize = 32 * 1024 * 1024

// stagingPrefix marks in-flight writes; List never reports them.
const stagingPrefix = ".staging-"

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// BlobStore defines the contract for artifact storage backends. Put
// replaces any existing blob with the same name.
type BlobStore interface {
	Put(ctx context.Context, name string, content io.Reader) (*BlobMetadata, error)
	Open(ctx context.Context, name string) (io.ReadCloser, *BlobMetadata, error)
	Stat(ctx context.Context, name string) (*BlobMetadata, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*BlobMetadata, error)
}

// ValidateName rejects names that are empty or would escape the store.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, stagingPrefix):
		return fmt.Errorf("%w: %q uses a reserved prefix", ErrInvalidName, name)
	}
	return nil
}

func readLimited(content io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func hashOf(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// ---------------------------------------------------------------------------
// Filesystem implementation
// ---------------------------------------------------------------------------

// FSStore keeps each blob as one file in a flat directory.
type FSStore struct {
	dir string
}

// NewFSStore returns a store rooted at dir. It touches nothing on disk;
// call Init before first use.
func NewFSStore(dir string) *FSStore {
	return &FSStore{dir: dir}
}

// Dir returns the root directory.
func (s *FSStore) Dir() string { return s.dir }

// Init creates the root directory if it does not exist.
func (s *FSStore) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create blob dir %s: %w", s.dir, err)
	}
	return nil
}

// Put writes content to a staging file and renames it into place, so a
// reader never observes a partial blob. The staging file is removed on
// every failure path.
func (s *FSStore) Put(ctx context.Context, name string, content io.Reader) (*BlobMetadata, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp := filepath.Join(s.dir, stagingPrefix+uuid.New().String())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("write staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		committed = true
		return nil, fmt.Errorf("commit blob %s: %w", name, err)
	}
	committed = true

	return &BlobMetadata{
		FileName:    name,
		ContentType: http.DetectContentType(data),
		Size:        int64(len(data)),
		Hash:        hashOf(data),
		ModifiedAt:  time.Now().UTC(),
	}, nil
}

// Open returns the blob content. The caller closes the reader.
func (s *FSStore) Open(_ context.Context, name string) (io.ReadCloser, *BlobMetadata, error) {
	if err := ValidateName(name); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, nil, s.notFound(name, err)
	}
	meta, err := s.describe(f, name)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, meta, nil
}

// Stat returns metadata without the content hash.
func (s *FSStore) Stat(_ context.Context, name string) (*BlobMetadata, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	fi, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		return nil, s.notFound(name, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
	}
	return &BlobMetadata{
		FileName:    name,
		ContentType: contentTypeByExt(name),
		Size:        fi.Size(),
		ModifiedAt:  fi.ModTime().UTC(),
	}, nil
}

// Delete removes a blob by name.
func (s *FSStore) Delete(_ context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		return s.notFound(name, err)
	}
	return nil
}

// List returns every committed blob sorted by name.
func (s *FSStore) List(_ context.Context) ([]*BlobMetadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	var out []*BlobMetadata
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, &BlobMetadata{
			FileName:    e.Name(),
			ContentType: contentTypeByExt(e.Name()),
			Size:        fi.Size(),
			ModifiedAt:  fi.ModTime().UTC(),
		})
	}
	return out, nil
}

func (s *FSStore) describe(f *os.File, name string) (*BlobMetadata, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat blob %s: %w", name, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
	}
	return &BlobMetadata{
		FileName:    name,
		ContentType: contentTypeByExt(name),
		Size:        fi.Size(),
		ModifiedAt:  fi.ModTime().UTC(),
	}, nil
}

func (s *FSStore) notFound(name string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, name)
	}
	return fmt.Errorf("blob %s: %w", name, err)
}

func contentTypeByExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

// Put stores a copy of content under name.
func (s *InMemoryBlobStore) Put(_ context.Context, name string, content io.Reader) (*BlobMetadata, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}

	meta := BlobMetadata{
		FileName:    name,
		ContentType: http.DetectContentType(data),
		Size:        int64(len(data)),
		Hash:        hashOf(data),
		ModifiedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[name] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta // copy
	return &out, nil
}

// Open returns an io.ReadCloser over the blob content and its metadata.
func (s *InMemoryBlobStore) Open(_ context.Context, name string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[name]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
	}

	meta := blob.metadata // copy
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// Stat returns blob metadata without content.
func (s *InMemoryBlobStore) Stat(_ context.Context, name string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[name]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
	}

	meta := blob.metadata // copy
	return &meta, nil
}

// Delete removes a blob by name.
func (s *InMemoryBlobStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, name)
	}
	delete(s.blobs, name)
	return nil
}

// List returns every blob sorted by name.
func (s *InMemoryBlobStore) List(_ context.Context) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*BlobMetadata, 0, len(s.blobs))
	for _, b := range s.blobs {
		m := b.metadata // copy
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}
