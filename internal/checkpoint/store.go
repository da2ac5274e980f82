package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/fastkv/blobstore"
	"golang.org/x/sync/errgroup"
)

const (
	// CurrentFileName names the pointer to the newest checkpoint.
	CurrentFileName = blobstore.CurrentName

	dirPrefix = "checkpoints/"
	metaName  = "meta"
	indexName = "index"
)

// Dir returns the blob prefix of checkpoint id.
func Dir(id uint64) string {
	return fmt.Sprintf("%s%06d", dirPrefix, id)
}

func parseDir(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, dirPrefix)
	if !ok {
		return 0, false
	}
	id, _, _ := strings.Cut(rest, "/")
	v, err := strconv.ParseUint(id, 10, 64)
	return v, err == nil
}

// Store manages checkpoint artifacts and atomic CURRENT updates.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a checkpoint store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// Load loads the checkpoint named by CURRENT.
func (s *Store) Load(ctx context.Context) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	id, ok := parseDir(strings.TrimSpace(string(content)))
	if !ok {
		return nil, fmt.Errorf("%w: CURRENT names %q", ErrCorrupt, content)
	}
	return s.loadLocked(ctx, id)
}

// LoadID loads a specific checkpoint.
func (s *Store) LoadID(ctx context.Context, id uint64) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, id)
}

func (s *Store) loadLocked(ctx context.Context, id uint64) (*Metadata, error) {
	data, err := blobstore.ReadAll(ctx, s.store, Dir(id)+"/"+metaName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: checkpoint %d has no metadata", ErrCorrupt, id)
		}
		return nil, fmt.Errorf("failed to open checkpoint %d: %w", id, err)
	}
	m := &Metadata{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if m.ID != id {
		return nil, fmt.Errorf("%w: checkpoint %d claims id %d", ErrCorrupt, id, m.ID)
	}
	return m, nil
}

// OpenIndex returns a reader over the index snapshot of a checkpoint.
func (s *Store) OpenIndex(ctx context.Context, m *Metadata) (io.ReadCloser, error) {
	b, err := s.store.Open(ctx, Dir(m.ID)+"/"+indexName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: checkpoint %d has no index", ErrCorrupt, m.ID)
		}
		return nil, err
	}
	rc, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return &blobReader{ReadCloser: rc, blob: b}, nil
}

type blobReader struct {
	io.ReadCloser
	blob blobstore.Blob
}

func (r *blobReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.blob.Close(); err == nil {
		err = cerr
	}
	return err
}

// Save writes a new checkpoint and makes it current. It assigns m.ID,
// m.CreatedAt and, if unset, m.Token. writeIndex streams the index snapshot.
func (s *Store) Save(ctx context.Context, m *Metadata, writeIndex func(io.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.listLocked(ctx)
	if err != nil {
		return err
	}
	m.ID = 1
	if len(ids) > 0 {
		m.ID = ids[len(ids)-1] + 1
	}
	if m.Token == uuid.Nil {
		m.Token = uuid.New()
	}
	m.CreatedAt = time.Now()

	meta, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	dir := Dir(m.ID)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, err := s.store.Create(gctx, dir+"/"+indexName)
		if err != nil {
			return err
		}
		if err := writeIndex(w); err != nil {
			_ = w.Close()
			return fmt.Errorf("write index snapshot: %w", err)
		}
		if err := w.Sync(); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
	g.Go(func() error {
		return s.store.Put(gctx, dir+"/"+metaName, meta)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("checkpoint %d: %w", m.ID, err)
	}

	// Local stores rename atomically; S3 overwrites are strongly consistent;
	// the DynamoDB commit store adds a conditional write.
	return s.store.Put(ctx, CurrentFileName, []byte(dir))
}

// List returns the ids of all checkpoints present, ascending.
func (s *Store) List(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(ctx)
}

func (s *Store) listLocked(ctx context.Context) ([]uint64, error) {
	names, err := s.store.List(ctx, dirPrefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{})
	for _, n := range names {
		if id, ok := parseDir(n); ok {
			seen[id] = struct{}{}
		}
	}
	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Prune deletes every checkpoint except the newest keep ones and current.
// It returns the ids removed.
func (s *Store) Prune(ctx context.Context, keep int, current uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.listLocked(ctx)
	if err != nil {
		return nil, err
	}
	keep = max(keep, 1)
	if len(ids) <= keep {
		return nil, nil
	}

	var removed []uint64
	for _, id := range ids[:len(ids)-keep] {
		if id == current {
			continue
		}
		for _, name := range []string{metaName, indexName} {
			if err := s.store.Delete(ctx, Dir(id)+"/"+name); err != nil {
				return removed, fmt.Errorf("failed to delete checkpoint %d: %w", id, err)
			}
		}
		removed = append(removed, id)
	}
	return removed, nil
}
