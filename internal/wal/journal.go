package wal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/fastkv/internal/fs"
)

const journalExt = ".jrnl"

// Journal is an append-only sequence of generation files in one directory.
// A checkpoint rolls the journal; recovery replays every generation from the
// one recorded in the checkpoint onwards.
type Journal struct {
	mu     sync.RWMutex
	fs     fs.FileSystem
	dir    string
	opts   Options
	logger *slog.Logger

	gen    uint64
	cur    *segment
	closed bool
}

// OpenJournal opens the journal in dir and starts a fresh generation after
// the newest existing one. Existing generations are left for replay.
func OpenJournal(fsys fs.FileSystem, dir string, opts Options, logger *slog.Logger) (*Journal, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	j := &Journal{fs: fsys, dir: dir, opts: opts, logger: logger}

	gens, err := j.Generations()
	if err != nil {
		return nil, err
	}
	next := uint64(1)
	if len(gens) > 0 {
		next = gens[len(gens)-1] + 1
	}
	if j.cur, err = openSegment(fsys, j.path(next), opts); err != nil {
		return nil, err
	}
	j.gen = next
	return j, nil
}

func (j *Journal) path(gen uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("%08d%s", gen, journalExt))
}

// Generation returns the generation currently appended to.
func (j *Journal) Generation() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.gen
}

// Append writes rec to the current generation.
func (j *Journal) Append(rec *Record) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return os.ErrClosed
	}
	return j.cur.append(rec)
}

// Roll closes the current generation and starts the next one. It returns the
// new generation number.
func (j *Journal) Roll() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, os.ErrClosed
	}

	next, err := openSegment(j.fs, j.path(j.gen+1), j.opts)
	if err != nil {
		return 0, err
	}
	old := j.cur
	j.cur = next
	j.gen++

	if err := old.close(); err != nil {
		return 0, fmt.Errorf("close journal generation %d: %w", j.gen-1, err)
	}
	j.logger.Debug("journal rolled", "generation", j.gen)
	return j.gen, nil
}

// Sync forces the current generation to stable storage.
func (j *Journal) Sync() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return os.ErrClosed
	}
	return j.cur.sync()
}

// Generations lists the generation numbers present on disk, ascending.
func (j *Journal) Generations() ([]uint64, error) {
	entries, err := j.fs.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var gens []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, journalExt) {
			continue
		}
		var g uint64
		if _, err := fmt.Sscanf(strings.TrimSuffix(name, journalExt), "%d", &g); err == nil && g > 0 {
			gens = append(gens, g)
		}
	}
	slices.Sort(gens)
	return gens, nil
}

// Prune deletes generations older than keepFrom. The current generation is
// never deleted.
func (j *Journal) Prune(keepFrom uint64) error {
	gens, err := j.Generations()
	if err != nil {
		return err
	}
	cur := j.Generation()
	for _, g := range gens {
		if g >= keepFrom || g >= cur {
			break
		}
		if err := j.fs.Remove(j.path(g)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Replay calls fn for every record in generations from..current-1 in order.
// A torn record ends its generation; any other decode error is returned.
func (j *Journal) Replay(from uint64, fn func(*Record) error) error {
	gens, err := j.Generations()
	if err != nil {
		return err
	}
	cur := j.Generation()
	for _, g := range gens {
		if g < from || g >= cur {
			continue
		}
		if err := j.replayGeneration(g, fn); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) replayGeneration(gen uint64, fn func(*Record) error) error {
	r, err := openSegmentReader(j.fs, j.path(gen))
	if err != nil {
		if errors.Is(err, ErrInvalidHeader) {
			// A generation created but never written.
			j.logger.Warn("skipping journal generation with invalid header", "generation", gen, "error", err)
			return nil
		}
		return err
	}
	defer r.close()

	for {
		rec, err := r.next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			j.logger.Warn("journal generation ends with a torn record", "generation", gen, "offset", r.offset)
			return nil
		}
		if err != nil {
			return fmt.Errorf("journal generation %d at offset %d: %w", gen, r.offset, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close closes the current generation.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.cur.close()
}
