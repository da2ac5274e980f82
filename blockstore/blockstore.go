package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/fastkv"
)

var (
	// ErrNotFound is returned for blocks that are not stored.
	ErrNotFound = errors.New("blockstore: block not found")
	// ErrHashMismatch is returned by Get with HashOnRead when the stored
	// data does not hash to its CID.
	ErrHashMismatch = blocks.ErrWrongHash
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("blockstore: closed")
)

// Options configures a Blockstore.
type Options struct {
	// Config sizes the underlying store. Nil selects a 32768-bucket index
	// and a 1 GiB pre-allocated log.
	Config *fastkv.Config
	// Sessions is the number of operations that may run at once.
	// Defaults to GOMAXPROCS.
	Sessions int
	// HashOnRead verifies the digest of every block Get returns.
	HashOnRead bool
	// CheckpointOnClose takes a checkpoint before Close releases the store.
	CheckpointOnClose bool
}

// DefaultConfig returns the store configuration used when Options.Config is nil.
func DefaultConfig() fastkv.Config {
	return fastkv.Config{
		TableSize:          1 << 15,
		LogSize:            1 << 30,
		LogMutableFraction: 0.9,
		PreAllocateLog:     true,
	}
}

// Blockstore stores blocks in a fastkv store.
type Blockstore struct {
	db         *fastkv.DB
	ownsDB     bool
	sessions   chan *session
	all        []*session
	hashOnRead atomic.Bool
	checkpoint bool
	closeOnce  sync.Once
	closed     atomic.Bool
	done       chan struct{}
}

// session pairs a fastkv session with its serial counter.
type session struct {
	s      *fastkv.Session
	serial uint64
}

func (s *session) next() uint64 {
	s.serial++
	return s.serial
}

// Open opens or recovers the store at path.
func Open(ctx context.Context, path string, o Options, dbOpts ...fastkv.Option) (*Blockstore, error) {
	cfg := DefaultConfig()
	if o.Config != nil {
		cfg = *o.Config
	}
	cfg.StoragePath = path

	db, err := fastkv.Open(ctx, cfg, dbOpts...)
	if err != nil {
		return nil, err
	}
	bs, err := New(db, o)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	bs.ownsDB = true
	return bs, nil
}

// New wraps an open store. Close does not close db.
func New(db *fastkv.DB, o Options) (*Blockstore, error) {
	n := o.Sessions
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}

	bs := &Blockstore{
		db:         db,
		sessions:   make(chan *session, n),
		checkpoint: o.CheckpointOnClose,
		done:       make(chan struct{}),
	}
	bs.hashOnRead.Store(o.HashOnRead)

	for i := 0; i < n; i++ {
		s, err := db.StartSession()
		if err != nil {
			bs.stopSessions()
			return nil, fmt.Errorf("blockstore: start session: %w", err)
		}
		sess := &session{s: s}
		bs.all = append(bs.all, sess)
		bs.sessions <- sess
	}
	return bs, nil
}

// DB returns the underlying store.
func (bs *Blockstore) DB() *fastkv.DB {
	return bs.db
}

// HashOnRead toggles digest verification in Get.
func (bs *Blockstore) HashOnRead(enabled bool) {
	bs.hashOnRead.Store(enabled)
}

func (bs *Blockstore) acquire(ctx context.Context) (*session, error) {
	if bs.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case s := <-bs.sessions:
		return s, nil
	case <-bs.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (bs *Blockstore) release(s *session) {
	bs.sessions <- s
}

// read runs op and waits for a pending result.
func (bs *Blockstore) read(ctx context.Context, s *session, c cid.Cid, op func([]byte, uint64) (fastkv.ReadResult, error)) (fastkv.ReadResult, error) {
	res, err := op(keyOf(c), s.serial)
	if err != nil {
		return res, err
	}
	if res.Status != fastkv.StatusPending {
		return res, nil
	}
	if _, err := s.s.CompletePending(ctx, true); err != nil {
		return res, err
	}
	return res.Pending.Take()
}

// Has reports whether the block is stored.
func (bs *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	s, err := bs.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer bs.release(s)

	res, err := bs.read(ctx, s, c, s.s.Has)
	if err != nil {
		return false, err
	}
	return res.Status == fastkv.StatusOK, nil
}

// Get returns the block. It fails with ErrNotFound if the block is not stored.
func (bs *Blockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	s, err := bs.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer bs.release(s)

	res, err := bs.read(ctx, s, c, s.s.Read)
	if err != nil {
		return nil, err
	}
	if res.Status != fastkv.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	defer func() { _ = res.Value.Release() }()

	data := bytes.Clone(res.Value.Bytes())
	if bs.hashOnRead.Load() {
		ok, err := verify(c, data)
		if err != nil {
			return nil, fmt.Errorf("blockstore: verify %s: %w", c, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrHashMismatch, c)
		}
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	return blk, nil
}

// GetSize returns the size of the block. It returns -1 and ErrNotFound if
// the block is not stored.
func (bs *Blockstore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	s, err := bs.acquire(ctx)
	if err != nil {
		return -1, err
	}
	defer bs.release(s)

	res, err := bs.read(ctx, s, c, s.s.ValueSize)
	if err != nil {
		return -1, err
	}
	if res.Status != fastkv.StatusOK {
		return -1, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	return res.Size, nil
}

// Put stores the block. Storing a block twice is harmless.
func (bs *Blockstore) Put(ctx context.Context, blk blocks.Block) error {
	s, err := bs.acquire(ctx)
	if err != nil {
		return err
	}
	defer bs.release(s)

	_, err = s.s.Upsert(keyOf(blk.Cid()), blk.RawData(), s.next())
	return err
}

// PutMany stores blocks using every session in parallel. On failure some
// blocks may have been stored.
func (bs *Blockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cap(bs.sessions))
	for _, blk := range blks {
		g.Go(func() error {
			return bs.Put(ctx, blk)
		})
	}
	return g.Wait()
}

// DeleteBlock removes the block. Removing a missing block succeeds.
func (bs *Blockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	s, err := bs.acquire(ctx)
	if err != nil {
		return err
	}
	defer bs.release(s)

	_, err = s.s.Delete(keyOf(c), s.next())
	return err
}

// Checkpoint makes every completed Put and DeleteBlock durable.
func (bs *Blockstore) Checkpoint(ctx context.Context) error {
	if bs.closed.Load() {
		return ErrClosed
	}
	_, err := bs.db.Checkpoint(ctx)
	return err
}

// Close waits for running operations, stops the sessions and closes the
// store if Open created it.
func (bs *Blockstore) Close() error {
	err := ErrClosed
	bs.closeOnce.Do(func() {
		bs.closed.Store(true)
		close(bs.done)
		// Drain the free list so no operation is still running.
		for range bs.all {
			<-bs.sessions
		}
		err = nil
		if bs.checkpoint {
			if _, cerr := bs.db.Checkpoint(context.Background()); cerr != nil && !errors.Is(cerr, fastkv.ErrNoStorage) {
				err = cerr
			}
		}
		for _, s := range bs.all {
			if _, perr := s.s.CompletePending(context.Background(), true); perr != nil && err == nil {
				err = perr
			}
			if serr := s.s.Stop(); serr != nil && err == nil {
				err = serr
			}
		}
		if bs.ownsDB {
			if cerr := bs.db.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (bs *Blockstore) stopSessions() {
	for _, s := range bs.all {
		_ = s.s.Stop()
	}
}
