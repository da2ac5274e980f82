package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/fastkv"
	"github.com/hupe1980/fastkv/testutil"
)

type benchOptions struct {
	keys       uint64
	ops        uint64
	valueSize  string
	readRatio  float64
	sessions   int
	zipf       float64
	seed       int64
	checkpoint bool
}

// benchResult summarizes one phase of a benchmark.
type benchResult struct {
	phase    string
	ops      uint64
	elapsed  time.Duration
	notFound uint64
	pending  uint64
}

func (r benchResult) String() string {
	rate := float64(r.ops) / r.elapsed.Seconds()
	return fmt.Sprintf("%-10s %12s ops  %10s  %12s ops/s  pending %s  not found %s",
		r.phase,
		humanize.Comma(int64(r.ops)),
		r.elapsed.Round(time.Millisecond),
		humanize.Comma(int64(rate)),
		humanize.Comma(int64(r.pending)),
		humanize.Comma(int64(r.notFound)),
	)
}

func newBenchCommand(f *storeFlags) *cobra.Command {
	o := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load keys and run a mixed read/upsert workload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			valueSize, err := humanize.ParseBytes(o.valueSize)
			if err != nil {
				return fmt.Errorf("invalid --value-size: %w", err)
			}
			if o.sessions <= 0 || o.keys == 0 {
				return fmt.Errorf("--sessions and --keys must be positive")
			}
			if o.readRatio < 0 || o.readRatio > 1 {
				return fmt.Errorf("--read-ratio must be in [0, 1]")
			}

			metrics := &fastkv.BasicMetricsCollector{}
			db, err := f.open(cmd, fastkv.WithMetricsCollector(metrics))
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			load, err := runLoad(cmd.Context(), db, o, int(valueSize))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, load)

			mixed, err := runMixed(cmd.Context(), db, o, int(valueSize))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, mixed)

			if o.checkpoint && f.hasStorage() {
				start := time.Now()
				info, err := db.Checkpoint(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "checkpoint %d in %s\n", info.ID, time.Since(start).Round(time.Millisecond))
			}

			st := db.Stats()
			ms := metrics.GetStats()
			fmt.Fprintf(out, "log span %s, flushed %s in %s pages, max pending queue %d\n",
				humanize.IBytes(st.Tail-st.Begin),
				humanize.IBytes(uint64(ms.FlushBytes)),
				humanize.Comma(ms.FlushPages),
				ms.MaxQueueDepth,
			)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.Uint64Var(&o.keys, "keys", 100_000, "Number of distinct keys")
	fl.Uint64Var(&o.ops, "ops", 1_000_000, "Operations in the mixed phase")
	fl.StringVar(&o.valueSize, "value-size", "100B", "Value size")
	fl.Float64Var(&o.readRatio, "read-ratio", 0.5, "Share of reads in the mixed phase")
	fl.IntVar(&o.sessions, "sessions", 4, "Concurrent sessions")
	fl.Float64Var(&o.zipf, "zipf", 0, "Zipf exponent for key choice (0: uniform, must be > 1 otherwise)")
	fl.Int64Var(&o.seed, "seed", 1, "Random seed")
	fl.BoolVar(&o.checkpoint, "checkpoint", true, "Checkpoint after the run when storage is configured")
	return cmd
}

// runSessions runs fn in o.sessions sessions in parallel.
func runSessions(ctx context.Context, db *fastkv.DB, o *benchOptions, fn func(ctx context.Context, worker int, s *fastkv.Session) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < o.sessions; w++ {
		g.Go(func() error {
			s, err := db.StartSession()
			if err != nil {
				return err
			}
			if err := fn(ctx, w, s); err != nil {
				return err
			}
			if _, err := s.CompletePending(ctx, true); err != nil {
				return err
			}
			return s.Stop()
		})
	}
	return g.Wait()
}

func runLoad(ctx context.Context, db *fastkv.DB, o *benchOptions, valueSize int) (benchResult, error) {
	start := time.Now()
	err := runSessions(ctx, db, o, func(ctx context.Context, w int, s *fastkv.Session) error {
		rng := testutil.NewRNG(o.seed + int64(w))
		value := rng.Value(valueSize)
		serial := uint64(0)
		for k := uint64(w); k < o.keys; k += uint64(o.sessions) {
			if err := ctx.Err(); err != nil {
				return err
			}
			serial++
			if _, err := s.Upsert(testutil.Key(k), value, serial); err != nil {
				return err
			}
		}
		return nil
	})
	return benchResult{phase: "load", ops: o.keys, elapsed: time.Since(start)}, err
}

func runMixed(ctx context.Context, db *fastkv.DB, o *benchOptions, valueSize int) (benchResult, error) {
	perSession := o.ops / uint64(o.sessions)
	counts := make([]benchResult, o.sessions)

	start := time.Now()
	err := runSessions(ctx, db, o, func(ctx context.Context, w int, s *fastkv.Session) error {
		rng := testutil.NewRNG(o.seed*31 + int64(w))
		value := rng.Value(valueSize)
		nextKey := func() uint64 { return rng.Uint64() % o.keys }
		if o.zipf > 1 && o.keys > 1 {
			nextKey = rng.Zipf(o.zipf, o.keys)
		}
		readCut := uint64(o.readRatio * float64(1<<32))

		c := &counts[w]
		var outstanding []*fastkv.PendingRead
		for i := uint64(1); i <= perSession; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := testutil.Key(nextKey())
			if rng.Uint64()&(1<<32-1) >= readCut {
				if _, err := s.Upsert(key, value, i); err != nil {
					return err
				}
				continue
			}

			res, err := s.Read(key, i)
			if err != nil {
				return err
			}
			switch res.Status {
			case fastkv.StatusOK:
				_ = res.Value.Release()
			case fastkv.StatusNotFound:
				c.notFound++
			case fastkv.StatusPending:
				c.pending++
				outstanding = append(outstanding, res.Pending)
			}
			if len(outstanding) >= 256 {
				if err := drain(ctx, s, outstanding); err != nil {
					return err
				}
				outstanding = outstanding[:0]
			}
		}
		return drain(ctx, s, outstanding)
	})

	total := benchResult{phase: "mixed", ops: perSession * uint64(o.sessions), elapsed: time.Since(start)}
	for _, c := range counts {
		total.pending += c.pending
		total.notFound += c.notFound
	}
	return total, err
}

// drain completes and releases pending reads.
func drain(ctx context.Context, s *fastkv.Session, pending []*fastkv.PendingRead) error {
	if len(pending) == 0 {
		return nil
	}
	if _, err := s.CompletePending(ctx, true); err != nil {
		return err
	}
	for _, p := range pending {
		res, err := p.Take()
		if err != nil {
			return err
		}
		if res.Value != nil {
			_ = res.Value.Release()
		}
	}
	return nil
}
