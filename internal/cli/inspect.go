package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newInspectCommand(f *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Recover a store and print its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !f.hasStorage() {
				return errNoStorage
			}
			db, err := f.open(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			st := db.Stats()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "page size\t%s\n", humanize.IBytes(uint64(st.PageSize)))
			fmt.Fprintf(w, "begin\t%d\n", st.Begin)
			fmt.Fprintf(w, "head\t%d\n", st.Head)
			fmt.Fprintf(w, "read-only\t%d\n", st.ReadOnly)
			fmt.Fprintf(w, "tail\t%d\n", st.Tail)
			fmt.Fprintf(w, "log span\t%s\n", humanize.IBytes(st.Tail-st.Begin))
			fmt.Fprintf(w, "version\t%d\n", st.Version)
			fmt.Fprintf(w, "index buckets\t%s\n", humanize.Comma(int64(st.IndexBuckets)))
			fmt.Fprintf(w, "index entries\t%s\n", humanize.Comma(int64(st.IndexEntries)))
			fmt.Fprintf(w, "overflow buckets\t%s\n", humanize.Comma(int64(st.IndexOverflow)))
			fmt.Fprintf(w, "stored\t%s\n", humanize.IBytes(uint64(st.StoredBytes)))

			info, ok := db.LastCheckpoint()
			if !ok {
				fmt.Fprintln(w, "checkpoint\tnone")
				return w.Flush()
			}
			fmt.Fprintf(w, "checkpoint\t%d (%s)\n", info.ID, info.Token)
			fmt.Fprintf(w, "created\t%s\n", humanize.Time(info.CreatedAt))
			fmt.Fprintf(w, "cut\t%d\n", info.Cut)

			ids := make([]string, 0, len(info.Sessions))
			serials := make(map[string]uint64, len(info.Sessions))
			for id, serial := range info.Sessions {
				ids = append(ids, id.String())
				serials[id.String()] = serial
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(w, "session %s\tserial %d\n", id, serials[id])
			}
			return w.Flush()
		},
	}
}
