package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/fastkv"
)

var errNoStorage = errors.New("needs --path or --s3-bucket")

// withSession opens the store, runs fn in a fresh session and, if commit is
// set, checkpoints the result before closing.
func withSession(cmd *cobra.Command, f *storeFlags, commit bool, fn func(s *fastkv.Session) error) (err error) {
	if !f.hasStorage() {
		return errNoStorage
	}
	db, err := f.open(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	s, err := db.StartSession()
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	if err := s.Stop(); err != nil {
		return err
	}
	if commit {
		_, err = db.Checkpoint(cmd.Context())
	}
	return err
}

func newPutCommand(f *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Set a key and checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, true, func(s *fastkv.Session) error {
				_, err := s.Upsert([]byte(args[0]), []byte(args[1]), 1)
				return err
			})
		},
	}
}

func newGetCommand(f *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, false, func(s *fastkv.Session) error {
				v, ok, err := s.Get(cmd.Context(), []byte(args[0]), 1)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key %q not found", args[0])
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(v))
				return err
			})
		},
	}
}

func newDeleteCommand(f *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a key and checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, true, func(s *fastkv.Session) error {
				_, err := s.Delete([]byte(args[0]), 1)
				return err
			})
		},
	}
}
