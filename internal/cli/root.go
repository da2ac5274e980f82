package cli

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hupe1980/fastkv"
)

// storeFlags are the flags shared by every command that opens a store.
type storeFlags struct {
	path            string
	tableSize       uint64
	logSize         string
	mutableFraction float64
	pageBits        uint
	compression     string
	journal         bool
	logLevel        string
	logFormat       string

	s3Bucket   string
	s3Prefix   string
	ddbTable   string
	minioAddr  string
	minioKey   string
	minioSec   string
	minioHTTPS bool
}

// NewRoot constructs the root command.
func NewRoot() *cobra.Command {
	f := &storeFlags{}
	root := &cobra.Command{
		Use:           "fastkv",
		Short:         "fastkv store tool",
		Long:          "Inspect, load and benchmark fastkv stores on local disk, S3 or MinIO.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.path, "path", "", "Storage directory (empty: memory-only unless a remote store is set)")
	pf.Uint64Var(&f.tableSize, "table-size", 1<<15, "Number of hash buckets (power of two)")
	pf.StringVar(&f.logSize, "log-size", "256MiB", "In-memory log size")
	pf.Float64Var(&f.mutableFraction, "mutable-fraction", 0.9, "Share of the in-memory log open to in-place updates")
	pf.UintVar(&f.pageBits, "page-bits", 0, "log2 of the page size (0: automatic)")
	pf.StringVar(&f.compression, "compression", "lz4", "Page compression: lz4|zstd|none")
	pf.BoolVar(&f.journal, "journal", false, "Journal operations between checkpoints")
	pf.StringVar(&f.logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	pf.StringVar(&f.logFormat, "log-format", "text", "Log format: text|json")

	pf.StringVar(&f.s3Bucket, "s3-bucket", "", "Store data in this S3 bucket")
	pf.StringVar(&f.s3Prefix, "s3-prefix", "", "Key prefix inside the S3 bucket or MinIO bucket")
	pf.StringVar(&f.ddbTable, "ddb-table", "", "DynamoDB table for atomic checkpoint commits (with --s3-bucket)")
	pf.StringVar(&f.minioAddr, "minio-endpoint", "", "MinIO endpoint host:port (with --s3-bucket)")
	pf.StringVar(&f.minioKey, "minio-access-key", "", "MinIO access key")
	pf.StringVar(&f.minioSec, "minio-secret-key", "", "MinIO secret key")
	pf.BoolVar(&f.minioHTTPS, "minio-https", true, "Use TLS for MinIO")

	root.AddCommand(newBenchCommand(f))
	root.AddCommand(newInspectCommand(f))
	root.AddCommand(newPutCommand(f))
	root.AddCommand(newGetCommand(f))
	root.AddCommand(newDeleteCommand(f))
	return root
}

func (f *storeFlags) config() (fastkv.Config, error) {
	logSize, err := humanize.ParseBytes(f.logSize)
	if err != nil {
		return fastkv.Config{}, fmt.Errorf("invalid --log-size: %w", err)
	}
	cfg := fastkv.Config{
		TableSize:          f.tableSize,
		LogSize:            logSize,
		LogMutableFraction: f.mutableFraction,
	}
	if f.s3Bucket == "" {
		cfg.StoragePath = f.path
	}
	return cfg, cfg.Validate()
}

func (f *storeFlags) logger(cmd *cobra.Command) (*fastkv.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch f.logFormat {
	case "text":
		return fastkv.NewLogger(slog.NewTextHandler(cmd.ErrOrStderr(), opts)), nil
	case "json":
		return fastkv.NewLogger(slog.NewJSONHandler(cmd.ErrOrStderr(), opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format; use text|json")
	}
}

func (f *storeFlags) compressionOf() (fastkv.Compression, error) {
	switch f.compression {
	case "lz4":
		return fastkv.CompressionLZ4, nil
	case "zstd":
		return fastkv.CompressionZstd, nil
	case "none":
		return fastkv.CompressionNone, nil
	default:
		return 0, fmt.Errorf("invalid --compression; use lz4|zstd|none")
	}
}
