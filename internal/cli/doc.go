// Package cli implements the fastkv command line tool.
package cli
