package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--table-size", "1024", "--log-size", "64KiB", "--page-bits", "12"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "--path", dir, "put", "greeting", "hello")
	require.NoError(t, err)

	out, err := run(t, "--path", dir, "get", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	_, err = run(t, "--path", dir, "delete", "greeting")
	require.NoError(t, err)

	_, err = run(t, "--path", dir, "get", "greeting")
	require.ErrorContains(t, err, "not found")
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "--path", dir, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "checkpoint")
	assert.Contains(t, out, "none")

	_, err = run(t, "--path", dir, "put", "k", "v")
	require.NoError(t, err)

	out, err = run(t, "--path", dir, "--compression", "zstd", "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "page size")
	assert.Contains(t, out, "4.0 KiB")
	assert.Contains(t, out, "serial 1")
}

func TestBench(t *testing.T) {
	out, err := run(t, "--path", t.TempDir(), "bench",
		"--keys", "500", "--ops", "2000", "--sessions", "2", "--zipf", "1.2", "--value-size", "32B")
	require.NoError(t, err)
	assert.Contains(t, out, "load")
	assert.Contains(t, out, "mixed")
	assert.Contains(t, out, "checkpoint")
}

func TestFlagErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no storage", []string{"get", "k"}, "needs --path"},
		{"bad log size", []string{"--path", "x", "--log-size", "lots", "inspect"}, "--log-size"},
		{"bad compression", []string{"--path", t.TempDir(), "--compression", "gzip", "inspect"}, "--compression"},
		{"bad level", []string{"--path", t.TempDir(), "--log-level", "loud", "inspect"}, "--log-level"},
		{"journal without path", []string{"--journal", "bench"}, "--journal"},
		{"bad read ratio", []string{"bench", "--read-ratio", "2"}, "--read-ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.ErrorContains(t, err, tt.want)
		})
	}
}
