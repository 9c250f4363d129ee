// Package testhelper contains helpers shared by the test suites.
package testhelper

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/git-cdn/internal/helper/perm"
)

// Context returns a cancellable context that is canceled when the test
// finishes.
func Context(tb testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	return ctx
}

// TempDir is a wrapper around testing.TB.TempDir that ensures the directory
// is usable by subprocesses spawned from the test.
func TempDir(tb testing.TB) string {
	dir := tb.TempDir()
	require.NoError(tb, os.Chmod(dir, perm.SharedDir))
	return dir
}

// MustReadFile returns the content of a file or fails at once.
func MustReadFile(tb testing.TB, filename string) []byte {
	tb.Helper()

	content, err := os.ReadFile(filename)
	if err != nil {
		tb.Fatal(err)
	}

	return content
}

// WriteFile writes content to filename, creating parent directories as
// needed, or fails at once.
func WriteFile(tb testing.TB, filename string, content []byte) {
	tb.Helper()

	require.NoError(tb, os.MkdirAll(filepath.Dir(filename), perm.SharedDir))
	require.NoError(tb, os.WriteFile(filename, content, perm.SharedFile))
}

// RequireGit skips the test when no git binary is available on PATH. The
// mirror tests drive the real git client against file:// upstreams.
func RequireGit(tb testing.TB) {
	tb.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		tb.Skip("git binary not found in PATH")
	}
}
