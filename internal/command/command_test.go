package command

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/git-cdn/internal/log"
	"gitlab.com/gitlab-org/git-cdn/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func TestNew_readOutput(t *testing.T) {
	ctx := testhelper.Context(t)

	cmd, err := New(ctx, log.DiscardLogger(), []string{"echo", "hello"})
	require.NoError(t, err)

	output, err := io.ReadAll(cmd)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(output))

	require.NoError(t, cmd.Wait())
}

func TestNew_stdout(t *testing.T) {
	ctx := testhelper.Context(t)

	var stdout bytes.Buffer
	cmd, err := New(ctx, log.DiscardLogger(), []string{"echo", "hello"}, WithStdout(&stdout))
	require.NoError(t, err)

	require.NoError(t, cmd.Wait())
	require.Equal(t, "hello\n", stdout.String())
}

func TestNew_stdin(t *testing.T) {
	ctx := testhelper.Context(t)

	cmd, err := New(ctx, log.DiscardLogger(), []string{"cat"}, WithStdin(strings.NewReader("ping")))
	require.NoError(t, err)

	output, err := io.ReadAll(cmd)
	require.NoError(t, err)
	require.Equal(t, "ping", string(output))

	require.NoError(t, cmd.Wait())
}

func TestNew_exitStatus(t *testing.T) {
	ctx := testhelper.Context(t)

	cmd, err := New(ctx, log.DiscardLogger(), []string{"false"})
	require.NoError(t, err)

	waitErr := cmd.Wait()
	require.Error(t, waitErr)

	status, ok := ExitStatus(waitErr)
	require.True(t, ok)
	require.Equal(t, 1, status)
}

func TestNew_stderrCaptured(t *testing.T) {
	ctx := testhelper.Context(t)

	cmd, err := New(ctx, log.DiscardLogger(), []string{"sh", "-c", "echo oops >&2; exit 3"})
	require.NoError(t, err)

	require.Error(t, cmd.Wait())
	require.Equal(t, "oops", cmd.Stderr())
}

func TestNew_contextCancellationKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(testhelper.Context(t))

	cmd, err := New(ctx, log.DiscardLogger(), []string{"sleep", "3600"})
	require.NoError(t, err)

	cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		require.Error(t, err, "killed process must report a non-zero exit")
	case <-time.After(30 * time.Second):
		t.Fatal("process was not reaped after context cancellation")
	}
}

func TestNew_nullByteArgument(t *testing.T) {
	ctx := testhelper.Context(t)

	_, err := New(ctx, log.DiscardLogger(), []string{"echo", "foo\x00bar"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "null byte")
}

func TestAllowedEnvironment(t *testing.T) {
	require.Equal(t,
		[]string{"HOME=/home/git", "PATH=/usr/bin"},
		AllowedEnvironment([]string{
			"HOME=/home/git",
			"PATH=/usr/bin",
			"SECRET_TOKEN=topsecret",
		}),
	)
}

func TestStderrBuffer_capped(t *testing.T) {
	buf := newStderrBuffer(10)

	n, err := buf.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	require.Equal(t, 16, n, "writes past the cap must not error out the subprocess")
	require.Equal(t, "0123456789", buf.String())
}
