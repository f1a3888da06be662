package executor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalExecuteExitCodes(t *testing.T) {
	local := NewLocal(discardLogger())

	code, err := local.Execute(context.Background(), io.Discard, io.Discard, "true")
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	code, err = local.Execute(context.Background(), io.Discard, io.Discard, "sh", "-c", "exit 3")
	require.Error(t, err)
	assert.Equal(t, 3, code)
}

func TestLocalExecuteWithInput(t *testing.T) {
	local := NewLocal(discardLogger())

	var stdout bytes.Buffer
	code, err := local.ExecuteWithInput(context.Background(), strings.NewReader("label: dos\n"), &stdout, io.Discard, "cat")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "label: dos\n", stdout.String())
}

func TestRunWithInputRequiresInputExecutor(t *testing.T) {
	_, err := RunWithInput(context.Background(), executorOnly{}, "x", "cat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot feed standard input")
}

func TestLocalStartAndKill(t *testing.T) {
	local := NewLocal(discardLogger())

	proc, err := local.Start(context.Background(), io.Discard, io.Discard, "sleep", "30")
	require.NoError(t, err)
	assert.Positive(t, proc.Pid())

	waited := make(chan error, 1)
	go func() {
		_, err := proc.Wait()
		waited <- err
	}()

	require.NoError(t, proc.Kill())

	select {
	case err := <-waited:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after kill")
	}
}

func TestLocalStartCleanExit(t *testing.T) {
	local := NewLocal(discardLogger())

	proc, err := local.Start(context.Background(), io.Discard, io.Discard, "true")
	require.NoError(t, err)

	code, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.NoError(t, proc.Kill())
}

func TestLocalStartCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocal(discardLogger()).Start(ctx, io.Discard, io.Discard, "true")
	assert.ErrorIs(t, err, context.Canceled)
}

type executorOnly struct{}

func (executorOnly) Execute(context.Context, io.Writer, io.Writer, string, ...string) (int, error) {
	return 0, nil
}

func (executorOnly) Name() string { return "executor-only" }

func TestLocalWaitMarksExitBeforeReaping(t *testing.T) {
	local := NewLocal(discardLogger())

	proc, err := local.Start(context.Background(), io.Discard, io.Discard, "true")
	require.NoError(t, err)
	p := proc.(*localProcess)

	p.awaitExit()
	// Exited but not reaped: the process ID still belongs to the child.
	require.NoError(t, syscall.Kill(p.Pid(), 0))

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.NoError(t, p.Kill())
}

func TestLocalKillRacingWait(t *testing.T) {
	local := NewLocal(discardLogger())

	for range 20 {
		proc, err := local.Start(context.Background(), io.Discard, io.Discard, "true")
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = proc.Wait()
		}()
		assert.NoError(t, proc.Kill())
		<-done
		assert.NoError(t, proc.Kill())
	}
}
