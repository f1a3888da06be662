package executor

import (
	"context"
	"io"
)

type Executor interface {
	Execute(ctx context.Context, stdout, stderr io.Writer, command string, args ...string) (exitCode int, err error)
	Name() string
}

// InputExecutor is implemented by executors able to feed standard input.
type InputExecutor interface {
	ExecuteWithInput(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, command string, args ...string) (exitCode int, err error)
}

// Starter launches long-running commands whose lifetime is owned by the caller.
type Starter interface {
	Start(ctx context.Context, stdout, stderr io.Writer, command string, args ...string) (Process, error)
}

// Process is a started command. Wait may be called once; Kill may be called
// at any time, including concurrently with Wait.
type Process interface {
	Wait() (exitCode int, err error)
	Kill() error
	Pid() int
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Error    error
}
