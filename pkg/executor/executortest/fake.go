// Package executortest provides a scripted executor for tests.
package executortest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/terabiome/preseed-install/pkg/executor"
)

// Call records one command run through the Fake.
type Call struct {
	Command string
	Args    []string
	Stdin   string
}

// String renders the call as a command line.
func (c Call) String() string {
	return executor.CommandString(c.Command, c.Args)
}

// Response is what the Fake answers for a command.
type Response struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	Err      error
}

// Handler computes a response from a call, e.g. to create files the real
// tool would have created.
type Handler func(call Call) Response

// Fake is an executor.Executor and executor.InputExecutor that answers
// from handlers registered per command name. Unregistered commands
// succeed with no output.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

func New() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// Handle registers the handler for a command name.
func (f *Fake) Handle(command string, handler Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[command] = handler
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls of one command.
func (f *Fake) CallsTo(command string) []Call {
	var out []Call
	for _, call := range f.Calls() {
		if call.Command == command {
			out = append(out, call)
		}
	}
	return out
}

func (f *Fake) Name() string {
	return "fake"
}

func (f *Fake) Execute(ctx context.Context, stdout, stderr io.Writer, command string, args ...string) (int, error) {
	return f.ExecuteWithInput(ctx, nil, stdout, stderr, command, args...)
}

func (f *Fake) ExecuteWithInput(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, command string, args ...string) (int, error) {
	call := Call{Command: command, Args: append([]string(nil), args...)}
	if stdin != nil {
		input, err := io.ReadAll(stdin)
		if err != nil {
			return -1, err
		}
		call.Stdin = string(input)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	handler := f.handlers[command]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if handler == nil {
		return 0, nil
	}

	resp := handler(call)
	if stdout != nil {
		_, _ = stdout.Write(resp.Stdout)
	}
	if stderr != nil {
		_, _ = io.WriteString(stderr, resp.Stderr)
	}
	if resp.Err != nil {
		return resp.ExitCode, resp.Err
	}
	if resp.ExitCode != 0 {
		return resp.ExitCode, fmt.Errorf("command exited with code %d: %s", resp.ExitCode, strings.TrimSpace(resp.Stderr))
	}
	return 0, nil
}
