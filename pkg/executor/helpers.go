package executor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

func RunAndCapture(ctx context.Context, exec Executor, command string, args ...string) (*Result, error) {
	var outBuf, errBuf bytes.Buffer

	exitCode, err := exec.Execute(ctx, &outBuf, &errBuf, command, args...)

	return &Result{
		ExitCode: exitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Error:    err,
	}, err
}

// RunCaptureBytes is RunAndCapture for commands whose stdout is binary.
func RunCaptureBytes(ctx context.Context, exec Executor, command string, args ...string) ([]byte, *Result, error) {
	var outBuf, errBuf bytes.Buffer

	exitCode, err := exec.Execute(ctx, &outBuf, &errBuf, command, args...)

	return outBuf.Bytes(), &Result{
		ExitCode: exitCode,
		Stderr:   errBuf.String(),
		Error:    err,
	}, err
}

// RunWithInput feeds input to the command's standard input. The executor
// must implement InputExecutor.
func RunWithInput(ctx context.Context, exec Executor, input string, command string, args ...string) (*Result, error) {
	inputExec, ok := exec.(InputExecutor)
	if !ok {
		return nil, fmt.Errorf("executor %s cannot feed standard input", exec.Name())
	}

	var outBuf, errBuf bytes.Buffer

	exitCode, err := inputExec.ExecuteWithInput(ctx, strings.NewReader(input), &outBuf, &errBuf, command, args...)

	return &Result{
		ExitCode: exitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Error:    err,
	}, err
}

// CommandString renders a command line for logs and dry runs.
func CommandString(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
