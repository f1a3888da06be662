package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

type Local struct {
	logger *slog.Logger
}

func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		logger: logger,
	}
}

func (e *Local) Name() string {
	return "local-shell"
}

func (e *Local) Execute(
	ctx context.Context,
	stdout, stderr io.Writer,
	command string, args ...string,
) (int, error) {
	return e.ExecuteWithInput(ctx, nil, stdout, stderr, command, args...)
}

func (e *Local) ExecuteWithInput(
	ctx context.Context,
	stdin io.Reader,
	stdout, stderr io.Writer,
	command string, args ...string,
) (int, error) {
	cmdStr := CommandString(command, args)
	e.logger.Debug("executing command locally", slog.String("cmd", cmdStr))

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode := exitErr.ExitCode()
			e.logger.Warn("command failed",
				slog.String("cmd", cmdStr),
				slog.Int("exit_code", exitCode),
			)
			return exitCode, fmt.Errorf("command exited with code %d: %w", exitCode, err)
		}

		e.logger.Error("command execution error",
			slog.String("cmd", cmdStr),
			slog.String("error", err.Error()),
		)
		return -1, fmt.Errorf("command execution failed: %w", err)
	}

	e.logger.Debug("command succeeded", slog.String("cmd", cmdStr))
	return 0, nil
}

// Start launches the command in its own process group with standard input
// bound to the null device. The process is not tied to ctx: its lifetime
// belongs to the caller, who ends it with Kill.
func (e *Local) Start(
	ctx context.Context,
	stdout, stderr io.Writer,
	command string, args ...string,
) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmdStr := CommandString(command, args)
	e.logger.Debug("starting command locally", slog.String("cmd", cmdStr))

	cmd := exec.Command(command, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Signals must reach every process the command spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		e.logger.Error("command start error",
			slog.String("cmd", cmdStr),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("command start failed: %w", err)
	}

	e.logger.Debug("command started",
		slog.String("cmd", cmdStr),
		slog.Int("pid", cmd.Process.Pid),
	)

	return &localProcess{cmd: cmd, cmdStr: cmdStr, logger: e.logger}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	cmdStr string
	logger *slog.Logger

	mu     sync.Mutex
	exited bool
}

func (p *localProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Wait marks the process exited before reaping it, so Kill never signals a
// process ID the kernel may already have handed out again.
func (p *localProcess) Wait() (int, error) {
	p.awaitExit()

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	err := p.cmd.Wait()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode := exitErr.ExitCode()
			p.logger.Warn("command failed",
				slog.String("cmd", p.cmdStr),
				slog.Int("exit_code", exitCode),
			)
			return exitCode, fmt.Errorf("command exited with code %d: %w", exitCode, err)
		}
		return -1, fmt.Errorf("command wait failed: %w", err)
	}

	p.logger.Debug("command succeeded", slog.String("cmd", p.cmdStr))
	return 0, nil
}

// awaitExit blocks until the child has exited, leaving it unreaped.
func (p *localProcess) awaitExit() {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, p.cmd.Process.Pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == nil || !errors.Is(err, unix.EINTR) {
			if err != nil {
				p.logger.Debug("waitid failed", slog.String("cmd", p.cmdStr), slog.String("error", err.Error()))
			}
			return
		}
	}
}

// Kill sends SIGKILL to the whole process group.
func (p *localProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return nil
	}

	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group %d: %w", p.cmd.Process.Pid, err)
	}

	p.logger.Warn("killed command", slog.String("cmd", p.cmdStr), slog.Int("pid", p.cmd.Process.Pid))
	return nil
}
