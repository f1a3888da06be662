package qemu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/terabiome/preseed-install/internal/hypervisor"
	"github.com/terabiome/preseed-install/pkg/executor"
)

// Launcher starts qemu-system processes through an executor.Starter.
type Launcher struct {
	starter executor.Starter
	logger  *slog.Logger
}

func NewLauncher(starter executor.Starter, logger *slog.Logger) *Launcher {
	return &Launcher{
		starter: starter,
		logger:  logger.With(slog.String("component", "qemu")),
	}
}

func (l *Launcher) Name() string {
	return "qemu"
}

func (l *Launcher) Launch(ctx context.Context, spec hypervisor.MachineSpec) (hypervisor.Machine, error) {
	var output io.Writer = io.Discard
	var logFile *os.File
	if spec.EmulatorLog != "" {
		f, err := os.Create(spec.EmulatorLog)
		if err != nil {
			return nil, fmt.Errorf("create emulator log: %w", err)
		}
		output, logFile = f, f
	}

	proc, err := l.starter.Start(ctx, output, output, spec.Profile.Emulator, Args(spec)...)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", spec.Profile.Emulator, err)
	}

	l.logger.Info("started virtual machine",
		slog.String("vm", spec.Name),
		slog.String("emulator", spec.Profile.Emulator),
		slog.Int("pid", proc.Pid()),
		slog.String("disk", spec.DiskPath),
	)

	return &machine{proc: proc, logFile: logFile}, nil
}

type machine struct {
	proc    executor.Process
	logFile *os.File
}

func (m *machine) Wait() (int, error) {
	code, err := m.proc.Wait()
	if m.logFile != nil {
		m.logFile.Close()
	}
	return code, err
}

func (m *machine) Kill() error {
	return m.proc.Kill()
}
