// Package hypervisor describes the virtual machine an install attempt runs
// in, independently of the backend that starts it.
package hypervisor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/terabiome/preseed-install/internal/layout"
)

// Display is where the guest screen goes. The zero value is headless.
type Display struct {
	// VNC is a qemu VNC display such as ":1" or "127.0.0.1:5".
	VNC string
}

func (d Display) Headless() bool {
	return d.VNC == ""
}

// Media is the installation source attached to the machine.
type Media struct {
	// Kind is layout.MediaCDROM or layout.MediaHDMedia.
	Kind string
	Path string
}

// InstallPlan is everything needed to run an installer, fixed once per run.
type InstallPlan struct {
	RunID   uuid.UUID
	Arch    string
	Version int

	KernelPath string
	InitrdPath string
	Cmdline    string

	Destination string
	Display     Display
	Profile     layout.Profile
	Media       Media

	// LogDir receives per-attempt console logs.
	LogDir string
}

// MachineSpec is one attempt's virtual machine.
type MachineSpec struct {
	Name string
	UUID uuid.UUID

	Profile layout.Profile

	DiskPath   string
	KernelPath string
	InitrdPath string
	Cmdline    string
	Display    Display
	Media      Media

	// ConsoleLog receives the guest serial console.
	ConsoleLog string
	// EmulatorLog receives the emulator's own output, when the backend
	// runs it as a child process.
	EmulatorLog string
}

// Machine returns the spec of one attempt writing to disk.
func (p InstallPlan) Machine(attempt int, disk string, display Display) MachineSpec {
	var consoleLog, emulatorLog string
	if p.LogDir != "" {
		consoleLog = filepath.Join(p.LogDir, fmt.Sprintf("console-%d.log", attempt))
		emulatorLog = filepath.Join(p.LogDir, fmt.Sprintf("emulator-%d.log", attempt))
	}

	return MachineSpec{
		Name:        fmt.Sprintf("preseed-install-%s-%d", p.RunID.String()[:8], attempt),
		UUID:        uuid.NewSHA1(p.RunID, fmt.Appendf(nil, "attempt-%d", attempt)),
		Profile:     p.Profile,
		DiskPath:    disk,
		KernelPath:  p.KernelPath,
		InitrdPath:  p.InitrdPath,
		Cmdline:     p.Cmdline,
		Display:     display,
		Media:       p.Media,
		ConsoleLog:  consoleLog,
		EmulatorLog: emulatorLog,
	}
}

// Launcher starts virtual machines.
type Launcher interface {
	Launch(ctx context.Context, spec MachineSpec) (Machine, error)
	Name() string
}

// Machine is a running virtual machine. Wait blocks until the guest stops
// and returns 0 for a clean power-off. Kill forces it off and may be called
// concurrently with Wait.
type Machine interface {
	Wait() (exitCode int, err error)
	Kill() error
}
