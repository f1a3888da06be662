package service

import (
	"github.com/google/uuid"
	"github.com/terabiome/preseed-install/internal/hypervisor"
	"github.com/terabiome/preseed-install/internal/supervisor"
)

// InstallParams contains transport-agnostic parameters for one unattended
// install.
type InstallParams struct {
	// ISO is the Debian installation image.
	ISO string
	// PreseedURL is handed to the installer as is. Mutually exclusive with
	// PreseedFile.
	PreseedURL string
	// PreseedFile is served to the installer over HTTP for the duration of
	// the install.
	PreseedFile string
	// Output is the destination qcow2 image. It must not exist.
	Output string
	// Size of the destination image, e.g. "10G". Defaults to the
	// configured image size.
	Size    string
	Display hypervisor.Display
	// Arch overrides the architecture read from the image.
	Arch   string
	Policy supervisor.RetryPolicy
}

// InstallResult describes a finished install.
type InstallResult struct {
	RunID       uuid.UUID
	Destination string
	Attempts    int
	// BootFiles is set when the architecture boots from files extracted
	// from the installed image.
	BootFiles *BootFiles
}

// BootFiles are the kernel and initrd copied out of an installed image.
type BootFiles struct {
	Kernel string
	Initrd string
}

// PlanResult is an install plan and the machine its first attempt would
// run, rendered for the configured backend.
type PlanResult struct {
	Plan     hypervisor.InstallPlan
	Machine  hypervisor.MachineSpec
	Rendered string
}

// PartitionInfo describes one primary partition table entry.
type PartitionInfo struct {
	Index    int
	Bootable bool
	Type     byte
	StartLBA uint32
	Sectors  uint32
	Offset   int64
	Length   int64
	Empty    bool
}
