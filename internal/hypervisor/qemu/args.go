// Package qemu runs install attempts as qemu-system child processes.
package qemu

import (
	"fmt"
	"strings"

	"github.com/terabiome/preseed-install/internal/hypervisor"
	"github.com/terabiome/preseed-install/internal/layout"
)

// Args builds the emulator arguments for spec. The machine boots the
// installer kernel directly, exits instead of rebooting and has no monitor
// or other interactive channel.
func Args(spec hypervisor.MachineSpec) []string {
	p := spec.Profile

	display := "none"
	if !spec.Display.Headless() {
		display = "vnc=" + spec.Display.VNC
	}

	args := []string{
		"-cpu", p.CPU,
		"-m", p.Memory,
		"-append", spec.Cmdline,
		"-kernel", spec.KernelPath,
		"-initrd", spec.InitrdPath,
		"-display", display,
		"-no-reboot",
	}

	if p.Virtio != "" {
		args = append(args, virtioArgs(spec)...)
	} else {
		args = append(args, legacyArgs(spec)...)
	}

	args = append(args, "-monitor", "none")
	if spec.ConsoleLog != "" {
		args = append(args, "-serial", "file:"+spec.ConsoleLog)
	}

	return args
}

func virtioArgs(spec hypervisor.MachineSpec) []string {
	p := spec.Profile

	var args []string
	if p.Machine != "" {
		args = append(args, "-M", p.Machine)
	}
	if p.Accel != "" {
		args = append(args, "-accel", p.Accel)
	}

	args = append(args,
		"-drive", fmt.Sprintf("if=none,file=%s,format=qcow2,id=hd", optionValue(spec.DiskPath)),
		"-device", fmt.Sprintf("virtio-blk-%s,drive=hd", p.Virtio),
		"-netdev", "user,id=mynet",
		"-device", fmt.Sprintf("virtio-net-%s,netdev=mynet", p.Virtio),
	)

	// SCSI keeps the installation source apart from the virtio target disk.
	if spec.Media.Kind == layout.MediaHDMedia {
		args = append(args,
			"-drive", fmt.Sprintf("if=none,file=%s,id=installer_hd,format=raw", optionValue(spec.Media.Path)),
			"-device", "virtio-scsi-device",
			"-device", "scsi-hd,drive=installer_hd",
		)
	} else {
		args = append(args,
			"-drive", fmt.Sprintf("if=none,file=%s,id=cdrom,media=cdrom", optionValue(spec.Media.Path)),
			"-device", "virtio-scsi-device",
			"-device", "scsi-cd,drive=cdrom",
		)
	}

	return args
}

func legacyArgs(spec hypervisor.MachineSpec) []string {
	p := spec.Profile

	var args []string
	if p.Machine != "" {
		args = append(args, "-M", p.Machine)
	}
	if p.Accel != "" {
		args = append(args, "-accel", p.Accel)
	}

	args = append(args, "-drive", "file="+optionValue(spec.DiskPath))
	if spec.Media.Kind == layout.MediaHDMedia {
		args = append(args, "-drive", fmt.Sprintf("file=%s,format=raw", optionValue(spec.Media.Path)))
	} else {
		args = append(args, "-cdrom", spec.Media.Path)
	}

	return append(args, "-net", "nic", "-net", "user")
}

// CommandLine renders the full invocation for display, quoting arguments
// the shell would split.
func CommandLine(spec hypervisor.MachineSpec) string {
	parts := []string{spec.Profile.Emulator}
	for _, arg := range Args(spec) {
		parts = append(parts, quote(arg))
	}
	return strings.Join(parts, " ")
}

func quote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// optionValue escapes a value for a comma separated option list, where a
// literal comma is written twice.
func optionValue(v string) string {
	return strings.ReplaceAll(v, ",", ",,")
}
