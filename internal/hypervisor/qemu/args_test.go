package qemu

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/terabiome/preseed-install/internal/hypervisor"
	"github.com/terabiome/preseed-install/internal/layout"
)

const cmdline = "auto=true priority=critical url=http://10.0.2.2:8000/preseed.cfg"

func spec(profile layout.Profile, media hypervisor.Media, display hypervisor.Display) hypervisor.MachineSpec {
	profile.CPU = "max"
	profile.Memory = "1G"
	return hypervisor.MachineSpec{
		Profile:    profile,
		DiskPath:   "/out/.debian.attempt-1.qcow2",
		KernelPath: "/ws/kernel",
		InitrdPath: "/ws/initrd",
		Cmdline:    cmdline,
		Display:    display,
		Media:      media,
		ConsoleLog: "/ws/console-1.log",
	}
}

var common = []string{
	"-cpu", "max",
	"-m", "1G",
	"-append", cmdline,
	"-kernel", "/ws/kernel",
	"-initrd", "/ws/initrd",
}

func expect(parts ...[]string) []string {
	out := append([]string(nil), common...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var tail = []string{"-monitor", "none", "-serial", "file:/ws/console-1.log"}

func TestArgsAmd64(t *testing.T) {
	args := Args(spec(
		layout.Profile{Emulator: "qemu-system-x86_64", Accel: "kvm"},
		hypervisor.Media{Kind: layout.MediaCDROM, Path: "/isos/debian-11.5.0-amd64-netinst.iso"},
		hypervisor.Display{},
	))

	assert.Equal(t, expect(
		[]string{"-display", "none", "-no-reboot"},
		[]string{
			"-accel", "kvm",
			"-drive", "file=/out/.debian.attempt-1.qcow2",
			"-cdrom", "/isos/debian-11.5.0-amd64-netinst.iso",
			"-net", "nic", "-net", "user",
		},
		tail,
	), args)
}

func TestArgsArm64WithVNC(t *testing.T) {
	args := Args(spec(
		layout.Profile{Emulator: "qemu-system-aarch64", Machine: "virt", Virtio: "pci"},
		hypervisor.Media{Kind: layout.MediaCDROM, Path: "/isos/debian-10.13.0-arm64-netinst.iso"},
		hypervisor.Display{VNC: ":1"},
	))

	assert.Equal(t, expect(
		[]string{"-display", "vnc=:1", "-no-reboot"},
		[]string{
			"-M", "virt",
			"-drive", "if=none,file=/out/.debian.attempt-1.qcow2,format=qcow2,id=hd",
			"-device", "virtio-blk-pci,drive=hd",
			"-netdev", "user,id=mynet",
			"-device", "virtio-net-pci,netdev=mynet",
			"-drive", "if=none,file=/isos/debian-10.13.0-arm64-netinst.iso,id=cdrom,media=cdrom",
			"-device", "virtio-scsi-device",
			"-device", "scsi-cd,drive=cdrom",
		},
		tail,
	), args)
}

func TestArgsArmhfHardDiskMedia(t *testing.T) {
	args := Args(spec(
		layout.Profile{Emulator: "qemu-system-arm", Machine: "virt", Virtio: "device"},
		hypervisor.Media{Kind: layout.MediaHDMedia, Path: "/ws/installer-hd.raw"},
		hypervisor.Display{},
	))

	assert.Equal(t, expect(
		[]string{"-display", "none", "-no-reboot"},
		[]string{
			"-M", "virt",
			"-drive", "if=none,file=/out/.debian.attempt-1.qcow2,format=qcow2,id=hd",
			"-device", "virtio-blk-device,drive=hd",
			"-netdev", "user,id=mynet",
			"-device", "virtio-net-device,netdev=mynet",
			"-drive", "if=none,file=/ws/installer-hd.raw,id=installer_hd,format=raw",
			"-device", "virtio-scsi-device",
			"-device", "scsi-hd,drive=installer_hd",
		},
		tail,
	), args)
}

func TestArgsWithoutConsoleLog(t *testing.T) {
	s := spec(layout.Profile{Emulator: "qemu-system-i386", Accel: "kvm"}, hypervisor.Media{Kind: layout.MediaCDROM, Path: "/i.iso"}, hypervisor.Display{})
	s.ConsoleLog = ""

	args := Args(s)
	assert.Equal(t, []string{"-monitor", "none"}, args[len(args)-2:])
	assert.NotContains(t, args, "-serial")
}

func TestCommandLineQuotes(t *testing.T) {
	s := spec(layout.Profile{Emulator: "qemu-system-x86_64"}, hypervisor.Media{Kind: layout.MediaCDROM, Path: "/isos/my debian.iso"}, hypervisor.Display{})

	line := CommandLine(s)
	assert.Contains(t, line, "qemu-system-x86_64 -cpu max -m 1G -append '"+cmdline+"' -kernel /ws/kernel")
	assert.Contains(t, line, "-cdrom '/isos/my debian.iso'")
}

func TestArgsEscapeCommasInDrivePaths(t *testing.T) {
	legacy := spec(layout.Profile{Emulator: "qemu-system-x86_64"}, hypervisor.Media{Kind: layout.MediaHDMedia, Path: "/ws/a,b.raw"}, hypervisor.Display{})
	legacy.DiskPath = "/out/x,y.qcow2"
	args := Args(legacy)
	assert.Contains(t, args, "file=/out/x,,y.qcow2")
	assert.Contains(t, args, "file=/ws/a,,b.raw,format=raw")

	virtio := spec(layout.Profile{Emulator: "qemu-system-aarch64", Machine: "virt", Virtio: "pci"}, hypervisor.Media{Kind: layout.MediaCDROM, Path: "/isos/deb,ian.iso"}, hypervisor.Display{})
	virtio.DiskPath = "/out/x,y.qcow2"
	args = Args(virtio)
	assert.Contains(t, args, "if=none,file=/out/x,,y.qcow2,format=qcow2,id=hd")
	assert.Contains(t, args, "if=none,file=/isos/deb,,ian.iso,id=cdrom,media=cdrom")
}
