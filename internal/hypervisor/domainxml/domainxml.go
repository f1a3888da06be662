// Package domainxml turns a machine spec into a libvirt domain definition.
package domainxml

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/terabiome/preseed-install/internal/hypervisor"
	"github.com/terabiome/preseed-install/internal/layout"
	"libvirt.org/go/libvirtxml"
)

const vncBasePort = 5900

// Build returns the domain for spec. Every lifecycle event destroys the
// domain so a finished installer is observed as a shut off domain.
func Build(spec hypervisor.MachineSpec) (*libvirtxml.Domain, error) {
	p := spec.Profile

	memKiB, err := ParseMemoryKiB(p.Memory)
	if err != nil {
		return nil, err
	}

	domainType := "qemu"
	if p.Accel == "kvm" {
		domainType = "kvm"
	}

	domain := &libvirtxml.Domain{
		Type: domainType,
		Name: spec.Name,
		UUID: spec.UUID.String(),
		Memory: &libvirtxml.DomainMemory{
			Value: uint(memKiB),
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{Value: 1},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Type:    "hvm",
				Arch:    Arch(p.Emulator),
				Machine: p.Machine,
			},
			Kernel:  spec.KernelPath,
			Initrd:  spec.InitrdPath,
			Cmdline: spec.Cmdline,
		},
		CPU:        cpu(p),
		OnPoweroff: "destroy",
		OnReboot:   "destroy",
		OnCrash:    "destroy",
		Devices:    &libvirtxml.DomainDeviceList{},
	}

	devices := domain.Devices
	devices.Disks = disks(spec)
	if p.Virtio != "" {
		devices.Controllers = append(devices.Controllers, libvirtxml.DomainController{
			Type:  "scsi",
			Model: "virtio-scsi",
		})
	}

	nicModel := "e1000"
	if p.Virtio != "" {
		nicModel = "virtio"
	}
	devices.Interfaces = []libvirtxml.DomainInterface{{
		Source: &libvirtxml.DomainInterfaceSource{
			User: &libvirtxml.DomainInterfaceSourceUser{},
		},
		Model: &libvirtxml.DomainInterfaceModel{Type: nicModel},
	}}

	if spec.ConsoleLog != "" {
		devices.Serials = []libvirtxml.DomainSerial{{
			Source: &libvirtxml.DomainChardevSource{
				File: &libvirtxml.DomainChardevSourceFile{Path: spec.ConsoleLog},
			},
		}}
	}

	if !spec.Display.Headless() {
		listen, port, err := ParseVNC(spec.Display.VNC)
		if err != nil {
			return nil, err
		}
		devices.Graphics = []libvirtxml.DomainGraphic{{
			VNC: &libvirtxml.DomainGraphicVNC{
				Port:     port,
				AutoPort: "no",
				Listen:   listen,
			},
		}}
	}

	return domain, nil
}

// Render builds and marshals the domain for spec.
func Render(spec hypervisor.MachineSpec) (string, error) {
	domain, err := Build(spec)
	if err != nil {
		return "", err
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("could not marshal domain XML: %w", err)
	}
	return out, nil
}

func cpu(p layout.Profile) *libvirtxml.DomainCPU {
	switch p.CPU {
	case "", "max":
		return &libvirtxml.DomainCPU{Mode: "maximum"}
	case "host":
		return &libvirtxml.DomainCPU{Mode: "host-passthrough"}
	default:
		return &libvirtxml.DomainCPU{
			Mode:  "custom",
			Model: &libvirtxml.DomainCPUModel{Value: p.CPU},
		}
	}
}

func disks(spec hypervisor.MachineSpec) []libvirtxml.DomainDisk {
	target := &libvirtxml.DomainDiskTarget{Dev: "hda", Bus: "ide"}
	if spec.Profile.Virtio != "" {
		target = &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"}
	}

	out := []libvirtxml.DomainDisk{{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: spec.DiskPath},
		},
		Target: target,
	}}

	bus, dev := "ide", "hdc"
	if spec.Profile.Virtio != "" {
		bus, dev = "scsi", "sda"
	}

	media := libvirtxml.DomainDisk{
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: spec.Media.Path},
		},
		Device:   "cdrom",
		Driver:   &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Target:   &libvirtxml.DomainDiskTarget{Dev: dev, Bus: bus},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	}
	if spec.Media.Kind == layout.MediaHDMedia {
		media.Device = "disk"
	}

	return append(out, media)
}

// Arch maps an emulator binary name to the libvirt guest architecture.
func Arch(emulator string) string {
	arch := strings.TrimPrefix(emulator, "qemu-system-")
	switch arch {
	case "i386":
		return "i686"
	case "arm":
		return "armv7l"
	default:
		return arch
	}
}

// ParseMemoryKiB parses qemu memory sizes such as "1G" or "512M". A bare
// number is in MiB, as qemu reads it.
func ParseMemoryKiB(size string) (uint64, error) {
	s := strings.TrimSpace(size)
	if s == "" {
		return 0, fmt.Errorf("invalid memory size: %q", size)
	}

	shift := 10
	switch s[len(s)-1] {
	case 'k', 'K':
		shift = 0
	case 'm', 'M':
		shift = 10
	case 'g', 'G':
		shift = 20
	case 't', 'T':
		shift = 30
	default:
		s += "M"
	}
	s = s[:len(s)-1]

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid memory size: %q", size)
	}
	return n << shift, nil
}

// ParseVNC splits a qemu VNC display such as ":1" or "0.0.0.0:3" into a
// listen address and TCP port.
func ParseVNC(display string) (string, int, error) {
	host, num, err := net.SplitHostPort(display)
	if err != nil {
		return "", 0, fmt.Errorf("invalid VNC display %q: %w", display, err)
	}

	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("invalid VNC display %q: display number must be a non-negative integer", display)
	}

	if host == "" {
		host = "127.0.0.1"
	}
	return host, vncBasePort + n, nil
}
