package iso

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Media identifies a Debian installation image.
type Media struct {
	// Version is the Debian major version, 0 when unknown.
	Version int
	Arch    string
}

var (
	nameVersionPattern = regexp.MustCompile(`^debian-([0-9]+)\.[0-9]+\.[0-9]+-`)
	nameArchPattern    = regexp.MustCompile(`^debian-[0-9.]+-([^-]+)-`)
	infoVersionPattern = regexp.MustCompile(`^Debian GNU/Linux ([0-9]+)`)
)

var debianArchitectures = []string{
	"amd64", "arm64", "armel", "armhf", "i386",
	"mips64el", "mipsel", "ppc64el", "riscv64", "s390x",
}

// ParseVersion reads the Debian major version from an image file name such
// as debian-11.3.0-amd64-netinst.iso.
func ParseVersion(name string) (int, error) {
	match := nameVersionPattern.FindStringSubmatch(name)
	if match == nil {
		return 0, fmt.Errorf("can't read Debian version: %s", name)
	}
	return strconv.Atoi(match[1])
}

// ParseArch reads the Debian architecture from an image file name.
func ParseArch(name string) (string, error) {
	match := nameArchPattern.FindStringSubmatch(name)
	if match == nil {
		return "", fmt.Errorf("can't read Debian architecture: %s", name)
	}
	return match[1], nil
}

// ParseImageName identifies an image by its file name alone.
func ParseImageName(name string) (Media, error) {
	version, err := ParseVersion(name)
	if err != nil {
		return Media{}, err
	}
	arch, err := ParseArch(name)
	if err != nil {
		return Media{}, err
	}
	return Media{Version: version, Arch: arch}, nil
}

// ParseDiskInfo reads the one-line /.disk/info label of Debian media, e.g.
// `Debian GNU/Linux 11.5.0 "Bullseye" - Official amd64 NETINST 20220910-10:38`.
func ParseDiskInfo(info string) (Media, error) {
	info = strings.TrimSpace(info)

	match := infoVersionPattern.FindStringSubmatch(info)
	if match == nil {
		return Media{}, fmt.Errorf("can't read Debian version: %q", info)
	}
	version, err := strconv.Atoi(match[1])
	if err != nil {
		return Media{}, fmt.Errorf("can't read Debian version: %q", info)
	}

	_, flavour, ok := strings.Cut(info, " - ")
	if ok {
		for _, field := range strings.Fields(flavour) {
			if slices.Contains(debianArchitectures, field) {
				return Media{Version: version, Arch: field}, nil
			}
		}
	}

	return Media{}, fmt.Errorf("can't read Debian architecture: %q", info)
}

// Identify works out version and architecture of an image from its file
// name, falling back to the /.disk/info label inside the image.
func Identify(ctx context.Context, reader Reader, image string) (Media, error) {
	media, nameErr := ParseImageName(filepath.Base(image))
	if nameErr == nil {
		return media, nil
	}

	info, err := reader.ReadFile(ctx, image, "/.disk/info")
	if err != nil {
		return Media{}, nameErr
	}

	media, err = ParseDiskInfo(string(info))
	if err != nil {
		return Media{}, fmt.Errorf("%w; %w", nameErr, err)
	}
	return media, nil
}

// IsARM reports whether arch belongs to the ARM family, whose installed
// systems carry no boot loader qemu can start.
func IsARM(arch string) bool {
	switch arch {
	case "arm64", "armel", "armhf":
		return true
	}
	return false
}
