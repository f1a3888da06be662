// Package layout describes where installation media keep their boot files
// and which machine runs each architecture's installer.
package layout

import (
	_ "embed"
	"fmt"
	"slices"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

const (
	MediaCDROM   = "cdrom"
	MediaHDMedia = "hd-media"
)

//go:embed layout.toml
var defaultLayout []byte

type Layout struct {
	Architectures map[string]Architecture `toml:"arch" validate:"required,dive"`
}

type Architecture struct {
	Profile    Profile     `toml:"profile"`
	Candidates []Candidate `toml:"candidates" validate:"required,min=1,dive"`
}

// Profile is the emulated machine for one architecture.
type Profile struct {
	Emulator string `toml:"emulator" validate:"required"`
	Machine  string `toml:"machine"`
	Accel    string `toml:"accel"`
	CPU      string `toml:"cpu" default:"max" validate:"required"`
	Memory   string `toml:"memory" default:"1G" validate:"required"`

	// Virtio is the virtio transport. Empty attaches disk, cdrom and nic
	// the legacy way.
	Virtio string `toml:"virtio" validate:"omitempty,oneof=pci device"`

	// ExtractBootFiles is set where no boot loader gets installed and the
	// kernel and initrd must be recovered from the finished disk.
	ExtractBootFiles bool `toml:"extract_boot_files"`
}

// Candidate is one possible location of the installer kernel and initrd.
type Candidate struct {
	Kernel   string `toml:"kernel" validate:"required,startswith=/"`
	Initrd   string `toml:"initrd" validate:"required,startswith=/"`
	Versions []int  `toml:"versions"`
	Media    string `toml:"media" default:"cdrom" validate:"oneof=cdrom hd-media"`
}

// Matches reports whether the candidate applies to a Debian major version.
// Version 0 means unknown and matches everything.
func (c Candidate) Matches(version int) bool {
	if version == 0 || len(c.Versions) == 0 {
		return true
	}
	return slices.Contains(c.Versions, version)
}

// Default returns the embedded layout.
func Default() (*Layout, error) {
	return Parse(defaultLayout)
}

// Load reads a layout from a TOML file.
func Load(path string) (*Layout, error) {
	var l Layout
	if _, err := toml.DecodeFile(path, &l); err != nil {
		return nil, fmt.Errorf("decode layout %s: %w", path, err)
	}
	return finish(&l)
}

func Parse(data []byte) (*Layout, error) {
	var l Layout
	if _, err := toml.Decode(string(data), &l); err != nil {
		return nil, fmt.Errorf("decode layout: %w", err)
	}
	return finish(&l)
}

func finish(l *Layout) (*Layout, error) {
	for name, arch := range l.Architectures {
		if err := defaults.Set(&arch.Profile); err != nil {
			return nil, fmt.Errorf("set defaults for %s: %w", name, err)
		}
		for i := range arch.Candidates {
			if err := defaults.Set(&arch.Candidates[i]); err != nil {
				return nil, fmt.Errorf("set defaults for %s candidate %d: %w", name, i, err)
			}
		}
		l.Architectures[name] = arch
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(l); err != nil {
		return nil, fmt.Errorf("validate layout: %w", err)
	}

	return l, nil
}

// Candidates returns the ordered candidates for arch applicable to version.
func (l *Layout) Candidates(arch string, version int) []Candidate {
	a, ok := l.Architectures[arch]
	if !ok {
		return nil
	}

	var out []Candidate
	for _, c := range a.Candidates {
		if c.Matches(version) {
			out = append(out, c)
		}
	}
	return out
}

func (l *Layout) Profile(arch string) (Profile, error) {
	a, ok := l.Architectures[arch]
	if !ok {
		return Profile{}, fmt.Errorf("unsupported architecture: %s (known: %v)", arch, l.Names())
	}
	return a.Profile, nil
}

// Names lists the known architectures in sorted order.
func (l *Layout) Names() []string {
	names := make([]string, 0, len(l.Architectures))
	for name := range l.Architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
