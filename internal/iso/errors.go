package iso

import (
	"fmt"
	"strings"
)

// IsoLayoutError reports that no candidate kernel/initrd pair could be read
// from an installation image.
type IsoLayoutError struct {
	Image   string
	Arch    string
	Version int
	// Tried lists the kernel paths attempted, in order.
	Tried []string
	// Err is the last read failure, if any.
	Err error
}

func (e *IsoLayoutError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("unsupported Debian version or architecture: %d, %s", e.Version, e.Arch)
	}
	msg := fmt.Sprintf("no readable kernel and initrd for %s in %s (tried %s)", e.Arch, e.Image, strings.Join(e.Tried, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IsoLayoutError) Unwrap() error {
	return e.Err
}
