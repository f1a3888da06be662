// Package hosttools checks that the external programs a run needs are
// installed before anything is started.
package hosttools

import (
	"os/exec"
	"slices"
	"strings"
)

// HostToolMissingError lists every required program absent from PATH.
type HostToolMissingError struct {
	Tools []string
}

func (e *HostToolMissingError) Error() string {
	return "required host tools not found: " + strings.Join(e.Tools, ", ")
}

// LookPathFunc resolves a program name, as exec.LookPath does.
type LookPathFunc func(file string) (string, error)

// Check resolves each tool once and reports all missing ones together.
func Check(lookPath LookPathFunc, tools ...string) error {
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var missing []string
	seen := make(map[string]bool, len(tools))
	for _, tool := range tools {
		if tool == "" || seen[tool] {
			continue
		}
		seen[tool] = true

		if _, err := lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}

	if len(missing) > 0 {
		slices.Sort(missing)
		return &HostToolMissingError{Tools: missing}
	}
	return nil
}
