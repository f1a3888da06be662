package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/terabiome/preseed-install/internal/config"
	"github.com/terabiome/preseed-install/internal/hosttools"
	"github.com/terabiome/preseed-install/internal/layout"
	"github.com/terabiome/preseed-install/pkg/executor"
)

// runToolCheck reports which host programs are present, with their
// versions.
func runToolCheck(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	exec := executor.NewLocal(log)

	tools := []string{"qemu-img", "mv", "rm", "mkfs.ext2", "debugfs", "sfdisk"}
	if cfg.IsoReader == config.ReaderIsoinfo {
		tools = append(tools, "isoinfo")
	}
	if cfg.Backend == config.BackendQemu {
		l, err := layout.Default()
		if cfg.LayoutFile != "" {
			l, err = layout.Load(cfg.LayoutFile)
		}
		if err != nil {
			return err
		}
		for _, arch := range l.Names() {
			profile, _ := l.Profile(arch)
			tools = append(tools, profile.Emulator)
		}
	}
	sort.Strings(tools)

	fmt.Println("=== Host Tools ===")
	fmt.Println()

	var missing []string
	for _, tool := range tools {
		if err := hosttools.Check(nil, tool); err != nil {
			missing = append(missing, tool)
			fmt.Printf("  %-22s missing\n", tool)
			continue
		}
		fmt.Printf("  %-22s %s\n", tool, toolVersion(ctx, exec, tool))
	}

	if len(missing) > 0 {
		return &hosttools.HostToolMissingError{Tools: missing}
	}
	return nil
}

// toolVersion returns the first line a tool prints about its version.
func toolVersion(ctx context.Context, exec executor.Executor, tool string) string {
	var stdout, stderr bytes.Buffer

	arg := "--version"
	if tool == "debugfs" {
		arg = "-V"
	}

	if _, err := exec.Execute(ctx, &stdout, &stderr, tool, arg); err != nil && stdout.Len() == 0 && stderr.Len() == 0 {
		return "present"
	}

	out := stdout.String()
	if strings.TrimSpace(out) == "" {
		out = stderr.String()
	}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "present"
}
