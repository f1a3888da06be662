package debugfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/terabiome/preseed-install/pkg/executor"
)

// Run feeds requests to debugfs in read-write mode and returns its output.
func Run(ctx context.Context, exec executor.Executor, device string, requests ...string) (string, error) {
	script := strings.Join(requests, "\n") + "\n"

	result, err := executor.RunWithInput(ctx, exec, script, "debugfs", "-w", "-f", "-", device)
	if err != nil {
		stderr := ""
		if result != nil {
			stderr = result.Stderr
		}
		return "", fmt.Errorf("debugfs failed: %w\nstderr: %s", err, stderr)
	}

	return result.Stdout, nil
}

// Write copies a host file into the filesystem root under name.
func Write(ctx context.Context, exec executor.Executor, device, source, name string) error {
	_, err := Run(ctx, exec, device, fmt.Sprintf("write %s %s", source, name))
	return err
}
