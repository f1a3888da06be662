package sfdisk

import (
	"context"
	"fmt"

	"github.com/terabiome/preseed-install/pkg/executor"
)

// SingleLinuxPartition is an sfdisk script for a DOS label with one Linux
// partition spanning the disk.
const SingleLinuxPartition = "label: dos\n,,L\nwrite\n"

// Apply partitions device according to script.
func Apply(ctx context.Context, exec executor.Executor, device, script string) error {
	result, err := executor.RunWithInput(ctx, exec, script, "sfdisk", device)
	if err != nil {
		stdout, stderr := "", ""
		if result != nil {
			stdout, stderr = result.Stdout, result.Stderr
		}
		return fmt.Errorf("sfdisk failed: %w\nstdout: %s\nstderr: %s", err, stdout, stderr)
	}

	return nil
}
