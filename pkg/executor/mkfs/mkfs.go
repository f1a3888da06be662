package mkfs

import (
	"context"
	"fmt"

	"github.com/terabiome/preseed-install/pkg/executor"
)

type Ext2Options struct {
	Device string
}

// Ext2 formats a device or image file with a fresh ext2 filesystem.
func Ext2(ctx context.Context, exec executor.Executor, opts Ext2Options) error {
	result, err := executor.RunAndCapture(ctx, exec, "mkfs.ext2", "-F", "-q", opts.Device)
	if err != nil {
		return fmt.Errorf("mkfs.ext2 failed: %w\nstdout: %s\nstderr: %s",
			err, result.Stdout, result.Stderr)
	}

	return nil
}
