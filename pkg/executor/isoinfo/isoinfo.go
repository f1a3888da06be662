package isoinfo

import (
	"context"
	"fmt"

	"github.com/terabiome/preseed-install/pkg/executor"
)

type ExtractOptions struct {
	ImagePath string
	FilePath  string
}

// Extract returns the content of one file of an ISO9660 image, using Rock
// Ridge names. isoinfo prints nothing for a missing file, so empty output
// is an error.
func Extract(ctx context.Context, exec executor.Executor, opts ExtractOptions) ([]byte, error) {
	args := []string{
		"-R",
		"-x", opts.FilePath,
		"-i", opts.ImagePath,
	}

	stdout, result, err := executor.RunCaptureBytes(ctx, exec, "isoinfo", args...)
	if err != nil {
		return nil, fmt.Errorf("isoinfo failed: %w\nstderr: %s", err, result.Stderr)
	}

	if len(stdout) == 0 {
		return nil, fmt.Errorf("failed to extract file: %s from ISO: %s", opts.FilePath, opts.ImagePath)
	}

	return stdout, nil
}
