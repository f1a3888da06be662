package qemuimg

import (
	"context"
	"fmt"

	"github.com/terabiome/preseed-install/pkg/executor"
)

type CreateOptions struct {
	OutputFile       string
	OutputFileFormat string
	Size             string
}

// Create allocates an empty image, e.g. a qcow2 destination disk.
func Create(ctx context.Context, exec executor.Executor, opts CreateOptions) error {
	format := opts.OutputFileFormat
	if format == "" {
		format = "qcow2"
	}

	args := []string{
		"create",
		"-f", format,
		opts.OutputFile,
		opts.Size,
	}

	result, err := executor.RunAndCapture(ctx, exec, "qemu-img", args...)
	if err != nil {
		return fmt.Errorf("qemu-img create failed: %w\nstdout: %s\nstderr: %s",
			err, result.Stdout, result.Stderr)
	}

	return nil
}

type ConvertOptions struct {
	InputFile        string
	OutputFile       string
	OutputFileFormat string
}

// Convert rewrites an image in another format; raw output is sparse.
func Convert(ctx context.Context, exec executor.Executor, opts ConvertOptions) error {
	format := opts.OutputFileFormat
	if format == "" {
		format = "raw"
	}

	args := []string{
		"convert",
		"-O", format,
		opts.InputFile,
		opts.OutputFile,
	}

	result, err := executor.RunAndCapture(ctx, exec, "qemu-img", args...)
	if err != nil {
		return fmt.Errorf("qemu-img convert failed: %w\nstdout: %s\nstderr: %s",
			err, result.Stdout, result.Stderr)
	}

	return nil
}

type InfoOptions struct {
	ImagePath string
}

func Info(ctx context.Context, exec executor.Executor, opts InfoOptions) (string, error) {
	result, err := executor.RunAndCapture(ctx, exec, "qemu-img", "info", opts.ImagePath)
	if err != nil {
		return "", fmt.Errorf("qemu-img info failed: %w\nstderr: %s", err, result.Stderr)
	}
	return result.Stdout, nil
}
