package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Debian keeps these symlinks at the root of the installed system pointing
// at the current kernel and initrd.
const (
	kernelLink = "/vmlinuz"
	initrdLink = "/initrd.img"
)

// BootFilePaths returns where ExtractBootFiles writes the files of image:
// <base>.kernel and <base>.initrd beside it.
func BootFilePaths(image string) BootFiles {
	base := strings.TrimSuffix(image, filepath.Ext(image))
	return BootFiles{
		Kernel: base + ".kernel",
		Initrd: base + ".initrd",
	}
}

// ExtractBootFiles copies the kernel and initrd out of an installed qcow2
// image so the system can be booted directly. Existing files are never
// overwritten.
func (s *InstallService) ExtractBootFiles(ctx context.Context, image string) (*BootFiles, error) {
	ctx, span := s.tracer.Start(ctx, "ExtractBootFiles")
	defer span.End()

	out := BootFilePaths(image)
	for _, path := range []string{out.Kernel, out.Initrd} {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("refusing to overwrite %s", path)
		}
	}

	tmp, err := os.MkdirTemp(filepath.Dir(image), ".preseed-install-extract-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	raw := filepath.Join(tmp, "disk.raw")
	if err := s.disks.ConvertToRaw(ctx, image, raw); err != nil {
		return nil, fmt.Errorf("failed to convert %s to raw: %w", image, err)
	}

	result, err := s.inspector.ExtractFiles(raw, kernelLink, initrdLink)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}

	if err := writeNew(out.Kernel, result.Files[kernelLink]); err != nil {
		return nil, err
	}
	if err := writeNew(out.Initrd, result.Files[initrdLink]); err != nil {
		os.Remove(out.Kernel)
		return nil, err
	}

	s.logger.Info("extracted boot files",
		slog.String("image", image),
		slog.String("kernel", out.Kernel),
		slog.String("initrd", out.Initrd),
	)

	return &out, nil
}

func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// ListPartitions reads the partition table of a raw disk image.
func (s *InstallService) ListPartitions(image string) ([]PartitionInfo, error) {
	entries, err := s.inspector.Partitions(image)
	if err != nil {
		return nil, err
	}

	out := make([]PartitionInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, PartitionInfo{
			Index:    e.Index,
			Bootable: e.Bootable,
			Type:     e.Type,
			StartLBA: e.StartLBA,
			Sectors:  e.Sectors,
			Offset:   e.Offset(),
			Length:   e.Length(),
			Empty:    e.Empty(),
		})
	}
	return out, nil
}
