// Package installerhd builds the hard disk the hd-media installer reads an
// installation ISO from, for platforms that cannot install from a CD-ROM.
package installerhd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/terabiome/preseed-install/pkg/executor"
	"github.com/terabiome/preseed-install/pkg/executor/debugfs"
	"github.com/terabiome/preseed-install/pkg/executor/mkfs"
	"github.com/terabiome/preseed-install/pkg/executor/sfdisk"
)

// HeaderSize is the space left before the partition: 2048 sectors.
const HeaderSize = 2048 * 512

const (
	filesystemName = "installer-fs.ext2"
	DiskName       = "installer-hd.raw"
)

// FilesystemSize is the ext2 filesystem size for an ISO of isoSize bytes:
// ten percent headroom, rounded up to 4 KiB.
func FilesystemSize(isoSize int64) int64 {
	size := int64(math.Round(float64(isoSize) * 1.1))
	if leftover := size % 4096; leftover != 0 {
		size += 4096 - leftover
	}
	return size
}

type Builder struct {
	executor executor.Executor
	logger   *slog.Logger
}

func NewBuilder(exec executor.Executor, logger *slog.Logger) *Builder {
	return &Builder{
		executor: exec,
		logger:   logger.With(slog.String("component", "installerhd")),
	}
}

// Build writes a raw disk image holding iso on a single ext2 partition into
// dir and returns its path.
func (b *Builder) Build(ctx context.Context, iso, dir string) (string, error) {
	info, err := os.Stat(iso)
	if err != nil {
		return "", fmt.Errorf("stat installation image: %w", err)
	}

	fsSize := FilesystemSize(info.Size())
	fsPath := filepath.Join(dir, filesystemName)
	diskPath := filepath.Join(dir, DiskName)

	b.logger.Info("building installer hard disk",
		slog.String("iso", iso),
		slog.Int64("fs_size", fsSize),
		slog.String("path", diskPath),
	)

	if err := allocate(fsPath, fsSize); err != nil {
		return "", err
	}
	defer os.Remove(fsPath)

	if err := mkfs.Ext2(ctx, b.executor, mkfs.Ext2Options{Device: fsPath}); err != nil {
		return "", err
	}

	if err := debugfs.Write(ctx, b.executor, fsPath, iso, filepath.Base(iso)); err != nil {
		return "", fmt.Errorf("copy %s into installer filesystem: %w", iso, err)
	}

	if err := allocate(diskPath, fsSize+HeaderSize); err != nil {
		return "", err
	}

	if err := sfdisk.Apply(ctx, b.executor, diskPath, sfdisk.SingleLinuxPartition); err != nil {
		return "", err
	}

	if err := copyAt(diskPath, fsPath, HeaderSize); err != nil {
		return "", err
	}

	b.logger.Debug("installer hard disk ready", slog.String("path", diskPath))
	return diskPath, nil
}

func allocate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("size %s: %w", path, err)
	}
	return nil
}

// copyAt writes the content of src into dst starting at offset.
func copyAt(dst, src string, offset int64) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", dst, err)
	}

	if _, err := io.Copy(io.NewOffsetWriter(out, offset), in); err != nil {
		out.Close()
		return fmt.Errorf("copy filesystem into %s: %w", dst, err)
	}
	return out.Close()
}
