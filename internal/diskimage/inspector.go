// Package diskimage reads files out of a raw disk image holding a DOS
// partition table and an ext2/3/4 filesystem, without mounting it.
package diskimage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
)

// ExtractionResult maps each resolved path to its content. Paths that could
// not be resolved are in Missing with a *FileNotFoundInImageError.
type ExtractionResult struct {
	Files   map[string][]byte
	Missing map[string]error
}

// Err joins the per-path failures, or returns nil when every path resolved.
func (r ExtractionResult) Err() error {
	if len(r.Missing) == 0 {
		return nil
	}
	paths := make([]string, 0, len(r.Missing))
	for p := range r.Missing {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	errs := make([]error, 0, len(paths))
	for _, p := range paths {
		errs = append(errs, r.Missing[p])
	}
	return errors.Join(errs...)
}

// Inspector is safe for concurrent use; every call opens its own read-only
// handle.
type Inspector struct {
	logger *slog.Logger
}

func NewInspector(logger *slog.Logger) *Inspector {
	return &Inspector{
		logger: logger.With(slog.String("component", "diskimage")),
	}
}

func (i *Inspector) ExtractFiles(imagePath string, paths ...string) (ExtractionResult, error) {
	f, size, err := openImage(imagePath)
	if err != nil {
		return ExtractionResult{}, err
	}
	defer f.Close()

	return i.ExtractFilesFrom(f, size, paths...)
}

// ExtractFilesFrom is ExtractFiles over an image already in memory or
// otherwise open.
func (i *Inspector) ExtractFilesFrom(r io.ReaderAt, size int64, paths ...string) (ExtractionResult, error) {
	entries, err := ReadPartitionTable(r, size)
	if err != nil {
		return ExtractionResult{}, err
	}

	partition, err := SelectLinuxPartition(entries, size)
	if err != nil {
		return ExtractionResult{}, err
	}

	view := NewFilesystemView(r, partition)
	fs, err := openFilesystem(view, view.Size())
	if err != nil {
		return ExtractionResult{}, err
	}

	i.logger.Debug("opened filesystem",
		slog.Int("partition", partition.Index),
		slog.Int64("offset", partition.Offset()),
		slog.Int64("length", partition.Length()),
		slog.Uint64("block_size", fs.blockSize),
	)

	result := ExtractionResult{
		Files:   make(map[string][]byte, len(paths)),
		Missing: make(map[string]error),
	}

	for _, p := range paths {
		data, err := fs.readFile(p)
		if err != nil {
			i.logger.Debug("file not found in image", slog.String("path", p), slog.String("error", err.Error()))
			result.Missing[p] = err
			continue
		}
		result.Files[p] = data
	}

	return result, nil
}

// Partitions lists the four primary partition table entries of an image.
func (i *Inspector) Partitions(imagePath string) ([]PartitionEntry, error) {
	f, size, err := openImage(imagePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadPartitionTable(f, size)
}

func (fs *filesystem) readFile(p string) ([]byte, error) {
	in, err := fs.resolve(p)
	if err != nil {
		return nil, &FileNotFoundInImageError{Path: p, Reason: "cannot resolve path", Err: err}
	}

	data, err := fs.readData(in)
	if err != nil {
		return nil, &FileNotFoundInImageError{Path: p, Reason: "cannot read content", Err: err}
	}
	return data, nil
}

func openImage(imagePath string) (*os.File, int64, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, 0, fmt.Errorf("open disk image: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat disk image: %w", err)
	}

	return f, info.Size(), nil
}
