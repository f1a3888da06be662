package disk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/terabiome/preseed-install/pkg/executor"
	"github.com/terabiome/preseed-install/pkg/executor/fileops"
	"github.com/terabiome/preseed-install/pkg/executor/qemuimg"
)

// Manager manages destination disk images.
type Manager struct {
	executor executor.Executor
	logger   *slog.Logger
}

// NewManager creates a new disk manager.
func NewManager(exec executor.Executor, logger *slog.Logger) *Manager {
	return &Manager{
		executor: exec,
		logger:   logger.With(slog.String("component", "disk")),
	}
}

// CreateImage allocates an empty qcow2 image. An existing file is never
// overwritten.
func (m *Manager) CreateImage(ctx context.Context, path, size string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("image already exists: %s", path)
	}

	m.logger.Debug("creating qcow2 disk",
		slog.String("path", path),
		slog.String("size", size),
	)

	err := qemuimg.Create(ctx, m.executor, qemuimg.CreateOptions{
		OutputFile:       path,
		OutputFileFormat: "qcow2",
		Size:             size,
	})
	if err != nil {
		return err
	}

	m.logger.Info("created qcow2 disk",
		slog.String("path", path),
		slog.String("size", size),
	)

	return nil
}

// Discard removes an image.
func (m *Manager) Discard(ctx context.Context, path string) error {
	if err := fileops.RemoveFile(ctx, m.executor, path); err != nil {
		return err
	}
	m.logger.Info("discarded disk", slog.String("path", path))
	return nil
}

// Promote renames a finished image to its final path.
func (m *Manager) Promote(ctx context.Context, src, dst string) error {
	if err := fileops.MoveFile(ctx, m.executor, src, dst); err != nil {
		return err
	}
	m.logger.Info("promoted disk", slog.String("from", src), slog.String("to", dst))
	return nil
}

// ConvertToRaw writes a raw copy of a qcow2 image for offset-addressed
// reading.
func (m *Manager) ConvertToRaw(ctx context.Context, src, dst string) error {
	m.logger.Debug("converting disk to raw", slog.String("src", src), slog.String("dst", dst))

	return qemuimg.Convert(ctx, m.executor, qemuimg.ConvertOptions{
		InputFile:        src,
		OutputFile:       dst,
		OutputFileFormat: "raw",
	})
}

// AttemptPath is where attempt n of run runID into destination writes,
// e.g. /srv/.debian.1b4e28ba.attempt-2.qcow2 for /srv/debian.qcow2. Images
// kept by an earlier failed run never collide with a new run's.
func AttemptPath(destination string, runID uuid.UUID, attempt int) string {
	dir, file := filepath.Split(destination)
	base := strings.TrimSuffix(file, filepath.Ext(file))
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.attempt-%d.qcow2", base, runID.String()[:8], attempt))
}

// AttemptImages hands out a fresh image per install attempt.
type AttemptImages struct {
	manager     *Manager
	destination string
	runID       uuid.UUID
	size        string
}

// ForDestination returns the attempt image allocator of run runID.
func (m *Manager) ForDestination(destination string, runID uuid.UUID, size string) *AttemptImages {
	return &AttemptImages{
		manager:     m,
		destination: destination,
		runID:       runID,
		size:        size,
	}
}

func (a *AttemptImages) Allocate(ctx context.Context, attempt int) (string, error) {
	path := AttemptPath(a.destination, a.runID, attempt)
	if err := a.manager.CreateImage(ctx, path, a.size); err != nil {
		return "", fmt.Errorf("allocate image for attempt %d: %w", attempt, err)
	}
	return path, nil
}

func (a *AttemptImages) Discard(ctx context.Context, path string) error {
	return a.manager.Discard(ctx, path)
}
