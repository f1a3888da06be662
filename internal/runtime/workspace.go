package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/terabiome/preseed-install/pkg/executor"
	"github.com/terabiome/preseed-install/pkg/executor/fileops"
)

// Workspace holds the per-run state that is threaded through an install:
// the run identifier, the scratch directory for extracted boot files and
// console logs, and the executor every external tool runs through.
type Workspace struct {
	RunID    uuid.UUID         `json:"run_id"`
	Dir      string            `json:"dir"`
	Executor executor.Executor `json:"-"`
}

// NewWorkspace creates a scratch directory for one run under parent.
func NewWorkspace(parent string, exec executor.Executor) (*Workspace, error) {
	runID := uuid.New()
	dir := filepath.Join(parent, ".preseed-install-"+runID.String())

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}

	return &Workspace{
		RunID:    runID,
		Dir:      dir,
		Executor: exec,
	}, nil
}

// Path returns the location of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteFile stores data under name and returns its path.
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	path := w.Path(name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

func (w *Workspace) Remove(ctx context.Context) error {
	return fileops.RemoveDirectory(ctx, w.Executor, w.Dir)
}
