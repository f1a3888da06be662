package iso

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/terabiome/preseed-install/pkg/executor"
	"github.com/terabiome/preseed-install/pkg/executor/isoinfo"
)

// Reader reads one file out of an ISO9660 image.
type Reader interface {
	ReadFile(ctx context.Context, image, filePath string) ([]byte, error)
}

// NativeReader reads images in-process.
type NativeReader struct{}

func (NativeReader) ReadFile(ctx context.Context, image, filePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(image)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", image, err)
	}

	reader, err := openPath(img, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to extract file: %s from ISO: %s: %w", filePath, image, err)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", filePath, image, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("failed to extract file: %s from ISO: %s: empty file", filePath, image)
	}

	return data, nil
}

func openPath(img *iso9660.Image, isoPath string) (io.Reader, error) {
	parts := strings.Split(strings.TrimPrefix(path.Clean(isoPath), "/"), "/")

	cur, err := img.RootDir()
	if err != nil {
		return nil, err
	}

	for _, part := range parts {
		if part == "" {
			continue
		}
		if !cur.IsDir() {
			return nil, fmt.Errorf("not a directory: %s", cur.Name())
		}

		children, err := cur.GetChildren()
		if err != nil {
			return nil, err
		}

		var next *iso9660.File
		for _, child := range children {
			if entryName(child.Name()) == strings.ToLower(part) {
				next = child
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("not found: %s", isoPath)
		}
		cur = next
	}

	if cur.IsDir() {
		return nil, fmt.Errorf("is a directory: %s", isoPath)
	}
	return cur.Reader(), nil
}

// entryName normalises an ISO9660 identifier: lower case, without the ";1"
// version suffix and the trailing dot of extension-less names.
func entryName(name string) string {
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// IsoinfoReader reads images with the isoinfo tool.
type IsoinfoReader struct {
	Executor executor.Executor
}

func (r IsoinfoReader) ReadFile(ctx context.Context, image, filePath string) ([]byte, error) {
	return isoinfo.Extract(ctx, r.Executor, isoinfo.ExtractOptions{
		ImagePath: image,
		FilePath:  filePath,
	})
}

// Tools lists the host programs the reader runs.
func (IsoinfoReader) Tools() []string {
	return []string{"isoinfo"}
}
