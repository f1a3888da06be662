package diskimagetest_test

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terabiome/preseed-install/internal/diskimage"
	"github.com/terabiome/preseed-install/internal/diskimage/diskimagetest"
)

func TestBootDiskReadsBack(t *testing.T) {
	kernel := bytes.Repeat([]byte("K"), 3000)
	disk, err := diskimagetest.BootDisk(
		map[string][]byte{"vmlinuz-6.1.0-arm64": kernel, "initrd.img-6.1.0-arm64": []byte("initrd")},
		map[string]string{"vmlinuz": "vmlinuz-6.1.0-arm64", "initrd.img": "/initrd.img-6.1.0-arm64"},
	)
	require.NoError(t, err)

	inspector := diskimage.NewInspector(slog.New(slog.NewTextHandler(io.Discard, nil)))
	result, err := inspector.ExtractFilesFrom(bytes.NewReader(disk), int64(len(disk)), "/vmlinuz", "/initrd.img")
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Equal(t, kernel, result.Files["/vmlinuz"])
	assert.Equal(t, []byte("initrd"), result.Files["/initrd.img"])
}

func TestBootDiskRejectsLargeFiles(t *testing.T) {
	_, err := diskimagetest.BootDisk(map[string][]byte{"big": make([]byte, 13*1024)}, nil)
	assert.Error(t, err)
}
