package iso

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terabiome/preseed-install/internal/layout"
	"github.com/terabiome/preseed-install/pkg/executor/executortest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLayout(t *testing.T) *layout.Layout {
	t.Helper()
	l, err := layout.Parse([]byte(`
[arch.armhf.profile]
emulator = "qemu-system-arm"
machine = "virt"
virtio = "device"

[[arch.armhf.candidates]]
kernel = "/hdmedia/vmlinuz"
initrd = "/hdmedia/initrd.gz"
versions = [9]
media = "hd-media"

[[arch.armhf.candidates]]
kernel = "/cdrom/vmlinuz"
initrd = "/cdrom/initrd.gz"
`))
	require.NoError(t, err)
	return l
}

func TestExtractFirstReadablePair(t *testing.T) {
	reader := mapReader{
		"/cdrom/vmlinuz":   []byte("KERNEL"),
		"/cdrom/initrd.gz": []byte("INITRD"),
	}
	extractor := NewExtractor(reader, testLayout(t), testLogger())

	kernel, initrd, candidate, err := extractor.Extract(context.Background(), "debian.iso", "armhf")
	require.NoError(t, err)
	assert.Equal(t, []byte("KERNEL"), kernel)
	assert.Equal(t, []byte("INITRD"), initrd)
	assert.Equal(t, "/cdrom/vmlinuz", candidate.Kernel)
	assert.Equal(t, layout.MediaCDROM, candidate.Media)
}

func TestExtractSkipsEmptyAndPartialPairs(t *testing.T) {
	reader := mapReader{
		"/hdmedia/vmlinuz":   []byte("HD-KERNEL"),
		"/hdmedia/initrd.gz": {},
		"/cdrom/vmlinuz":     []byte("KERNEL"),
		"/cdrom/initrd.gz":   []byte("INITRD"),
	}
	extractor := NewExtractor(reader, testLayout(t), testLogger())

	_, _, candidate, err := extractor.Extract(context.Background(), "debian.iso", "armhf")
	require.NoError(t, err)
	assert.Equal(t, "/cdrom/vmlinuz", candidate.Kernel)
}

func TestExtractForFiltersByVersion(t *testing.T) {
	reader := mapReader{
		"/hdmedia/vmlinuz":   []byte("HD-KERNEL"),
		"/hdmedia/initrd.gz": []byte("HD-INITRD"),
		"/cdrom/vmlinuz":     []byte("KERNEL"),
		"/cdrom/initrd.gz":   []byte("INITRD"),
	}
	extractor := NewExtractor(reader, testLayout(t), testLogger())

	kernel, _, candidate, err := extractor.ExtractFor(context.Background(), "debian.iso", Media{Version: 9, Arch: "armhf"})
	require.NoError(t, err)
	assert.Equal(t, []byte("HD-KERNEL"), kernel)
	assert.Equal(t, layout.MediaHDMedia, candidate.Media)

	_, _, candidate, err = extractor.ExtractFor(context.Background(), "debian.iso", Media{Version: 10, Arch: "armhf"})
	require.NoError(t, err)
	assert.Equal(t, "/cdrom/vmlinuz", candidate.Kernel)
}

func TestExtractNoCandidate(t *testing.T) {
	extractor := NewExtractor(mapReader{}, testLayout(t), testLogger())

	_, _, _, err := extractor.Extract(context.Background(), "debian.iso", "armhf")

	var layoutErr *IsoLayoutError
	require.ErrorAs(t, err, &layoutErr)
	assert.Equal(t, "armhf", layoutErr.Arch)
	assert.Equal(t, []string{"/hdmedia/vmlinuz", "/cdrom/vmlinuz"}, layoutErr.Tried)
	assert.Error(t, layoutErr.Err)
}

func TestExtractUnknownArchitecture(t *testing.T) {
	extractor := NewExtractor(mapReader{}, testLayout(t), testLogger())

	_, _, _, err := extractor.ExtractFor(context.Background(), "debian.iso", Media{Version: 11, Arch: "i386"})

	var layoutErr *IsoLayoutError
	require.ErrorAs(t, err, &layoutErr)
	assert.EqualError(t, err, "unsupported Debian version or architecture: 11, i386")
}

func TestExtractHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	extractor := NewExtractor(NativeReader{}, testLayout(t), testLogger())
	_, _, _, err := extractor.Extract(ctx, "debian.iso", "armhf")
	assert.ErrorIs(t, err, context.Canceled)
}

func writeISO(t *testing.T, files map[string]string) string {
	t.Helper()

	writer, err := iso9660.NewWriter()
	require.NoError(t, err)
	defer writer.Cleanup()

	for name, content := range files {
		require.NoError(t, writer.AddFile(strings.NewReader(content), name))
	}

	path := filepath.Join(t.TempDir(), "test.iso")
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, writer.WriteTo(out, "testdisk"))
	return path
}

func TestNativeReader(t *testing.T) {
	image := writeISO(t, map[string]string{
		"foo.txt":         "FOO\n",
		"cdrom/vmlinuz":   "KERNEL",
		"cdrom/initrd.gz": "INITRD",
	})

	data, err := NativeReader{}.ReadFile(context.Background(), image, "/foo.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("FOO\n"), data)

	_, err = NativeReader{}.ReadFile(context.Background(), image, "/baz.txt")
	assert.ErrorContains(t, err, "failed to extract file: /baz.txt from ISO: "+image)

	_, err = NativeReader{}.ReadFile(context.Background(), image, "/cdrom")
	assert.Error(t, err)

	extractor := NewExtractor(NativeReader{}, testLayout(t), testLogger())
	kernel, initrd, _, err := extractor.Extract(context.Background(), image, "armhf")
	require.NoError(t, err)
	assert.Equal(t, []byte("KERNEL"), kernel)
	assert.Equal(t, []byte("INITRD"), initrd)
}

func TestNativeReaderMissingImage(t *testing.T) {
	_, err := NativeReader{}.ReadFile(context.Background(), filepath.Join(t.TempDir(), "none.iso"), "/foo.txt")
	assert.Error(t, err)
}

func TestIsoinfoReader(t *testing.T) {
	fake := executortest.New()
	fake.Handle("isoinfo", func(call executortest.Call) executortest.Response {
		if call.Args[2] == "/foo.txt" {
			return executortest.Response{Stdout: []byte("FOO\n")}
		}
		return executortest.Response{}
	})
	reader := IsoinfoReader{Executor: fake}

	data, err := reader.ReadFile(context.Background(), "tests/test.iso", "/foo.txt")
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("FOO\n"), data))
	assert.Equal(t, "isoinfo -R -x /foo.txt -i tests/test.iso", fake.Calls()[0].String())

	_, err = reader.ReadFile(context.Background(), "tests/test.iso", "/baz.txt")
	assert.EqualError(t, err, "failed to extract file: /baz.txt from ISO: tests/test.iso")

	fake.Handle("isoinfo", func(executortest.Call) executortest.Response {
		return executortest.Response{Err: errors.New("exec: not found"), ExitCode: -1}
	})
	_, err = reader.ReadFile(context.Background(), "tests/test.iso", "/foo.txt")
	assert.Error(t, err)
}
