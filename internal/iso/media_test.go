package iso

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	version, err := ParseVersion("debian-11.3.0-amd64-netinst.iso")
	require.NoError(t, err)
	assert.Equal(t, 11, version)

	_, err = ParseVersion("ubuntu-22.10-desktop-amd64.iso")
	assert.EqualError(t, err, "can't read Debian version: ubuntu-22.10-desktop-amd64.iso")
}

func TestParseArch(t *testing.T) {
	arch, err := ParseArch("debian-10.1.0-armhf-netinst.iso")
	require.NoError(t, err)
	assert.Equal(t, "armhf", arch)

	_, err = ParseArch("ubuntu-22.10-desktop-amd64.iso")
	assert.EqualError(t, err, "can't read Debian architecture: ubuntu-22.10-desktop-amd64.iso")
}

func TestIsARM(t *testing.T) {
	assert.True(t, IsARM("armhf"))
	assert.True(t, IsARM("arm64"))
	assert.True(t, IsARM("armel"))
	assert.False(t, IsARM("amd64"))
	assert.False(t, IsARM("i386"))
}

func TestParseDiskInfo(t *testing.T) {
	media, err := ParseDiskInfo(`Debian GNU/Linux 11.5.0 "Bullseye" - Official amd64 NETINST with firmware 20220910-10:38` + "\n")
	require.NoError(t, err)
	assert.Equal(t, Media{Version: 11, Arch: "amd64"}, media)

	media, err = ParseDiskInfo(`Debian GNU/Linux 9.13.0 "Stretch" - Official armhf NETINST 20200718-11:07`)
	require.NoError(t, err)
	assert.Equal(t, Media{Version: 9, Arch: "armhf"}, media)

	_, err = ParseDiskInfo(`Ubuntu 22.04 LTS "Jammy Jellyfish" - Release amd64`)
	assert.Error(t, err)

	_, err = ParseDiskInfo(`Debian GNU/Linux 12.1.0 "Bookworm" - Official NETINST`)
	assert.ErrorContains(t, err, "can't read Debian architecture")
}

type mapReader map[string][]byte

func (m mapReader) ReadFile(_ context.Context, _ string, filePath string) ([]byte, error) {
	data, ok := m[filePath]
	if !ok {
		return nil, errors.New("not found: " + filePath)
	}
	return data, nil
}

func TestIdentifyPrefersFileName(t *testing.T) {
	media, err := Identify(context.Background(), mapReader{}, "/srv/isos/debian-10.13.0-arm64-netinst.iso")
	require.NoError(t, err)
	assert.Equal(t, Media{Version: 10, Arch: "arm64"}, media)
}

func TestIdentifyFallsBackToDiskInfo(t *testing.T) {
	reader := mapReader{"/.disk/info": []byte(`Debian GNU/Linux 12.4.0 "Bookworm" - Official arm64 NETINST with firmware 20231210-17:57`)}

	media, err := Identify(context.Background(), reader, "/srv/isos/netinst.iso")
	require.NoError(t, err)
	assert.Equal(t, Media{Version: 12, Arch: "arm64"}, media)
}

func TestIdentifyReportsFileNameError(t *testing.T) {
	_, err := Identify(context.Background(), mapReader{}, "/srv/isos/netinst.iso")
	assert.EqualError(t, err, "can't read Debian version: netinst.iso")
}
