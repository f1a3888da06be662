package libvirt

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"
)

// testURI is libvirt's in-process mock driver.
const testURI = "test:///default"

type countingDialer struct {
	dials int
	fail  error
}

func (d *countingDialer) dial(uri string) (*libvirt.Connect, error) {
	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}
	return libvirt.NewConnect(uri)
}

func newTestManager(t *testing.T, d *countingDialer) *ConnectionManager {
	t.Helper()
	cm, err := newConnectionManager(testURI, d.dial, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })
	return cm
}

func TestConnectionReusesLiveConnection(t *testing.T) {
	d := &countingDialer{}
	cm := newTestManager(t, d)

	first, unlock, err := cm.Connection()
	require.NoError(t, err)
	unlock()

	second, unlock, err := cm.Connection()
	require.NoError(t, err)
	unlock()

	assert.Same(t, first, second)
	assert.Equal(t, 1, d.dials)
	assert.Equal(t, testURI, cm.URI())
}

func TestConnectionReconnectsAfterClose(t *testing.T) {
	d := &countingDialer{}
	cm := newTestManager(t, d)

	require.NoError(t, cm.Close())
	require.NoError(t, cm.Close())

	conn, unlock, err := cm.Connection()
	require.NoError(t, err)
	defer unlock()

	alive, err := conn.IsAlive()
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, 2, d.dials)
}

func TestConnectionReportsFailedReconnect(t *testing.T) {
	d := &countingDialer{}
	cm := newTestManager(t, d)
	require.NoError(t, cm.Close())

	d.fail = errors.New("connection refused")
	_, _, err := cm.Connection()
	assert.ErrorContains(t, err, "reconnection failed")
	assert.ErrorContains(t, err, "connection refused")

	// The manager is not left locked.
	d.fail = nil
	_, unlock, err := cm.Connection()
	require.NoError(t, err)
	unlock()
}

func TestNewConnectionManagerFailure(t *testing.T) {
	d := &countingDialer{fail: errors.New("no such host")}
	_, err := newConnectionManager(testURI, d.dial, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "failed to connect to libvirt")
}
