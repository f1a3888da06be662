package libvirt

import (
	"fmt"
	"log/slog"
	"sync"

	"libvirt.org/go/libvirt"
)

type dialFunc func(uri string) (*libvirt.Connect, error)

// ConnectionManager shares one libvirt connection and reconnects when it
// goes away or was closed.
type ConnectionManager struct {
	conn   *libvirt.Connect
	mu     sync.Mutex
	uri    string
	dial   dialFunc
	logger *slog.Logger
}

func NewConnectionManager(uri string, logger *slog.Logger) (*ConnectionManager, error) {
	return newConnectionManager(uri, libvirt.NewConnect, logger)
}

func newConnectionManager(uri string, dial dialFunc, logger *slog.Logger) (*ConnectionManager, error) {
	conn, err := dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}

	logger.Info("libvirt connection established", slog.String("uri", uri))

	return &ConnectionManager{
		conn:   conn,
		uri:    uri,
		dial:   dial,
		logger: logger,
	}, nil
}

// Connection returns the live connection and holds it until unlock is
// called.
func (cm *ConnectionManager) Connection() (*libvirt.Connect, func(), error) {
	cm.mu.Lock()

	if !cm.healthy() {
		cm.logger.Warn("connection unhealthy, attempting reconnect", slog.String("uri", cm.uri))
		if err := cm.reconnect(); err != nil {
			cm.mu.Unlock()
			return nil, nil, err
		}
	}

	unlock := func() { cm.mu.Unlock() }
	return cm.conn, unlock, nil
}

func (cm *ConnectionManager) healthy() bool {
	if cm.conn == nil {
		return false
	}
	alive, err := cm.conn.IsAlive()
	return err == nil && alive
}

func (cm *ConnectionManager) reconnect() error {
	if cm.conn != nil {
		cm.conn.Close()
		cm.conn = nil
	}

	conn, err := cm.dial(cm.uri)
	if err != nil {
		return fmt.Errorf("reconnection failed: %w", err)
	}

	cm.conn = conn
	cm.logger.Info("libvirt reconnected", slog.String("uri", cm.uri))
	return nil
}

// URI returns the libvirt URI being used
func (cm *ConnectionManager) URI() string {
	return cm.uri
}

// Close closes the connection. A later Connection call dials again.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn == nil {
		return nil
	}

	cm.logger.Info("closing libvirt connection")
	_, err := cm.conn.Close()
	cm.conn = nil
	return err
}
