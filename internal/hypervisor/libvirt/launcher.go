// Package libvirt runs install attempts as libvirt domains.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/terabiome/preseed-install/internal/hypervisor"
	"github.com/terabiome/preseed-install/internal/hypervisor/domainxml"
	pkglibvirt "github.com/terabiome/preseed-install/pkg/libvirt"
	"libvirt.org/go/libvirt"
)

const defaultPollInterval = 500 * time.Millisecond

type domain interface {
	Create() error
	GetState() (libvirt.DomainState, int, error)
	Destroy() error
	Undefine() error
	Free() error
}

type definer interface {
	Define(xml string) (domain, error)
}

type connectionDefiner struct {
	connections *pkglibvirt.ConnectionManager
}

func (d connectionDefiner) Define(xml string) (domain, error) {
	if d.connections == nil {
		return nil, errors.New("no libvirt connection")
	}

	conn, unlock, err := d.connections.Connection()
	if err != nil {
		return nil, err
	}
	defer unlock()

	dom, err := conn.DomainDefineXML(xml)
	if err != nil {
		return nil, err
	}
	return dom, nil
}

// Launcher defines and starts one persistent domain per attempt and
// undefines it once it has shut off.
type Launcher struct {
	definer      definer
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewLauncher(connections *pkglibvirt.ConnectionManager, logger *slog.Logger) *Launcher {
	return newLauncher(connectionDefiner{connections: connections}, defaultPollInterval, logger)
}

func newLauncher(d definer, pollInterval time.Duration, logger *slog.Logger) *Launcher {
	return &Launcher{
		definer:      d,
		pollInterval: pollInterval,
		logger:       logger.With(slog.String("component", "libvirt")),
	}
}

func (l *Launcher) Name() string {
	return "libvirt"
}

func (l *Launcher) Launch(ctx context.Context, spec hypervisor.MachineSpec) (hypervisor.Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	xml, err := domainxml.Render(spec)
	if err != nil {
		return nil, fmt.Errorf("could not create Libvirt XML in memory: %w", err)
	}
	l.logger.Debug("rendered libvirt XML", slog.String("vm", spec.Name))

	dom, err := l.definer.Define(xml)
	if err != nil {
		return nil, fmt.Errorf("could not define VM from Libvirt XML: %w", err)
	}
	l.logger.Debug("defined VM in libvirt", slog.String("vm", spec.Name))

	if err := dom.Create(); err != nil {
		if uerr := dom.Undefine(); uerr != nil {
			l.logger.Warn("could not undefine VM", slog.String("vm", spec.Name), slog.String("error", uerr.Error()))
		}
		dom.Free()
		return nil, fmt.Errorf("could not start VM from Libvirt XML: %w", err)
	}
	l.logger.Info("started VM", slog.String("vm", spec.Name))

	return &machine{
		name:         spec.Name,
		dom:          dom,
		pollInterval: l.pollInterval,
		logger:       l.logger,
	}, nil
}

type machine struct {
	name         string
	dom          domain
	pollInterval time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	killed   bool
	waited   bool
	released bool
}

// maxStateErrors is how many consecutive failed state reads Wait tolerates
// before it destroys the domain and gives up.
const maxStateErrors = 5

// Wait polls the domain until it shuts off, then undefines it. A guest
// power-off is exit code 0. Wait only returns while the domain still runs
// if it could not destroy it, in which case Kill may be retried.
func (m *machine) Wait() (int, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		state, reason, err := m.dom.GetState()
		switch {
		case err != nil:
			failures++
			m.logger.Warn("could not read VM state",
				slog.String("vm", m.name),
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			if failures >= maxStateErrors {
				return -1, m.abandon(fmt.Errorf("could not read state of VM %s: %w", m.name, err))
			}
		case state == libvirt.DOMAIN_SHUTOFF:
			m.mu.Lock()
			m.waited = true
			m.releaseLocked()
			m.mu.Unlock()
			return m.classify(libvirt.DomainShutoffReason(reason))
		default:
			failures = 0
		}
		<-ticker.C
	}
}

// abandon destroys a domain whose state can no longer be read.
func (m *machine) abandon(cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.waited = true
	if err := m.destroyLocked(); err != nil {
		return errors.Join(cause, err)
	}
	m.releaseLocked()
	return cause
}

func (m *machine) classify(reason libvirt.DomainShutoffReason) (int, error) {
	m.mu.Lock()
	killed := m.killed
	m.mu.Unlock()

	switch {
	case killed:
		return -1, fmt.Errorf("VM %s was destroyed", m.name)
	case reason == libvirt.DOMAIN_SHUTOFF_SHUTDOWN:
		return 0, nil
	case reason == libvirt.DOMAIN_SHUTOFF_CRASHED:
		return 1, fmt.Errorf("VM %s crashed", m.name)
	case reason == libvirt.DOMAIN_SHUTOFF_DESTROYED:
		return -1, fmt.Errorf("VM %s was destroyed", m.name)
	default:
		return 1, fmt.Errorf("VM %s shut off unexpectedly (reason %d)", m.name, reason)
	}
}

func (m *machine) releaseLocked() {
	if m.released {
		return
	}
	m.released = true

	if err := m.dom.Undefine(); err != nil {
		m.logger.Warn("could not undefine VM", slog.String("vm", m.name), slog.String("error", err.Error()))
	} else {
		m.logger.Debug("undefined VM", slog.String("vm", m.name))
	}
	m.dom.Free()
}

func (m *machine) destroyLocked() error {
	if err := m.dom.Destroy(); err != nil {
		var lerr libvirt.Error
		if errors.As(err, &lerr) && lerr.Code == libvirt.ERR_OPERATION_INVALID {
			return nil
		}
		return fmt.Errorf("could not destroy VM %s: %w", m.name, err)
	}
	m.logger.Warn("destroyed VM", slog.String("vm", m.name))
	return nil
}

// Kill destroys the domain. It is a no-op once the domain has been
// released, and releases it itself when Wait has already returned.
func (m *machine) Kill() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil
	}
	m.killed = true

	if err := m.destroyLocked(); err != nil {
		return err
	}
	if m.waited {
		m.releaseLocked()
	}
	return nil
}
