package servercore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/wireco/cpcd/internal/core"
	"github.com/wireco/cpcd/internal/logging"
	"github.com/wireco/cpcd/internal/sysendpoint"
)

// Manager owns the control socket and every lazily-created per-endpoint
// socket for one daemon instance, at <run>/cpcd/<instance>/. It implements
// core.Notifier so it learns about link resets directly from Core (through
// the system endpoint, which it is wired as the inner notifier of).
type Manager struct {
	socketDir string
	core      *core.Core
	sys       *sysendpoint.SysEndpoint
	logger    *slog.Logger

	control *ControlServer

	mu        sync.Mutex
	endpoints map[byte]*EndpointServer
}

// NewManager creates a Manager rooted at socketDir (typically
// <run>/cpcd/<instance>). The directory is created if missing.
func NewManager(socketDir string, c *core.Core, sys *sysendpoint.SysEndpoint, mtu int, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(socketDir, 0750); err != nil {
		return nil, fmt.Errorf("servercore: create socket dir %s: %w", socketDir, err)
	}

	m := &Manager{
		socketDir: socketDir,
		core:      c,
		sys:       sys,
		logger:    logger,
		endpoints: make(map[byte]*EndpointServer),
	}
	m.control = NewControlServer(filepath.Join(socketDir, "ctrl.cpcd.sock"), c, sys, mtu, logger)
	sys.SetInner(m)
	return m, nil
}

// Start starts the control socket and one EndpointServer per non-system
// endpoint, matching spec.md §6's lazy-creation-on-first-use intent loosely:
// the sockets are created up front, but no client is accepted onto an
// endpoint until the system endpoint confirms it can be opened.
func (m *Manager) Start() error {
	if err := m.control.Start(); err != nil {
		return fmt.Errorf("servercore: start control socket: %w", err)
	}

	for id := byte(1); id <= core.MaxEndpointID; id++ {
		if id == core.SecurityEndpointID || id == core.ReservedEndpointID {
			continue
		}
		ep := NewEndpointServer(id, filepath.Join(m.socketDir, fmt.Sprintf("ep%d.cpcd.sock", id)), m.core, m.sys, m.logger)
		if err := ep.Start(); err != nil {
			m.Stop()
			return fmt.Errorf("servercore: start endpoint %d socket: %w", id, err)
		}
		m.mu.Lock()
		m.endpoints[id] = ep
		m.mu.Unlock()
	}
	return nil
}

// Stop stops the control socket and every endpoint socket.
func (m *Manager) Stop() error {
	m.mu.Lock()
	endpoints := make([]*EndpointServer, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		endpoints = append(endpoints, ep)
	}
	m.mu.Unlock()

	for _, ep := range endpoints {
		if err := ep.Stop(); err != nil {
			m.logger.Error("failed to stop endpoint socket", logging.KeyError, err)
		}
	}
	return m.control.Stop()
}

// EndpointOpened implements core.Notifier. ServerCore has nothing to do on
// open beyond what EndpointServer already handles via CanOpen gating.
func (m *Manager) EndpointOpened(id byte) {}

// EndpointClosed implements core.Notifier: force-closes the endpoint's
// attached client connection, if any, so a client blocked reading (spec.md
// §8 scenario 3: "client socket reads return 0 bytes") observes EOF rather
// than hanging once Core has already torn the endpoint down, regardless of
// whether the close was client-initiated, FaultNoAck, a security incident,
// or a peer-initiated link reset.
func (m *Manager) EndpointClosed(id byte, reason core.ErrorReason) {
	m.mu.Lock()
	ep := m.endpoints[id]
	m.mu.Unlock()
	if ep != nil {
		ep.ForceClose()
	}
}

// LinkReset implements core.Notifier: every registered client pid is sent
// SIGUSR1 per spec.md §6's reset-notification contract.
func (m *Manager) LinkReset() {
	m.control.NotifyReset()
}
