package servercore

import (
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/wireco/cpcd/internal/core"
	"github.com/wireco/cpcd/internal/logging"
	"github.com/wireco/cpcd/internal/recovery"
	"github.com/wireco/cpcd/internal/sysendpoint"
	"github.com/wireco/cpcd/internal/wire"
)

// maxControlMessage bounds one control-socket read, sized for the largest
// reply (a 4-byte payload) plus generous header slack.
const maxControlMessage = 256

// ControlServer exposes spec.md §6's library-daemon control socket: a
// message-preserving ("unixpacket") Unix domain socket at
// <run>/cpcd/<instance>/ctrl.cpcd.sock answering VersionQuery,
// MaxWriteSizeQuery, SetPid, OpenEndpointQuery, CloseEndpointQuery, and
// EndpointStatusQuery requests.
type ControlServer struct {
	socketPath string
	core       *core.Core
	sys        *sysendpoint.SysEndpoint
	mtu        int
	logger     *slog.Logger

	listener net.Listener
	running  atomic.Bool

	conns *connTracker[*net.UnixConn]

	mu   sync.Mutex
	pids map[*net.UnixConn]int
}

// NewControlServer creates a ControlServer bound to core for endpoint
// open/close/status queries and to sys, whose CanOpen answers
// OpenEndpointQuery.
func NewControlServer(socketPath string, c *core.Core, sys *sysendpoint.SysEndpoint, mtu int, logger *slog.Logger) *ControlServer {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ControlServer{
		socketPath: socketPath,
		core:       c,
		sys:        sys,
		mtu:        mtu,
		logger:     logger,
		conns:      newConnTracker[*net.UnixConn](),
		pids:       make(map[*net.UnixConn]int),
	}
}

// Start begins listening and accepting control-socket connections. Accept
// runs in its own goroutine; each accepted connection gets its own
// read-loop goroutine, since unixpacket reads block per-message and the
// EventLoop is reserved for the ARQ/driver fast path.
func (s *ControlServer) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unixpacket", s.socketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.acceptLoop()
	return nil
}

// Stop closes the listener, every tracked connection, and removes the
// socket file.
func (s *ControlServer) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.conns.closeAll()
	if s.listener != nil {
		s.listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// NotifyReset sends SIGUSR1 to every registered client pid, per spec.md
// §6's reset-notification contract.
func (s *ControlServer) NotifyReset() {
	s.mu.Lock()
	pids := make([]int, 0, len(s.pids))
	for _, pid := range s.pids {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		if err := unix.Kill(pid, unix.SIGUSR1); err != nil {
			s.logger.Warn("failed to signal client pid on reset", "pid", pid, logging.KeyError, err)
		}
	}
}

func (s *ControlServer) acceptLoop() {
	defer recovery.RecoverWithLog(s.logger, "servercore.ControlServer.acceptLoop")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.logger.Error("control socket accept failed", logging.KeyError, err)
			return
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		s.conns.add(uc)
		go s.serve(uc)
	}
}

func (s *ControlServer) serve(conn *net.UnixConn) {
	defer recovery.RecoverWithLog(s.logger, "servercore.ControlServer.serve")
	defer func() {
		s.conns.remove(conn)
		s.mu.Lock()
		delete(s.pids, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		msg, err := wire.ReadFrom(conn, maxControlMessage)
		if err != nil {
			return
		}
		reply, ok := s.handle(conn, msg)
		if !ok {
			continue
		}
		if err := wire.WriteTo(conn, reply); err != nil {
			return
		}
	}
}

func (s *ControlServer) handle(conn *net.UnixConn, msg wire.Message) (wire.Message, bool) {
	switch msg.Type {
	case wire.TypeVersionQuery:
		return wire.VersionReply(), true

	case wire.TypeMaxWriteSizeQuery:
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(s.mtu))
		return wire.Message{Type: wire.TypeMaxWriteSizeQuery, Payload: payload}, true

	case wire.TypeSetPid:
		if len(msg.Payload) != 4 {
			s.logger.Warn("malformed SetPid payload", "len", len(msg.Payload))
			return wire.Message{}, false
		}
		pid := int(binary.LittleEndian.Uint32(msg.Payload))
		s.mu.Lock()
		s.pids[conn] = pid
		s.mu.Unlock()
		return wire.Message{Type: wire.TypeSetPid}, true

	case wire.TypeOpenEndpointQuery:
		canOpen := s.sys.CanOpen(msg.Endpoint)
		return wire.Message{Type: wire.TypeOpenEndpointQuery, Endpoint: msg.Endpoint, Payload: wire.BoolPayload(canOpen)}, true

	case wire.TypeCloseEndpointQuery:
		if err := s.core.Close(msg.Endpoint); err != nil {
			s.logger.Error("control-requested endpoint close failed", "endpoint", msg.Endpoint, logging.KeyError, err)
		}
		return wire.Message{Type: wire.TypeCloseEndpointQuery, Endpoint: msg.Endpoint}, true

	case wire.TypeEndpointStatusQuery:
		snap := s.core.EndpointSnapshot(msg.Endpoint)
		status := wire.EndpointStatusPayload{State: wire.EndpointState(snap.State), ErrorReason: byte(snap.Err)}
		return wire.Message{Type: wire.TypeEndpointStatusQuery, Endpoint: msg.Endpoint, Payload: status.Encode()}, true

	default:
		s.logger.Warn("unknown control message type", "type", msg.Type)
		return wire.Message{}, false
	}
}
