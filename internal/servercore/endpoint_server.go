package servercore

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/wireco/cpcd/internal/core"
	"github.com/wireco/cpcd/internal/logging"
	"github.com/wireco/cpcd/internal/recovery"
	"github.com/wireco/cpcd/internal/sysendpoint"
	"github.com/wireco/cpcd/internal/wire"
)

// maxEndpointMessage bounds one endpoint-socket read to the largest frame
// payload the Framer will ever deliver.
const maxEndpointMessage = 4096

// EndpointServer exposes one logical endpoint to local clients over a
// message-preserving Unix domain socket at ep<N>.cpcd.sock, created when
// Manager.Start starts the server and accepting exactly one client
// connection at a time (the
// dense endpoint table has no notion of multiple local owners).
type EndpointServer struct {
	id     byte
	path   string
	core   *core.Core
	sys    *sysendpoint.SysEndpoint
	logger *slog.Logger

	listener net.Listener
	running  atomic.Bool

	mu     sync.Mutex
	active *net.UnixConn
}

// NewEndpointServer creates a server for endpoint id, listening at path
// once Start is called.
func NewEndpointServer(id byte, path string, c *core.Core, sys *sysendpoint.SysEndpoint, logger *slog.Logger) *EndpointServer {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &EndpointServer{id: id, path: path, core: c, sys: sys, logger: logger}
}

// Start begins listening for a client connection. Accepting is gated per
// connection attempt on the system endpoint reporting the peer endpoint can
// be opened; a connection arriving while another client is already attached
// is refused immediately.
func (s *EndpointServer) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unixpacket", s.path)
	if err != nil {
		return fmt.Errorf("servercore: listen on %s: %w", s.path, err)
	}
	s.listener = ln
	s.running.Store(true)

	go s.acceptLoop()
	return nil
}

// Stop closes the listener, the active connection if any, and removes the
// socket file.
func (s *EndpointServer) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.mu.Lock()
	if s.active != nil {
		s.active.Close()
		s.active = nil
	}
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ForceClose closes the currently attached client connection, if any,
// without touching Core's endpoint state. Used when Core itself reports the
// endpoint closed (FaultNoAck, SecurityIncident, a peer-initiated link
// reset) so a client that is only reading observes EOF instead of blocking
// forever on a connection whose peer will never speak again.
func (s *EndpointServer) ForceClose() {
	s.mu.Lock()
	conn := s.active
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *EndpointServer) acceptLoop() {
	defer recovery.RecoverWithLog(s.logger, "servercore.EndpointServer.acceptLoop")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.logger.Error("endpoint socket accept failed", "endpoint", s.id, logging.KeyError, err)
			return
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}

		if !s.sys.CanOpen(s.id) {
			uc.Close()
			continue
		}

		s.mu.Lock()
		if s.active != nil {
			s.mu.Unlock()
			uc.Close()
			continue
		}
		s.active = uc
		s.mu.Unlock()

		go s.serve(uc)
	}
}

func (s *EndpointServer) serve(conn *net.UnixConn) {
	defer recovery.RecoverWithLog(s.logger, "servercore.EndpointServer.serve")
	defer func() {
		s.mu.Lock()
		if s.active == conn {
			s.active = nil
		}
		s.mu.Unlock()
		conn.Close()
		if err := s.core.Close(s.id); err != nil {
			s.logger.Error("endpoint close after client disconnect failed", "endpoint", s.id, logging.KeyError, err)
		}
	}()

	if err := s.core.Open(s.id); err != nil {
		s.logger.Error("endpoint open failed on client attach", "endpoint", s.id, logging.KeyError, err)
		return
	}

	if err := wire.WriteTo(conn, wire.OpenEndpointAck(s.id)); err != nil {
		s.logger.Error("failed to send open-endpoint ack", "endpoint", s.id, logging.KeyError, err)
		return
	}

	done := make(chan struct{})
	go s.pumpRX(conn, done)
	defer close(done)

	s.pumpTX(conn)
}

// pumpTX reads client-submitted payloads off the socket and hands each to
// Core for transmission, preserving submission order.
func (s *EndpointServer) pumpTX(conn *net.UnixConn) {
	buf := make([]byte, maxEndpointMessage)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		payload := append([]byte(nil), buf[:n]...)
		if err := s.core.Write(s.id, payload); err != nil {
			s.logger.Warn("client write rejected", "endpoint", s.id, logging.KeyError, err)
			return
		}
	}
}

// pumpRX waits on the endpoint's RXReady signal and forwards every
// delivered payload to the client socket, in delivery order, until done is
// closed or the connection breaks.
func (s *EndpointServer) pumpRX(conn *net.UnixConn, done <-chan struct{}) {
	defer recovery.RecoverWithLog(s.logger, "servercore.EndpointServer.pumpRX")
	ready := s.core.Endpoint(s.id).RXReady()
	for {
		select {
		case <-done:
			return
		case <-ready:
			for {
				payload, ok := s.core.PopRX(s.id)
				if !ok {
					break
				}
				if _, err := conn.Write(payload); err != nil {
					return
				}
			}
		}
	}
}
