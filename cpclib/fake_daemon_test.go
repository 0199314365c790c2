package cpclib

import (
	"encoding/binary"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/wireco/cpcd/internal/wire"
)

// fakeDaemon is a minimal stand-in for cmd/cpcd's control and endpoint
// sockets, just enough of the wire protocol for cpclib's own tests without
// pulling in the full core/servercore stack.
type fakeDaemon struct {
	dir string

	mu       sync.Mutex
	canOpen  map[byte]bool
	mtu      uint32
	version  byte
	resetPid int32

	ctrlLn net.Listener
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	dir := t.TempDir()
	ln, err := net.Listen("unixpacket", filepath.Join(dir, "ctrl.cpcd.sock"))
	if err != nil {
		t.Fatalf("listen ctrl socket: %v", err)
	}
	d := &fakeDaemon{
		dir:     dir,
		canOpen: map[byte]bool{2: true},
		mtu:     4087,
		version: wire.ProtocolVersion,
		ctrlLn:  ln,
	}
	go d.acceptCtrl()
	return d
}

func (d *fakeDaemon) acceptCtrl() {
	for {
		conn, err := d.ctrlLn.Accept()
		if err != nil {
			return
		}
		go d.serveCtrl(conn.(*net.UnixConn))
	}
}

func (d *fakeDaemon) serveCtrl(conn *net.UnixConn) {
	defer conn.Close()
	for {
		msg, err := wire.ReadFrom(conn, 256)
		if err != nil {
			return
		}
		switch msg.Type {
		case wire.TypeSetPid:
			atomic.StoreInt32(&d.resetPid, int32(binary.LittleEndian.Uint32(msg.Payload)))
			wire.WriteTo(conn, wire.Message{Type: wire.TypeSetPid})
		case wire.TypeMaxWriteSizeQuery:
			payload := make([]byte, 4)
			binary.LittleEndian.PutUint32(payload, d.mtu)
			wire.WriteTo(conn, wire.Message{Type: wire.TypeMaxWriteSizeQuery, Payload: payload})
		case wire.TypeVersionQuery:
			wire.WriteTo(conn, wire.Message{Type: wire.TypeVersionQuery, Payload: []byte{d.version}})
		case wire.TypeOpenEndpointQuery:
			d.mu.Lock()
			ok := d.canOpen[msg.Endpoint]
			d.mu.Unlock()
			wire.WriteTo(conn, wire.Message{Type: wire.TypeOpenEndpointQuery, Endpoint: msg.Endpoint, Payload: wire.BoolPayload(ok)})
		case wire.TypeCloseEndpointQuery:
			wire.WriteTo(conn, wire.Message{Type: wire.TypeCloseEndpointQuery, Endpoint: msg.Endpoint})
		case wire.TypeEndpointStatusQuery:
			status := wire.EndpointStatusPayload{State: wire.StateOpen}
			wire.WriteTo(conn, wire.Message{Type: wire.TypeEndpointStatusQuery, Endpoint: msg.Endpoint, Payload: status.Encode()})
		}
	}
}

// serveEndpoint listens on ep<id>.cpcd.sock, accepts one connection, sends
// the open ack, then echoes every payload it receives back to the client.
func (d *fakeDaemon) serveEndpoint(t *testing.T, id byte) {
	t.Helper()
	ln, err := net.Listen("unixpacket", filepath.Join(d.dir, fmt.Sprintf("ep%d.cpcd.sock", id)))
	if err != nil {
		t.Fatalf("listen endpoint socket: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		uc := conn.(*net.UnixConn)
		defer uc.Close()

		if err := wire.WriteTo(uc, wire.OpenEndpointAck(id)); err != nil {
			return
		}

		buf := make([]byte, 4096)
		for {
			n, err := uc.Read(buf)
			if err != nil {
				return
			}
			if _, err := uc.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
}

// dialTestClient initializes a Client against d, whose socket directory
// (t.TempDir()'s own path) is treated as <base>/<instance> by splitting it
// into a socket-dir base and an instance name Init will rejoin identically.
func dialTestClient(t *testing.T, d *fakeDaemon) *Client {
	t.Helper()
	base := filepath.Dir(d.dir)
	instance := filepath.Base(d.dir)

	c, err := Init(instance, WithSocketDir(base))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c
}
