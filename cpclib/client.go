// Package cpclib is the client-side counterpart to cmd/cpcd: it connects to
// a running daemon's control socket and per-endpoint sockets, mirroring the
// public surface of the original sl_cpc.c library (Init, Open, Read/Write,
// endpoint state queries, and a reset notification) as an idiomatic Go API.
package cpclib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wireco/cpcd/internal/wire"
)

// DefaultSocketDir is the base directory instance sockets are rooted under,
// matching internal/config's default instance.socket_dir.
const DefaultSocketDir = "/run/cpcd"

const ctrlRequestTimeout = 2 * time.Second

var (
	// ErrVersionMismatch is returned by Init when the daemon's control
	// protocol version does not match this library build's.
	ErrVersionMismatch = errors.New("cpclib: daemon control protocol version mismatch")
	// ErrEndpointUnavailable is returned by Open when the daemon reports the
	// requested endpoint cannot be opened (already attached, reserved, or
	// not yet opened on the secondary).
	ErrEndpointUnavailable = errors.New("cpclib: endpoint cannot be opened")
	// ErrPayloadTooLarge is returned by Endpoint.Write when data exceeds the
	// daemon-reported maximum write size.
	ErrPayloadTooLarge = errors.New("cpclib: payload exceeds max write size")
)

// Client holds one connection to a cpcd instance's control socket. One
// Client can open any number of endpoints, each independent of the others.
type Client struct {
	instanceName string
	dir          string

	ctrl   *net.UnixConn
	ctrlMu sync.Mutex

	maxWriteSize int
	resets       *resetHub
}

type initOptions struct {
	socketDir string
}

// Option configures Init.
type Option func(*initOptions)

// WithSocketDir overrides the base socket directory instances are rooted
// under (DefaultSocketDir otherwise), matching a non-default
// instance.socket_dir in the daemon's own configuration.
func WithSocketDir(dir string) Option {
	return func(o *initOptions) { o.socketDir = dir }
}

// Init connects to the named instance's control socket, registers this
// process's pid for reset notifications, and fetches the daemon's reported
// max write size and control protocol version. It fails if the daemon is
// not running or if the protocol versions do not match.
func Init(instanceName string, opts ...Option) (*Client, error) {
	o := initOptions{socketDir: DefaultSocketDir}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Join(o.socketDir, instanceName)
	path := filepath.Join(dir, "ctrl.cpcd.sock")

	conn, err := net.DialTimeout("unixpacket", path, ctrlRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("cpclib: connect to %s: %w", path, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("cpclib: unexpected connection type for %s", path)
	}

	c := &Client{
		instanceName: instanceName,
		dir:          dir,
		ctrl:         uc,
		resets:       newResetHub(),
	}

	if err := c.setPid(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.fetchMaxWriteSize(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.checkVersion(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// request serializes one control-socket round trip: the control socket
// answers requests in order, so only one request may be in flight at a time
// regardless of how many goroutines call into this Client concurrently.
func (c *Client) request(msg wire.Message) (wire.Message, error) {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	c.ctrl.SetDeadline(time.Now().Add(ctrlRequestTimeout))
	defer c.ctrl.SetDeadline(time.Time{})

	if err := wire.WriteTo(c.ctrl, msg); err != nil {
		return wire.Message{}, fmt.Errorf("cpclib: control request: %w", err)
	}
	reply, err := wire.ReadFrom(c.ctrl, wire.MaxPayloadLen+8)
	if err != nil {
		return wire.Message{}, fmt.Errorf("cpclib: control reply: %w", err)
	}
	return reply, nil
}

func (c *Client) setPid() error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(os.Getpid()))
	_, err := c.request(wire.Message{Type: wire.TypeSetPid, Payload: payload})
	return err
}

func (c *Client) fetchMaxWriteSize() error {
	reply, err := c.request(wire.Message{Type: wire.TypeMaxWriteSizeQuery})
	if err != nil {
		return err
	}
	if len(reply.Payload) != 4 {
		return fmt.Errorf("cpclib: malformed MaxWriteSizeQuery reply (%d bytes)", len(reply.Payload))
	}
	c.maxWriteSize = int(binary.LittleEndian.Uint32(reply.Payload))
	return nil
}

func (c *Client) checkVersion() error {
	reply, err := c.request(wire.Message{Type: wire.TypeVersionQuery})
	if err != nil {
		return err
	}
	if len(reply.Payload) != 1 {
		return fmt.Errorf("cpclib: malformed VersionQuery reply (%d bytes)", len(reply.Payload))
	}
	if reply.Payload[0] != wire.ProtocolVersion {
		return fmt.Errorf("%w: daemon=%d library=%d", ErrVersionMismatch, reply.Payload[0], wire.ProtocolVersion)
	}
	return nil
}

// MaxWriteSize returns the largest payload Endpoint.Write will accept,
// as reported by the daemon during Init.
func (c *Client) MaxWriteSize() int {
	return c.maxWriteSize
}

// EndpointState queries the daemon for endpoint id's current lifecycle
// state and, if in the error state, the reason.
func (c *Client) EndpointState(id byte) (wire.EndpointStatusPayload, error) {
	reply, err := c.request(wire.Message{Type: wire.TypeEndpointStatusQuery, Endpoint: id})
	if err != nil {
		return wire.EndpointStatusPayload{}, err
	}
	return wire.DecodeEndpointStatus(reply.Payload)
}

// OnReset registers fn to run every time the daemon signals this process
// with SIGUSR1 after a link reset (spec.md §9's reset-notification design).
// The returned function cancels the subscription.
func (c *Client) OnReset(fn func()) (unsubscribe func()) {
	return c.resets.subscribe(fn)
}

// Open asks the daemon whether endpoint id can be attached and, if so,
// connects to its socket and waits for the open acknowledgment.
func (c *Client) Open(id byte) (*Endpoint, error) {
	reply, err := c.request(wire.Message{Type: wire.TypeOpenEndpointQuery, Endpoint: id})
	if err != nil {
		return nil, err
	}
	canOpen, err := wire.DecodeBool(reply.Payload)
	if err != nil {
		return nil, err
	}
	if !canOpen {
		return nil, fmt.Errorf("%w: endpoint %d", ErrEndpointUnavailable, id)
	}

	path := filepath.Join(c.dir, fmt.Sprintf("ep%d.cpcd.sock", id))
	conn, err := net.DialTimeout("unixpacket", path, ctrlRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("cpclib: connect to endpoint %d: %w", id, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("cpclib: unexpected connection type for endpoint %d", id)
	}

	uc.SetReadDeadline(time.Now().Add(ctrlRequestTimeout))
	ack, err := wire.ReadFrom(uc, 64)
	uc.SetReadDeadline(time.Time{})
	if err != nil {
		uc.Close()
		return nil, fmt.Errorf("cpclib: read open ack for endpoint %d: %w", id, err)
	}
	if ack.Type != wire.TypeOpenEndpointQuery || ack.Endpoint != id {
		uc.Close()
		return nil, fmt.Errorf("cpclib: unexpected open ack %+v for endpoint %d", ack, id)
	}

	return &Endpoint{id: id, conn: uc, client: c}, nil
}

// closeEndpoint tells the daemon endpoint id's client has detached, called
// by Endpoint.Close after the socket itself is closed.
func (c *Client) closeEndpoint(id byte) error {
	_, err := c.request(wire.Message{Type: wire.TypeCloseEndpointQuery, Endpoint: id})
	return err
}

// Close releases the control socket and stops reset delivery. Endpoints
// opened through this Client are not closed automatically; close them first.
func (c *Client) Close() error {
	c.resets.close()
	if c.ctrl == nil {
		return nil
	}
	return c.ctrl.Close()
}
