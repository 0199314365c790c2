package cpclib

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Endpoint is one open logical connection to the secondary, backed by a
// single Unix domain socket. An Endpoint is safe for concurrent Read and
// Write from separate goroutines (the underlying socket is full-duplex);
// concurrent option changes are serialized against in-flight I/O by optMu.
type Endpoint struct {
	id     byte
	conn   *net.UnixConn
	client *Client

	optMu        sync.RWMutex
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// ID returns the endpoint number this Endpoint was opened on.
func (e *Endpoint) ID() byte {
	return e.id
}

// Read blocks (subject to SetReadTimeout) until one payload arrives from
// the daemon and copies it into buf. Each call returns exactly one
// daemon-delivered message; buf should be sized to the largest expected
// payload since unixpacket truncates oversized reads.
func (e *Endpoint) Read(buf []byte) (int, error) {
	e.optMu.RLock()
	defer e.optMu.RUnlock()

	if e.readTimeout > 0 {
		e.conn.SetReadDeadline(time.Now().Add(e.readTimeout))
		defer e.conn.SetReadDeadline(time.Time{})
	}
	return e.conn.Read(buf)
}

// Write sends data as one payload to the daemon, which relays it as a
// single client write to Core. data must not exceed the Client's
// MaxWriteSize.
func (e *Endpoint) Write(data []byte) (int, error) {
	if e.client.maxWriteSize > 0 && len(data) > e.client.maxWriteSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), e.client.maxWriteSize)
	}

	e.optMu.RLock()
	defer e.optMu.RUnlock()

	if e.writeTimeout > 0 {
		e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
		defer e.conn.SetWriteDeadline(time.Time{})
	}
	return e.conn.Write(data)
}

// SetReadTimeout configures how long Read blocks before returning a timeout
// error; zero means block indefinitely. Waits for any Read or Write already
// in flight to finish before taking effect, so a timeout change never races
// a blocked call.
func (e *Endpoint) SetReadTimeout(d time.Duration) {
	e.optMu.Lock()
	defer e.optMu.Unlock()
	e.readTimeout = d
}

// SetWriteTimeout configures how long Write blocks before returning a
// timeout error; zero means block indefinitely.
func (e *Endpoint) SetWriteTimeout(d time.Duration) {
	e.optMu.Lock()
	defer e.optMu.Unlock()
	e.writeTimeout = d
}

// SetSocketBufferSize resizes the kernel send and receive buffers backing
// this endpoint's socket.
func (e *Endpoint) SetSocketBufferSize(bytes int) error {
	e.optMu.Lock()
	defer e.optMu.Unlock()
	if err := e.conn.SetWriteBuffer(bytes); err != nil {
		return fmt.Errorf("cpclib: set write buffer: %w", err)
	}
	if err := e.conn.SetReadBuffer(bytes); err != nil {
		return fmt.Errorf("cpclib: set read buffer: %w", err)
	}
	return nil
}

// Close detaches from the endpoint: it closes the socket, then tells the
// daemon the client has gone so the endpoint can be reused by a future
// client attach.
func (e *Endpoint) Close() error {
	closeErr := e.conn.Close()
	if err := e.client.closeEndpoint(e.id); err != nil && closeErr == nil {
		return err
	}
	return closeErr
}
