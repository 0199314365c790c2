package security

import (
	"fmt"

	"github.com/wireco/cpcd/internal/core"
)

// Client adapts a Worker's command channel to core.SecurityClient, so Core
// never holds a reference to session key material or the worker's internal
// state, only to this thin request/reply shim.
type Client struct {
	worker *Worker
}

// NewClient wraps w for use as a Core's SecurityClient.
func NewClient(w *Worker) *Client {
	return &Client{worker: w}
}

// Ready implements core.SecurityClient.
func (c *Client) Ready() bool {
	return c.worker.IsReady()
}

// Encrypt implements core.SecurityClient.
func (c *Client) Encrypt(endpoint byte, plaintext, associatedData []byte) ([]byte, uint64, bool, error) {
	reply := make(chan Reply, 1)
	c.worker.Commands() <- Command{
		Kind:           CmdEncrypt,
		Endpoint:       endpoint,
		Plaintext:      plaintext,
		AssociatedData: associatedData,
		Reply:          reply,
	}
	r := <-reply
	return r.Ciphertext, r.Counter, r.NeedsRekey, r.Err
}

// Decrypt implements core.SecurityClient. When the worker reports that a
// tag-mismatch incident tripped the per-endpoint threshold, the returned
// error wraps core.ErrSecurityIncident so Core escalates to
// Error(SecurityIncident) instead of requesting a retransmit.
func (c *Client) Decrypt(endpoint byte, ciphertext, associatedData []byte) ([]byte, error) {
	reply := make(chan Reply, 1)
	c.worker.Commands() <- Command{
		Kind:           CmdDecrypt,
		Endpoint:       endpoint,
		Ciphertext:     ciphertext,
		AssociatedData: associatedData,
		Reply:          reply,
	}
	r := <-reply
	if r.Incident {
		return nil, fmt.Errorf("%w: %v", core.ErrSecurityIncident, r.Err)
	}
	return r.Plaintext, r.Err
}
