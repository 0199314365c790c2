package security

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wireco/cpcd/internal/recovery"
)

// State is the lifecycle of the security session shared by all encrypted
// endpoints.
type State int

const (
	StateNotReady State = iota
	StateInitializing
	StateInitialized
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateNotReady:
		return "NotReady"
	case StateInitializing:
		return "Initializing"
	case StateInitialized:
		return "Initialized"
	case StateResetting:
		return "Resetting"
	default:
		return "Unknown"
	}
}

// incidentWindow is the sliding window over which tag-mismatch incidents
// are counted; reaching incidentThreshold inside it marks the Decrypt reply
// as an incident, which Core turns into Error(SecurityIncident) on that
// endpoint. No re-handshake is started.
const incidentWindow = 30 * time.Second

// incidentThreshold is the number of incidents within incidentWindow that
// trips Error(SecurityIncident).
const incidentThreshold = 3

// CommandKind selects the operation a Command asks the worker to perform.
type CommandKind int

const (
	CmdInitSession CommandKind = iota
	CmdRekey
	CmdEncrypt
	CmdDecrypt
	CmdResetSession
)

// Command is sent to the worker's single-slot channel; Reply is always a
// buffered channel of capacity 1 so the sender never blocks on delivery.
type Command struct {
	Kind CommandKind

	// InitSession / Rekey inputs.
	LocalEphemeral  Keypair
	RemoteEphemeral [KeySize]byte
	BindingPrivate  [KeySize]byte
	SessionID       uint64

	// Encrypt/Decrypt inputs.
	Endpoint       byte
	Plaintext      []byte
	Ciphertext     []byte
	AssociatedData []byte

	Reply chan Reply
}

// Reply carries the synchronous result of a Command.
type Reply struct {
	Err         error
	Ciphertext  []byte
	Plaintext   []byte
	Counter     uint64 // Encrypt: the counter consumed by this frame
	SessionID   uint64
	NeedsRekey  bool
	EndpointErr byte // set when a per-endpoint security incident tripped
	Incident    bool
}

// Worker owns all session key material and runs on its own goroutine,
// reached only through Commands. Core never touches key material directly.
type Worker struct {
	cmds   chan Command
	logger *slog.Logger

	state   State
	session *SessionKey

	incidents map[byte][]time.Time

	ready atomic.Bool

	done chan struct{}
}

// NewWorker creates a Worker. Start must be called to begin processing.
func NewWorker(logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cmds:      make(chan Command, 1),
		logger:    logger,
		state:     StateNotReady,
		incidents: make(map[byte][]time.Time),
		done:      make(chan struct{}),
	}
}

// Commands returns the single-slot channel used to submit work.
func (w *Worker) Commands() chan<- Command {
	return w.cmds
}

// Start runs the worker loop until Stop is called. Intended to be launched
// with `go w.Start()`.
func (w *Worker) Start() {
	defer recovery.RecoverWithLog(w.logger, "security.Worker")
	for {
		select {
		case cmd := <-w.cmds:
			w.handle(cmd)
		case <-w.done:
			return
		}
	}
}

// Stop terminates the worker loop.
func (w *Worker) Stop() {
	close(w.done)
}

// State returns the current session state. Safe to call only from the
// worker's own goroutine or via a Command round-trip; exposed for tests.
func (w *Worker) State() State {
	return w.state
}

// IsReady reports whether the worker currently holds an initialized
// session, safe to call from any goroutine. Client uses this to back
// core.SecurityClient's Ready method without a command round trip.
func (w *Worker) IsReady() bool {
	return w.ready.Load()
}

func (w *Worker) handle(cmd Command) {
	var reply Reply
	switch cmd.Kind {
	case CmdInitSession:
		reply = w.initSession(cmd)
	case CmdRekey:
		reply = w.initSession(cmd) // a rekey is a fresh ECDH + derive, same shape
	case CmdEncrypt:
		reply = w.encrypt(cmd)
	case CmdDecrypt:
		reply = w.decrypt(cmd)
	case CmdResetSession:
		w.state = StateNotReady
		w.session = nil
		w.incidents = make(map[byte][]time.Time)
		w.ready.Store(false)
		reply = Reply{}
	default:
		reply = Reply{Err: fmt.Errorf("security: unknown command kind %d", cmd.Kind)}
	}

	if cmd.Reply != nil {
		cmd.Reply <- reply
	}
}

func (w *Worker) initSession(cmd Command) Reply {
	w.state = StateInitializing

	shared, err := ComputeECDH(cmd.BindingPrivate, cmd.RemoteEphemeral)
	if err != nil {
		w.state = StateNotReady
		w.ready.Store(false)
		return Reply{Err: fmt.Errorf("security: handshake failed: %w", err)}
	}

	sk, err := DeriveSessionKey(shared, cmd.SessionID, cmd.LocalEphemeral.PublicKey, cmd.RemoteEphemeral)
	ZeroBytes(shared[:])
	if err != nil {
		w.state = StateNotReady
		w.ready.Store(false)
		return Reply{Err: err}
	}

	w.session = sk
	w.state = StateInitialized
	w.ready.Store(true)
	w.logger.Info("security session initialized", "session_id", cmd.SessionID)
	return Reply{SessionID: cmd.SessionID}
}

func (w *Worker) encrypt(cmd Command) Reply {
	if w.state != StateInitialized || w.session == nil {
		return Reply{Err: ErrNotInitialized}
	}
	counter := w.session.TXCounter(cmd.Endpoint)
	ct, err := w.session.Encrypt(cmd.Endpoint, cmd.Plaintext, cmd.AssociatedData)
	if err != nil {
		return Reply{Err: err}
	}
	return Reply{Ciphertext: ct, Counter: counter, NeedsRekey: w.session.NeedsRekey(cmd.Endpoint)}
}

func (w *Worker) decrypt(cmd Command) Reply {
	if w.state != StateInitialized || w.session == nil {
		return Reply{Err: ErrNotInitialized}
	}
	pt, err := w.session.Decrypt(cmd.Endpoint, cmd.Ciphertext, cmd.AssociatedData)
	if err != nil {
		if err == ErrAuthFailed {
			incident := w.recordIncident(cmd.Endpoint)
			return Reply{Err: err, EndpointErr: cmd.Endpoint, Incident: incident}
		}
		return Reply{Err: err}
	}
	return Reply{Plaintext: pt}
}

// recordIncident appends a tag-mismatch timestamp for endpoint and reports
// whether incidentThreshold has been reached within incidentWindow.
func (w *Worker) recordIncident(endpoint byte) bool {
	now := time.Now()
	cutoff := now.Add(-incidentWindow)

	hits := w.incidents[endpoint]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	w.incidents[endpoint] = kept

	return len(kept) >= incidentThreshold
}
