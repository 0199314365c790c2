package security

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the ChaCha20-Poly1305 nonce length in bytes.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the Poly1305 authentication tag length in bytes.
	TagSize = chacha20poly1305.Overhead

	hkdfInfo = "cpcd-session-v1"

	// counterBits is the width of the monotonic part of the frame counter;
	// the remaining high bits of the 64-bit counter field are reserved.
	counterBits = 29
	// maxCounter is the counter value (2^29) at which reuse would occur.
	maxCounter = uint64(1) << counterBits
	// RekeyThreshold is the counter value at which a Rekey is scheduled,
	// leaving 8 frames of headroom before the hard rollover limit.
	RekeyThreshold = maxCounter - 8
	// testRekeyThreshold is the non-production constant mentioned in the
	// design notes (2^29-4); exposed only for tests that want to exercise
	// rollover without sending 2^29-8 frames.
	testRekeyThreshold = maxCounter - 4
)

// direction distinguishes the two nonce spaces sharing one session key.
type direction uint8

const (
	directionTX direction = 0
	directionRX direction = 1
)

var (
	// ErrNotInitialized is returned by Encrypt/Decrypt before a session key exists.
	ErrNotInitialized = errors.New("security: session not initialized")
	// ErrAuthFailed marks an AEAD tag mismatch: a security incident.
	ErrAuthFailed = errors.New("security: authentication tag mismatch")
	// ErrCiphertextTooShort is returned when a ciphertext is smaller than the AEAD tag.
	ErrCiphertextTooShort = errors.New("security: ciphertext shorter than tag")
)

// SessionKey holds the derived symmetric key and per-endpoint nonce
// counters for one security session. A session is shared by all encrypted
// endpoints; counters are tracked per endpoint address.
type SessionKey struct {
	key [KeySize]byte
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}

	txCounters map[byte]uint64
	rxCounters map[byte]uint64
}

// DeriveSessionKey derives the symmetric session key from the ECDH shared
// secret via HKDF-SHA256, salted with both parties' ephemeral public keys
// and the exchanged 64-bit session identifier so that a fresh handshake
// after any reset yields an unrelated key.
func DeriveSessionKey(shared [KeySize]byte, sessionID uint64, localEphPub, remoteEphPub [KeySize]byte) (*SessionKey, error) {
	salt := make([]byte, 8+KeySize+KeySize)
	binary.LittleEndian.PutUint64(salt[0:8], sessionID)
	copy(salt[8:8+KeySize], localEphPub[:])
	copy(salt[8+KeySize:], remoteEphPub[:])

	reader := hkdf.New(sha256.New, shared[:], salt, []byte(hkdfInfo))
	var key [KeySize]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return nil, fmt.Errorf("security: HKDF derive: %w", err)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("security: create AEAD: %w", err)
	}

	return &SessionKey{
		key:        key,
		aead:       aead,
		txCounters: make(map[byte]uint64),
		rxCounters: make(map[byte]uint64),
	}, nil
}

// buildNonce lays out the 12-byte ChaCS20-Poly1305 nonce as:
//
//	byte 0:    endpoint address
//	byte 1:    direction (0 = tx, 1 = rx)
//	bytes 2-3: reserved, zero
//	bytes 4-11: big-endian frame counter; only the low 29 bits are ever
//	            nonzero in a valid production nonce, the rest are reserved.
func buildNonce(endpoint byte, dir direction, counter uint64) [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = endpoint
	n[1] = byte(dir)
	binary.BigEndian.PutUint64(n[4:12], counter)
	return n
}

// TXCounter returns the current (not-yet-used) send counter for endpoint.
func (s *SessionKey) TXCounter(endpoint byte) uint64 {
	return s.txCounters[endpoint]
}

// NeedsRekey reports whether the next TX counter for endpoint has reached
// RekeyThreshold.
func (s *SessionKey) NeedsRekey(endpoint byte) bool {
	return s.txCounters[endpoint] >= RekeyThreshold
}

// Encrypt seals plaintext under the per-endpoint, per-direction nonce,
// using associatedData (the frame header with its length already adjusted
// to include the tag) for authentication, and advances the TX counter.
func (s *SessionKey) Encrypt(endpoint byte, plaintext, associatedData []byte) ([]byte, error) {
	counter := s.txCounters[endpoint]
	if counter >= maxCounter {
		return nil, fmt.Errorf("security: tx counter exhausted for endpoint %d, rekey required", endpoint)
	}
	nonce := buildNonce(endpoint, directionTX, counter)
	ciphertext := s.aead.Seal(nil, nonce[:], plaintext, associatedData)
	s.txCounters[endpoint] = counter + 1
	return ciphertext, nil
}

// Decrypt opens ciphertext sealed by the peer's Encrypt call for the given
// endpoint. The wire carries no explicit nonce or counter: Decrypt uses its
// own per-endpoint RX counter, advancing it by exactly one on every
// successful open, the same way Encrypt advances its TX counter by one on
// every call. The caller is responsible for only ever invoking Decrypt once
// per distinct frame the peer encrypted (never for a duplicate or
// out-of-order delivery), which keeps the two sides' counters identical
// without carrying one over the wire.
func (s *SessionKey) Decrypt(endpoint byte, ciphertext, associatedData []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, ErrCiphertextTooShort
	}
	counter := s.rxCounters[endpoint]
	if counter >= maxCounter {
		return nil, fmt.Errorf("security: rx counter exhausted for endpoint %d, rekey required", endpoint)
	}

	nonce := buildNonce(endpoint, directionRX, counter)
	plaintext, err := s.aead.Open(nil, nonce[:], ciphertext, associatedData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	s.rxCounters[endpoint] = counter + 1
	return plaintext, nil
}

// Key returns a copy of the raw session key, for diagnostics/tests only.
func (s *SessionKey) Key() [KeySize]byte {
	return s.key
}

// Zero wipes the session key material.
func (s *SessionKey) Zero() {
	ZeroBytes(s.key[:])
}
