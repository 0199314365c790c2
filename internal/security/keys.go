// Package security implements the CPC session security layer: an X25519
// ECDH handshake with the secondary, HKDF session-key derivation, and
// per-frame ChaCha20-Poly1305 AEAD with a monotonic nonce counter. It runs
// on its own worker goroutine reached only through a single-slot command
// channel, mirroring the daemon's single-writer-per-resource concurrency
// model.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size in bytes of an X25519 key.
const KeySize = 32

// Keypair is an X25519 static or ephemeral keypair.
type Keypair struct {
	PrivateKey [KeySize]byte
	PublicKey  [KeySize]byte
}

// NewKeypair generates a fresh X25519 keypair using crypto/rand, clamped
// per the X25519 spec.
func NewKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return Keypair{}, fmt.Errorf("generate private key: %w", err)
	}
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// IsZeroKey reports whether k is the all-zero key.
func IsZeroKey(k [KeySize]byte) bool {
	var zero [KeySize]byte
	return k == zero
}

// ZeroBytes zeroes b in place so ephemeral secrets do not linger in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ComputeECDH performs the X25519 Diffie-Hellman exchange and rejects
// low-order results.
func ComputeECDH(private, remotePublic [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	var zero [KeySize]byte
	if remotePublic == zero {
		return shared, errors.New("security: remote public key is zero")
	}
	curve25519.ScalarMult(&shared, &private, &remotePublic)
	if shared == zero {
		return shared, errors.New("security: ECDH result is a low-order point")
	}
	return shared, nil
}

// ParseKey parses a hex-encoded 32-byte key, accepting an optional 0x prefix
// and surrounding whitespace.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if len(s) != KeySize*2 {
		return key, fmt.Errorf("security: invalid key length: got %d hex chars, want %d", len(s), KeySize*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("security: invalid hex key: %w", err)
	}
	copy(key[:], b)
	return key, nil
}

// KeyString returns the hex representation of a key.
func KeyString(k [KeySize]byte) string {
	return hex.EncodeToString(k[:])
}

// bindingKeyFileName is the file holding the daemon's static X25519 binding
// key inside the instance's data directory.
const bindingKeyFileName = "binding-key.token"

// LoadOrCreateBindingKey loads the daemon's static ECDH binding key from
// dataDir, generating and persisting one with restricted permissions if
// none exists yet.
func LoadOrCreateBindingKey(dataDir string) (Keypair, bool, error) {
	path := filepath.Join(dataDir, bindingKeyFileName)

	if data, err := os.ReadFile(path); err == nil {
		priv, perr := ParseKey(strings.TrimSpace(string(data)))
		if perr != nil {
			return Keypair{}, false, fmt.Errorf("security: corrupt binding key file %s: %w", path, perr)
		}
		var kp Keypair
		kp.PrivateKey = priv
		kp.PrivateKey[0] &= 248
		kp.PrivateKey[31] &= 127
		kp.PrivateKey[31] |= 64
		curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
		return kp, false, nil
	} else if !os.IsNotExist(err) {
		return Keypair{}, false, fmt.Errorf("security: reading binding key: %w", err)
	}

	kp, err := NewKeypair()
	if err != nil {
		return Keypair{}, false, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return Keypair{}, false, fmt.Errorf("security: create data dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(KeyString(kp.PrivateKey)+"\n"), 0600); err != nil {
		return Keypair{}, false, fmt.Errorf("security: write binding key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Keypair{}, false, fmt.Errorf("security: persist binding key: %w", err)
	}
	return kp, true, nil
}
