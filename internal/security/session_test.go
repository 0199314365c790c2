package security

import (
	"bytes"
	"testing"
)

func TestECDHHandshakeDerivesMatchingKeys(t *testing.T) {
	alice, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}
	bob, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}

	sharedA, err := ComputeECDH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("ComputeECDH(alice) error = %v", err)
	}
	sharedB, err := ComputeECDH(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("ComputeECDH(bob) error = %v", err)
	}
	if sharedA != sharedB {
		t.Fatal("ECDH shared secrets differ between parties")
	}

	const sessionID = 0xC0FFEE
	keyA, err := DeriveSessionKey(sharedA, sessionID, alice.PublicKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("DeriveSessionKey(alice) error = %v", err)
	}
	keyB, err := DeriveSessionKey(sharedB, sessionID, alice.PublicKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("DeriveSessionKey(bob) error = %v", err)
	}
	if keyA.Key() != keyB.Key() {
		t.Fatal("derived session keys differ despite matching inputs")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, _ := NewKeypair()
	bob, _ := NewKeypair()
	shared, _ := ComputeECDH(alice.PrivateKey, bob.PublicKey)
	sk, err := DeriveSessionKey(shared, 1, alice.PublicKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}

	ad := []byte("header-AD")
	plaintext := []byte("ping")

	ct, err := sk.Encrypt(3, plaintext, ad)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	got, err := sk.Decrypt(3, ct, ad)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	alice, _ := NewKeypair()
	bob, _ := NewKeypair()
	shared, _ := ComputeECDH(alice.PrivateKey, bob.PublicKey)
	sk, _ := DeriveSessionKey(shared, 1, alice.PublicKey, bob.PublicKey)

	ct, err := sk.Encrypt(3, []byte("ping"), []byte("ad"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ct[len(ct)-1] ^= 0xFF

	if _, err := sk.Decrypt(3, ct, []byte("ad")); err != ErrAuthFailed {
		t.Errorf("Decrypt() error = %v, want ErrAuthFailed", err)
	}
}

func TestDecryptCounterAdvancesPerCallLikeEncrypt(t *testing.T) {
	alice, _ := NewKeypair()
	bob, _ := NewKeypair()
	shared, _ := ComputeECDH(alice.PrivateKey, bob.PublicKey)
	sk, _ := DeriveSessionKey(shared, 1, alice.PublicKey, bob.PublicKey)

	ct0, _ := sk.Encrypt(5, []byte("a"), nil)
	ct1, _ := sk.Encrypt(5, []byte("b"), nil)

	got0, err := sk.Decrypt(5, ct0, nil)
	if err != nil {
		t.Fatalf("Decrypt(first call) error = %v", err)
	}
	if string(got0) != "a" {
		t.Errorf("Decrypt(first call) = %q, want %q", got0, "a")
	}
	got1, err := sk.Decrypt(5, ct1, nil)
	if err != nil {
		t.Fatalf("Decrypt(second call) error = %v", err)
	}
	if string(got1) != "b" {
		t.Errorf("Decrypt(second call) = %q, want %q", got1, "b")
	}
	// Re-opening ct0 now fails: the RX counter has advanced past the nonce
	// ct0 was sealed under, so the AEAD tag no longer verifies.
	if _, err := sk.Decrypt(5, ct0, nil); err != ErrAuthFailed {
		t.Errorf("Decrypt(stale ciphertext) error = %v, want ErrAuthFailed", err)
	}
}

func TestPerEndpointCountersAreIndependent(t *testing.T) {
	alice, _ := NewKeypair()
	bob, _ := NewKeypair()
	shared, _ := ComputeECDH(alice.PrivateKey, bob.PublicKey)
	sk, _ := DeriveSessionKey(shared, 1, alice.PublicKey, bob.PublicKey)

	ct, err := sk.Encrypt(2, []byte("x"), nil)
	if err != nil {
		t.Fatalf("Encrypt(endpoint 2) error = %v", err)
	}
	if sk.TXCounter(7) != 0 {
		t.Errorf("TXCounter(7) = %d, want 0 (unaffected by endpoint 2 traffic)", sk.TXCounter(7))
	}
	if _, err := sk.Decrypt(2, ct, nil); err != nil {
		t.Fatalf("Decrypt(endpoint 2) error = %v", err)
	}
}

func TestNeedsRekeyAtThreshold(t *testing.T) {
	alice, _ := NewKeypair()
	bob, _ := NewKeypair()
	shared, _ := ComputeECDH(alice.PrivateKey, bob.PublicKey)
	sk, _ := DeriveSessionKey(shared, 1, alice.PublicKey, bob.PublicKey)

	sk.txCounters[9] = RekeyThreshold - 1
	if sk.NeedsRekey(9) {
		t.Error("NeedsRekey() true before threshold")
	}
	if _, err := sk.Encrypt(9, []byte("x"), nil); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !sk.NeedsRekey(9) {
		t.Error("NeedsRekey() false at threshold")
	}
}

func TestComputeECDHRejectsZeroRemoteKey(t *testing.T) {
	alice, _ := NewKeypair()
	var zero [KeySize]byte
	if _, err := ComputeECDH(alice.PrivateKey, zero); err == nil {
		t.Error("ComputeECDH() with zero remote key should fail")
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	kp, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}
	s := KeyString(kp.PrivateKey)
	got, err := ParseKey("0x" + s)
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	if got != kp.PrivateKey {
		t.Error("ParseKey(KeyString(k)) != k")
	}
}
