// Package keyring derives purpose-bound keys from a single master seed.
//
// Every cryptographic consumer (break-glass HMAC, deliverable signing,
// webhook signatures, BYOK wrapping) gets its own HKDF-derived key, so
// compromise or rotation of one purpose never touches another. Derivation is
// deterministic: the same seed and purpose always yield the same key, which
// keeps signature verification stable across restarts.
package keyring

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purposes are part of the HKDF info input; changing one is a key rotation.
const (
	PurposeBreakGlass         = "break-glass-hmac"
	PurposeDeliverableSigning = "deliverable-signing"
	PurposeWebhook            = "webhook-hmac"
	PurposeBYOKWrap           = "byok-wrap"
)

// kdfSalt fixes the HKDF salt for this application. It is not secret.
var kdfSalt = []byte("idis-purpose-kdf")

// SeedSize is the required master seed length in bytes.
const SeedSize = 32

// Keyring holds the master seed and derives purpose keys on demand.
type Keyring struct {
	seed []byte
}

// New builds a keyring from a raw 32-byte seed.
func New(seed []byte) (*Keyring, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("keyring: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	k := &Keyring{seed: make([]byte, SeedSize)}
	copy(k.seed, seed)
	return k, nil
}

// NewRandom generates an ephemeral keyring. Lite mode and tests use it;
// anything signed with it does not verify across restarts.
func NewRandom() (*Keyring, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("keyring: generate seed: %w", err)
	}
	return New(seed)
}

// FromHex builds a keyring from a hex-encoded seed (the IDIS_MASTER_KEY_SEED
// format).
func FromHex(s string) (*Keyring, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keyring: decode seed: %w", err)
	}
	return New(seed)
}

// DeriveBytes returns n bytes of key material bound to purpose.
func (k *Keyring) DeriveBytes(purpose string, n int) ([]byte, error) {
	if purpose == "" {
		return nil, fmt.Errorf("keyring: empty purpose")
	}
	r := hkdf.New(sha256.New, k.seed, kdfSalt, []byte(purpose))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("keyring: derive %q: %w", purpose, err)
	}
	return out, nil
}

// HMACKey returns the 32-byte HMAC-SHA256 key for a purpose.
func (k *Keyring) HMACKey(purpose string) ([]byte, error) {
	return k.DeriveBytes(purpose, 32)
}

// MAC computes HMAC-SHA256 over msg with the purpose key.
func (k *Keyring) MAC(purpose string, msg []byte) ([]byte, error) {
	key, err := k.HMACKey(purpose)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil), nil
}

// VerifyMAC checks an HMAC-SHA256 tag in constant time.
func (k *Keyring) VerifyMAC(purpose string, msg, tag []byte) (bool, error) {
	want, err := k.MAC(purpose, msg)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want, tag), nil
}

// Signer is an ed25519 keypair derived for one purpose.
type Signer struct {
	keyID string
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
}

// Signer derives the ed25519 signer for a purpose. The key ID is the first
// eight bytes of SHA-256 over the public key, hex-encoded; manifests embed
// it so verifiers can select the right key after rotation.
func (k *Keyring) Signer(purpose string) (*Signer, error) {
	seed, err := k.DeriveBytes(purpose, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Signer{
		keyID: hex.EncodeToString(sum[:8]),
		pub:   pub,
		priv:  priv,
	}, nil
}

// Sign signs msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// KeyID identifies this keypair in manifests.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Verify reports whether sig is a valid signature of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}
