package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the data key length: AES-256.
	KeySize = 32
	// IVSize is the AEAD nonce length used by AES-GCM.
	IVSize = 12
	// TagSize is the AEAD authentication tag length.
	TagSize = 16
	// SaltSize is the per-call HKDF salt prepended to the wrapped key.
	SaltSize = 16

	// wrappedKeySize = salt || xored data key
	wrappedKeySize = SaltSize + KeySize

	// kdfContext is the fixed domain-separation info for wrapping-key derivation.
	// Changing it invalidates every stored envelope; treat as part of the format.
	kdfContext = "escrowbox/envelope-wrapping-key/v1"
)

// ErrIntegrity is returned whenever an envelope fails verification.
// Deliberately a single opaque error: a tampered ciphertext, a corrupted
// wrapped key, and a wrong tag are indistinguishable to the caller, so the
// decrypt path cannot be used as an oracle.
var ErrIntegrity = errors.New("envelope: integrity check failed")

// Envelope carries everything needed to decrypt one sealed payload.
// WrappedKey is salt || (data key XOR HKDF(master, salt, context)).
type Envelope struct {
	WrappedKey []byte
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// Engine seals and opens envelopes under a single long-lived master secret.
// It is stateless and safe for concurrent use; the master secret is copied at
// construction and never leaves the engine.
type Engine struct {
	master []byte
}

// NewEngine constructs an engine from a 256-bit master secret.
func NewEngine(master []byte) (*Engine, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("envelope: master key must be %d bytes, got %d", KeySize, len(master))
	}
	m := make([]byte, KeySize)
	copy(m, master)
	return &Engine{master: m}, nil
}

// Encrypt seals plaintext under a fresh random data key.
// Every call draws a new data key, IV, and salt; none are ever reused.
func (e *Engine) Encrypt(plaintext []byte) (Envelope, error) {
	dataKey := make([]byte, KeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return Envelope{}, fmt.Errorf("envelope: generate data key: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("envelope: generate iv: %w", err)
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return Envelope{}, fmt.Errorf("envelope: generate salt: %w", err)
	}

	aead, err := newAEAD(dataKey)
	if err != nil {
		return Envelope{}, err
	}

	// Seal appends the tag to the ciphertext; the stored envelope keeps them
	// separate so ciphertext length always equals plaintext length.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(plaintext)]
	tag := sealed[len(plaintext):]

	wrappingKey, err := e.deriveWrappingKey(salt)
	if err != nil {
		return Envelope{}, err
	}

	wrapped := make([]byte, 0, wrappedKeySize)
	wrapped = append(wrapped, salt...)
	wrapped = append(wrapped, xorBytes(dataKey, wrappingKey)...)

	return Envelope{
		WrappedKey: wrapped,
		IV:         iv,
		Tag:        tag,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt opens an envelope and returns the original plaintext.
// Any mismatch anywhere in the envelope surfaces as ErrIntegrity: a corrupted
// wrapped key yields a wrong data key, which then fails the AEAD tag check
// exactly like a tampered ciphertext would.
func (e *Engine) Decrypt(env Envelope) ([]byte, error) {
	if len(env.WrappedKey) != wrappedKeySize || len(env.IV) != IVSize || len(env.Tag) != TagSize {
		return nil, ErrIntegrity
	}

	salt := env.WrappedKey[:SaltSize]
	wrappingKey, err := e.deriveWrappingKey(salt)
	if err != nil {
		return nil, err
	}
	dataKey := xorBytes(env.WrappedKey[SaltSize:], wrappingKey)

	aead, err := newAEAD(dataKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// deriveWrappingKey expands the master secret with HKDF-SHA256 into a
// KeySize wrapping key, salted per call and bound to the fixed context.
func (e *Engine) deriveWrappingKey(salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, e.master, salt, []byte(kdfContext))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("envelope: derive wrapping key: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: init gcm: %w", err)
	}
	return aead, nil
}

// xorBytes combines equal-length slices byte-wise. Both inputs are KeySize.
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
