// Package secrets covers client secret hashing, at-rest encryption of secret
// setting values and the short-lived plaintext wrapper used while a value is
// in use.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Masked replaces secret values in listings and history.
const Masked = "******"

var ErrDecrypt = errors.New("secret could not be decrypted")

// ── Client Secrets ───────────────────────────────────────────

// HashSecret returns a bcrypt hash of a client secret.
func HashSecret(secret string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash client secret: %w", err)
	}
	return string(hash), nil
}

// CheckSecret reports whether secret matches the stored bcrypt hash.
func CheckSecret(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// ── Cipher ───────────────────────────────────────────────────

// Cipher seals values with XChaCha20-Poly1305. Ciphertexts are base64 of
// nonce||sealed.
type Cipher struct {
	key []byte
}

// NewCipher builds a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("cipher key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: append([]byte(nil), key...)}, nil
}

// ParseKey accepts a hex or base64 encoded 32-byte key. Anything else is
// treated as a passphrase and stretched with HKDF.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty encryption key")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	return deriveKey([]byte(s), "fig-master-key")
}

// ForClientSecret returns a cipher keyed from a client secret. The server uses
// it to hand secret values to that client; the client uses it to open them.
func ForClientSecret(clientSecret string) (*Cipher, error) {
	key, err := deriveKey([]byte(clientSecret), "fig-client-transport")
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// ── Secret ───────────────────────────────────────────────────

// Secret is an encrypted value that is decrypted only on Reveal and wiped on
// Clear. It is meant to live for a single call.
type Secret struct {
	cipher     *Cipher
	ciphertext string
	plain      []byte
}

func NewSecret(c *Cipher, ciphertext string) *Secret {
	return &Secret{cipher: c, ciphertext: ciphertext}
}

// Reveal decrypts on first use. The returned slice is wiped by Clear.
func (s *Secret) Reveal() ([]byte, error) {
	if s.plain != nil {
		return s.plain, nil
	}
	plain, err := s.cipher.Decrypt(s.ciphertext)
	if err != nil {
		return nil, err
	}
	s.plain = plain
	return plain, nil
}

func (s *Secret) Clear() {
	wipe(s.plain)
	s.plain = nil
}
