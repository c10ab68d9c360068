package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/regintel/blacklist/internal/errors"
)

const (
	keyLen     = 32
	iterations = 100_000
)

// Vault encrypts and decrypts portal credentials with AES-256-GCM.
// The data key is derived once at construction; plaintext passwords
// only ever exist transiently in memory on the decrypt path.
type Vault struct {
	aead cipher.AEAD
}

// New derives the data key from the master secret via
// PBKDF2-HMAC-SHA256 and prepares the AEAD. The salt is
// deployment-fixed: changing it orphans every stored ciphertext.
func New(masterKey []byte, salt string) (*Vault, error) {
	if len(masterKey) != keyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keyLen, len(masterKey))
	}
	if salt == "" {
		return nil, fmt.Errorf("key salt must not be empty")
	}

	key := pbkdf2.Key(masterKey, []byte(salt), iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
// A fresh 96-bit nonce is drawn per call; GCM appends the 128-bit tag.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A tampered ciphertext or a vault built from
// the wrong master key fails the GCM tag check and surfaces as an auth
// error with reason tag_mismatch.
func (v *Vault) Decrypt(encoded string) (string, error) {
	const op = "vault_decrypt"

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Validation(op, fmt.Errorf("decode ciphertext: %w", err))
	}
	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize+v.aead.Overhead() {
		return "", errors.Validation(op, fmt.Errorf("ciphertext too short: %d bytes", len(raw)))
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.Auth(op, "", errors.AuthTagMismatch, err)
	}
	return string(plain), nil
}

// GenerateMasterKey returns a fresh random 32-byte key, hex-friendly for
// operators via the genkey command.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
