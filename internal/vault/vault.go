package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var ErrNoKey = errors.New("vault: no passphrase configured")

// Vault seals evidence at rest with AES-256-GCM under a passphrase-derived key.
type Vault struct {
	aead cipher.AEAD
}

// Sealed is one encrypted blob and the nonce it was sealed with.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}

// New derives an AES-256 key from the passphrase via Argon2id. The salt is
// derived from the passphrase, so the same passphrase opens data sealed by
// earlier runs.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	salt := sha256.Sum256([]byte("opsbridge:" + passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext with a random nonce. additional binds the blob to
// its owner (for example the operation id) and must be passed to Open.
func (v *Vault) Seal(plaintext, additional []byte) (Sealed, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Sealed{
		Ciphertext: v.aead.Seal(nil, nonce, plaintext, additional),
		Nonce:      nonce,
	}, nil
}

func (v *Vault) Open(s Sealed, additional []byte) ([]byte, error) {
	if len(s.Nonce) != v.aead.NonceSize() {
		return nil, fmt.Errorf("decrypt: bad nonce length %d", len(s.Nonce))
	}
	plaintext, err := v.aead.Open(nil, s.Nonce, s.Ciphertext, additional)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
