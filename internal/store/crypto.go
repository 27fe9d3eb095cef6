package store

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EncryptionKeySize is the required length of the raw key file contents.
// The first half feeds the payload cipher derivation, the second half the
// stored key check, so neither purpose sees the other's key material.
const EncryptionKeySize = 64

const keyCheckMetaKey = "encryption_key_check"

var (
	// ErrInvalidKeySize reports a key file that is not exactly 64 bytes.
	ErrInvalidKeySize = errors.New("encryption key must be exactly 64 bytes")

	// ErrWrongEncryptionKey reports a key that does not match the one the
	// database was created with.
	ErrWrongEncryptionKey = errors.New("encryption key does not match database")
)

// payloadCipher seals and opens changeset payload blobs with AES-256-GCM.
// The nonce is generated per payload and prepended to the ciphertext.
type payloadCipher struct {
	aead cipher.AEAD
}

func newPayloadCipher(key []byte) (*payloadCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &payloadCipher{aead: aead}, nil
}

func (c *payloadCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *payloadCipher) open(stored []byte) ([]byte, error) {
	if len(stored) < c.aead.NonceSize() {
		return nil, errors.New("stored payload shorter than nonce")
	}
	nonce, ciphertext := stored[:c.aead.NonceSize()], stored[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plaintext, nil
}

// deriveKeys expands the two halves of the 64-byte master key into the
// payload cipher key and the key check value.
func deriveKeys(master []byte) (cipherKey, keyCheck []byte, err error) {
	if len(master) != EncryptionKeySize {
		return nil, nil, ErrInvalidKeySize
	}

	cipherKey = make([]byte, 32)
	r := hkdf.New(sha256.New, master[:32], nil, []byte("syncreplay payload cipher v1"))
	if _, err := io.ReadFull(r, cipherKey); err != nil {
		return nil, nil, fmt.Errorf("derive cipher key: %w", err)
	}

	keyCheck = make([]byte, 32)
	r = hkdf.New(sha256.New, master[32:], nil, []byte("syncreplay key check v1"))
	if _, err := io.ReadFull(r, keyCheck); err != nil {
		return nil, nil, fmt.Errorf("derive key check: %w", err)
	}

	return cipherKey, keyCheck, nil
}

// verifyEncryptionKey derives the cipher from the master key and checks it
// against the stored check value, writing the check value on first open.
func verifyEncryptionKey(db *sql.DB, master []byte) (*payloadCipher, error) {
	cipherKey, keyCheck, err := deriveKeys(master)
	if err != nil {
		return nil, err
	}

	var stored []byte
	err = db.QueryRow(`SELECT value FROM meta WHERE key = ?`, keyCheckMetaKey).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, keyCheckMetaKey, keyCheck); err != nil {
			return nil, fmt.Errorf("store key check: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read key check: %w", err)
	case !bytes.Equal(stored, keyCheck):
		return nil, ErrWrongEncryptionKey
	}

	return newPayloadCipher(cipherKey)
}
