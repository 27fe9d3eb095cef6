package cli

import (
	"fmt"
	"os"

	"github.com/roach88/syncreplay/internal/store"
)

// LoadMessageFile reads the recorded message file whole; the replay driver
// parses messages out of the returned buffer in place.
func LoadMessageFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	return data, nil
}

// LoadEncryptionKey reads a key file and requires it to contain exactly 64
// bytes of key material.
func LoadEncryptionKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encryption key file: %w", err)
	}
	if len(key) != store.EncryptionKeySize {
		return nil, fmt.Errorf("encryption key file %s holds %d bytes, want %d", path, len(key), store.EncryptionKeySize)
	}
	return key, nil
}
