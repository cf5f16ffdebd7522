// Package secrets seals credential strings stored in config.json so API keys
// and bot tokens are not kept in plaintext on disk.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Prefix marks a sealed value inside the config file.
const Prefix = "enc:"

// KeyFileName is created next to config.json.
const KeyFileName = ".secret_key"

var ErrInvalidKey = errors.New("secrets: invalid key file (expected 64 hex characters)")

// Keyring seals and opens values with XChaCha20-Poly1305.
type Keyring struct {
	key [chacha20poly1305.KeySize]byte
}

// KeyPath returns the key file location for the config at configPath.
func KeyPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), KeyFileName)
}

// LoadOrCreate reads the hex key at path, generating and writing a fresh one
// with mode 0600 when the file does not exist.
func LoadOrCreate(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseKey(strings.TrimSpace(string(data)))
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("secrets: read key: %w", err)
	}

	k := &Keyring{}
	if _, err := rand.Read(k.key[:]); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("secrets: create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(k.key[:])), 0600); err != nil {
		return nil, fmt.Errorf("secrets: write key: %w", err)
	}
	return k, nil
}

func parseKey(s string) (*Keyring, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	k := &Keyring{}
	copy(k.key[:], raw)
	return k, nil
}

// Seal returns Prefix + hex(nonce || ciphertext). Empty and already sealed
// values come back unchanged.
func (k *Keyring) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(k.key[:])
	if err != nil {
		return "", fmt.Errorf("secrets: cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + hex.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without Prefix are returned as they are.
func (k *Keyring) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(k.key[:])
	if err != nil {
		return "", fmt.Errorf("secrets: cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("secrets: sealed value too short")
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plain), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
