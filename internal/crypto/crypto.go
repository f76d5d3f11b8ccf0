// Package crypto seals remote credentials at rest.
// Uses AES-256-GCM with an argon2id-derived key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

const (
	saltSize = 16
	keySize  = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// DeriveKey stretches a passphrase into an AES-256 key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keySize)
}

// Encrypt seals plaintext under passphrase.
// Output layout (base64): salt | nonce | ciphertext+tag.
func Encrypt(plaintext, passphrase []byte) (string, error) {
	if len(passphrase) == 0 {
		return "", ErrInvalidKey
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func Decrypt(ciphertext string, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrInvalidKey
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(data) < saltSize {
		return nil, ErrInvalidCiphertext
	}

	salt, rest := data[:saltSize], data[saltSize:]
	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// MachineID returns a platform-specific machine identifier.
func MachineID() string {
	hostname, _ := os.Hostname()
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil {
				return "linux:" + strings.TrimSpace(string(data))
			}
		}
		return "linux:" + hostname
	default:
		return runtime.GOOS + ":" + hostname
	}
}

// machinePassphrase scopes the passphrase to this application.
func machinePassphrase(machineID string) []byte {
	if machineID == "" {
		machineID = "catalogsync-default-key"
	}
	return []byte("catalogsync:" + machineID)
}

// SealToken encrypts a remote API token for storage.
func SealToken(token, machineID string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token cannot be empty")
	}
	return Encrypt([]byte(token), machinePassphrase(machineID))
}

// OpenToken decrypts a stored remote API token.
func OpenToken(sealed, machineID string) (string, error) {
	if sealed == "" {
		return "", nil // Empty means no token set
	}
	plaintext, err := Decrypt(sealed, machinePassphrase(machineID))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
