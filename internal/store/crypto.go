package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// encryptedPrefix marks values that have been encrypted.
const encryptedPrefix = "enc:"

const keyInfo = "onpulse oauth token storage v1"

// deriveKey stretches the application secret into a 32-byte AES key.
func deriveKey(secret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("store.deriveKey: %w", err)
	}
	return key, nil
}

// encrypt seals plaintext with AES-256-GCM, binding it to aad.
// Format: "enc:" + base64(nonce + ciphertext)
func encrypt(key []byte, plaintext, aad string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("store.encrypt: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("store.encrypt: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt opens a value produced by encrypt. Values without the prefix are
// returned as-is.
func decrypt(key []byte, stored, aad string) (string, error) {
	if !strings.HasPrefix(stored, encryptedPrefix) {
		return stored, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("store.decrypt: invalid base64: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("store.decrypt: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("store.decrypt: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("store.decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
