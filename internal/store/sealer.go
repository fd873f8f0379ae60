package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrSealedContent is returned when stored ciphertext cannot be opened.
var ErrSealedContent = errors.New("failed to open sealed content")

// Sealer encrypts message content at rest with NaCl secretbox. Ciphertext is
// stored as base64(nonce || box).
type Sealer struct {
	key [keySize]byte
}

// NewSealer builds a sealer from a base64 encoded 32 byte key. An empty key
// generates a random one, so sealed content is only readable by this process.
func NewSealer(encodedKey string) (*Sealer, error) {
	s := &Sealer{}
	if encodedKey == "" {
		if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
			return nil, fmt.Errorf("failed to generate content key: %w", err)
		}
		return s, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("content key must be %d bytes, got %d", keySize, len(raw))
	}
	copy(s.key[:], raw)
	return s, nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

// Open decrypts content produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrSealedContent
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrSealedContent
	}
	return string(plain), nil
}
