// Package crypto derives the room key and room hash from the shared secret and
// seals relay messages with it. The server never sees the secret, only the hash.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
	"golang.org/x/crypto/pbkdf2"
)

const (
	iterations = 250000
	nonceSize  = 12
	keySize    = 32
)

var (
	cryptoSalt = mustDecode("keksmeet/cryptosaltAAA==")
	hashSalt   = mustDecode("keksmeet/roomhashsaltA==")
)

var (
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrDecrypt             = errors.New("unable to decrypt")
)

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Key is an AES-256-GCM key derived from a room secret.
type Key struct {
	aead cipher.AEAD
}

// Derive stretches secret into a Key. It is slow on purpose, call it once per room.
func Derive(secret string) (*Key, error) {
	raw := pbkdf2.Key([]byte(secret), cryptoSalt, iterations, keySize, sha512.New)
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &Key{aead: aead}, nil
}

// RoomHash returns the hex room hash sent to the server for secret.
func RoomHash(secret string) domain.RoomHash {
	sum := pbkdf2.Key([]byte(secret), hashSalt, iterations, 64, sha512.New)
	return domain.RoomHash(hex.EncodeToString(sum[:32]))
}

// Encrypt returns base64(nonce || ciphertext).
func (k *Key) Encrypt(plaintext []byte) (string, error) {
	buf := make([]byte, nonceSize, nonceSize+len(plaintext)+k.aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	buf = k.aead.Seal(buf, buf[:nonceSize], plaintext, nil)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (k *Key) Decrypt(blob string) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(buf) < nonceSize+k.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedCiphertext, len(buf))
	}
	plain, err := k.aead.Open(nil, buf[:nonceSize], buf[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
