// Package identity implements node identity management: Curve25519 key
// generation, the base64 codec used everywhere keys appear on the wire or on
// disk, and persistence of the private key file.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the byte length of a Curve25519 key.
const KeySize = 32

// EncodedLen is the length of a base64-encoded key (44 chars, '=' padded).
const EncodedLen = 44

// Key is a Curve25519 key, private or public.
type Key [KeySize]byte

// GenerateKey creates a new Curve25519 private key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	k.clamp()
	return k, nil
}

// clamp applies the standard Curve25519 scalar clamping.
func (k *Key) clamp() {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Public derives the public key for a private key.
func (k Key) Public() Key {
	var pub, priv [KeySize]byte
	priv = k
	curve25519.ScalarBaseMult(&pub, &priv)
	return Key(pub)
}

// IsZero reports whether the key is the all-zero value.
func (k Key) IsZero() bool {
	var zero Key
	return k == zero
}

// String returns the base64 encoding of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ParseKey decodes a base64 key string.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("invalid key length: expected %d bytes, got %d", KeySize, len(raw))
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// Valid reports whether s parses as a Curve25519 key.
func Valid(s string) bool {
	_, err := ParseKey(s)
	return err == nil
}

// LoadKeyFile reads a private key from a single-line key file. Surrounding
// whitespace is trimmed.
func LoadKeyFile(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("failed to read key file: %w", err)
	}
	k, err := ParseKey(string(data))
	if err != nil {
		return Key{}, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	return k, nil
}

// SaveKeyFile writes the private key as a single line with restricted
// permissions. The parent directory is created if needed.
func SaveKeyFile(path string, k Key) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(k.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
