package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SealedPrefix marks a value stored in sealed form.
const SealedPrefix = "ENC:"

// Sealer converts sensitive strings to and from their at-rest form.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Unseal(stored string) (string, error)
}

// IsSealed reports whether a stored value carries the sealed marker.
func IsSealed(v string) bool { return strings.HasPrefix(v, SealedPrefix) }

// AESSealer seals with AES-256-GCM and renders "ENC:<base64>".
type AESSealer struct {
	enc Encryptor
}

// NewSealer wraps an Encryptor.
func NewSealer(enc Encryptor) *AESSealer { return &AESSealer{enc: enc} }

// Seal returns "ENC:<base64(nonce||ciphertext||tag)>". Empty input stays empty.
func (s *AESSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ct, err := s.enc.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Unseal reverses Seal. Values without the marker are legacy plaintext and are
// returned unchanged.
func (s *AESSealer) Unseal(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := s.enc.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// NopSealer stores plaintext. It is the fallback when no key is available.
// Sealed values cannot be read back through it.
type NopSealer struct{}

func (NopSealer) Seal(plaintext string) (string, error) { return plaintext, nil }

func (NopSealer) Unseal(stored string) (string, error) {
	if IsSealed(stored) {
		return "", errors.New("value is sealed but no encryption key is configured")
	}
	return stored, nil
}

// LoadOrCreateKey returns the base64 key stored at path, generating a new
// random 32-byte key with 0600 permissions when the file does not exist.
func LoadOrCreateKey(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(b)), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read key file: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	slog.Info("generated credential sealing key", slog.String("path", path))
	return encoded, nil
}

// SealerFor picks the sealer for a process: the explicit base64 key if set,
// else the per-user key file, else plaintext with a warning.
func SealerFor(explicitKey, keyFile string) Sealer {
	key := explicitKey
	if key == "" && keyFile != "" {
		k, err := LoadOrCreateKey(keyFile)
		if err != nil {
			slog.Warn("credential key unavailable; storing secrets as plaintext", slog.String("path", keyFile), slog.Any("err", err))
			return NopSealer{}
		}
		key = k
	}
	if key == "" {
		slog.Warn("no credential key configured; storing secrets as plaintext")
		return NopSealer{}
	}
	enc, err := NewAESEncryptor(key)
	if err != nil {
		slog.Warn("invalid credential key; storing secrets as plaintext", slog.Any("err", err))
		return NopSealer{}
	}
	return NewSealer(enc)
}
