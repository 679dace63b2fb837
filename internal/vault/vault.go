// Package vault seals account credentials at rest.
//
// Blobs are AES-256-GCM with the nonce prefixed to the ciphertext. The key
// comes from the POSTPILOT_VAULT_KEY environment variable (base64), an
// on-disk key file (generated on first run, 0600), or can be derived from
// an operator passphrase with PBKDF2-SHA256.
//
// A failure to obtain or use the key is a fatal configuration error; it is
// never silently swallowed.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EnvKey overrides the key file when set (urlsafe base64, 32 bytes).
	EnvKey = "POSTPILOT_VAULT_KEY"

	keySize = 32

	// Matches the iteration count the rest of our tooling uses for
	// passphrase-derived keys.
	deriveIterations = 480_000
)

var (
	ErrBadKey    = errors.New("vault: invalid key")
	ErrBadBlob   = errors.New("vault: malformed or tampered blob")
	ErrEmptyBlob = errors.New("vault: empty blob")
)

type Config struct {
	KeyFile string
}

type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from an explicit 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrBadKey, keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return &Vault{aead: aead}, nil
}

// Open resolves the key (env var first, then key file, generating one when
// absent) and returns a ready vault.
func Open(cfg Config) (*Vault, error) {
	key, err := resolveKey(cfg)
	if err != nil {
		return nil, err
	}
	return New(key)
}

func resolveKey(cfg Config) ([]byte, error) {
	if raw := strings.TrimSpace(os.Getenv(EnvKey)); raw != "" {
		key, err := base64.URLEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not valid base64", ErrBadKey, EnvKey)
		}
		return key, nil
	}

	path := strings.TrimSpace(cfg.KeyFile)
	if path == "" {
		return nil, fmt.Errorf("%w: no key file configured and %s unset", ErrBadKey, EnvKey)
	}
	if b, err := os.ReadFile(path); err == nil {
		key, derr := base64.URLEncoding.DecodeString(strings.TrimSpace(string(b)))
		if derr != nil {
			return nil, fmt.Errorf("%w: key file %s is corrupt", ErrBadKey, path)
		}
		return key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	// First run: generate and persist a fresh key.
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	enc := base64.URLEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(enc+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey derives a vault key from an operator passphrase. A nil salt
// generates a fresh 16-byte one; both key and salt are returned so the
// caller can persist the salt.
func DeriveKey(passphrase string, salt []byte) (key, outSalt []byte, err error) {
	if salt == nil {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, err
		}
	}
	key = pbkdf2.Key([]byte(passphrase), salt, deriveIterations, keySize, sha256.New)
	return key, salt, nil
}

// Encrypt seals plaintext into a nonce-prefixed blob.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (v *Vault) Decrypt(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", ErrEmptyBlob
	}
	ns := v.aead.NonceSize()
	if len(blob) < ns {
		return "", ErrBadBlob
	}
	pt, err := v.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return "", ErrBadBlob
	}
	return string(pt), nil
}
