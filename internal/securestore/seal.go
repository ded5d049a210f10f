// Package securestore seals local state files with a passphrase (argon2id + XChaCha20-Poly1305).
package securestore

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	formatVersion = 1
	saltSize      = 16
	magic         = "WLSEAL1\n"

	kdfTime    = 2
	kdfMemory  = 64 * 1024
	kdfThreads = 1
)

var (
	ErrAuthFailed   = errors.New("securestore: authentication failed")
	ErrInvalid      = errors.New("securestore: sealed data is invalid")
	ErrNotSealed    = errors.New("securestore: data is not sealed")
	ErrNoPassphrase = errors.New("securestore: passphrase is required")
)

type header struct {
	Version    uint32 `json:"v"`
	KDF        string `json:"kdf"`
	Time       uint32 `json:"t"`
	MemoryKB   uint32 `json:"m"`
	Threads    uint8  `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	h := header{
		Version:  formatVersion,
		KDF:      "argon2id",
		Time:     kdfTime,
		MemoryKB: kdfMemory,
		Threads:  kdfThreads,
		Salt:     make([]byte, saltSize),
		Nonce:    make([]byte, chacha20poly1305.NonceSizeX),
	}
	if _, err := rand.Read(h.Salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(h.Nonce); err != nil {
		return nil, err
	}
	aead, err := newAEAD(passphrase, h)
	if err != nil {
		return nil, err
	}
	h.Ciphertext = aead.Seal(nil, h.Nonce, plaintext, []byte(magic))
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return append([]byte(magic), raw...), nil
}

// Open reverses Seal. Data without the sealed-file marker yields ErrNotSealed so callers can
// accept plaintext files written before a passphrase was configured.
func Open(passphrase string, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrNotSealed
	}
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	var h header
	if err := json.Unmarshal(data[len(magic):], &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if h.Version != formatVersion || h.KDF != "argon2id" || len(h.Salt) != saltSize {
		return nil, ErrInvalid
	}
	aead, err := newAEAD(passphrase, h)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, h.Nonce, h.Ciphertext, []byte(magic))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(magic))
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func newAEAD(passphrase string, h header) (aeadCipher, error) {
	if h.Threads == 0 || h.MemoryKB == 0 || h.Time == 0 {
		return nil, ErrInvalid
	}
	key := argon2.IDKey([]byte(passphrase), h.Salt, h.Time, h.MemoryKB, h.Threads, chacha20poly1305.KeySize)
	defer clear(key)
	return chacha20poly1305.NewX(key)
}
