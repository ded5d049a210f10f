// Package identity turns a bip39 mnemonic into the node's signing and decryption keys and
// keeps the mnemonic sealed on disk.
package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"wakulink/go-backend/internal/crypto"
)

const (
	hkdfInfoSigning    = "wakulink/identity/signing/v1"
	hkdfInfoDecryption = "wakulink/identity/decryption/v1"

	// a derived scalar outside the secp256k1 range is rare; retry with a counter suffix
	maxDeriveAttempts = 8
)

var ErrIdentityInit = errors.New("identity initialization failed")

type Keys struct {
	Signing    *crypto.SigningKey
	Decryption *crypto.DecryptionKey
}

// Identity is the checksummed address peers see as the envelope signer.
func (k *Keys) Identity() string {
	return k.Signing.Identity()
}

// PublicKey is what peers pass to EncryptFor to reach this node.
func (k *Keys) PublicKey() *crypto.PublicKey {
	return k.Decryption.PublicKey()
}

func DeriveKeys(seed []byte) (*Keys, error) {
	signingRaw, err := deriveScalar(seed, hkdfInfoSigning)
	if err != nil {
		return nil, err
	}
	signing, err := crypto.SigningKeyFromBytes(signingRaw)
	clear(signingRaw)
	if err != nil {
		return nil, err
	}
	decryptionRaw, err := deriveScalar(seed, hkdfInfoDecryption)
	if err != nil {
		return nil, err
	}
	decryption, err := crypto.DecryptionKeyFromBytes(decryptionRaw)
	clear(decryptionRaw)
	if err != nil {
		return nil, err
	}
	return &Keys{Signing: signing, Decryption: decryption}, nil
}

func deriveScalar(seed []byte, info string) ([]byte, error) {
	for attempt := 0; attempt < maxDeriveAttempts; attempt++ {
		label := info
		if attempt > 0 {
			label = fmt.Sprintf("%s/%d", info, attempt)
		}
		out, err := hkdfExpand(seed, label, 32)
		if err != nil {
			return nil, err
		}
		if _, err := crypto.SigningKeyFromBytes(out); err == nil {
			return out, nil
		}
		clear(out)
	}
	return nil, ErrIdentityInit
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
