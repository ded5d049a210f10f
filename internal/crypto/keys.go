// Package crypto adapts go-ethereum secp256k1 primitives to the dispatcher's signing
// and encryption contracts. Identities are checksummed Ethereum addresses.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

const signatureSize = 65

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidKey       = errors.New("invalid key")
)

// SigningKey signs with EIP-191 personal-message hashing, so signatures match wallet
// libraries that sign text messages.
type SigningKey struct {
	priv     *ecdsa.PrivateKey
	identity string
}

func GenerateSigningKey() (*SigningKey, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewSigningKey(priv), nil
}

func NewSigningKey(priv *ecdsa.PrivateKey) *SigningKey {
	return &SigningKey{
		priv:     priv,
		identity: ethcrypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}
}

func SigningKeyFromBytes(raw []byte) (*SigningKey, error) {
	priv, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewSigningKey(priv), nil
}

func SigningKeyFromHex(s string) (*SigningKey, error) {
	priv, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewSigningKey(priv), nil
}

func (k *SigningKey) Identity() string {
	return k.identity
}

func (k *SigningKey) Sign(data []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(data), k.priv)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (k *SigningKey) PublicKey() *PublicKey {
	return &PublicKey{pub: &k.priv.PublicKey}
}

// DecryptionKey returns an ECIES key sharing this key's secret.
func (k *SigningKey) DecryptionKey() *DecryptionKey {
	return &DecryptionKey{priv: ecies.ImportECDSA(k.priv)}
}

// Recover returns the identity that produced sig over data.
func Recover(data, sig []byte) (string, error) {
	if len(sig) != signatureSize {
		return "", fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(data), normalized)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

// Verifier recovers signer identities; it satisfies the dispatcher's verifier contract.
type Verifier struct{}

func (Verifier) Recover(data, sig []byte) (string, error) {
	return Recover(data, sig)
}

type PublicKey struct {
	pub *ecdsa.PublicKey
}

// ParsePublicKey accepts a hex encoded uncompressed (65 byte) or compressed (33 byte) key.
func ParsePublicKey(s string) (*PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var pub *ecdsa.PublicKey
	switch len(raw) {
	case 33:
		pub, err = ethcrypto.DecompressPubkey(raw)
	default:
		pub, err = ethcrypto.UnmarshalPubkey(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &PublicKey{pub: pub}, nil
}

func (p *PublicKey) Hex() string {
	return "0x" + hex.EncodeToString(ethcrypto.FromECDSAPub(p.pub))
}

func (p *PublicKey) Identity() string {
	return ethcrypto.PubkeyToAddress(*p.pub).Hex()
}

func (p *PublicKey) Encrypt(plaintext []byte) ([]byte, error) {
	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(p.pub), plaintext, nil, nil)
}

type DecryptionKey struct {
	priv *ecies.PrivateKey
}

func GenerateDecryptionKey() (*DecryptionKey, error) {
	k, err := GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	return k.DecryptionKey(), nil
}

func DecryptionKeyFromBytes(raw []byte) (*DecryptionKey, error) {
	k, err := SigningKeyFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return k.DecryptionKey(), nil
}

func (k *DecryptionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	return k.priv.Decrypt(ciphertext, nil, nil)
}

func (k *DecryptionKey) PublicKey() *PublicKey {
	return &PublicKey{pub: k.priv.PublicKey.ExportECDSA()}
}
