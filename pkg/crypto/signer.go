// Package crypto holds the secp256k1 signing keys used to approve calls
// off-chain and the strict signature recovery used to verify them.
package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	ErrInvalidDigest    = errors.New("crypto: digest must be 32 bytes")
)

// Signer signs 32-byte digests with an Ethereum account key.
type Signer interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// KeySigner is an in-memory secp256k1 Signer.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner generates a random key.
func NewKeySigner() (*KeySigner, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewKeySignerFromKey(key), nil
}

func NewKeySignerFromKey(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// NewKeySignerFromHex parses a hex private key, with or without 0x prefix.
func NewKeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySignerFromKey(key), nil
}

// DeriveSigner derives a deterministic key from seed for label using
// HKDF-SHA256. Labels are NFC-normalized so visually identical names map to
// the same account.
func DeriveSigner(seed []byte, label string) (*KeySigner, error) {
	if len(seed) == 0 {
		return nil, errors.New("crypto: seed must not be empty")
	}
	label = norm.NFC.String(strings.TrimSpace(label))
	if label == "" {
		return nil, errors.New("crypto: label must not be empty")
	}
	r := hkdf.New(sha256.New, seed, []byte("helm-firewall-kdf"), []byte(label))
	buf := make([]byte, 32)
	// A candidate outside [1, n) is rejected by ToECDSA; keep reading.
	for i := 0; i < 8; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("hkdf read failed: %w", err)
		}
		key, err := ethcrypto.ToECDSA(buf)
		if err == nil {
			return NewKeySignerFromKey(key), nil
		}
	}
	return nil, fmt.Errorf("crypto: no valid key derived for %q", label)
}

func (s *KeySigner) Address() common.Address { return s.addr }

// SignHash returns a 65-byte [R || S || V] signature with V in {0, 1}.
func (s *KeySigner) SignHash(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, ErrInvalidDigest
	}
	return ethcrypto.Sign(digest, s.key)
}

// PrivateKeyHex exports the key as hex without prefix.
func (s *KeySigner) PrivateKeyHex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(s.key))
}

// PersonalDigest applies the EIP-191 "\x19Ethereum Signed Message:\n32" prefix to hash.
func PersonalDigest(hash []byte) []byte {
	return accounts.TextHash(hash)
}

// SignPersonal signs the EIP-191 digest of hash.
func SignPersonal(s Signer, hash []byte) ([]byte, error) {
	return s.SignHash(PersonalDigest(hash))
}

// RecoverSigner returns the address that produced sig over digest. It
// accepts V as 0/1 or 27/28 and rejects malformed or high-S signatures.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, ErrInvalidDigest
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	v := normalized[64]
	r := new(big.Int).SetBytes(normalized[:32])
	sv := new(big.Int).SetBytes(normalized[32:64])
	if !ethcrypto.ValidateSignatureValues(v, r, sv, true) {
		return common.Address{}, fmt.Errorf("%w: bad r, s or v", ErrInvalidSignature)
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
