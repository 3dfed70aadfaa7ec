package connection

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// ErrInvalidPeerKey is returned when a dapp public key is not a secp256k1 point.
var ErrInvalidPeerKey = errors.New("invalid peer public key")

// LoadOrGenerateKey parses a hex private key, or generates a fresh one when hexKey is empty.
func LoadOrGenerateKey(hexKey string) (*ecdsa.PrivateKey, bool, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, false, fmt.Errorf("%s - generate wallet key: %w", logPrefix, err)
		}
		return key, true, nil
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, false, fmt.Errorf("%s - parse wallet key: %w", logPrefix, err)
	}
	return key, false, nil
}

// PrivateKeyHex encodes key as hex without a 0x prefix, the form LoadOrGenerateKey accepts.
func PrivateKeyHex(key *ecdsa.PrivateKey) string {
	return strings.TrimPrefix(hexutil.Encode(crypto.FromECDSA(key)), "0x")
}

// PublicKeyHex returns the compressed public key as 0x-prefixed hex.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return hexutil.Encode(crypto.CompressPubkey(pub))
}

// ParsePeerKey accepts compressed (33 byte) or uncompressed (65 byte) hex keys, with or without 0x.
func ParsePeerKey(hexKey string) (*ecdsa.PublicKey, error) {
	hexKey = strings.TrimSpace(hexKey)
	if !strings.HasPrefix(hexKey, "0x") {
		hexKey = "0x" + hexKey
	}
	raw, err := hexutil.Decode(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	var pub *ecdsa.PublicKey
	switch len(raw) {
	case 33:
		pub, err = crypto.DecompressPubkey(raw)
	case 65:
		pub, err = crypto.UnmarshalPubkey(raw)
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidPeerKey, len(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return pub, nil
}

// EncryptFor encrypts plaintext to a peer key and returns base64 of the ECIES envelope.
func EncryptFor(pubKeyHex string, plaintext []byte) (string, error) {
	pub, err := ParsePeerKey(pubKeyHex)
	if err != nil {
		return "", err
	}
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext, nil, nil)
	if err != nil {
		return "", fmt.Errorf("%s - encrypt: %w", logPrefix, err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}
