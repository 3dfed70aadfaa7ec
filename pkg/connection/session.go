package connection

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// RelayFunc receives decrypted JSON-RPC messages for a channel.
type RelayFunc func(channelID string, message []byte) error

// session is the wallet side of a live channel. It implements deeplink.Remote.
type session struct {
	channelID string
	key       *ecies.PrivateKey
	relay     RelayFunc
}

// Decrypt opens a base64 ECIES envelope and forwards the plaintext to the relay.
// A relay failure is logged; the plaintext is still returned.
func (s *session) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%s - ciphertext for %s is not base64: %w", logPrefix, s.channelID, err)
	}
	plain, err := s.key.Decrypt(raw, nil, nil)
	if err != nil {
		return "", fmt.Errorf("%s - decrypt for %s: %w", logPrefix, s.channelID, err)
	}

	if s.relay != nil {
		if err := s.relay(s.channelID, plain); err != nil {
			slog.Warn(fmt.Sprintf("%s - relay failed for %s: %v", logPrefix, s.channelID, err))
		}
	}
	return string(plain), nil
}
