package connection

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

func TestLoadOrGenerateKey_Generates(t *testing.T) {
	key, generated, err := LoadOrGenerateKey("")
	if err != nil {
		t.Fatalf("connection:keys_test - unexpected error: %v", err)
	}
	if !generated || key == nil {
		t.Fatal("connection:keys_test - expected a generated key")
	}
}

func TestLoadOrGenerateKey_RoundTrip(t *testing.T) {
	key, _, err := LoadOrGenerateKey("")
	if err != nil {
		t.Fatalf("connection:keys_test - generate failed: %v", err)
	}

	for _, in := range []string{PrivateKeyHex(key), "0x" + PrivateKeyHex(key), "  " + PrivateKeyHex(key) + "\n"} {
		loaded, generated, err := LoadOrGenerateKey(in)
		if err != nil {
			t.Fatalf("connection:keys_test - load %q failed: %v", in, err)
		}
		if generated {
			t.Error("connection:keys_test - expected loaded key, not generated")
		}
		if PublicKeyHex(&loaded.PublicKey) != PublicKeyHex(&key.PublicKey) {
			t.Error("connection:keys_test - loaded key differs from original")
		}
	}
}

func TestLoadOrGenerateKey_Invalid(t *testing.T) {
	if _, _, err := LoadOrGenerateKey("not-hex"); err == nil {
		t.Error("connection:keys_test - expected error for invalid key")
	}
}

func TestParsePeerKey_Formats(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("connection:keys_test - generate failed: %v", err)
	}
	compressed := hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))
	uncompressed := hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey))

	for _, in := range []string{compressed, "0x" + compressed, uncompressed, "0x" + uncompressed} {
		pub, err := ParsePeerKey(in)
		if err != nil {
			t.Fatalf("connection:keys_test - ParsePeerKey(%q) failed: %v", in, err)
		}
		if !pub.Equal(&key.PublicKey) {
			t.Errorf("connection:keys_test - ParsePeerKey(%q) returned a different key", in)
		}
	}
}

func TestParsePeerKey_Invalid(t *testing.T) {
	for _, in := range []string{"", "zz", "02abcdef", "04" + strings.Repeat("00", 64)} {
		if _, err := ParsePeerKey(in); !errors.Is(err, ErrInvalidPeerKey) {
			t.Errorf("connection:keys_test - ParsePeerKey(%q) err = %v, want ErrInvalidPeerKey", in, err)
		}
	}
}

func TestEncryptFor_DecryptsWithWalletKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("connection:keys_test - generate failed: %v", err)
	}

	ct, err := EncryptFor(PublicKeyHex(&key.PublicKey), []byte(`{"method":"eth_accounts"}`))
	if err != nil {
		t.Fatalf("connection:keys_test - EncryptFor failed: %v", err)
	}

	s := &session{channelID: "c1", key: ecies.ImportECDSA(key)}
	plain, err := s.Decrypt(ct)
	if err != nil {
		t.Fatalf("connection:keys_test - Decrypt failed: %v", err)
	}
	if plain != `{"method":"eth_accounts"}` {
		t.Errorf("connection:keys_test - plaintext = %q", plain)
	}
}

func TestEncryptFor_InvalidKey(t *testing.T) {
	if _, err := EncryptFor("bogus", []byte("x")); !errors.Is(err, ErrInvalidPeerKey) {
		t.Errorf("connection:keys_test - err = %v, want ErrInvalidPeerKey", err)
	}
}
