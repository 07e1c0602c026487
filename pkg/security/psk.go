// Package security manages the RPC layer's pre-shared key and optional TLS
// material (§6.2: "Authentication is a pre-shared 32-byte secret; transport
// is TLS-optional").
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// PSK is a 32-byte pre-shared key used to authenticate RPC peers.
type PSK [32]byte

// GeneratePSK creates a fresh random key, for `strata-admin init`-style
// bootstrap flows.
func GeneratePSK() (PSK, error) {
	var psk PSK
	if _, err := rand.Read(psk[:]); err != nil {
		return psk, fmt.Errorf("generate psk: %w", err)
	}
	return psk, nil
}

// ParsePSK decodes the hex representation stored in config's rpc_secret.
func ParsePSK(hexSecret string) (PSK, error) {
	var psk PSK
	b, err := hex.DecodeString(hexSecret)
	if err != nil {
		return psk, fmt.Errorf("rpc_secret is not valid hex: %w", err)
	}
	if len(b) != len(psk) {
		return psk, fmt.Errorf("rpc_secret must decode to %d bytes, got %d", len(psk), len(b))
	}
	copy(psk[:], b)
	return psk, nil
}

// String returns the hex encoding suitable for a config file.
func (k PSK) String() string {
	return hex.EncodeToString(k[:])
}

// HandshakeTag derives a per-connection authentication tag a client proves
// possession of the PSK with, without ever sending the PSK itself on the
// wire: HMAC-SHA256(psk, nonce).
func (k PSK) HandshakeTag(nonce []byte) []byte {
	mac := hmac.New(sha256.New, k[:])
	mac.Write(nonce)
	return mac.Sum(nil)
}

// VerifyHandshakeTag checks a tag produced by HandshakeTag in constant time.
func (k PSK) VerifyHandshakeTag(nonce, tag []byte) bool {
	want := k.HandshakeTag(nonce)
	return hmac.Equal(want, tag)
}
