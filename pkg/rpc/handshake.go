package rpc

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/stratastore/strata/pkg/security"
)

// handshake performs a mutual PSK challenge-response over conn (§6.2:
// "authentication is a pre-shared 32-byte secret"). Both sides must hold
// the same PSK; each proves it without sending the secret itself, following
// the nonce + HMAC tag construction pkg/security.HandshakeTag implements.
func clientHandshake(conn net.Conn, psk security.PSK) error {
	clientNonce := make([]byte, 16)
	if _, err := rand.Read(clientNonce); err != nil {
		return fmt.Errorf("generate client nonce: %w", err)
	}
	if err := writeFrame(conn, frameHello, clientNonce); err != nil {
		return err
	}

	kind, payload, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read hello reply: %w", err)
	}
	if kind != frameHelloReply || len(payload) < 16 {
		return fmt.Errorf("malformed hello reply")
	}
	serverNonce, serverTag := payload[:16], payload[16:]
	if !psk.VerifyHandshakeTag(clientNonce, serverTag) {
		return fmt.Errorf("peer failed psk challenge")
	}

	clientTag := psk.HandshakeTag(serverNonce)
	return writeFrame(conn, frameHelloConfirm, clientTag)
}

func serverHandshake(conn net.Conn, psk security.PSK) error {
	kind, clientNonce, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if kind != frameHello || len(clientNonce) != 16 {
		return fmt.Errorf("malformed hello")
	}

	serverNonce := make([]byte, 16)
	if _, err := rand.Read(serverNonce); err != nil {
		return fmt.Errorf("generate server nonce: %w", err)
	}
	serverTag := psk.HandshakeTag(clientNonce)
	reply := append(append([]byte(nil), serverNonce...), serverTag...)
	if err := writeFrame(conn, frameHelloReply, reply); err != nil {
		return err
	}

	kind, clientTag, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read hello confirm: %w", err)
	}
	if kind != frameHelloConfirm {
		return fmt.Errorf("malformed hello confirm")
	}
	if !psk.VerifyHandshakeTag(serverNonce, clientTag) {
		return fmt.Errorf("client failed psk challenge")
	}
	return nil
}
