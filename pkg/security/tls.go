package security

import (
	"crypto/tls"
	"fmt"
)

// TLSConfig describes the node's optional TLS material. Transport is
// TLS-optional per §6.2: when CertFile/KeyFile are empty, pkg/rpc dials and
// listens in plaintext, relying solely on the PSK handshake for auth.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether TLS material was configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// ServerConfig builds a *tls.Config for the RPC listener.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load rpc tls cert: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig builds a *tls.Config for dialing peers. Peer identity is
// still established by the PSK handshake, not by certificate verification,
// so InsecureSkipVerify is intentional here: TLS is providing confidentiality
// on the wire, the PSK is providing authentication.
func (c TLSConfig) ClientConfig() *tls.Config {
	if !c.Enabled() {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12} // #nosec G402 -- auth is via PSK handshake, not cert verification
}
