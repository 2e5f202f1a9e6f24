// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"crypto/tls"
	"time"

	"vireo.im/xmpp/dial"
)

// TLSPolicy controls how strongly an outgoing connection attempt prefers or
// requires Transport Layer Security.
type TLSPolicy int

// TLS policies recognized by the handshake engine.
const (
	// TLSDisabled never negotiates STARTTLS. A connection that the transport
	// reports as direct TLS is still used, with its TLS handshake performed.
	TLSDisabled TLSPolicy = iota

	// TLSOptional negotiates STARTTLS when the peer offers it but tolerates a
	// peer that does not.
	TLSOptional

	// TLSRequired aborts the handshake if the peer never offers (or never
	// successfully completes) a TLS upgrade.
	TLSRequired
)

// DefaultPort is the default TCP port for the XMPP server-to-server
// protocol, used when a Config does not specify a Port and the transport
// collaborator does not discover one through DNS.
const DefaultPort = 5269

// DefaultStreamOpenTimeout is the read timeout enforced while waiting for
// the peer's opening <stream:stream/> tag, per RFC 6120 recommendations for
// bounding handshake latency.
const DefaultStreamOpenTimeout = 5 * time.Second

// Config holds the policy knobs that drive one authentication attempt.
// A Config is read-only once an attempt begins; changing it concurrently
// with an in-flight handshake has no effect on that handshake.
type Config struct {
	// Port overrides the remote TCP port. If zero, the transport
	// collaborator's own discovery (SRV records) is used, falling back to
	// DefaultPort.
	Port int

	// Secret is used to derive dialback keys (see the dialback package).
	// It must be stable for the lifetime of the local server's identity.
	Secret string

	// TLS is the policy applied to this connection.
	TLS TLSPolicy

	// TLSConfig supplies certificate verification behavior. ServerName is
	// overridden per attempt to match the remote domain being dialed.
	TLSConfig *tls.Config

	// DialbackEnabled allows dialback (and the jabber:server:dialback stream
	// namespace declaration) to be offered and attempted.
	DialbackEnabled bool

	// DialbackForSelfSigned allows a TLS session secured with a certificate
	// that fails verification to continue unauthenticated, relying on
	// dialback to vouch for the peer instead of aborting outright.
	DialbackForSelfSigned bool

	// StrictCertValidation aborts the handshake outright on any certificate
	// verification failure, even if dialback could otherwise rescue the
	// attempt.
	StrictCertValidation bool

	// AllowNonDirectTLSFallback permits falling back to a plaintext
	// connection when a direct-TLS attempt detects that the peer is
	// actually speaking plaintext on the TLS port.
	AllowNonDirectTLSFallback bool

	// DialTimeout bounds the TCP connect phase (and any direct TLS
	// handshake performed as part of connecting). Zero means no extra
	// timeout beyond ctx.
	DialTimeout time.Duration

	// StreamOpenTimeout bounds the wait for the peer's opening stream
	// header. Zero means DefaultStreamOpenTimeout.
	StreamOpenTimeout time.Duration

	// Dialer performs DNS discovery and socket creation. If nil, a
	// zero-value dial.Dialer configured for S2S is used.
	Dialer *dial.Dialer
}

func (c *Config) port() int {
	if c.Port != 0 {
		return c.Port
	}
	return DefaultPort
}

func (c *Config) streamOpenTimeout() time.Duration {
	if c.StreamOpenTimeout != 0 {
		return c.StreamOpenTimeout
	}
	return DefaultStreamOpenTimeout
}

func (c *Config) dialer() *dial.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &dial.Dialer{S2S: true}
}
