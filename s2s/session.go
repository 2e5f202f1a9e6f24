// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"io"
	"sync"

	"vireo.im/xmpp/jid"
)

// AuthMethod records how a session's peer was authenticated.
type AuthMethod int

// Authentication methods recognized for an outgoing S2S session.
const (
	// SASLEXTERNAL means the session was authenticated by presenting a TLS
	// client certificate and having the peer accept it via SASL EXTERNAL.
	SASLEXTERNAL AuthMethod = iota

	// Dialback means the session was authenticated via XEP-0220 Server
	// Dialback, either in-band (XMPP 1.0) or the legacy plain-text form.
	Dialback
)

func (m AuthMethod) String() string {
	if m == Dialback {
		return "dialback"
	}
	return "sasl-external"
}

// Status is the lifecycle stage of an OutgoingServerSession.
type Status int

// Recognized session lifecycle stages.
const (
	Connecting Status = iota
	Authenticated
	Closed
)

// IncomingSession is the minimal surface this package needs from a peer's
// incoming connection in order to discover reuse opportunities (§4.E); the
// full incoming/responder session type is out of scope here and owned by
// whatever component accepts inbound S2S connections.
type IncomingSession interface {
	// ValidatedDomains returns every domain the peer has proven, via
	// dialback, that it controls.
	ValidatedDomains() []jid.JID
}

// OutgoingServerSession is a live, authorized outgoing S2S link: a
// transport, bound to one remote server, over which stanzas may be sent on
// behalf of one or more local-domain/remote-domain pairs.
//
// A session is never registered in the session registry until
// authentication succeeds; partially constructed sessions are discarded by
// the handshake engine, never published.
type OutgoingServerSession struct {
	// Address is the remote domain this session is bound to (a bare JID
	// with only the domain component).
	Address jid.JID

	// StreamID is the opaque identifier the peer supplied at stream open.
	StreamID string

	// Method records how the peer was authenticated.
	Method AuthMethod

	// IsEncrypted reports whether the transport is TLS-protected.
	IsEncrypted bool

	conn   io.ReadWriteCloser
	pairs  *domainPairSet
	secret string // dialback secret, needed to piggyback additional pairs

	mu        sync.Mutex
	status    Status
	isDetached bool
}

func newOutgoingServerSession(address jid.JID, conn io.ReadWriteCloser, streamID string, method AuthMethod, encrypted bool, router RoutingTable, secret string) *OutgoingServerSession {
	s := &OutgoingServerSession{
		Address:     address,
		StreamID:    streamID,
		Method:      method,
		IsEncrypted: encrypted,
		conn:        conn,
		secret:      secret,
		status:      Authenticated,
	}
	s.pairs = newDomainPairSet(s, router)
	return s
}

// CanPiggyback reports whether this session may be reused to authenticate
// additional domain pairs via dialback piggyback. Per invariant 4, a
// session authenticated via SASL EXTERNAL can never be piggybacked.
func (s *OutgoingServerSession) CanPiggyback() bool {
	return s.Method == Dialback
}

// SetRouter attaches the routing table collaborator that AddPair registers
// with. The handshake engine constructs sessions before the authenticator
// has registered them anywhere, so the router is supplied in a second
// step, once the authenticator has decided the handshake succeeded.
func (s *OutgoingServerSession) SetRouter(router RoutingTable) {
	s.pairs.router = router
}

// AddPair authorizes pair on this session, idempotently, and registers it
// with the routing table collaborator supplied at session creation.
func (s *OutgoingServerSession) AddPair(pair DomainPair) {
	s.pairs.add(pair)
}

// Contains reports whether pair is currently authorized on this session.
func (s *OutgoingServerSession) Contains(pair DomainPair) bool {
	return s.pairs.contains(pair)
}

// Pairs returns a snapshot of every domain pair authorized on this session.
func (s *OutgoingServerSession) Pairs() []DomainPair {
	return s.pairs.all()
}

// Conn returns the underlying transport. It is exposed so the dialback
// piggyback path (§4.E) and the handshake engine can write directly to the
// wire; callers must not close it except through Close.
func (s *OutgoingServerSession) Conn() io.ReadWriteCloser {
	return s.conn
}

// Status reports the session's current lifecycle stage.
func (s *OutgoingServerSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Detach marks the session as having lost its transport while logically
// retaining it for a grace period; it does not by itself close conn.
func (s *OutgoingServerSession) Detach() {
	s.mu.Lock()
	s.isDetached = true
	s.mu.Unlock()
}

// IsDetached reports whether the session's transport has been severed
// while the session is logically retained.
func (s *OutgoingServerSession) IsDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDetached
}

// Close ends the session: every authorized pair is unregistered from the
// routing table and the underlying transport is closed exactly once.
func (s *OutgoingServerSession) Close() error {
	s.mu.Lock()
	if s.status == Closed {
		s.mu.Unlock()
		return nil
	}
	s.status = Closed
	s.mu.Unlock()

	s.pairs.removeAll()
	return s.conn.Close()
}
