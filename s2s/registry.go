// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"strings"
	"sync"

	"vireo.im/xmpp/jid"
)

// Registry maps domain pairs to the live outgoing session serving them, and
// lets the reuse planner (§4.E) discover incoming sessions from a remote
// peer to find sub/superdomain reuse opportunities. A Registry has no
// process-wide singleton; callers construct their own so that independent
// tests (and independent virtual hosts) never share state.
type Registry struct {
	mu       sync.RWMutex
	outgoing map[string]*OutgoingServerSession // keyed by DomainPair.key()

	incomingMu sync.RWMutex
	incoming   map[string][]jid.JID // keyed by lowercased validated domain -> peers that proved it
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		outgoing: make(map[string]*OutgoingServerSession),
		incoming: make(map[string][]jid.JID),
	}
}

// GetOutgoing returns the session currently serving pair, if any.
func (r *Registry) GetOutgoing(pair DomainPair) (*OutgoingServerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.outgoing[pair.key()]
	return s, ok
}

// GetOutgoingDomain returns any session authenticated for (local, remote),
// regardless of which specific pair first registered it; used by the reuse
// planner to locate a candidate session for piggyback authentication.
func (r *Registry) GetOutgoingDomain(local, remote jid.JID) (*OutgoingServerSession, bool) {
	return r.GetOutgoing(NewDomainPair(local, remote))
}

// Register records that session now serves every pair currently in its
// domain-pair set. It is called once by the authenticator (§4.F) after a
// successful handshake, and again (implicitly, via the routing table
// interface) whenever a session is piggybacked onto a new pair.
func (r *Registry) Register(session *OutgoingServerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range session.Pairs() {
		r.outgoing[p.key()] = session
	}
}

// Unregister removes session from every pair it currently serves.
func (r *Registry) Unregister(session *OutgoingServerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range session.Pairs() {
		if existing, ok := r.outgoing[p.key()]; ok && existing == session {
			delete(r.outgoing, p.key())
		}
	}
}

// registerPair implements RoutingTable for the narrower case of a single
// pair being added to an already-registered session (piggyback).
func (r *Registry) registerPair(pair DomainPair, session *OutgoingServerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outgoing[pair.key()] = session
}

// unregisterPair implements RoutingTable's removal half.
func (r *Registry) unregisterPair(pair DomainPair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outgoing, pair.key())
}

// RoutingTable returns a view of this registry that satisfies the
// RoutingTable interface, suitable for passing to newOutgoingServerSession
// so that the domain-pair set registers new pairs here directly.
func (r *Registry) RoutingTable() RoutingTable {
	return registryRoutingTable{r}
}

type registryRoutingTable struct{ r *Registry }

func (t registryRoutingTable) Register(pair DomainPair, session *OutgoingServerSession) {
	t.r.registerPair(pair, session)
}

func (t registryRoutingTable) Unregister(pair DomainPair) {
	t.r.unregisterPair(pair)
}

// RegisterIncoming records that an incoming session from peer has
// validated one or more domains via dialback. The incoming/responder side
// that accepts such connections is out of scope here; this method exists
// so that component can publish its results for the reuse planner to
// consult. It indexes by validated domain rather than by peer, since the
// reuse planner asks "who has proven they also speak for R?", not "what
// did this particular peer validate?".
func (r *Registry) RegisterIncoming(peer jid.JID, session IncomingSession) {
	r.incomingMu.Lock()
	defer r.incomingMu.Unlock()
	for _, validated := range session.ValidatedDomains() {
		key := strings.ToLower(validated.String())
		r.incoming[key] = append(r.incoming[key], peer)
	}
}

// PeersValidating returns every peer domain that has, via some incoming
// session, proven via dialback that it also speaks for domain.
func (r *Registry) PeersValidating(domain jid.JID) []jid.JID {
	key := strings.ToLower(domain.String())
	r.incomingMu.RLock()
	defer r.incomingMu.RUnlock()
	return append([]jid.JID(nil), r.incoming[key]...)
}
