// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"strings"
	"sync"

	"vireo.im/xmpp/jid"
)

// DomainPair is the authorization unit for outgoing S2S traffic: a promise
// that this server may send stanzas from Local to any domain hosted by
// Remote. Equality is case-insensitive on both sides; a DomainPair is
// immutable once constructed.
type DomainPair struct {
	Local, Remote jid.JID
}

// NewDomainPair constructs a DomainPair from the domain components of local
// and remote, discarding any local- or resourcepart.
func NewDomainPair(local, remote jid.JID) DomainPair {
	return DomainPair{Local: local.Domain(), Remote: remote.Domain()}
}

// Equal reports whether p and o name the same domain pair, ignoring case.
func (p DomainPair) Equal(o DomainPair) bool {
	return p.Local.DomainEqual(o.Local) && p.Remote.DomainEqual(o.Remote)
}

// String returns a human-readable "local->remote" representation, used in
// logs and error messages.
func (p DomainPair) String() string {
	return p.Local.String() + "->" + p.Remote.String()
}

func (p DomainPair) key() string {
	return strings.ToLower(p.Local.String()) + "|" + strings.ToLower(p.Remote.String())
}

// RoutingTable is the packet router's registration surface, consumed here
// only to record which session owns a domain pair; actual stanza delivery
// is entirely out of scope for this package.
type RoutingTable interface {
	// Register records that pair is now served by session.
	Register(pair DomainPair, session *OutgoingServerSession)

	// Unregister removes any record of pair, if present.
	Unregister(pair DomainPair)
}

// domainPairSet is the per-session record of which domain pairs an
// outgoing link is authorized for (component A). Writes are serialized by
// the owning session; reads may run concurrently with at most one writer.
type domainPairSet struct {
	owner  *OutgoingServerSession
	router RoutingTable

	mu    sync.RWMutex
	pairs map[string]DomainPair
}

func newDomainPairSet(owner *OutgoingServerSession, router RoutingTable) *domainPairSet {
	return &domainPairSet{
		owner:  owner,
		router: router,
		pairs:  make(map[string]DomainPair),
	}
}

// add inserts pair if absent and registers it with the routing table.
// add is idempotent: re-adding an already-present pair is a no-op.
func (s *domainPairSet) add(pair DomainPair) {
	s.mu.Lock()
	if _, ok := s.pairs[pair.key()]; ok {
		s.mu.Unlock()
		return
	}
	s.pairs[pair.key()] = pair
	s.mu.Unlock()

	if s.router != nil {
		s.router.Register(pair, s.owner)
	}
}

// contains reports whether pair is authorized on this link.
func (s *domainPairSet) contains(pair DomainPair) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pairs[pair.key()]
	return ok
}

// all returns a snapshot of every pair currently authorized on this link.
func (s *domainPairSet) all() []DomainPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DomainPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	return out
}

// len reports how many pairs are currently authorized.
func (s *domainPairSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

// removeAll unregisters every pair from the routing table, used when a
// session is destroyed.
func (s *domainPairSet) removeAll() {
	s.mu.Lock()
	pairs := make([]DomainPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		pairs = append(pairs, p)
	}
	s.pairs = make(map[string]DomainPair)
	s.mu.Unlock()

	if s.router == nil {
		return
	}
	for _, p := range pairs {
		s.router.Unregister(p)
	}
}
