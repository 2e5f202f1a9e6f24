// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"encoding/xml"
	"errors"

	"vireo.im/xmpp/dialback"
)

// ErrCannotReuse is returned by planReuse when no existing session can
// serve pair; callers should fall through to a full handshake (component
// D) rather than treating it as a hard failure.
var ErrCannotReuse = errors.New("s2s: no session available for reuse")

// planReuse implements the session reuse planner (§4.E): it decides
// whether an existing outgoing session can be extended to cover pair
// without opening a new socket, and if so, piggybacks dialback
// authorization for it.
//
// It never opens a new connection; a non-nil error (including
// ErrCannotReuse) always means the caller must attempt a full handshake.
func planReuse(reg *Registry, pair DomainPair) (*OutgoingServerSession, error) {
	if sess, ok := reg.GetOutgoing(pair); ok {
		if sess.Contains(pair) {
			return sess, nil
		}
		// A session for this exact pair exists but doesn't list pair itself;
		// this shouldn't happen since Registry keys by pair, but treat it the
		// same as "no usable session" rather than panicking on an invariant
		// violation.
		return nil, ErrCannotReuse
	}

	// No direct session for pair exists. Check whether some peer has,
	// via an incoming session, already proven ownership of pair.Remote: if
	// so, and we already hold an outgoing session to that peer's own
	// domain, extend it to cover pair.Remote as well.
	for _, peer := range reg.PeersValidating(pair.Remote) {
		alt := NewDomainPair(pair.Local, peer)
		sess, ok := reg.GetOutgoing(alt)
		if !ok || !sess.CanPiggyback() {
			continue
		}
		return piggyback(sess, pair)
	}

	return nil, ErrCannotReuse
}

// piggyback runs a dialback exchange for pair over sess's existing
// transport and, on success, authorizes pair on it.
func piggyback(sess *OutgoingServerSession, pair DomainPair) (*OutgoingServerSession, error) {
	key := dialback.GenerateKey(sess.secret, pair.Local.String(), pair.Remote.String(), sess.StreamID)
	if err := dialback.SendResult(sess.Conn(), pair.Local.String(), pair.Remote.String(), key); err != nil {
		return nil, err
	}
	d := xml.NewDecoder(sess.Conn())
	if err := dialback.AwaitResult(d); err != nil {
		return nil, err
	}
	sess.AddPair(pair)
	return sess, nil
}
