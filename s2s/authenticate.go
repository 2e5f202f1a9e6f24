// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"
	"errors"
	"strings"

	"vireo.im/xmpp/jid"
)

// RemoteServerManager consults federation policy for a remote domain: is it
// permitted to federate at all, and should the default port be overridden.
// It is an external collaborator; the authenticator never maintains policy
// state of its own.
type RemoteServerManager interface {
	// CanAccess reports whether federation with remote is currently
	// permitted (federation enabled, remote not blocklisted).
	CanAccess(remote jid.JID) bool

	// PortFor returns the TCP port to dial for remote, or 0 to use the
	// engine's default (DefaultPort).
	PortFor(remote jid.JID) int
}

// EventHandler receives notifications from the authenticator.
type EventHandler interface {
	// HandleSessionCreated is called exactly once per successful call to
	// Authenticator.Authenticate, whether satisfied by reuse or by a full
	// handshake.
	HandleSessionCreated(session *OutgoingServerSession)
}

// EventHandlerFunc adapts an ordinary function to an EventHandler.
type EventHandlerFunc func(session *OutgoingServerSession)

// HandleSessionCreated calls f(session).
func (f EventHandlerFunc) HandleSessionCreated(session *OutgoingServerSession) {
	f(session)
}

// Authenticator is the public entry point for establishing outgoing S2S
// authorization for a domain pair (component F). It owns no long-lived
// state beyond its collaborators and may be shared across concurrent
// callers.
type Authenticator struct {
	// Config supplies the policy applied to any handshake this Authenticator
	// runs. A copy is taken per attempt so callers may safely change it
	// between calls; a non-zero port from Manager.PortFor overrides Port in
	// that copy.
	Config Config

	// Registry is the session registry (component C) pairs are published
	// into on success.
	Registry *Registry

	// Manager consults federation policy. Must not be nil.
	Manager RemoteServerManager

	// Handler, if non-nil, is notified on every successful authentication.
	Handler EventHandler

	locks remoteLocks
}

// NewAuthenticator constructs an Authenticator ready to use.
func NewAuthenticator(cfg Config, registry *Registry, manager RemoteServerManager) *Authenticator {
	return &Authenticator{
		Config:   cfg,
		Registry: registry,
		Manager:  manager,
		locks:    *newRemoteLocks(),
	}
}

// Authenticate implements authenticate_domain(pair) → bool (§4.F): it
// ensures a session authorized for pair is registered in the session
// registry, reusing an existing session where possible and otherwise
// running the full handshake engine (component D).
//
// Authenticate returns true (and registers a session) on success, along
// with a nil error. On failure it returns false and the reason.
func (a *Authenticator) Authenticate(ctx context.Context, pair DomainPair) (bool, error) {
	pair = NewDomainPair(pair.Local, pair.Remote)
	remote := pair.Remote.Domainpart()
	if remote == "" || strings.ContainsAny(remote, " \t\n\r") {
		return false, wrapErr(InputInvalid, pair, errors.New("remote domain is empty or contains whitespace"))
	}

	if a.Manager == nil {
		return false, wrapErr(Unavailable, pair, errors.New("no remote server manager configured"))
	}
	if !a.Manager.CanAccess(pair.Remote) {
		return false, wrapErr(PolicyDenied, pair, errors.New("federation with remote is not permitted"))
	}

	var created bool
	var authErr error
	var sess *OutgoingServerSession

	lockErr := a.locks.withRemoteLock(remote, func() error {
		if existing, err := planReuse(a.Registry, pair); err == nil {
			sess = existing
			created = true
			return nil
		}

		cfg := a.Config
		if port := a.Manager.PortFor(pair.Remote); port != 0 {
			cfg.Port = port
		}

		newSess, hErr := handshake(ctx, &cfg, pair)
		if hErr != nil {
			authErr = hErr
			return nil
		}

		newSess.SetRouter(a.Registry.RoutingTable())
		newSess.AddPair(pair)
		a.Registry.Register(newSess)

		sess = newSess
		created = true
		return nil
	})
	if lockErr != nil {
		return false, wrapErr(Unavailable, pair, lockErr)
	}
	if !created {
		return false, authErr
	}

	if a.Handler != nil {
		a.Handler.HandleSessionCreated(sess)
	}
	return true, nil
}
