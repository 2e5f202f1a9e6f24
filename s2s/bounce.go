// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"
	"vireo.im/xmpp/stanza"
)

// Router is the packet router's delivery surface, consumed here only to
// dispatch generated bounces; routing and delivery mechanics are entirely
// out of scope for this package.
type Router interface {
	Route(ctx context.Context, packet xml.TokenReader) error
}

// notFound is the stanza error payload every bounce carries: the sender is
// told the peer it addressed could not be reached over any authorized
// outgoing session.
func notFound() stanza.Error {
	return stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound}
}

// EnsureAuthorized implements the guard at the head of the send path's
// can_process(packet) (§4.G): it reports whether pair is already authorized
// on an existing session, attempting a dialback piggyback under the
// remote-auth mutex if it is not. It never opens a new connection; a false
// result means the caller must bounce the packet rather than retry.
func (a *Authenticator) EnsureAuthorized(pair DomainPair) bool {
	pair = NewDomainPair(pair.Local, pair.Remote)
	if sess, ok := a.Registry.GetOutgoing(pair); ok && sess.Contains(pair) {
		return true
	}

	var ok bool
	a.locks.withRemoteLock(pair.Remote.Domainpart(), func() error {
		if sess, found := a.Registry.GetOutgoing(pair); found && sess.Contains(pair) {
			ok = true
			return nil
		}
		if _, err := planReuse(a.Registry, pair); err == nil {
			ok = true
		}
		return nil
	})
	return ok
}

// BounceIQ builds and routes an unauthorized-domain bounce for iq, per
// §4.G: a request (get/set) is answered with an error IQ carrying the
// original child element and a remote-server-not-found condition; a
// response (result/error) is suppressed, since RFC 6120 forbids responding
// to a response.
func BounceIQ(ctx context.Context, router Router, iq stanza.IQ, payload xml.TokenReader) error {
	if iq.Type == stanza.ResultIQ || iq.Type == stanza.ErrorIQ {
		return nil
	}
	reply := stanza.IQ{
		XMLName: iq.XMLName,
		ID:      iq.ID,
		To:      iq.From,
		From:    iq.To,
		Type:    stanza.ErrorIQ,
	}
	body := xmlstream.MultiReader(payload, notFound().TokenReader())
	return router.Route(ctx, reply.Wrap(body))
}

// BouncePresence builds and routes an unauthorized-domain bounce for p. A
// presence already of type error is suppressed rather than re-bounced.
func BouncePresence(ctx context.Context, router Router, p stanza.Presence) error {
	if p.Type == stanza.ErrorPresence {
		return nil
	}
	reply := stanza.Presence{
		XMLName: p.XMLName,
		ID:      p.ID,
		To:      p.From,
		From:    p.To,
		Type:    stanza.ErrorPresence,
	}
	return router.Route(ctx, reply.Wrap(notFound().TokenReader()))
}

// BounceMessage builds and routes an unauthorized-domain bounce for m,
// copying thread (the message's <thread/> child text, if any) onto the
// reply so the original conversation can be correlated. A message already
// of type error is suppressed.
func BounceMessage(ctx context.Context, router Router, m stanza.Message, thread string) error {
	if m.Type == stanza.ErrorMessage {
		return nil
	}
	reply := stanza.Message{
		XMLName: m.XMLName,
		ID:      m.ID,
		To:      m.From,
		From:    m.To,
		Type:    stanza.ErrorMessage,
	}
	body := xml.TokenReader(notFound().TokenReader())
	if thread != "" {
		body = xmlstream.MultiReader(body, threadReader(thread))
	}
	return router.Route(ctx, reply.Wrap(body))
}

func threadReader(thread string) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.ReaderFunc(func() (xml.Token, error) {
			return xml.CharData(thread), io.EOF
		}),
		xml.StartElement{Name: xml.Name{Local: "thread"}},
	)
}
