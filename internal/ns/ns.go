// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the xmpp package and
// other internal packages.
package ns // import "vireo.im/xmpp/internal/ns"

// List of commonly used namespaces.
const (
	Bind     = "urn:ietf:params:xml:ns:xmpp-bind"
	SASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	XML      = "http://www.w3.org/XML/1998/namespace"

	Stream   = "http://etherx.jabber.org/streams"
	Client   = "jabber:client"
	Server   = "jabber:server"
	WS       = "urn:ietf:params:xml:ns:xmpp-framing"
	Dialback = "jabber:server:dialback"
	Stanza   = "urn:ietf:params:xml:ns:xmpp-stanzas"
)
