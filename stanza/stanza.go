// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"vireo.im/xmpp/internal/ns"
)

// NSClient is the content namespace of client-to-server stanzas.
const NSClient = ns.Client

// NSServer is the content namespace of server-to-server stanzas.
const NSServer = ns.Server

// NSDelay is the namespace of delayed delivery annotations (XEP-0203).
const NSDelay = "urn:xmpp:delay"

// Is tests whether name is a valid stanza based on name and space.
func Is(name xml.Name) bool {
	return (name.Local == "iq" || name.Local == "message" || name.Local == "presence") &&
		(name.Space == ns.Client || name.Space == ns.Server)
}
