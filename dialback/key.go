// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package dialback implements the initiating side of the Server Dialback
// (XEP-0220) weak S2S authentication protocol: generating and sending a
// dialback key, and interpreting the peer's verdict.
//
// The dialback responder role, in which this server is asked to vouch for a
// key on behalf of a third party, is not implemented here; it belongs to the
// component that owns the authoritative stream for the local domain.
package dialback // import "vireo.im/xmpp/dialback"

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// GenerateKey derives the dialback key for a (local, remote, streamID)
// triple from secret, a value shared between the local server and its own
// authoritative component (commonly derived from the server's persistent
// secret). The key is the hex-encoded HMAC-SHA256 of local, remote and
// streamID joined by single spaces, keyed by an intermediate secret that is
// itself the HMAC-SHA256 of remote (the receiving entity's domain) keyed by
// secret.
func GenerateKey(secret, local, remote, streamID string) string {
	intermediate := hmac.New(sha256.New, []byte(secret))
	intermediate.Write([]byte(remote))
	streamKey := intermediate.Sum(nil)

	mac := hmac.New(sha256.New, streamKey)
	mac.Write([]byte(local))
	mac.Write([]byte(" "))
	mac.Write([]byte(remote))
	mac.Write([]byte(" "))
	mac.Write([]byte(streamID))
	return hex.EncodeToString(mac.Sum(nil))
}
