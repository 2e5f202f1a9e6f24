// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package dialback

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"vireo.im/xmpp/internal/attr"
	"vireo.im/xmpp/internal/ns"
)

// NS is the jabber:server:dialback namespace.
const NS = ns.Dialback

// ErrInvalid is returned by AwaitResult when the peer's dialback result has
// type="invalid" or type="error" rather than "valid".
var ErrInvalid = errors.New("dialback: peer rejected dialback key")

// SendResult writes a <db:result/> offering key as proof that the local
// server controls the domain it claims, addressed to remote and sent on
// behalf of local. It is used both to start a fresh dialback-authenticated
// session and to piggyback authorization for an additional domain pair onto
// a session that is already open.
func SendResult(w io.Writer, local, remote, key string) error {
	_, err := fmt.Fprintf(w,
		`<db:result xmlns:db='%s' from='%s' to='%s'>%s</db:result>`,
		NS, xmlEscape(local), xmlEscape(remote), xmlEscape(key),
	)
	return err
}

// AwaitResult reads the peer's response to a previously sent
// <db:result/>, returning nil if type="valid" and ErrInvalid (or a parse
// error) otherwise. d must be positioned so that the next token it returns
// is the opening tag of the peer's response.
func AwaitResult(d *xml.Decoder) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "result" || start.Name.Space != NS {
			if err := d.Skip(); err != nil {
				return err
			}
			continue
		}
		_, typ := attr.Get(start.Attr, "type")
		if err := d.Skip(); err != nil {
			return err
		}
		if typ != "valid" {
			return ErrInvalid
		}
		return nil
	}
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
