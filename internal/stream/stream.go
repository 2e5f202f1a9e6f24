// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains internal stream parsing and handling behavior.
package stream // import "vireo.im/xmpp/internal/stream"

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"vireo.im/xmpp/internal/decl"
	"vireo.im/xmpp/internal/ns"
	"vireo.im/xmpp/jid"
	"vireo.im/xmpp/stream"
)

// Send sends a new XML header followed by a stream start element on the given
// io.Writer.
// We don't use an xml.Encoder both because Go's standard library xml package
// really doesn't like the namespaced stream:stream attribute and because we
// can guarantee well-formedness of the XML with a print in this case, and
// printing is much faster than encoding.
func Send(rw io.Writer, s2s bool, lang string, to, from jid.JID, id string) (stream.Info, error) {
	info := stream.Info{
		To:      to,
		From:    from,
		ID:      id,
		Version: stream.DefaultVersion,
	}
	if s2s {
		info.XMLNS = ns.Server
	} else {
		info.XMLNS = ns.Client
	}

	idAttr := " "
	if id != "" {
		idAttr = ` id='` + id + `' `
	}

	b := bufio.NewWriter(rw)
	_, err := fmt.Fprintf(b,
		decl.XMLHeader+`<stream:stream%sto='%s' from='%s' version='%s' `,
		idAttr, to, from, info.Version,
	)
	if err != nil {
		return info, err
	}

	if lang != "" {
		if _, err = b.WriteString("xml:lang='"); err != nil {
			return info, err
		}
		if err = xml.EscapeText(b, []byte(lang)); err != nil {
			return info, err
		}
		if _, err = b.WriteString("' "); err != nil {
			return info, err
		}
	}

	_, err = fmt.Fprintf(b, `xmlns='%s' xmlns:stream='%s'>`, info.XMLNS, ns.Stream)
	if err != nil {
		return info, err
	}
	return info, b.Flush()
}

// Expect reads a token from d and expects that it will be a new stream start
// token.
// If not, an error is returned. If an XML header is discovered instead, it
// is skipped first.
//
// recv indicates whether the caller is the receiving entity; the initiating
// entity requires the peer to supply a stream ID, while the receiving entity
// generates its own and does not require one from the peer.
func Expect(ctx context.Context, d xml.TokenReader, recv bool) (info stream.Info, err error) {
	d = decl.Skip(d)

	select {
	case <-ctx.Done():
		return info, ctx.Err()
	default:
	}

	t, err := d.Token()
	if err != nil {
		return info, err
	}
	switch tok := t.(type) {
	case xml.StartElement:
		switch {
		case tok.Name.Local == "error" && tok.Name.Space == stream.NS:
			se := stream.Error{}
			if err := xml.NewTokenDecoder(d).DecodeElement(&se, &tok); err != nil {
				return info, err
			}
			return info, se
		case tok.Name.Local != "stream":
			return info, stream.BadFormat
		case tok.Name.Space != stream.NS:
			return info, stream.InvalidNamespace
		}

		if err := info.FromStartElement(tok); err != nil {
			return info, err
		}
		if info.Version != stream.DefaultVersion {
			return info, stream.UnsupportedVersion
		}
		if !recv && info.ID == "" {
			// If we are the initiating entity and there is no stream ID, the
			// receiving entity has violated RFC 6120 §4.7.3.
			return info, stream.BadFormat
		}
		return info, nil
	case xml.ProcInst:
		return info, stream.RestrictedXML
	case xml.EndElement:
		return info, stream.NotWellFormed
	default:
		return info, stream.RestrictedXML
	}
}
