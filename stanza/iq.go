// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmlstream"
	"vireo.im/xmpp/internal/ns"
	"vireo.im/xmpp/jid"
)

// IQ ("Information Query") is used as a general request response mechanism.
// IQ's are one-to-one, provide get and set semantics, and always require a
// response in the form of a result or an error.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr"`
	To      jid.JID  `xml:"to,attr"`
	From    jid.JID  `xml:"from,attr"`
	Lang    string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    IQType   `xml:"type,attr,omitempty"`
}

// IQType is the type of an IQ stanza.
// It should normally be one of the constants defined in this package.
type IQType string

const (
	// GetIQ is used to query another entity for information.
	GetIQ IQType = "get"

	// SetIQ is used to provide data to another entity, set new values, and
	// replace existing values.
	SetIQ IQType = "set"

	// ResultIQ is sent in response to a successful get or set IQ.
	ResultIQ IQType = "result"

	// ErrorIQ is sent to report that an error occurred during the delivery or
	// processing of a get or set IQ.
	ErrorIQ IQType = "error"
)

// MarshalXMLAttr satisfies the MarshalerAttr interface.
func (t IQType) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: string(t)}, nil
}

// UnmarshalXMLAttr satisfies the UnmarshalerAttr interface.
func (t *IQType) UnmarshalXMLAttr(attr xml.Attr) error {
	*t = IQType(attr.Value)
	return nil
}

// NewIQ builds an IQ header from a start element without requiring that the
// element's name or namespace be "iq"; this lets callers decode an IQ from a
// stream element whose name was already consumed.
func NewIQ(start xml.StartElement) (IQ, error) {
	iq := IQ{XMLName: start.Name}
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "id":
			iq.ID = a.Value
		case "to":
			if err := (&iq.To).UnmarshalXMLAttr(a); err != nil {
				return iq, err
			}
		case "from":
			if err := (&iq.From).UnmarshalXMLAttr(a); err != nil {
				return iq, err
			}
		case "lang":
			if a.Name.Space == ns.XML {
				iq.Lang = a.Value
			}
		case "type":
			if err := (&iq.Type).UnmarshalXMLAttr(a); err != nil {
				return iq, err
			}
		}
	}
	return iq, nil
}

// StartElement converts the IQ into an XML token.
func (iq IQ) StartElement() xml.StartElement {
	name := iq.XMLName
	name.Local = "iq"

	attr := make([]xml.Attr, 0, 5)
	if iq.ID != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: iq.ID})
	}
	if !iq.To.Equal(jid.JID{}) {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: iq.To.String()})
	}
	if !iq.From.Equal(jid.JID{}) {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: iq.From.String()})
	}
	if iq.Lang != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: iq.Lang})
	}
	if iq.Type != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(iq.Type)})
	}

	return xml.StartElement{Name: name, Attr: attr}
}

// Wrap wraps the payload in the IQ stanza.
func (iq IQ) Wrap(payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, iq.StartElement())
}

// WrapIQ wraps payload in an IQ stanza built from iq. If iq is nil, an empty
// IQ header is used.
func WrapIQ(iq *IQ, payload xml.TokenReader) xml.TokenReader {
	if iq == nil {
		iq = &IQ{}
	}
	return iq.Wrap(payload)
}

// Result returns a token reader for a "result" type IQ addressed as a reply
// to iq: the to and from addresses are swapped and the id is preserved.
func (iq IQ) Result(payload xml.TokenReader) xml.TokenReader {
	reply := IQ{
		XMLName: iq.XMLName,
		ID:      iq.ID,
		To:      iq.From,
		From:    iq.To,
		Type:    ResultIQ,
	}
	return reply.Wrap(payload)
}
