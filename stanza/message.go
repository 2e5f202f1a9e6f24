// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmlstream"
	"vireo.im/xmpp/internal/ns"
	"vireo.im/xmpp/jid"
)

// Message is an XMPP stanza that encapsulates a push mechanism, such as
// one-to-one chat messages, group chat, alerts, and notifications.
type Message struct {
	XMLName xml.Name    `xml:"message"`
	ID      string      `xml:"id,attr"`
	To      jid.JID     `xml:"to,attr"`
	From    jid.JID     `xml:"from,attr"`
	Lang    string      `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    MessageType `xml:"type,attr,omitempty"`
}

// MessageType is the type of a message stanza.
// It should normally be one of the constants defined in this package.
type MessageType string

const (
	// NormalMessage is a single message sent outside the context of a
	// one-to-one or group chat.
	NormalMessage MessageType = "normal"

	// ChatMessage is sent in the context of a one-to-one chat session.
	ChatMessage MessageType = "chat"

	// HeadlineMessage is sent in the context of a "headline" feed such as a
	// news ticker or stock alert.
	HeadlineMessage MessageType = "headline"

	// ErrorMessage indicates that an error occurred regarding processing of a
	// previously sent message.
	ErrorMessage MessageType = "error"
)

// MarshalXMLAttr satisfies the MarshalerAttr interface.
func (t MessageType) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: string(t)}, nil
}

// UnmarshalXMLAttr satisfies the UnmarshalerAttr interface.
func (t *MessageType) UnmarshalXMLAttr(attr xml.Attr) error {
	*t = MessageType(attr.Value)
	return nil
}

// StartElement converts the Message into an XML token.
func (m Message) StartElement() xml.StartElement {
	name := m.XMLName
	name.Local = "message"

	attr := make([]xml.Attr, 0, 4)
	if m.ID != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: m.ID})
	}
	if !m.To.Equal(jid.JID{}) {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: m.To.String()})
	}
	if !m.From.Equal(jid.JID{}) {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: m.From.String()})
	}
	if m.Lang != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: m.Lang})
	}
	if m.Type != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(m.Type)})
	}

	return xml.StartElement{Name: name, Attr: attr}
}

// Wrap wraps the payload in the message stanza.
func (m Message) Wrap(payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, m.StartElement())
}

// WrapMessage wraps payload in a message stanza addressed to to with the
// given type.
func WrapMessage(to jid.JID, typ MessageType, payload xml.TokenReader) xml.TokenReader {
	m := Message{To: to, Type: typ}
	return m.Wrap(payload)
}
