// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"encoding/xml"
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// JID represents an XMPP address (Jabber ID) comprising a localpart,
// domainpart, and resourcepart. All parts of a JID are guaranteed to be
// valid UTF-8 and are stored in their canonical form, which gives comparison
// the greatest chance of succeeding.
//
// The zero value is not a valid JID; use Parse or New to construct one.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// Parse constructs a new JID from the given string representation.
func Parse(s string) (JID, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(localpart, domainpart, resourcepart)
}

// MustParse is like Parse but panics if the JID cannot be parsed.
// It simplifies safe initialization of JIDs from known-good constant
// strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a new JID from the given localpart, domainpart, and
// resourcepart.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, errors.New("jid: part contains invalid UTF-8")
	}

	// RFC 7622 §3.2.1: an entity that prepares a string for inclusion in an
	// XMPP domainpart slot MUST ensure that the string consists only of
	// Unicode code points allowed in NR-LDH labels or U-labels; A-labels
	// MUST be converted to U-labels.
	domainpart, err := idna.ToUnicode(domainpart)
	if err != nil {
		return JID{}, err
	}
	if !utf8.ValidString(domainpart) {
		return JID{}, errors.New("jid: domainpart contains invalid UTF-8")
	}
	domainpart = strings.ToLower(domainpart)

	if localpart != "" {
		b, err := precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
		localpart = b
	}
	if resourcepart != "" {
		b, err := precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
		resourcepart = b
	}
	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return JID{}, err
	}

	return JID{
		localpart:    localpart,
		domainpart:   domainpart,
		resourcepart: resourcepart,
	}, nil
}

// WithLocal returns a copy of the JID with a new localpart.
func (j JID) WithLocal(localpart string) (JID, error) {
	return New(localpart, j.domainpart, j.resourcepart)
}

// WithResource returns a copy of the JID with a new resourcepart.
func (j JID) WithResource(resourcepart string) (JID, error) {
	return New(j.localpart, j.domainpart, resourcepart)
}

// Bare returns a copy of the JID without a resourcepart.
func (j JID) Bare() JID {
	j.resourcepart = ""
	return j
}

// Domain returns a copy of the JID with only a domainpart.
func (j JID) Domain() JID {
	j.localpart = ""
	j.resourcepart = ""
	return j
}

// Localpart returns the localpart of the JID, if any.
func (j JID) Localpart() string { return j.localpart }

// Domainpart returns the domainpart of the JID.
func (j JID) Domainpart() string { return j.domainpart }

// Resourcepart returns the resourcepart of the JID, if any.
func (j JID) Resourcepart() string { return j.resourcepart }

// IsZero reports whether j is the zero-value JID.
func (j JID) IsZero() bool {
	return j.localpart == "" && j.domainpart == "" && j.resourcepart == ""
}

// String returns the string representation of the JID, of the form
// "[localpart@]domainpart[/resourcepart]".
func (j JID) String() string {
	var b strings.Builder
	if j.localpart != "" {
		b.WriteString(j.localpart)
		b.WriteByte('@')
	}
	b.WriteString(j.domainpart)
	if j.resourcepart != "" {
		b.WriteByte('/')
		b.WriteString(j.resourcepart)
	}
	return b.String()
}

// Equal reports whether j and j2 represent the same address.
// Comparison is performed on the normalized parts, which for the domainpart
// is already lowercased, so Equal is effectively case-insensitive on the
// domain.
func (j JID) Equal(j2 JID) bool {
	return j.localpart == j2.localpart &&
		j.domainpart == j2.domainpart &&
		j.resourcepart == j2.resourcepart
}

// DomainEqual reports whether j and j2 share the same domainpart, ignoring
// case and any local or resource part. It is the comparison used when
// deciding whether two server-to-server domain pairs refer to the same
// remote host.
func (j JID) DomainEqual(j2 JID) bool {
	return strings.EqualFold(j.domainpart, j2.domainpart)
}

// MarshalXML satisfies the xml.Marshaler interface and marshals the JID as
// XML character data.
func (j JID) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeToken(xml.CharData(j.String())); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML satisfies the xml.Unmarshaler interface.
func (j *JID) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var s string
	if err := d.DecodeElement(&s, &start); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// SplitString splits a JID string into its localpart, domainpart, and
// resourcepart.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	if idx := strings.IndexByte(s, '/'); idx != -1 {
		s, resourcepart = s[:idx], s[idx+1:]
		if resourcepart == "" {
			return "", "", "", errors.New("jid: resourcepart must not be empty if the separator is present")
		}
	}
	if idx := strings.IndexByte(s, '@'); idx != -1 {
		localpart, s = s[:idx], s[idx+1:]
		if localpart == "" {
			return "", "", "", errors.New("jid: localpart must not be empty if the separator is present")
		}
	}
	domainpart = s
	if domainpart == "" {
		return "", "", "", errors.New("jid: domainpart must not be empty")
	}
	return localpart, domainpart, resourcepart, nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	switch {
	case len(localpart) > 1023:
		return errors.New("jid: localpart must be smaller than 1024 bytes")
	case len(domainpart) > 1023:
		return errors.New("jid: domainpart must be smaller than 1024 bytes")
	case len(resourcepart) > 1023:
		return errors.New("jid: resourcepart must be smaller than 1024 bytes")
	}
	for _, r := range localpart {
		switch r {
		case '"', '&', '\'', '/', ':', '<', '>', '@':
			return errors.New("jid: localpart contains forbidden character " + strconv.QuoteRune(r))
		}
	}
	if strings.ContainsAny(domainpart, " \t\r\n") {
		return errors.New("jid: domainpart must not contain whitespace")
	}
	return nil
}
