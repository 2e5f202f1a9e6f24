// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"
	"encoding/xml"
	"io"
	"net"
	"strings"
	"testing"

	"vireo.im/xmpp/stream"
)

func TestOpenStreamDeclaresDialbackNamespaceWhenEnabled(t *testing.T) {
	local := mustTestJID(t, "a.test")
	remote := mustTestJID(t, "b.test")

	var withDB strings.Builder
	if err := openStream(&withDB, local, remote, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(withDB.String(), "xmlns:db='jabber:server:dialback'") {
		t.Errorf("expected dialback namespace declaration, got %q", withDB.String())
	}

	var without strings.Builder
	if err := openStream(&without, local, remote, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(without.String(), "dialback") {
		t.Errorf("did not expect dialback namespace declaration, got %q", without.String())
	}
	if !strings.Contains(without.String(), "from='a.test'") || !strings.Contains(without.String(), "to='b.test'") {
		t.Errorf("expected from/to attributes, got %q", without.String())
	}
}

func TestParseFeatures(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want offeredFeatures
	}{
		{
			name: "empty",
			in:   `<stream:features xmlns:stream='http://etherx.jabber.org/streams'></stream:features>`,
			want: offeredFeatures{},
		},
		{
			name: "starttls only",
			in:   `<stream:features xmlns:stream='http://etherx.jabber.org/streams'><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/></stream:features>`,
			want: offeredFeatures{startTLS: true},
		},
		{
			name: "external and dialback",
			in: `<stream:features xmlns:stream='http://etherx.jabber.org/streams'>` +
				`<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>EXTERNAL</mechanism></mechanisms>` +
				`<dialback xmlns='jabber:server:dialback'/>` +
				`</stream:features>`,
			want: offeredFeatures{saslExternal: true, dialback: true},
		},
		{
			name: "unrelated mechanism is ignored",
			in: `<stream:features xmlns:stream='http://etherx.jabber.org/streams'>` +
				`<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms>` +
				`</stream:features>`,
			want: offeredFeatures{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := xml.NewDecoder(strings.NewReader(tc.in))
			got, err := parseFeatures(d)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestExpectStreamOpenAcceptsMissingVersion(t *testing.T) {
	d := xml.NewDecoder(strings.NewReader(
		`<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:server' from='b.test' to='a.test' id='legacy1'>`,
	))
	info, err := expectStreamOpen(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Version.Major != 0 {
		t.Errorf("expected major version 0 for a pre-1.0 peer, got %d", info.Version.Major)
	}
	if info.ID != "legacy1" {
		t.Errorf("expected stream id %q, got %q", "legacy1", info.ID)
	}
}

func TestExpectStreamOpenRejectsNonStreamElement(t *testing.T) {
	d := xml.NewDecoder(strings.NewReader(`<foo/>`))
	if _, err := expectStreamOpen(d); err == nil {
		t.Fatalf("expected an error for a non-stream element")
	}
}

// pipePeer drives the "remote" side of a net.Pipe during a handshake test:
// it lets a test script a sequence of reads/writes against the peer's end
// and, where a script calls drain, absorbs anything further the client
// writes so that a client write made before its deferred cleanup closes
// the socket (such as a stream error) never blocks forever.
type pipePeer struct {
	conn net.Conn
	dec  *xml.Decoder
}

func newPipePeer(conn net.Conn) *pipePeer {
	return &pipePeer{conn: conn, dec: xml.NewDecoder(conn)}
}

// nextStart reads tokens until the next start element, returning it. It
// runs on the peer goroutine, so on error it reports via t.Errorf rather
// than t.Fatalf (which is unsafe outside the test's own goroutine) and
// returns a zero element; the caller's own assertions, run back on the
// test goroutine after the peer finishes, still catch the failure.
func (p *pipePeer) nextStart(t *testing.T) xml.StartElement {
	t.Helper()
	for {
		tok, err := p.dec.Token()
		if err != nil {
			t.Errorf("peer: unexpected read error: %v", err)
			return xml.StartElement{}
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start
		}
	}
}

func (p *pipePeer) write(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(p.conn, s); err != nil {
		t.Errorf("peer: unexpected write error: %v", err)
	}
}

// drain absorbs anything further the client writes, unblocking a pending
// write on the client side (such as a stream error) without the peer
// needing to know its exact shape. It returns once the pipe is closed.
func (p *pipePeer) drain() {
	_, _ = io.Copy(io.Discard, p.conn)
}

func TestRunHandshakeTLSRequiredViolationWithoutSTARTTLS(t *testing.T) {
	local, remote := mustTestJID(t, "a.test"), mustTestJID(t, "b.test")
	pair := NewDomainPair(local, remote)
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := newPipePeer(server)
		peer.nextStart(t) // the client's opening <stream:stream>
		peer.write(t, `<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:server' from='b.test' to='a.test' id='s1' version='1.0'>`)
		peer.write(t, `<stream:features xmlns:stream='http://etherx.jabber.org/streams'></stream:features>`)
		peer.drain()
	}()

	cfg := &Config{TLS: TLSRequired}
	sess, hErr := runHandshake(context.Background(), cfg, pair, client, false)
	<-done

	if sess != nil {
		t.Fatalf("expected no session, got %v", sess)
	}
	if hErr == nil || hErr.Kind != TLSPolicyViolation {
		t.Fatalf("expected TLSPolicyViolation, got %v", hErr)
	}
}

func TestRunHandshakeDialbackWhenSASLNotOffered(t *testing.T) {
	local, remote := mustTestJID(t, "a.test"), mustTestJID(t, "b.test")
	pair := NewDomainPair(local, remote)
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := newPipePeer(server)
		peer.nextStart(t)
		peer.write(t, `<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:server' from='b.test' to='a.test' id='s1' version='1.0'>`)
		peer.write(t, `<stream:features xmlns:stream='http://etherx.jabber.org/streams'><dialback xmlns='jabber:server:dialback'/></stream:features>`)

		start := peer.nextStart(t)
		if start.Name.Local != "result" || start.Name.Space != "jabber:server:dialback" {
			t.Errorf("expected a db:result, got %+v", start.Name)
		}
		peer.write(t, `<db:result xmlns:db='jabber:server:dialback' type='valid'/>`)
	}()

	cfg := &Config{DialbackEnabled: true, Secret: "shh"}
	sess, hErr := runHandshake(context.Background(), cfg, pair, client, false)
	<-done

	if hErr != nil {
		t.Fatalf("unexpected error: %v", hErr)
	}
	if sess == nil {
		t.Fatalf("expected a session")
	}
	if sess.Method != Dialback {
		t.Errorf("expected dialback authentication, got %v", sess.Method)
	}
	if sess.IsEncrypted {
		t.Errorf("expected an unencrypted session")
	}
}

func TestRunHandshakeLegacyDialbackForPreXMPP1Peer(t *testing.T) {
	local, remote := mustTestJID(t, "a.test"), mustTestJID(t, "b.test")
	pair := NewDomainPair(local, remote)
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := newPipePeer(server)
		peer.nextStart(t)
		// No version attribute: a pre-XMPP-1.0 peer. No <stream:features/> is
		// sent either, since legacy peers never negotiate features.
		peer.write(t, `<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:server' from='b.test' to='a.test' id='s1'>`)

		start := peer.nextStart(t)
		if start.Name.Local != "result" {
			t.Errorf("expected legacy dialback to send db:result, got %+v", start.Name)
		}
		peer.write(t, `<db:result xmlns:db='jabber:server:dialback' type='valid'/>`)
	}()

	cfg := &Config{DialbackEnabled: true, Secret: "shh"}
	sess, hErr := runHandshake(context.Background(), cfg, pair, client, false)
	<-done

	if hErr != nil {
		t.Fatalf("unexpected error: %v", hErr)
	}
	if sess == nil || sess.Method != Dialback {
		t.Fatalf("expected a dialback session, got %v (%v)", sess, hErr)
	}
}

func TestRunHandshakeLegacyDialbackDisabledFails(t *testing.T) {
	local, remote := mustTestJID(t, "a.test"), mustTestJID(t, "b.test")
	pair := NewDomainPair(local, remote)
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := newPipePeer(server)
		peer.nextStart(t)
		peer.write(t, `<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:server' from='b.test' to='a.test' id='s1'>`)
		peer.drain()
	}()

	cfg := &Config{DialbackEnabled: false}
	sess, hErr := runHandshake(context.Background(), cfg, pair, client, false)
	<-done

	if sess != nil {
		t.Fatalf("expected no session")
	}
	if hErr == nil || hErr.Kind != DialbackFailure {
		t.Fatalf("expected DialbackFailure, got %v", hErr)
	}
}

func TestSASLExternalSuccessResendsStream(t *testing.T) {
	local, remote := mustTestJID(t, "a.test"), mustTestJID(t, "b.test")
	pair := NewDomainPair(local, remote)
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := newPipePeer(server)
		start := peer.nextStart(t)
		if start.Name.Local != "auth" {
			t.Errorf("expected <auth/>, got %+v", start.Name)
		}
		peer.write(t, `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`)

		peer.nextStart(t) // the resent opening <stream:stream>
		peer.write(t, `<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:server' from='b.test' to='a.test' id='s2' version='1.0'>`)
		peer.write(t, `<stream:features xmlns:stream='http://etherx.jabber.org/streams'></stream:features>`)
	}()

	cfg := &Config{}
	sess, hErr := saslExternal(context.Background(), cfg, pair, client, true)
	<-done

	if hErr != nil {
		t.Fatalf("unexpected error: %v", hErr)
	}
	if sess.Method != SASLEXTERNAL {
		t.Errorf("expected SASLEXTERNAL, got %v", sess.Method)
	}
	if sess.StreamID != "s2" {
		t.Errorf("expected the resent stream's id %q, got %q", "s2", sess.StreamID)
	}
	if !sess.IsEncrypted {
		t.Errorf("expected the session to report encrypted")
	}
}

func TestSASLExternalFailureFallsThroughToDialback(t *testing.T) {
	local, remote := mustTestJID(t, "a.test"), mustTestJID(t, "b.test")
	pair := NewDomainPair(local, remote)
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := newPipePeer(server)
		peer.nextStart(t)
		peer.write(t, `<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>`)

		start := peer.nextStart(t)
		if start.Name.Local != "result" {
			t.Errorf("expected fallback to dialback, got %+v", start.Name)
		}
		peer.write(t, `<db:result xmlns:db='jabber:server:dialback' type='valid'/>`)
	}()

	cfg := &Config{DialbackEnabled: true, Secret: "shh"}
	offered := offeredFeatures{saslExternal: true, dialback: true}
	sess, hErr := authenticate(context.Background(), cfg, pair, client, stream.Info{ID: "s1"}, offered, true)
	<-done

	if hErr != nil {
		t.Fatalf("unexpected error: %v", hErr)
	}
	if sess.Method != Dialback {
		t.Errorf("expected fallback authentication via dialback, got %v", sess.Method)
	}
}

func TestAuthenticateDialbackFailureFallsThroughToPlainDialback(t *testing.T) {
	local, remote := mustTestJID(t, "a.test"), mustTestJID(t, "localhost")
	pair := NewDomainPair(local, remote)
	client, server := net.Pipe()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen on loopback: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := newPipePeer(server)
		peer.nextStart(t) // the client's <auth/>
		peer.write(t, `<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>`)

		start := peer.nextStart(t) // inline dialback, attempted on the same socket
		if start.Name.Local != "result" {
			t.Errorf("expected an inline db:result after the sasl failure, got %+v", start.Name)
		}
		peer.write(t, `<db:result xmlns:db='jabber:server:dialback' type='invalid'/>`)
	}()

	fallbackDone := make(chan struct{})
	go func() {
		defer close(fallbackDone)
		conn, err := ln.Accept()
		if err != nil {
			t.Errorf("plain dialback fallback never connected: %v", err)
			return
		}
		defer conn.Close()
		peer := newPipePeer(conn)
		peer.nextStart(t) // the opening <stream:stream> on the fresh socket
		peer.write(t, `<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:server' from='localhost' to='a.test' id='s2'>`)

		start := peer.nextStart(t)
		if start.Name.Local != "result" {
			t.Errorf("expected the plain-dialback fallback to retry db:result, got %+v", start.Name)
		}
		peer.write(t, `<db:result xmlns:db='jabber:server:dialback' type='valid'/>`)
	}()

	cfg := &Config{DialbackEnabled: true, Secret: "shh", Port: port}
	offered := offeredFeatures{saslExternal: true, dialback: true}
	sess, hErr := authenticate(context.Background(), cfg, pair, client, stream.Info{ID: "s1"}, offered, true)
	<-done
	<-fallbackDone

	if hErr != nil {
		t.Fatalf("unexpected error: %v", hErr)
	}
	if sess == nil || sess.Method != Dialback {
		t.Fatalf("expected the plain-dialback fallback to produce a dialback session, got %v (%v)", sess, hErr)
	}
}

func TestAuthenticateNoFallbackWhenTLSRequired(t *testing.T) {
	local, remote := mustTestJID(t, "a.test"), mustTestJID(t, "b.test")
	pair := NewDomainPair(local, remote)
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := newPipePeer(server)
		peer.nextStart(t)
		peer.write(t, `<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>`)
	}()

	cfg := &Config{TLS: TLSRequired}
	offered := offeredFeatures{saslExternal: true}
	sess, hErr := authenticate(context.Background(), cfg, pair, client, stream.Info{ID: "s1"}, offered, true)
	<-done

	if sess != nil {
		t.Fatalf("expected no session")
	}
	if hErr == nil || hErr.Kind != SASLFailure {
		t.Fatalf("expected SASLFailure, got %v", hErr)
	}
}

func TestPlainDialbackFallbackRefusesWhenDisabledOrRequired(t *testing.T) {
	pair := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "b.test"))

	if _, hErr := plainDialbackFallback(context.Background(), &Config{DialbackEnabled: false}, pair); hErr == nil || hErr.Kind != DialbackFailure {
		t.Errorf("expected DialbackFailure when dialback is disabled, got %v", hErr)
	}
	if _, hErr := plainDialbackFallback(context.Background(), &Config{DialbackEnabled: true, TLS: TLSRequired}, pair); hErr == nil || hErr.Kind != DialbackFailure {
		t.Errorf("expected DialbackFailure when TLS is required, got %v", hErr)
	}
}

func TestIsPlaintextInTLS(t *testing.T) {
	if isPlaintextInTLS(nil) {
		t.Errorf("nil error must not be reported as plaintext-in-TLS")
	}
	if !isPlaintextInTLS(errPlaintextLike) {
		t.Errorf("expected the canned plaintext-detection error to match")
	}
}

var errPlaintextLike = plaintextErr{}

type plaintextErr struct{}

func (plaintextErr) Error() string {
	return "tls: first record does not look like a TLS handshake"
}

