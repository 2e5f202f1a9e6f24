// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"bytes"
	"strings"
	"testing"

	"vireo.im/xmpp/jid"
)

// scriptedConn is a minimal io.ReadWriteCloser whose Read plays back a
// canned peer response and whose Write is recorded for inspection.
type scriptedConn struct {
	reply bytes.Buffer
	out   bytes.Buffer
}

func newScriptedConn(reply string) *scriptedConn {
	c := &scriptedConn{}
	c.reply.WriteString(reply)
	return c
}

func (c *scriptedConn) Read(p []byte) (int, error)  { return c.reply.Read(p) }
func (c *scriptedConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *scriptedConn) Close() error                { return nil }

func TestPlanReuseExactPairAlreadyAuthorized(t *testing.T) {
	reg := NewRegistry()
	pair := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "b.test"))
	sess := newTestSession(t, reg, pair, Dialback)
	reg.Register(sess)

	got, err := planReuse(reg, pair)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != sess {
		t.Fatalf("expected to reuse the existing session")
	}
}

func TestPlanReuseRefusesSASLExternalPiggyback(t *testing.T) {
	reg := NewRegistry()
	pair := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "b.test"))
	sess := newTestSession(t, reg, pair, SASLEXTERNAL)
	reg.Register(sess)

	incoming := fakeIncoming{domains: []jid.JID{mustTestJID(t, "chat.b.test")}}
	reg.RegisterIncoming(mustTestJID(t, "b.test"), incoming)

	other := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "chat.b.test"))
	if _, err := planReuse(reg, other); err != ErrCannotReuse {
		t.Fatalf("expected ErrCannotReuse for a SASL EXTERNAL session, got %v", err)
	}
}

func TestPlanReusePiggybacksOnSubdomain(t *testing.T) {
	reg := NewRegistry()
	base := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "b.test"))
	conn := newScriptedConn(`<db:result xmlns:db='jabber:server:dialback' type='valid'/>`)
	sess := newOutgoingServerSession(base.Remote, conn, "stream1", Dialback, false, reg.RoutingTable(), "secret")
	sess.AddPair(base)
	reg.Register(sess)

	incoming := fakeIncoming{domains: []jid.JID{mustTestJID(t, "chat.b.test")}}
	reg.RegisterIncoming(mustTestJID(t, "b.test"), incoming)

	want := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "chat.b.test"))
	got, err := planReuse(reg, want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != sess {
		t.Fatalf("expected piggyback to reuse the existing session")
	}
	if !sess.Contains(want) {
		t.Errorf("expected pair to be added to the session after piggyback")
	}
	if !strings.Contains(conn.out.String(), "chat.b.test") {
		t.Errorf("expected a db:result to be sent for the new pair, got %q", conn.out.String())
	}
}

func TestPlanReuseNoCandidate(t *testing.T) {
	reg := NewRegistry()
	pair := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "b.test"))
	if _, err := planReuse(reg, pair); err != ErrCannotReuse {
		t.Fatalf("expected ErrCannotReuse, got %v", err)
	}
}

func TestPlanReusePiggybackFailureNotReused(t *testing.T) {
	reg := NewRegistry()
	base := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "b.test"))
	conn := newScriptedConn(`<db:result xmlns:db='jabber:server:dialback' type='invalid'/>`)
	sess := newOutgoingServerSession(base.Remote, conn, "stream1", Dialback, false, reg.RoutingTable(), "secret")
	sess.AddPair(base)
	reg.Register(sess)

	incoming := fakeIncoming{domains: []jid.JID{mustTestJID(t, "chat.b.test")}}
	reg.RegisterIncoming(mustTestJID(t, "b.test"), incoming)

	want := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "chat.b.test"))
	if _, err := planReuse(reg, want); err == nil {
		t.Fatalf("expected dialback rejection to propagate as an error")
	}
	if sess.Contains(want) {
		t.Errorf("pair must not be authorized after a failed piggyback")
	}
}
