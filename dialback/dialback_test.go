// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package dialback_test

import (
	"bytes"
	"encoding/xml"
	"strings"
	"testing"

	"vireo.im/xmpp/dialback"
)

func TestSendResult(t *testing.T) {
	var buf bytes.Buffer
	if err := dialback.SendResult(&buf, "a.test", "b.test", "abc123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `from='a.test'`) || !strings.Contains(out, `to='b.test'`) || !strings.Contains(out, `>abc123<`) {
		t.Errorf("unexpected result element: %s", out)
	}
}

func TestAwaitResultValid(t *testing.T) {
	d := xml.NewDecoder(strings.NewReader(`<db:result xmlns:db='jabber:server:dialback' from='b.test' to='a.test' type='valid'/>`))
	if err := dialback.AwaitResult(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAwaitResultInvalid(t *testing.T) {
	d := xml.NewDecoder(strings.NewReader(`<db:result xmlns:db='jabber:server:dialback' from='b.test' to='a.test' type='invalid'/>`))
	if err := dialback.AwaitResult(d); err != dialback.ErrInvalid {
		t.Fatalf("want=%v, got=%v", dialback.ErrInvalid, err)
	}
}
