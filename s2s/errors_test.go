// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorStringIncludesKindAndPair(t *testing.T) {
	pair := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "b.test"))
	err := wrapErr(DialbackFailure, pair, errors.New("key rejected"))

	got := err.Error()
	for _, want := range []string{"dialback-failure", "a.test->b.test", "key rejected"} {
		if !strings.Contains(got, want) {
			t.Errorf("error string %q missing %q", got, want)
		}
	}
}

func TestErrorStringWithoutCause(t *testing.T) {
	pair := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "b.test"))
	err := &Error{Kind: InputInvalid, Pair: pair}

	got := err.Error()
	if !strings.Contains(got, "input-invalid") {
		t.Errorf("error string %q missing kind", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	pair := NewDomainPair(mustTestJID(t, "a.test"), mustTestJID(t, "b.test"))
	err := wrapErr(ConnectError, pair, cause)

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to see through to the wrapped cause")
	}
}

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		InputInvalid:       "input-invalid",
		PolicyDenied:       "policy-denied",
		Unavailable:        "unavailable",
		ConnectError:       "connect-error",
		TLSHandshakeError:  "tls-handshake-error",
		TLSPolicyViolation: "tls-policy-violation",
		SASLFailure:        "sasl-failure",
		DialbackFailure:    "dialback-failure",
		ParseError:         "parse-error",
		ErrorKind(999):     "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
