// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"mellium.im/sasl"
	"vireo.im/xmpp/dialback"
	"vireo.im/xmpp/internal/decl"
	"vireo.im/xmpp/internal/ns"
	"vireo.im/xmpp/internal/saslerr"
	"vireo.im/xmpp/jid"
	"vireo.im/xmpp/stream"
	xmppx509 "vireo.im/xmpp/x509"
)

// offeredFeatures is the result of inspecting one <stream:features/>
// element for the handful of features this engine cares about.
type offeredFeatures struct {
	startTLS     bool
	saslExternal bool
	dialback     bool
}

func parseFeatures(d *xml.Decoder) (offeredFeatures, error) {
	tok, err := d.Token()
	if err != nil {
		return offeredFeatures{}, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != "features" {
		return offeredFeatures{}, stream.BadFormat
	}

	var f offeredFeatures
	for {
		tok, err := d.Token()
		if err != nil {
			return f, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return f, nil
		case xml.StartElement:
			switch {
			case t.Name.Space == ns.StartTLS && t.Name.Local == "starttls":
				f.startTLS = true
				if err := d.Skip(); err != nil {
					return f, err
				}
			case t.Name.Space == ns.SASL && t.Name.Local == "mechanisms":
				var mechs struct {
					List []string `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanism"`
				}
				if err := d.DecodeElement(&mechs, &t); err != nil {
					return f, err
				}
				for _, name := range mechs.List {
					if name == "EXTERNAL" {
						f.saslExternal = true
					}
				}
			case t.Name.Space == ns.Dialback && t.Name.Local == "dialback":
				f.dialback = true
				if err := d.Skip(); err != nil {
					return f, err
				}
			default:
				if err := d.Skip(); err != nil {
					return f, err
				}
			}
		}
	}
}

// deadliner is satisfied by net.Conn and *tls.Conn; it lets the handshake
// engine bound the wait for the peer's opening stream header without
// requiring a full net.Conn everywhere.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

// openStream writes the initiating entity's opening <stream:stream/> tag,
// declaring the dialback namespace when dialbackEnabled is set, per §6's
// wire protocol.
func openStream(w io.Writer, local, remote jid.JID, dialbackEnabled bool) error {
	var db string
	if dialbackEnabled {
		db = fmt.Sprintf(`xmlns:db='%s' `, ns.Dialback)
	}
	_, err := fmt.Fprintf(w,
		`<?xml version='1.0'?><stream:stream %sxmlns:stream='%s' xmlns='%s' from='%s' to='%s' version='1.0'>`,
		db, ns.Stream, ns.Server, local.String(), remote.String(),
	)
	return err
}

// isPlaintextInTLS reports whether err is the error the standard library's
// crypto/tls package surfaces when a direct-TLS socket turns out to be
// speaking plaintext.
func isPlaintextInTLS(err error) bool {
	return err != nil && strings.Contains(err.Error(), "first record does not look like a TLS handshake")
}

// connectRemote implements transition 1 of the handshake (Connect): it asks
// the transport collaborator for a socket to pair.Remote, honoring a
// Config.Port override by bypassing SRV discovery.
func connectRemote(ctx context.Context, cfg *Config, pair DomainPair) (net.Conn, bool, error) {
	if cfg.DialTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if cfg.Port != 0 {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(pair.Remote.Domainpart(), fmt.Sprint(cfg.Port)))
		return conn, false, err
	}
	return cfg.dialer().DialDirect(ctx, "tcp", pair.Remote, pair.Remote.Domainpart())
}

// handshake runs the full initiator-side S2S handshake for pair and
// returns an authenticated session, or a tagged *Error on failure. It
// guarantees that on every exit path the socket it opened is closed
// exactly once unless a session is returned (in which case the session
// owns the connection).
func handshake(ctx context.Context, cfg *Config, pair DomainPair) (*OutgoingServerSession, *Error) {
	conn, directTLS, err := connectRemote(ctx, cfg, pair)
	if err != nil {
		return nil, wrapErr(ConnectError, pair, err)
	}
	return runHandshake(ctx, cfg, pair, conn, directTLS)
}

// runHandshake drives transitions 2 through 8. cur always names whatever
// socket or TLS layer is presently in play; on any failing return the
// deferred cleanup closes it, so every other helper here can simply return
// an error without worrying about resource cleanup itself. On success the
// returned session owns cur and is responsible for closing it.
func runHandshake(ctx context.Context, cfg *Config, pair DomainPair, conn net.Conn, directTLS bool) (sess *OutgoingServerSession, hErr *Error) {
	cur := conn
	defer func() {
		if hErr != nil {
			cur.Close()
		}
	}()

	isEncrypted := directTLS

	if directTLS {
		tlsConn, fellBack, err := directTLSHandshake(ctx, cfg, pair, cur)
		if err != nil {
			return nil, err
		}
		if fellBack {
			// The peer turned out to speak plaintext on the TLS port; start
			// over on a fresh plain socket.
			cur.Close()
			plainConn, dialErr := net.Dial("tcp", net.JoinHostPort(pair.Remote.Domainpart(), fmt.Sprint(cfg.port())))
			if dialErr != nil {
				cur = nopConn{}
				return nil, wrapErr(ConnectError, pair, dialErr)
			}
			cur = plainConn
			directTLS = false
			isEncrypted = false
		} else {
			cur = tlsConn
			isEncrypted = true
		}
	}

	info, offered, err := openAndReadFeatures(ctx, cfg, pair, cur)
	if err != nil {
		return nil, err
	}

	if info.Version.Major < 1 {
		// Pre-XMPP-1.0 peer: skip feature negotiation entirely and go
		// straight to legacy dialback (step 8).
		return legacyDialback(ctx, cfg, pair, cur, info, isEncrypted)
	}

	switch {
	case directTLS:
		// Already encrypted; authenticate over the existing link.
		return authenticate(ctx, cfg, pair, cur, info, offered, isEncrypted)

	case offered.startTLS && cfg.TLS != TLSDisabled:
		newConn, newInfo, newOffered, sErr := negotiateStartTLS(ctx, cfg, pair, cur)
		if sErr != nil {
			return nil, sErr
		}
		cur = newConn
		return authenticate(ctx, cfg, pair, newConn, newInfo, newOffered, true)

	case cfg.TLS == TLSRequired:
		writeStreamError(cur, stream.NotAuthorized.WithText("TLS is mandatory, but was not established."))
		return nil, wrapErr(TLSPolicyViolation, pair, errors.New("peer did not offer starttls"))

	case cfg.DialbackEnabled && offered.dialback:
		sess, dErr := dialbackInitiate(ctx, cfg, pair, cur, info, isEncrypted)
		if dErr == nil {
			return sess, nil
		}
		if cfg.TLS != TLSRequired {
			// In-band dialback is itself an in-band attempt; its failure
			// falls through to the plain-dialback retry on a fresh socket
			// just as a SASL failure would (step 8).
			cur.Close()
			cur = nopConn{}
			return plainDialbackFallback(ctx, cfg, pair)
		}
		return nil, dErr

	default:
		cur.Close()
		cur = nopConn{}
		return plainDialbackFallback(ctx, cfg, pair)
	}
}

// nopConn stands in for cur when the socket it replaces has already been
// closed and no replacement could be dialed; it lets the deferred cleanup
// in runHandshake close unconditionally without a nil check.
type nopConn struct{ net.Conn }

func (nopConn) Close() error { return nil }

// directTLSHandshake performs transition 2: an immediate TLS handshake on
// a socket the transport layer signaled as implicit-TLS. If the peer is
// actually speaking plaintext and the config permits it, fellBack is true
// and the caller must retry on a fresh plain socket.
func directTLSHandshake(ctx context.Context, cfg *Config, pair DomainPair, conn net.Conn) (tlsConn *tls.Conn, fellBack bool, handshakeErr *Error) {
	conf, outcome := cloneTLSConfig(cfg.TLSConfig, pair.Remote.Domainpart())
	tlsConn = tls.Client(conn, conf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if isPlaintextInTLS(err) && cfg.AllowNonDirectTLSFallback {
			return nil, true, nil
		}
		return nil, false, wrapErr(TLSHandshakeError, pair, err)
	}
	if err := verifyPeerCertificate(cfg, pair, outcome); err != nil {
		return nil, false, err
	}
	return tlsConn, false, nil
}

// certVerifyOutcome carries the result of the identity check performed by
// the VerifyPeerCertificate callback installed in cloneTLSConfig out to the
// caller. InsecureSkipVerify is always set so that the TLS handshake itself
// never aborts on a certificate problem; RFC 6120 §5.4.3.2's "continue with
// unauthenticated TLS" rescue path requires the handshake to complete even
// when verification fails, with the policy decision made afterward.
type certVerifyOutcome struct {
	verified bool
	err      error
}

// cloneTLSConfig copies cfg (or starts from a zero value), binds it to
// serverName, and installs a VerifyPeerCertificate callback that performs
// RFC 6125 identity matching against the XMPP-specific SAN types (SRVName,
// id-on-xmppAddr) in addition to ordinary DNS-ID names, since S2S
// certificates are commonly issued with only an otherName xmppAddr SAN that
// crypto/tls's own hostname check does not understand.
func cloneTLSConfig(cfg *tls.Config, serverName string) (*tls.Config, *certVerifyOutcome) {
	var out tls.Config
	if cfg != nil {
		out = *cfg
	}
	out.ServerName = serverName
	out.InsecureSkipVerify = true

	outcome := &certVerifyOutcome{}
	roots := out.RootCAs
	out.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		outcome.verified, outcome.err = verifyXMPPIdentity(rawCerts, roots, serverName)
		return nil
	}
	return &out, outcome
}

// verifyXMPPIdentity builds the certificate chain from rawCerts, checks it
// against roots (the system pool if nil), and then matches the leaf's
// identity against serverName using DNS-ID matching and, failing that, the
// XMPP identity types described in RFC 6120 §13.7.1.2.
func verifyXMPPIdentity(rawCerts [][]byte, roots *x509.CertPool, serverName string) (bool, error) {
	if len(rawCerts) == 0 {
		return false, errors.New("no certificate presented")
	}
	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return false, err
		}
		certs[i] = cert
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
	}); err != nil {
		return false, err
	}

	if certs[0].VerifyHostname(serverName) == nil {
		return true, nil
	}

	xcert, err := xmppx509.FromCertificate(certs[0])
	if err != nil {
		return false, err
	}
	for _, addr := range xcert.XMPPAddresses {
		if strings.EqualFold(addr, serverName) {
			return true, nil
		}
	}
	for _, srv := range xcert.SRVNames {
		if srvNameMatchesDomain(srv, serverName) {
			return true, nil
		}
	}
	return false, fmt.Errorf("certificate is not valid for xmpp domain %s", serverName)
}

// srvNameMatchesDomain reports whether srvName (an RFC 4985 SRVName, e.g.
// "_xmpp-server.example.com") identifies domain.
func srvNameMatchesDomain(srvName, domain string) bool {
	const label = "_xmpp-server."
	return strings.HasPrefix(srvName, label) && strings.EqualFold(strings.TrimPrefix(srvName, label), domain)
}

// verifyPeerCertificate implements the certificate policy decisions shared
// by direct TLS and STARTTLS (§4.D step 7a): strict validation aborts on
// any failure, otherwise dialback (including dialback-for-self-signed) may
// rescue an unauthenticated-but-encrypted link.
func verifyPeerCertificate(cfg *Config, pair DomainPair, outcome *certVerifyOutcome) *Error {
	if outcome.verified {
		return nil
	}
	if cfg.StrictCertValidation {
		return wrapErr(TLSHandshakeError, pair, fmt.Errorf("peer certificate could not be verified: %w", outcome.err))
	}
	if cfg.DialbackEnabled || cfg.DialbackForSelfSigned {
		return nil
	}
	return wrapErr(TLSHandshakeError, pair, fmt.Errorf("peer certificate could not be verified and no dialback fallback is enabled: %w", outcome.err))
}

// expectStreamOpen reads the peer's opening <stream:stream/> response,
// skipping any leading XML declaration. Unlike internal/stream's Expect (built for
// the always-1.0 client/inbound paths), it does not reject a version other
// than 1.0: transition 4 requires the handshake engine itself to branch on
// info.Version.Major, since a pre-XMPP-1.0 peer sends no version attribute
// at all and must fall through to legacy dialback (step 8) rather than
// error out.
func expectStreamOpen(d *xml.Decoder) (stream.Info, error) {
	dec := decl.Skip(d)
	tok, err := dec.Token()
	if err != nil {
		return stream.Info{}, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != "stream" || start.Name.Space != stream.NS {
		return stream.Info{}, stream.BadFormat
	}
	var info stream.Info
	if err := info.FromStartElement(start); err != nil {
		return stream.Info{}, err
	}
	return info, nil
}

// openAndReadFeatures implements transitions 3-5: send the opening stream
// header, bound the wait for the peer's response, and parse the features
// list (when offered).
func openAndReadFeatures(ctx context.Context, cfg *Config, pair DomainPair, conn net.Conn) (stream.Info, offeredFeatures, *Error) {
	if err := openStream(conn, pair.Local, pair.Remote, cfg.DialbackEnabled); err != nil {
		return stream.Info{}, offeredFeatures{}, wrapErr(ParseError, pair, err)
	}

	if dl, ok := conn.(deadliner); ok {
		dl.SetReadDeadline(time.Now().Add(cfg.streamOpenTimeout()))
	}
	d := xml.NewDecoder(conn)
	info, err := expectStreamOpen(d)
	if dl, ok := conn.(deadliner); ok {
		dl.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return stream.Info{}, offeredFeatures{}, wrapErr(ParseError, pair, err)
	}

	if info.Version.Major < 1 {
		return info, offeredFeatures{}, nil
	}

	offered, err := parseFeatures(d)
	if err != nil {
		return info, offeredFeatures{}, wrapErr(ParseError, pair, err)
	}
	return info, offered, nil
}

// negotiateStartTLS implements transition 7a.
func negotiateStartTLS(ctx context.Context, cfg *Config, pair DomainPair, conn net.Conn) (net.Conn, stream.Info, offeredFeatures, *Error) {
	if _, err := io.WriteString(conn, `<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`); err != nil {
		return nil, stream.Info{}, offeredFeatures{}, wrapErr(ParseError, pair, err)
	}

	d := xml.NewDecoder(conn)
	tok, err := d.Token()
	if err != nil {
		return nil, stream.Info{}, offeredFeatures{}, wrapErr(ParseError, pair, err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return nil, stream.Info{}, offeredFeatures{}, wrapErr(ParseError, pair, stream.BadFormat)
	}
	switch {
	case start.Name.Space == ns.StartTLS && start.Name.Local == "proceed":
		d.Skip()
	case start.Name.Space == ns.StartTLS && start.Name.Local == "failure":
		d.Skip()
		return nil, stream.Info{}, offeredFeatures{}, wrapErr(TLSHandshakeError, pair, errors.New("peer sent starttls failure"))
	default:
		d.Skip()
		return nil, stream.Info{}, offeredFeatures{}, wrapErr(ParseError, pair, stream.BadFormat)
	}

	conf, outcome := cloneTLSConfig(cfg.TLSConfig, pair.Remote.Domainpart())
	tlsConn := tls.Client(conn, conf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, stream.Info{}, offeredFeatures{}, wrapErr(TLSHandshakeError, pair, err)
	}
	if vErr := verifyPeerCertificate(cfg, pair, outcome); vErr != nil {
		return nil, stream.Info{}, offeredFeatures{}, vErr
	}

	info, offered, hErr := openAndReadFeatures(ctx, cfg, pair, tlsConn)
	if hErr != nil {
		return nil, stream.Info{}, offeredFeatures{}, hErr
	}
	return tlsConn, info, offered, nil
}

// authenticate implements transition 7: try SASL EXTERNAL if offered, then
// fall back to in-band dialback.
func authenticate(ctx context.Context, cfg *Config, pair DomainPair, conn net.Conn, info stream.Info, offered offeredFeatures, isEncrypted bool) (*OutgoingServerSession, *Error) {
	if offered.saslExternal {
		sess, err := saslExternal(ctx, cfg, pair, conn, isEncrypted)
		if err == nil {
			return sess, nil
		}
		// SASL failed or was not completed; fall through to dialback.
	}
	if cfg.DialbackEnabled && offered.dialback {
		sess, dErr := dialbackInitiate(ctx, cfg, pair, conn, info, isEncrypted)
		if dErr == nil {
			return sess, nil
		}
		// In-band dialback is itself an in-band attempt; its failure falls
		// through to the plain-dialback retry on a fresh socket just as a
		// SASL failure would (step 8).
	}
	if cfg.TLS != TLSRequired {
		conn.Close()
		return plainDialbackFallback(ctx, cfg, pair)
	}
	return nil, wrapErr(SASLFailure, pair, errors.New("sasl external failed or unavailable and no fallback permitted"))
}

// saslExternal implements the SASL EXTERNAL half of transition 7, using the
// TLSAuth mechanism (an XMPP-flavored SASL EXTERNAL that asserts identity
// via the certificate already presented during the TLS handshake) to
// produce the initial response, exactly as a client negotiating SASL would.
func saslExternal(ctx context.Context, cfg *Config, pair DomainPair, conn net.Conn, isEncrypted bool) (*OutgoingServerSession, *Error) {
	client := sasl.NewClient(TLSAuth(), sasl.Credentials(func() (Username, Password, Identity []byte) {
		return nil, nil, []byte(pair.Local.String())
	}))
	_, resp, err := client.Step(nil)
	if err != nil {
		return nil, wrapErr(SASLFailure, pair, err)
	}
	initial := base64.StdEncoding.EncodeToString(resp)
	if _, err := fmt.Fprintf(conn,
		`<auth xmlns="%s" mechanism="EXTERNAL">%s</auth>`, ns.SASL, initial,
	); err != nil {
		return nil, wrapErr(SASLFailure, pair, err)
	}

	d := xml.NewDecoder(conn)
	tok, err := d.Token()
	if err != nil {
		return nil, wrapErr(SASLFailure, pair, err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return nil, wrapErr(ParseError, pair, stream.BadFormat)
	}
	switch {
	case start.Name.Space == ns.SASL && start.Name.Local == "success":
		d.Skip()
	case start.Name.Space == ns.SASL && start.Name.Local == "failure":
		fail := saslerr.Failure{}
		d.DecodeElement(&fail, &start)
		return nil, wrapErr(SASLFailure, pair, fail)
	default:
		d.Skip()
		return nil, wrapErr(ParseError, pair, stream.BadFormat)
	}

	// Resend the opening stream over the now-authenticated link and record
	// the new stream ID.
	info, _, sErr := openAndReadFeatures(ctx, cfg, pair, conn)
	if sErr != nil {
		return nil, sErr
	}

	return newOutgoingServerSession(pair.Remote, conn, info.ID, SASLEXTERNAL, isEncrypted, nil, cfg.Secret), nil
}

// dialbackInitiate implements transition 7b: in-band dialback over an
// XMPP 1.0 stream (TLS or not).
func dialbackInitiate(ctx context.Context, cfg *Config, pair DomainPair, conn net.Conn, info stream.Info, isEncrypted bool) (*OutgoingServerSession, *Error) {
	key := dialback.GenerateKey(cfg.Secret, pair.Local.String(), pair.Remote.String(), info.ID)
	if err := dialback.SendResult(conn, pair.Local.String(), pair.Remote.String(), key); err != nil {
		return nil, wrapErr(DialbackFailure, pair, err)
	}
	d := xml.NewDecoder(conn)
	if err := dialback.AwaitResult(d); err != nil {
		return nil, wrapErr(DialbackFailure, pair, err)
	}
	return newOutgoingServerSession(pair.Remote, conn, info.ID, Dialback, isEncrypted, nil, cfg.Secret), nil
}

// legacyDialback and plainDialbackFallback implement transition 8: the
// pre-XMPP-1.0 dialback exchange, used both when the peer's stream
// response never offered a version and as the last-resort fallback after
// every in-band attempt failed.
func legacyDialback(ctx context.Context, cfg *Config, pair DomainPair, conn net.Conn, info stream.Info, isEncrypted bool) (*OutgoingServerSession, *Error) {
	if !cfg.DialbackEnabled {
		return nil, wrapErr(DialbackFailure, pair, errors.New("peer does not speak xmpp 1.0 and dialback is disabled"))
	}
	return dialbackInitiate(ctx, cfg, pair, conn, info, isEncrypted)
}

func plainDialbackFallback(ctx context.Context, cfg *Config, pair DomainPair) (*OutgoingServerSession, *Error) {
	if !cfg.DialbackEnabled || cfg.TLS == TLSRequired {
		return nil, wrapErr(DialbackFailure, pair, errors.New("no fallback available"))
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(pair.Remote.Domainpart(), fmt.Sprint(cfg.port())))
	if err != nil {
		return nil, wrapErr(ConnectError, pair, err)
	}

	info, _, sErr := openAndReadFeatures(ctx, cfg, pair, conn)
	if sErr != nil {
		conn.Close()
		return nil, sErr
	}

	sess, dbErr := dialbackInitiate(ctx, cfg, pair, conn, info, false)
	if dbErr != nil {
		conn.Close()
		return nil, dbErr
	}
	return sess, nil
}

func writeStreamError(w io.Writer, serr stream.Error) {
	enc := xml.NewEncoder(w)
	serr.WriteXML(enc, xml.StartElement{})
}
