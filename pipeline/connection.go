package pipeline

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"net/http"
	"net/netip"
	"net/url"
)

type connection struct {
	local, remote net.Addr
	ssl           SSLConnection
}

// NewConnection creates a Connection from its addresses. ssl is nil for
// plaintext connections.
func NewConnection(local, remote net.Addr, ssl SSLConnection) Connection {
	return &connection{local: local, remote: remote, ssl: ssl}
}

// RequestConnection creates the Connection of an incoming request served by
// net/http. localCert is the certificate the server presented, it can be
// nil.
func RequestConnection(r *http.Request, localCert *x509.Certificate) Connection {
	local, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)

	var remote net.Addr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		remote = net.TCPAddrFromAddrPort(ap)
	}

	var ssl SSLConnection
	if r.TLS != nil {
		ssl = NewTLSConnection(r.TLS, localCert)
	}

	return NewConnection(local, remote, ssl)
}

func (c *connection) LocalAddr() net.Addr  { return c.local }
func (c *connection) RemoteAddr() net.Addr { return c.remote }
func (c *connection) SSL() SSLConnection   { return c.ssl }

type tlsConnection struct {
	local, peer *x509.Certificate
}

// NewTLSConnection creates an SSLConnection from the state of a TLS
// connection. The peer certificate is the first one the client presented.
func NewTLSConnection(state *tls.ConnectionState, local *x509.Certificate) SSLConnection {
	c := &tlsConnection{local: local}
	if state != nil && len(state.PeerCertificates) > 0 {
		c.peer = state.PeerCertificates[0]
	}

	return c
}

func uriSANs(c *x509.Certificate) []string {
	if c == nil {
		return nil
	}

	var sans []string
	for _, u := range c.URIs {
		sans = append(sans, u.String())
	}

	return sans
}

func dnsSANs(c *x509.Certificate) []string {
	if c == nil {
		return nil
	}

	return c.DNSNames
}

func subject(c *x509.Certificate) string {
	if c == nil {
		return ""
	}

	return c.Subject.String()
}

func (c *tlsConnection) URISANLocalCertificate() []string  { return uriSANs(c.local) }
func (c *tlsConnection) DNSSANsLocalCertificate() []string { return dnsSANs(c.local) }
func (c *tlsConnection) SubjectLocalCertificate() string   { return subject(c.local) }
func (c *tlsConnection) URISANPeerCertificate() []string   { return uriSANs(c.peer) }
func (c *tlsConnection) DNSSANsPeerCertificate() []string  { return dnsSANs(c.peer) }
func (c *tlsConnection) SubjectPeerCertificate() string    { return subject(c.peer) }

func (c *tlsConnection) URLEncodedPEMEncodedPeerCertificate() string {
	if c.peer == nil {
		return ""
	}

	b := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.peer.Raw})
	return url.QueryEscape(string(b))
}
