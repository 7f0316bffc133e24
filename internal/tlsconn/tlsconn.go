//go:build unix

// Package tlsconn implements a pluggable TLS provider over Go's standard
// crypto/tls. Only one concrete provider ships — no second TLS stack
// appears anywhere in the retrieval corpus — but callers go through the
// Provider interface so a second one could be added without touching
// them.
package tlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/embedthis/ioto-core/internal/fiber"
	"github.com/embedthis/ioto-core/internal/koderr"
	"github.com/embedthis/ioto-core/internal/netio"
)

// Config materializes one socket's TLS material: certificate, key,
// trusted CA, ALPN protocol list, and verification policy. Certificate
// and key can come from a file pair (CertFile/KeyFile) or, for material
// that was never written to disk (a no-save provisioning mode), from a
// PEM pair held in memory (CertPEM/KeyPEM). CertFile takes precedence
// when both are set.
type Config struct {
	CertFile     string
	KeyFile      string
	CertPEM      []byte
	KeyPEM       []byte
	CAFile       string
	ALPN         []string
	ServerName   string // client-side SNI override; defaults to the dial hostname
	VerifyIssuer bool   // when false, an untrusted or self-signed chain is not fatal
}

// Provider configures TLS contexts. Configure is called exactly once per
// listener or per outbound dial.
type Provider interface {
	Configure(cfg Config, server bool) (*Context, error)
}

// Context is a materialized TLS configuration, shared across every
// connection accepted on a listener (the "accept shares the listener's
// configured context" requirement needs no separate method: callers just
// reuse the same *Context for every Upgrade).
type Context struct {
	tlsConfig *tls.Config
}

// Conn is an established TLS connection layered over a netio.Socket.
type Conn struct {
	tlsConn *tls.Conn
	adapter *connAdapter
}

type stdProvider struct{}

// NewProvider returns the standard crypto/tls-backed Provider.
func NewProvider() Provider { return stdProvider{} }

func (stdProvider) Configure(cfg Config, server bool) (*Context, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, koderr.New(koderr.CantOpen, "tlsconn.Configure", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case len(cfg.CertPEM) > 0 && len(cfg.KeyPEM) > 0:
		cert, err := tls.X509KeyPair(cfg.CertPEM, cfg.KeyPEM)
		if err != nil {
			return nil, koderr.New(koderr.BadData, "tlsconn.Configure", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, koderr.New(koderr.CantOpen, "tlsconn.Configure", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, koderr.New(koderr.BadData, "tlsconn.Configure", nil)
		}
		tlsCfg.RootCAs = pool
		if server {
			tlsCfg.ClientCAs = pool
			tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	if len(cfg.ALPN) > 0 {
		tlsCfg.NextProtos = cfg.ALPN
	}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}

	if !cfg.VerifyIssuer {
		// An untrusted or self-signed chain is tolerated; expiry is not.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyConnection = verifyExpiryOnly
	}
	return &Context{tlsConfig: tlsCfg}, nil
}

func verifyExpiryOnly(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return nil
	}
	leaf := cs.PeerCertificates[0]
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return koderr.New(koderr.BadData, "tlsconn.verify", x509.CertificateInvalidError{Cert: leaf, Reason: x509.Expired})
	}
	return nil
}

// Accept shares this listener context with a newly accepted connection.
func (c *Context) Accept() *Context { return c }

// Upgrade binds sock to a TLS connection and drives the handshake. The
// handshake's want-read/want-write state machine is absorbed by the
// connAdapter: crypto/tls sees an ordinary blocking io.ReadWriter, while
// the adapter's Read/Write calls netio.Socket.Read/Write, which park the
// calling fiber on the reactor instead of blocking an OS thread. This is
// rather than a hand-rolled want-read/want-write dance: the state
// machine still exists, it just lives inside the standard library's
// handshake loop instead of being reimplemented here.
func (c *Context) Upgrade(caller *fiber.Fiber, sock *netio.Socket, server bool, peerHostname string, deadline time.Time) (*Conn, error) {
	cfg := c.tlsConfig
	if !server && peerHostname != "" && cfg.ServerName == "" {
		clone := cfg.Clone()
		clone.ServerName = peerHostname
		cfg = clone
	}

	adapter := &connAdapter{sock: sock, caller: caller, deadline: deadline}
	var tlsConn *tls.Conn
	if server {
		tlsConn = tls.Server(adapter, cfg)
	} else {
		tlsConn = tls.Client(adapter, cfg)
	}

	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, koderr.New(koderr.CantConnect, "tlsconn.Upgrade", err)
	}
	return &Conn{tlsConn: tlsConn, adapter: adapter}, nil
}

// Read fills buf, parking the calling fiber on the underlying socket's
// readiness until deadline if the handshake/record layer needs more data.
func (c *Conn) Read(caller *fiber.Fiber, buf []byte, deadline time.Time) (int, error) {
	c.adapter.caller = caller
	c.adapter.deadline = deadline
	n, err := c.tlsConn.Read(buf)
	if err != nil && err.Error() != "EOF" {
		return n, koderr.New(koderr.CantRead, "tlsconn.Read", err)
	}
	return n, err
}

// Write writes buf, parking the same way Read does on backpressure.
func (c *Conn) Write(caller *fiber.Fiber, buf []byte, deadline time.Time) (int, error) {
	c.adapter.caller = caller
	c.adapter.deadline = deadline
	n, err := c.tlsConn.Write(buf)
	if err != nil {
		return n, koderr.New(koderr.CantWrite, "tlsconn.Write", err)
	}
	return n, nil
}

// Close shuts down the TLS session. It does not close the underlying
// socket — the socket layer owns that lifecycle independently.
func (c *Conn) Close() error {
	return c.tlsConn.Close()
}

// ConnectionState exposes the negotiated TLS state (ALPN, peer certs) for
// callers that need to confirm client identity after Upgrade.
func (c *Conn) ConnectionState() tls.ConnectionState {
	return c.tlsConn.ConnectionState()
}
