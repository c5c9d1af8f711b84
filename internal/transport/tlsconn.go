package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// TLSConfig describes how to wrap a connection for STARTTLS: client
// certificate and CA pool loaded once, then applied mid-stream after an
// option negotiation rather than at dial time.
type TLSConfig struct {
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
	ServerName     string
	Insecure       bool // skip peer verification; for test harnesses only
}

// Build constructs a *tls.Config from c, loading the client certificate and
// CA pool from disk.
func (c TLSConfig) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.Insecure,
	}

	if c.ClientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("transport: loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.CACertPath != "" {
		pool, err := loadCACertPool(c.CACertPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func loadCACertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transport: reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("transport: failed to parse CA certificate from %s", path)
	}
	return pool, nil
}

// TLS wraps a Plain transport's connection in a *tls.Conn after STARTTLS
// negotiation completes. Unlike Plain, Direction can diverge from what the
// caller asked for: a handshake step or post-handshake renegotiation may
// need to read before it can produce the write bytes the caller wants, or
// vice versa, so Direction reports the tls.Conn's own signal rather than a
// constant.
type TLS struct {
	conn    *tls.Conn
	fd      int
	wantsRd bool
	wantsWr bool
}

// UpgradeClient wraps plain in a client-side tls.Conn without starting the
// handshake. The caller drives the handshake by calling Handshake on the
// returned *TLS until it returns nil; while the handshake is incomplete
// Handshake returns ErrWouldBlock and Direction reports which way to poll
// next.
func UpgradeClient(plain *Plain, cfg *tls.Config) *TLS {
	conn := tls.Client(connWithDeadlines{plain}, cfg)
	return &TLS{conn: conn, fd: plain.fd}
}

// connWithDeadlines adapts Plain to net.Conn so crypto/tls can drive it; tls.Conn
// calls Read/Write directly and relies on the expired-deadline-returns-
// ErrWouldBlock translation happening one layer further down, so this
// adapter re-expresses ErrWouldBlock as a net.Error timeout that tls.Conn's
// internal retry logic already knows how to propagate to its own caller.
type connWithDeadlines struct{ *Plain }

func (c connWithDeadlines) Read(b []byte) (int, error) {
	n, err := c.Plain.Recv(b)
	if err == ErrWouldBlock {
		return n, timeoutError{}
	}
	return n, err
}

func (c connWithDeadlines) Write(b []byte) (int, error) {
	n, err := c.Plain.Send(b, false)
	if err == ErrWouldBlock {
		return n, timeoutError{}
	}
	return n, err
}

func (c connWithDeadlines) LocalAddr() net.Addr                { return c.Plain.conn.LocalAddr() }
func (c connWithDeadlines) RemoteAddr() net.Addr               { return c.Plain.conn.RemoteAddr() }
func (c connWithDeadlines) SetDeadline(t time.Time) error      { return c.Plain.conn.SetDeadline(t) }
func (c connWithDeadlines) SetReadDeadline(t time.Time) error  { return c.Plain.conn.SetReadDeadline(t) }
func (c connWithDeadlines) SetWriteDeadline(t time.Time) error { return c.Plain.conn.SetWriteDeadline(t) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Handshake advances the TLS handshake by one non-blocking step.
func (t *TLS) Handshake() error {
	err := t.conn.Handshake()
	if err == nil {
		t.wantsRd, t.wantsWr = false, false
		return nil
	}
	if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
		t.wantsRd = true
		return ErrWouldBlock
	}
	return err
}

func (t *TLS) Recv(buf []byte) (int, error) {
	n, err := t.conn.Read(buf)
	if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
		return n, ErrWouldBlock
	}
	return n, err
}

func (t *TLS) Send(buf []byte, moreHint bool) (int, error) {
	n, err := t.conn.Write(buf)
	if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
		return n, ErrWouldBlock
	}
	return n, err
}

func (t *TLS) FD() int { return t.fd }

func (t *TLS) Direction() Direction {
	switch {
	case t.wantsRd && t.wantsWr:
		return DirBoth
	case t.wantsRd:
		return DirRead
	case t.wantsWr:
		return DirWrite
	default:
		return DirBoth
	}
}

func (t *TLS) ShutWrites() error { return t.conn.CloseWrite() }
func (t *TLS) Close() error      { return t.conn.Close() }
