package aproto

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn reads and writes packets on a transport. Reads and writes may happen
// concurrently with each other, but not with themselves. Once an error occurs,
// it is sticky, and all future operations will fail.
type Conn struct {
	rw   io.ReadWriter
	rbuf []byte
	wbuf []byte

	version    atomic.Uint32
	maxPayload atomic.Uint32

	errm sync.Mutex
	err  error
}

// New creates a new Conn on rw. Until [Conn.Negotiate] is called, it uses
// [VersionMin] (with checksums) and [MaxPayloadSize].
func New(rw io.ReadWriter) *Conn {
	c := &Conn{rw: rw}
	c.version.Store(VersionMin)
	c.maxPayload.Store(MaxPayloadSize)
	return c
}

// Negotiate updates the protocol version and maximum payload size to the lower
// of ours and the peer's.
func (c *Conn) Negotiate(version, maxPayload uint32) {
	c.version.Store(min(version, Version))
	c.maxPayload.Store(min(maxPayload, MaxPayloadSize))
}

// ProtocolVersion returns the current protocol version.
func (c *Conn) ProtocolVersion() uint32 {
	return c.version.Load()
}

// MaxPayloadSize returns the current maximum payload size for outgoing
// packets.
func (c *Conn) MaxPayloadSize() uint32 {
	return c.maxPayload.Load()
}

// Checksum returns true if outgoing packets include a payload checksum.
func (c *Conn) Checksum() bool {
	return c.version.Load() < VersionSkipChecksum
}

// CheckPayload returns an error matching [ErrPayloadTooLarge] if n bytes cannot
// be sent in a single packet.
func (c *Conn) CheckPayload(n int) error {
	if m := c.MaxPayloadSize(); uint64(n) > uint64(m) {
		return fmt.Errorf("%w (%d > %d)", ErrPayloadTooLarge, n, m)
	}
	return nil
}

// Read reads the next packet, blocking until it is received or an error
// occurs. If an error occurs, false is returned and all future operations on c
// will fail. The returned buffer will be changed on the next call to Read.
//
// Incoming payloads are accepted up to [MaxPayloadSize] regardless of the
// negotiated size since that is what we advertise. Payload checksums are only
// verified before [VersionSkipChecksum] is negotiated.
func (c *Conn) Read() (Message, []byte, bool) {
	if c.Error() != nil {
		return Message{}, nil, false
	}
	pkt, err := readPacket(c.rw, &c.rbuf, MaxPayloadSize, c.Checksum())
	if err != nil {
		c.setError(fmt.Errorf("read: %w", err))
		return Message{}, nil, false
	}
	return pkt.Message, pkt.Payload, true
}

// Write writes a packet, blocking until it is written or an error occurs. If an
// error occurs, false is returned and all future operations on c will fail.
// Payloads over [Conn.MaxPayloadSize] are an error; use [Conn.CheckPayload]
// first if that's a possibility.
func (c *Conn) Write(cmd Command, arg0 uint32, arg1 uint32, data []byte) bool {
	if c.Error() != nil {
		return false
	}
	if err := c.CheckPayload(len(data)); err != nil {
		c.setError(fmt.Errorf("write %s: %w", cmd, err))
		return false
	}
	pkt := NewPacket(cmd, arg0, arg1, data, c.Checksum())
	c.wbuf, _ = pkt.AppendBinary(c.wbuf[:0])
	if _, err := c.rw.Write(c.wbuf); err != nil {
		c.setError(fmt.Errorf("write %s: %w", cmd, err))
		return false
	}
	return true
}

// HandshakeClient performs a TLS client handshake on the underlying transport
// after the A_STLS exchange, presenting cert. The server certificate is passed
// to verify (if not nil), which may reject it by returning an error. All
// future packets are sent over TLS. It must not be called concurrently with
// Read or Write.
func (c *Conn) HandshakeClient(cert *tls.Certificate, verify func(peer *x509.Certificate) error) bool {
	if c.Error() != nil {
		return false
	}
	nc, ok := c.rw.(net.Conn)
	if !ok {
		nc = &rwConn{ReadWriter: c.rw}
	}
	tc := tls.Client(nc, &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // adbd uses a self-signed certificate
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return cert, nil
		},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no server certificate")
			}
			if verify == nil {
				return nil
			}
			peer, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			return verify(peer)
		},
	})
	if err := tc.Handshake(); err != nil {
		c.setError(fmt.Errorf("tls handshake: %w", err))
		return false
	}
	c.rw = tc
	return true
}

// Error gets the error, if any. It can safely be called concurrently.
func (c *Conn) Error() error {
	c.errm.Lock()
	defer c.errm.Unlock()
	return c.err
}

// setError sets the sticky error, if not already set.
func (c *Conn) setError(err error) {
	c.errm.Lock()
	defer c.errm.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// rwConn adapts a plain transport for crypto/tls. Deadlines are not supported.
type rwConn struct {
	io.ReadWriter
}

type rwAddr struct{}

func (rwAddr) Network() string { return "adb" }
func (rwAddr) String() string  { return "transport" }

func (c *rwConn) Close() error {
	if cl, ok := c.ReadWriter.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *rwConn) LocalAddr() net.Addr                { return rwAddr{} }
func (c *rwConn) RemoteAddr() net.Addr               { return rwAddr{} }
func (c *rwConn) SetDeadline(t time.Time) error      { return nil }
func (c *rwConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *rwConn) SetWriteDeadline(t time.Time) error { return nil }
