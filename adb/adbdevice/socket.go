package adbdevice

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pgaskin/go-adbwire/adb/adbproto/aproto"
)

// Addr is the address of a [Socket].
type Addr struct {
	Service string
	Local   uint32
	Remote  uint32
}

func (a Addr) Network() string {
	return "adb"
}

func (a Addr) String() string {
	return fmt.Sprintf("%s#%d:%d", a.Service, a.Local, a.Remote)
}

// Socket is a stream to a service on the device.
type Socket struct {
	c        *Conn
	svc      string
	incoming bool

	r aproto.SocketReader
	w aproto.SocketWriter

	lost atomic.Bool // torn down with the connection
}

var _ net.Conn = (*Socket)(nil)

// newSocket creates a socket. The caller must register it before any packets
// are handled for it.
func (c *Conn) newSocket(local, remote uint32, svc string, incoming bool) *Socket {
	return &Socket{
		c:        c,
		svc:      svc,
		incoming: incoming,
		r: aproto.SocketReader{
			Local:     local,
			Remote:    remote,
			HighWater: c.highWater,
			Send:      c.send,
		},
		w: aproto.SocketWriter{
			Local:      local,
			Remote:     remote,
			MaxPayload: c.state.MaxPayloadSize,
			Send:       c.send,
		},
	}
}

// Service returns the service the socket is connected to.
func (s *Socket) Service() string {
	return s.svc
}

// Incoming returns true if the device opened the socket.
func (s *Socket) Incoming() bool {
	return s.incoming
}

func (s *Socket) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case s.lost.Load() && (err == io.EOF || errors.Is(err, net.ErrClosed)):
		if cerr := s.c.Err(); cerr != nil {
			return fmt.Errorf("%w: %w", ErrSocketClosed, cerr)
		}
		return ErrSocketClosed
	case errors.Is(err, net.ErrClosed):
		return ErrSocketClosed
	default:
		return err
	}
}

// Read reads data written by the device. It returns io.EOF once the device has
// closed the socket and all data has been read.
func (s *Socket) Read(b []byte) (int, error) {
	n, err := s.r.Read(b)
	return n, s.mapErr(err)
}

// Write writes b, returning once the device has acknowledged all of it.
func (s *Socket) Write(b []byte) (int, error) {
	n, err := s.w.Write(b)
	return n, s.mapErr(err)
}

// Close closes the socket, interrupting pending reads and writes. Only the
// first call has any effect.
func (s *Socket) Close() error {
	s.r.Close()
	if err := s.w.Close(); err != nil && !s.lost.Load() && !errors.Is(err, ErrDisconnected) {
		return err
	}
	return nil
}

func (s *Socket) LocalAddr() net.Addr {
	return Addr{Service: s.svc, Local: s.r.Local, Remote: s.r.Remote}
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.LocalAddr()
}

func (s *Socket) SetDeadline(t time.Time) error {
	s.r.SetDeadline(t)
	s.w.SetDeadline(t)
	return nil
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	s.r.SetDeadline(t)
	return nil
}

func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.w.SetDeadline(t)
	return nil
}
