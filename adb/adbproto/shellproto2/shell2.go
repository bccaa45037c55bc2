// Package shellproto2 implements the shell v2 protocol.
package shellproto2

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
)

// PacketID is a shell v2 packet ID.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/shell_protocol.h;drc=90228a63bb6a59e8195165fbb7c332be27459696
type PacketID uint8

const (
	PacketStdin  PacketID = 0
	PacketStdout PacketID = 1
	PacketStderr PacketID = 2
	PacketExit   PacketID = 3

	// Close subprocess stdin if possible.
	PacketCloseStdin PacketID = 4

	// Window size change (an ASCII version of struct winsize).
	PacketWindowSizeChange PacketID = 5

	// Indicates an invalid or unknown packet.
	PacketInvalid PacketID = 255
)

const (
	// The sizes don't need to match between both ends since packets are split
	// as needed.
	MaxPayload = 1024 * 1024
	BufferSize = MaxPayload - HeaderSize

	// 1 byte ID + 4 bytes length.
	HeaderSize = 1 + 4
)

// WinSize is the payload of a [PacketWindowSizeChange].
type WinSize struct {
	Row    int
	Col    int
	XPixel int
	YPixel int
}

func (s WinSize) AppendBinary(b []byte) []byte {
	return fmt.Appendf(b, "%dx%d,%dx%d", s.Row, s.Col, s.XPixel, s.YPixel)
}

// ParseWinSize is the inverse of [WinSize.AppendBinary].
func ParseWinSize(b []byte) (WinSize, error) {
	var s WinSize
	if _, err := fmt.Sscanf(string(b), "%dx%d,%dx%d", &s.Row, &s.Col, &s.XPixel, &s.YPixel); err != nil {
		return s, fmt.Errorf("invalid window size %q: %w", b, err)
	}
	return s, nil
}

// ExitStatus parses the payload of a [PacketExit]. It returns -1 if it is
// malformed.
func ExitStatus(b []byte) int {
	if len(b) != 1 {
		return -1
	}
	return int(b[0])
}

// Conn is a low-level shell v2 connection. Reads and writes may happen
// concurrently with each other, but not with themselves.
type Conn struct {
	rw   io.ReadWriter
	rrem int    // bytes left in the current packet
	rid  PacketID
	rbuf []byte
	wbuf []byte
	errm sync.Mutex
	err  error
}

// New creates a new conn reading and writing to rw. It buffers its own input
// and output.
func New(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// Read reads the next packet, blocking until it is received or an error occurs.
// Packets larger than [BufferSize] are returned in several parts with the same
// ID. If an error occurs, false is returned and all future operations on c will
// fail. A clean EOF between packets is reported as an error matching
// [io.EOF]. The returned buffer will be changed on the next call to Read.
func (c *Conn) Read() (PacketID, []byte, bool) {
	if c.Error() != nil {
		return PacketInvalid, nil, false
	}
	if c.rbuf == nil {
		c.rbuf = make([]byte, BufferSize)
	}
	if c.rrem == 0 {
		if _, err := io.ReadFull(c.rw, c.rbuf[:HeaderSize]); err != nil {
			c.setError(fmt.Errorf("read header: %w", err))
			return PacketInvalid, nil, false
		}
		c.rid = PacketID(c.rbuf[0])
		c.rrem = int(binary.LittleEndian.Uint32(c.rbuf[1:HeaderSize]))
		if c.rrem == 0 {
			return c.rid, c.rbuf[:0:0], true
		}
	}
	n := min(c.rrem, BufferSize)
	if _, err := io.ReadFull(c.rw, c.rbuf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		c.setError(fmt.Errorf("read data: %w", err))
		return PacketInvalid, nil, false
	}
	c.rrem -= n
	return c.rid, c.rbuf[:n:n], true
}

// Write writes packets to the connection, splitting the data if required. It
// blocks until all packets have been written or an error occurs. If an error
// occurs, false is returned and all future operations on c will fail. Write
// must not be called concurrently with other calls to Write.
func (c *Conn) Write(id PacketID, data []byte) bool {
	if c.wbuf == nil {
		c.wbuf = make([]byte, MaxPayload)
	}
	for c.Error() == nil {
		n := copy(c.wbuf[HeaderSize:], data)
		c.wbuf[0] = uint8(id)
		binary.LittleEndian.PutUint32(c.wbuf[1:HeaderSize], uint32(n))
		data = data[n:]

		if _, err := c.rw.Write(c.wbuf[:HeaderSize+n]); err != nil {
			c.setError(fmt.Errorf("write %d: %w", id, err))
			return false
		}

		if len(data) == 0 {
			return true
		}
	}
	return false
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

// Service is a shell v2 service request:
//
//	shell,v2[,TERM=<term>][,pty|,raw]:<command>
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/services.cpp;l=86-123;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1
type Service struct {
	Term    string // must not contain ',' or ':'
	PTY     bool   // if false, raw mode is requested explicitly
	Command string // if empty, an interactive shell is started
}

// Valid checks whether s can be encoded.
func (s Service) Valid() error {
	if strings.ContainsAny(s.Term, ",:") {
		return fmt.Errorf("term %q contains illegal character", s.Term)
	}
	return nil
}

// String builds the service name.
func (s Service) String() string {
	var b strings.Builder
	b.WriteString("shell,v2")
	if s.Term != "" {
		b.WriteString(",TERM=" + s.Term)
	}
	if s.PTY {
		b.WriteString(",pty")
	} else {
		b.WriteString(",raw")
	}
	b.WriteString(":")
	b.WriteString(s.Command)
	return b.String()
}

// ParseService parses a shell v2 service name. Unknown arguments are ignored
// like adbd does. If svc isn't a shell v2 service, false is returned.
func ParseService(svc string) (Service, bool) {
	var s Service
	args, cmd, ok := strings.Cut(svc, ":")
	if !ok {
		return s, false
	}
	s.Command = cmd
	v2 := false
	for i, arg := range strings.Split(args, ",") {
		switch {
		case i == 0:
			if arg != "shell" {
				return s, false
			}
		case arg == "v2":
			v2 = true
		case arg == "pty":
			s.PTY = true
		case arg == "raw":
			s.PTY = false
		default:
			if term, ok := strings.CutPrefix(arg, "TERM="); ok {
				s.Term = term
			}
		}
	}
	if !v2 {
		return s, false
	}
	if cmd == "" && !strings.Contains(args, ",raw") {
		s.PTY = true // adbd defaults to a pty for interactive shells
	}
	return s, true
}
