package adbdevice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"net"
	"slices"
	"sync"

	"github.com/pgaskin/go-adbwire/adb"
	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/aproto"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=407-625;drc=9f298fb1f3317371b49439efb20a598b3a881bf3
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/docs/dev/protocol.md;drc=593dc053eb97047637ff813081d9c2de55e17a46

// IncomingHandler is offered services opened by the device (e.g., for
// reverse forwarding). If it accepts svc, serve is called in a new goroutine
// with the socket.
type IncomingHandler func(svc string) (serve func(net.Conn), ok bool)

// Conn is an authenticated connection to adbd.
type Conn struct {
	rw        io.ReadWriteCloser
	aproto    *aproto.Conn
	state     State // immutable after Connect
	features  []adbproto.Feature
	highWater int
	trace     tracer

	writeMu sync.Mutex // must be held while writing (reading is only done by the loop)

	mu       sync.Mutex // must not be held during io
	nextID   uint32
	pending  map[uint32]*pendingOpen
	sockets  map[uint32]*Socket
	handlers []*IncomingHandler
	closing  bool
	err      error

	done chan struct{}
}

type pendingOpen struct {
	svc       string
	done      chan struct{} // closed by the loop or teardown with c.mu held
	abandoned bool
	sock      *Socket
	err       error
}

var (
	_ adb.Dialer   = (*Conn)(nil)
	_ adb.Features = (*Conn)(nil)
)

// Connect connects and authenticates to the device over rw, which is closed
// when the returned Conn is closed, or if Connect fails. The context only
// applies to the initial handshake. Hooks from [WithConnTrace] on the context
// are used for the lifetime of the connection.
func Connect(ctx context.Context, rw io.ReadWriteCloser, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = new(Config)
	}
	c := &Conn{
		rw:       rw,
		aproto:   aproto.New(rw),
		features: cfg.features(),
		trace:    tracer{contextConnTrace(ctx)},
		nextID:   1,
		pending:  make(map[uint32]*pendingOpen),
		sockets:  make(map[uint32]*Socket),
		done:     make(chan struct{}),
	}

	stop := context.AfterFunc(ctx, func() {
		rw.Close() // interrupt the handshake
	})
	err := c.handshake(ctx, cfg)
	if !stop() {
		return nil, fmt.Errorf("connect: %w", context.Cause(ctx))
	}
	if err != nil {
		rw.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	c.highWater = cfg.ReadBufferSize
	if c.highWater <= 0 {
		c.highWater = 4 * int(c.state.MaxPayloadSize)
	}

	debug.Info("connected",
		"version", c.state.ProtocolVersion,
		"max_payload", c.state.MaxPayloadSize,
		"tls", c.state.TLS,
		"banner", c.state.Banner.Encode())
	c.trace.connected(c.state)

	go c.loop()
	return c, nil
}

// handshake sends our A_CNXN and authenticates until the device sends its
// own.
func (c *Conn) handshake(ctx context.Context, cfg *Config) error {
	h := newHandshake(cfg)
	if err := c.send(aproto.A_CNXN, aproto.Version, cfg.maxPayloadSize(), []byte(cfg.banner())); err != nil {
		return err
	}
	for {
		msg, data, ok := c.aproto.Read()
		if !ok {
			return c.aproto.Error()
		}
		pkt := aproto.Packet{Message: msg, Payload: data}
		c.trace.packetReceived(pkt)

		switch msg.Command {
		case aproto.A_AUTH:
			if msg.Arg0 != aproto.AuthToken {
				debug.Warn("ignoring unexpected auth packet", "type", msg.Arg0)
				c.trace.packetIgnored(pkt)
				continue
			}
			resp, err := h.next(ctx, data)
			if err != nil {
				return err
			}
			debug.Debug("auth", "type", resp.Type, "attempt", h.attempt)
			c.trace.authResponse(resp.Type)
			if err := c.send(aproto.A_AUTH, resp.Type, 0, resp.Data); err != nil {
				return err
			}

		case aproto.A_STLS:
			der, err := firstKey(h.keys)
			if err != nil {
				return fmt.Errorf("stls: %w", err)
			}
			cert, err := aproto.Certificate(der)
			if err != nil {
				return fmt.Errorf("stls: %w", err)
			}
			debug.Info("stls")
			c.trace.startTLS()
			if err := c.send(aproto.A_STLS, aproto.STLSVersionMin, 0, nil); err != nil {
				return err
			}
			if !c.aproto.HandshakeClient(cert, cfg.VerifyTLS) {
				return c.aproto.Error()
			}
			c.state.TLS = true

		case aproto.A_CNXN:
			c.aproto.Negotiate(msg.Arg0, min(msg.Arg1, cfg.maxPayloadSize()))
			c.state.ProtocolVersion = c.aproto.ProtocolVersion()
			c.state.MaxPayloadSize = c.aproto.MaxPayloadSize()
			c.state.Checksum = c.aproto.Checksum()
			c.state.NullTerminateService = c.state.ProtocolVersion < aproto.VersionSkipChecksum
			c.state.Banner = aproto.ParseBanner(string(data))
			return nil

		default:
			debug.Warn("ignoring packet before connection", "cmd", msg.Command)
			c.trace.packetIgnored(pkt)
		}
	}
}

// send writes a packet. It is safe for concurrent use.
func (c *Conn) send(cmd aproto.Command, arg0, arg1 uint32, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.trace.packetSent(cmd, arg0, arg1, data)
	if !c.aproto.Write(cmd, arg0, arg1, data) {
		c.rw.Close() // wake up the loop
		return fmt.Errorf("%w: %w", ErrDisconnected, c.aproto.Error())
	}
	return nil
}

// State returns a copy of the negotiated connection state.
func (c *Conn) State() State {
	return c.state.Clone()
}

// SupportsFeature checks whether a feature is supported by both sides.
func (c *Conn) SupportsFeature(f adbproto.Feature) bool {
	return c.state.Banner.HasFeature(string(f)) && slices.Contains(c.features, f)
}

// Features iterates over the features supported by both sides.
func (c *Conn) Features() iter.Seq[adbproto.Feature] {
	return func(yield func(adbproto.Feature) bool) {
		for _, f := range c.features {
			if c.state.Banner.HasFeature(string(f)) {
				if !yield(f) {
					return
				}
			}
		}
	}
}

// AddIncomingHandler adds a handler for sockets opened by the device. Handlers
// are tried in the order they were added. If no handler accepts a service, the
// device is told it failed to open.
func (c *Conn) AddIncomingHandler(h IncomingHandler) (remove func()) {
	if h == nil {
		panic("nil handler")
	}
	p := &h
	c.mu.Lock()
	c.handlers = append(c.handlers, p)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.handlers = slices.DeleteFunc(c.handlers, func(x *IncomingHandler) bool { return x == p })
		c.mu.Unlock()
	}
}

// DialADB opens a service on the device. The context only applies to waiting
// for the device to accept it.
func (c *Conn) DialADB(ctx context.Context, svc string) (net.Conn, error) {
	payload := []byte(svc)
	if c.state.NullTerminateService {
		payload = append(payload, 0)
	}
	if err := c.aproto.CheckPayload(len(payload)); err != nil {
		return nil, fmt.Errorf("open %q: %w", svc, err)
	}

	c.mu.Lock()
	if err := c.errLocked(); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("open %q: %w", svc, err)
	}
	if c.closing {
		c.mu.Unlock()
		return nil, fmt.Errorf("open %q: %w: %w", svc, ErrDisconnected, net.ErrClosed)
	}
	local, err := c.allocLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("open %q: %w", svc, err)
	}
	p := &pendingOpen{
		svc:  svc,
		done: make(chan struct{}),
	}
	c.pending[local] = p
	c.mu.Unlock()

	debug.Debug("open", "local", local, "svc", svc)
	if err := c.send(aproto.A_OPEN, local, 0, payload); err != nil {
		return nil, fmt.Errorf("open %q: %w", svc, err)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-p.done:
		default:
			p.abandoned = true // the loop will close it if it opens
			c.mu.Unlock()
			return nil, ctx.Err()
		}
		c.mu.Unlock()
		if p.sock != nil {
			p.sock.Close()
		}
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.sock, nil
}

// allocLocked allocates a local socket id. Ids are never reused.
func (c *Conn) allocLocked() (uint32, error) {
	if c.nextID == 0 {
		return 0, errors.New("out of socket ids")
	}
	id := c.nextID
	c.nextID++
	return id, nil
}

// Close closes all sockets, then the connection. It always returns nil.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	sockets := slices.Collect(maps.Values(c.sockets))
	c.mu.Unlock()

	for _, s := range sockets {
		s.r.Close()
		s.w.Close()
	}
	c.rw.Close()
	<-c.done
	return nil
}

// Disconnected returns a channel which is closed once the connection is torn
// down. The reason can be found by calling Err.
func (c *Conn) Disconnected() <-chan struct{} {
	return c.done
}

// Err returns an error matching [ErrDisconnected] once the connection has been
// torn down, or nil otherwise.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errLocked()
}

func (c *Conn) errLocked() error {
	if c.err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, c.err)
}

// loop handles incoming packets until the connection fails.
func (c *Conn) loop() {
	var err error
	for {
		msg, data, ok := c.aproto.Read()
		if !ok {
			err = c.aproto.Error()
			break
		}
		pkt := aproto.Packet{Message: msg, Payload: data}
		c.trace.packetReceived(pkt)
		if err = c.handle(pkt); err != nil {
			break
		}
	}
	c.teardown(err)
}

// handle handles a packet, returning an error if the connection must be torn
// down.
func (c *Conn) handle(pkt aproto.Packet) error {
	switch pkt.Command {
	case aproto.A_OKAY:
		if pkt.Arg0 == 0 || pkt.Arg1 == 0 {
			goto ignore
		}

		c.mu.Lock()
		if p := c.pending[pkt.Arg1]; p != nil {
			delete(c.pending, pkt.Arg1)
			if p.abandoned {
				c.mu.Unlock()
				debug.Debug("closing abandoned socket", "local", pkt.Arg1, "remote", pkt.Arg0)
				return c.sendClose(pkt.Arg1, pkt.Arg0)
			}
			s := c.newSocket(pkt.Arg1, pkt.Arg0, p.svc, false)
			c.sockets[pkt.Arg1] = s
			p.sock = s
			close(p.done)
			c.mu.Unlock()
			debug.Debug("opened", "local", pkt.Arg1, "remote", pkt.Arg0, "svc", p.svc)
			c.trace.socketOpen(pkt.Arg1, pkt.Arg0, p.svc, false)
			return nil
		}
		s := c.sockets[pkt.Arg1]
		c.mu.Unlock()

		if s == nil || s.w.Remote != pkt.Arg0 {
			debug.Debug("okay for unknown socket", "local", pkt.Arg1, "remote", pkt.Arg0)
			c.trace.packetIgnored(pkt)
			return c.sendClose(pkt.Arg1, pkt.Arg0)
		}
		if !s.w.Handle(pkt) {
			debug.Debug("unexpected okay", "local", pkt.Arg1, "remote", pkt.Arg0)
			goto ignore
		}
		return nil

	case aproto.A_WRTE:
		if pkt.Arg0 == 0 || pkt.Arg1 == 0 {
			goto ignore
		}

		c.mu.Lock()
		s := c.sockets[pkt.Arg1]
		c.mu.Unlock()

		if s == nil || s.r.Remote != pkt.Arg0 {
			debug.Debug("write for unknown socket", "local", pkt.Arg1, "remote", pkt.Arg0)
			c.trace.packetIgnored(pkt)
			return c.sendClose(pkt.Arg1, pkt.Arg0)
		}
		return s.r.Handle(pkt)

	case aproto.A_CLSE:
		if pkt.Arg1 == 0 {
			goto ignore
		}

		c.mu.Lock()
		if p := c.pending[pkt.Arg1]; p != nil {
			delete(c.pending, pkt.Arg1)
			p.err = fmt.Errorf("open %q: %w", p.svc, ErrOpenFailed)
			close(p.done)
			c.mu.Unlock()
			debug.Debug("open failed", "local", pkt.Arg1, "svc", p.svc)
			c.trace.socketOpenFailed(pkt.Arg1, p.svc)
			return nil
		}
		s := c.sockets[pkt.Arg1]
		if s == nil || (pkt.Arg0 != 0 && s.r.Remote != pkt.Arg0) {
			c.mu.Unlock()
			goto ignore
		}
		delete(c.sockets, pkt.Arg1)
		c.mu.Unlock()

		debug.Debug("closed", "local", s.r.Local, "remote", s.r.Remote, "by_us", s.w.IsClosed())
		s.r.Handle(pkt)
		err := s.w.Close() // no-op if we closed it first
		c.trace.socketClose(s.r.Local, s.r.Remote)
		return err

	case aproto.A_OPEN:
		if pkt.Arg0 == 0 {
			goto ignore
		}
		return c.handleOpen(pkt.Arg0, string(trimNul(pkt.Payload)))

	default:
		// CNXN, AUTH, STLS, and SYNC are only valid before the connection is
		// established
		return adbproto.ProtocolErrorf("unexpected %s packet after connecting", pkt.Command)
	}

ignore:
	debug.Debug("ignoring packet", "cmd", pkt.Command, "arg0", pkt.Arg0, "arg1", pkt.Arg1, "len", len(pkt.Payload))
	c.trace.packetIgnored(pkt)
	return nil
}

// handleOpen offers a device-initiated socket to the incoming handlers.
func (c *Conn) handleOpen(remote uint32, svc string) error {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		serve, ok := (*h)(svc)
		if !ok {
			continue
		}

		c.mu.Lock()
		local, err := c.allocLocked()
		if err != nil {
			c.mu.Unlock()
			break
		}
		s := c.newSocket(local, remote, svc, true)
		c.sockets[local] = s
		c.mu.Unlock()

		if err := c.send(aproto.A_OKAY, local, remote, nil); err != nil {
			return err
		}
		debug.Debug("accepted", "local", local, "remote", remote, "svc", svc)
		c.trace.socketOpen(local, remote, svc, true)
		go serve(s)
		return nil
	}

	debug.Debug("rejecting incoming socket", "remote", remote, "svc", svc)
	return c.sendClose(0, remote)
}

func (c *Conn) sendClose(local, remote uint32) error {
	return c.send(aproto.A_CLSE, local, remote, nil)
}

// teardown fails everything once the loop exits.
func (c *Conn) teardown(err error) {
	c.mu.Lock()
	if c.closing {
		err = net.ErrClosed
	} else if err == nil {
		err = io.ErrUnexpectedEOF
	}
	c.err = err
	pending, sockets := c.pending, c.sockets
	c.pending, c.sockets = nil, nil
	for _, p := range pending {
		p.err = fmt.Errorf("open %q: %w", p.svc, c.errLocked())
		close(p.done)
	}
	c.mu.Unlock()

	c.rw.Close()
	for local, s := range sockets {
		s.lost.Store(true)
		s.r.Handle(aproto.Packet{Message: aproto.Message{Command: aproto.A_CLSE, Arg1: local}})
		s.w.Abort()
		c.trace.socketClose(local, s.r.Remote)
	}

	debug.Info("disconnected", "error", err)
	c.trace.disconnected(err)
	close(c.done)
}

func trimNul(b []byte) []byte {
	for len(b) != 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
