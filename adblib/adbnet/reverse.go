package adbnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pgaskin/go-adbwire/adb"
	"github.com/pgaskin/go-adbwire/adb/adbdevice"
	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"golang.org/x/sync/errgroup"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=1003-1120;drc=9f298fb1f3317371b49439efb20a598b3a881bf3

var debug *slog.Logger

func init() {
	if os.Getenv("ADBNET_TRACE") == "1" {
		debug = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	} else {
		debug = slog.New(slog.DiscardHandler)
	}
}

// Trace enables debug logging to the specified logger.
func Trace(logger *slog.Logger) {
	debug = logger
}

// Incoming is a device connection which accepts sockets opened by the device.
// It is implemented by [adbdevice.Conn].
type Incoming interface {
	adb.Dialer
	AddIncomingHandler(h adbdevice.IncomingHandler) (remove func())
}

var _ Incoming = (*adbdevice.Conn)(nil)

// Reverse asks the device to listen on remote (e.g., "tcp:8080") and open
// local on the host for each connection. If remote is "tcp:0", the port
// allocated by the device is returned.
//
// Since we are the host, local is the service the device will open on our
// connection, which can be accepted using [Listen].
func Reverse(ctx context.Context, srv adb.Dialer, remote, local string) (string, error) {
	if remote == "" || local == "" || strings.Contains(remote, ";") {
		return "", fmt.Errorf("bad reverse forward %q to %q", remote, local)
	}
	conn, err := srv.DialADB(ctx, "reverse:forward:"+remote+";"+local)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := adbproto.ReadOkayFail(conn); err != nil {
		return "", fmt.Errorf("reverse %s: %w", remote, err)
	}
	if remote == "tcp:0" {
		port, err := adbproto.ReadProtocolBytes(conn, nil)
		if err != nil {
			return "", fmt.Errorf("reverse %s: read port: %w", remote, err)
		}
		return "tcp:" + string(port), nil
	}
	return remote, nil
}

// KillReverse removes a reverse forward created by [Reverse].
func KillReverse(ctx context.Context, srv adb.Dialer, remote string) error {
	conn, err := srv.DialADB(ctx, "reverse:killforward:"+remote)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := adbproto.ReadOkayFail(conn); err != nil {
		return fmt.Errorf("kill reverse %s: %w", remote, err)
	}
	return nil
}

// ReverseForward is a reverse forward listed by [ListReverse].
type ReverseForward struct {
	Remote string
	Local  string
}

// ListReverse lists the reverse forwards on the device.
func ListReverse(ctx context.Context, srv adb.Dialer) ([]ReverseForward, error) {
	conn, err := srv.DialADB(ctx, "reverse:list-forward")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := adbproto.ReadOkayFail(conn); err != nil {
		return nil, fmt.Errorf("list reverse: %w", err)
	}
	buf, err := adbproto.ReadProtocolBytes(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("list reverse: %w", err)
	}

	// transport remote local
	var fwds []ReverseForward
	for line := range strings.Lines(string(buf)) {
		f := strings.Fields(line)
		if len(f) != 3 {
			continue
		}
		fwds = append(fwds, ReverseForward{Remote: f[1], Local: f[2]})
	}
	return fwds, nil
}

// Listener accepts sockets opened by the device for a service. It implements
// [net.Listener].
type Listener struct {
	svc    string
	conns  chan net.Conn
	remove func()

	once sync.Once
	done chan struct{}
}

var _ net.Listener = (*Listener)(nil)

// Listen accepts sockets opened by the device for local, which is usually the
// local side of a [Reverse] forward.
func Listen(conn Incoming, local string) *Listener {
	l := &Listener{
		svc:   local,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	l.remove = conn.AddIncomingHandler(func(svc string) (func(net.Conn), bool) {
		if svc != l.svc {
			return nil, false
		}
		select {
		case <-l.done:
			return nil, false
		default:
		}
		return l.serve, true
	})
	return l
}

// serve must not block the handler, since it is called in a new goroutine.
func (l *Listener) serve(c net.Conn) {
	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

// Accept waits for the device to open a socket.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, &net.OpError{Op: "accept", Net: "adb", Addr: l.Addr(), Err: net.ErrClosed}
	}
}

// Close stops accepting sockets. Sockets which have already been accepted are
// not closed.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.remove()
	})
	return nil
}

// Addr returns the service being accepted.
func (l *Listener) Addr() net.Addr {
	return adbdevice.Addr{Service: l.svc}
}

// ServeReverse forwards connections to remote on the device to address on the
// host until ctx is canceled, then removes the reverse forward. The resolved
// remote address is passed to ready (if not nil) once the forward is active.
func ServeReverse(ctx context.Context, conn Incoming, remote, network, address string, ready func(remote string)) error {
	local, err := Service(network, address)
	if err != nil {
		return err
	}

	l := Listen(conn, local)
	defer l.Close()

	resolved, err := Reverse(ctx, conn, remote, local)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := KillReverse(ctx, conn, resolved); err != nil {
			debug.Debug("failed to remove reverse forward", "remote", resolved, "error", err)
		}
	}()
	debug.Debug("serving reverse forward", "remote", resolved, "local", local, "address", address)
	if ready != nil {
		ready(resolved)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		l.Close()
		return nil
	})
	g.Go(func() error {
		var d net.Dialer
		for {
			c, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				return err
			}
			g.Go(func() error {
				defer c.Close()
				t, err := d.DialContext(gctx, network, address)
				if err != nil {
					debug.Debug("failed to connect reverse forward", "address", address, "error", err)
					return nil
				}
				defer t.Close()
				splice(c, t)
				return nil
			})
		}
	})
	return g.Wait()
}

// splice copies between a and b until either side is done, then closes both.
func splice(a, b net.Conn) {
	var once sync.Once
	done := func() {
		a.Close()
		b.Close()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer once.Do(done)
		if _, err := io.Copy(a, b); err != nil && !errors.Is(err, net.ErrClosed) {
			debug.Debug("reverse forward copy failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer once.Do(done)
		if _, err := io.Copy(b, a); err != nil && !errors.Is(err, net.ErrClosed) {
			debug.Debug("reverse forward copy failed", "error", err)
		}
	}()
	wg.Wait()
}
