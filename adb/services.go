package adb

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/shellproto2"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/services.cpp;drc=a9b3987d2a42a40de0d67fcecb50c9716639ef03

// ShellProtocol is the protocol used to run commands on the device.
type ShellProtocol int

const (
	// ShellLegacy runs commands using shell: (with a pty) or exec: (raw). The
	// output streams are merged and the exit status is not available.
	ShellLegacy ShellProtocol = iota

	// ShellV2 runs commands using shell,v2:, which multiplexes stdin, stdout,
	// stderr, the exit status, and window size changes over the stream. It
	// requires [adbproto.FeatureShell2].
	ShellV2
)

func (p ShellProtocol) String() string {
	switch p {
	case ShellLegacy:
		return "legacy"
	case ShellV2:
		return "v2"
	default:
		return fmt.Sprintf("ShellProtocol(%d)", int(p))
	}
}

// IsSupported checks whether d can be used with the protocol.
func (p ShellProtocol) IsSupported(d Dialer) bool {
	switch p {
	case ShellLegacy:
		return true
	case ShellV2:
		return SupportsFeature(d, adbproto.FeatureShell2) == nil
	default:
		return false
	}
}

// Service returns the service string to run cmd (or an interactive shell if
// cmd is empty), optionally with a pty.
func (p ShellProtocol) Service(cmd string, pty bool) string {
	switch p {
	case ShellV2:
		return shellproto2.Service{PTY: pty, Command: cmd}.String()
	default:
		if pty || cmd == "" {
			return "shell:" + cmd
		}
		return "exec:" + cmd
	}
}

// SelectShellProtocol returns the best protocol supported by d.
func SelectShellProtocol(d Dialer) ShellProtocol {
	if ShellV2.IsSupported(d) {
		return ShellV2
	}
	return ShellLegacy
}

// Shell executes a command using the shell v1 protocol. This will always
// allocate a pty which will cook the input/output.
func Shell(ctx context.Context, srv Dialer, command string) (io.ReadWriteCloser, error) {
	conn, err := srv.DialADB(ctx, ShellLegacy.Service(command, true))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Exec executes a command using the exec protocol, which enables raw mode to
// prevent the output or input from being mangled. This should be used when
// using commands which read or write binary data.
func Exec(ctx context.Context, srv Dialer, command string) (io.ReadWriteCloser, error) {
	conn, err := srv.DialADB(ctx, "exec:"+command)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ShellConn2 wraps a [net.Conn] and [*shellproto2.Conn].
type ShellConn2 struct {
	*shellproto2.Conn
	NetConn net.Conn
}

func NewShellConn2(conn net.Conn) *ShellConn2 {
	return &ShellConn2{
		NetConn: conn,
		Conn:    shellproto2.New(conn),
	}
}

func (s *ShellConn2) Close() error {
	return s.NetConn.Close()
}

// Shell2 opens a shell v2 connection. You can use [shellproto2.Service] to
// build svc. The dialer must support [adbproto.FeatureShell2].
func Shell2(ctx context.Context, srv Dialer, svc string) (*ShellConn2, error) {
	if _, ok := shellproto2.ParseService(svc); !ok {
		return nil, fmt.Errorf("invalid shell v2 service %q", svc)
	}
	if err := SupportsFeature(srv, adbproto.FeatureShell2); err != nil {
		return nil, err
	}
	conn, err := srv.DialADB(ctx, svc)
	if err != nil {
		return nil, err
	}
	return NewShellConn2(conn), nil
}

// Sync opens the file sync service. See the adbsync package for a client.
func Sync(ctx context.Context, srv Dialer) (net.Conn, error) {
	return srv.DialADB(ctx, "sync:")
}

// TODO: abb and abb_exec (FeatureAbb, FeatureAbbExec) for faster package manager calls
