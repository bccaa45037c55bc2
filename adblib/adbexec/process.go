package adbexec

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pgaskin/go-adbwire/adb"
	"github.com/pgaskin/go-adbwire/adb/adbproto/shellproto2"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/shell_service.cpp;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1;l=158

// Process is a running shell connection, like [os.Process].
type Process struct {
	nc net.Conn
	v2 *shellproto2.Conn // nil for the legacy shell

	wmu         sync.Mutex
	stdinClosed bool

	once  sync.Once
	state *ProcessState
	done  chan struct{}
}

// ProcessState describes how a shell connection ended, like
// [os.ProcessState].
type ProcessState struct {
	err    error // set if the connection ended without an exit status
	code   int   // -1 if unknown
	legacy bool
}

var errDisconnected = errors.New("client disconnected")

// NewProcess takes over an open shell v2 connection. Stdin is copied until it
// returns an error, then closed. Output is written to stdout and stderr, and a
// slow writer blocks everything else on the connection (including the exit).
func NewProcess(conn net.Conn, stdin io.Reader, stdout, stderr io.Writer) *Process {
	p := &Process{
		nc:   conn,
		v2:   shellproto2.New(conn),
		done: make(chan struct{}),
	}
	go p.readV2(stdout, stderr)
	go p.copyStdin(stdin)
	return p
}

// NewLegacyProcess takes over an open legacy shell or exec connection. The
// device closing the connection counts as a successful exit. Stdin can't be
// closed, so nothing happens when it ends.
func NewLegacyProcess(conn net.Conn, stdin io.Reader, stdout io.Writer) *Process {
	p := &Process{
		nc:   conn,
		done: make(chan struct{}),
	}
	go p.readLegacy(stdout)
	go p.copyStdin(stdin)
	return p
}

func (p *Process) readV2(stdout, stderr io.Writer) {
	for {
		id, data, ok := p.v2.Read()
		if !ok {
			p.connError()
			return
		}
		var w io.Writer
		switch id {
		case shellproto2.PacketExit:
			p.finish(&ProcessState{code: shellproto2.ExitStatus(data)})
			return
		case shellproto2.PacketStdout:
			w = stdout
		case shellproto2.PacketStderr:
			w = stderr
		}
		if w != nil {
			w.Write(data)
		}
	}
}

func (p *Process) readLegacy(stdout io.Writer) {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.nc.Read(buf)
		if n != 0 && stdout != nil {
			stdout.Write(buf[:n])
		}
		switch {
		case err == io.EOF:
			p.finish(&ProcessState{legacy: true})
			return
		case err != nil:
			p.finish(&ProcessState{err: fmt.Errorf("connection error: %w", err)})
			return
		}
	}
}

func (p *Process) copyStdin(stdin io.Reader) {
	if stdin == nil {
		p.CloseStdin()
		return
	}
	buf := make([]byte, shellproto2.BufferSize)
	for {
		n, err := stdin.Read(buf)
		if n != 0 && p.writeStdin(buf[:n]) != nil {
			return
		}
		if err != nil {
			p.CloseStdin()
			return
		}
	}
}

// Protocol returns the shell protocol in use.
func (p *Process) Protocol() adb.ShellProtocol {
	if p.v2 == nil {
		return adb.ShellLegacy
	}
	return adb.ShellV2
}

// finish records the state and closes the connection. Only the first call has
// any effect.
func (p *Process) finish(state *ProcessState) {
	p.once.Do(func() {
		p.nc.Close()
		p.state = state
		close(p.done)
	})
}

// connError ends the process with the shell v2 connection error.
func (p *Process) connError() error {
	err := p.v2.Error()
	p.finish(&ProcessState{err: fmt.Errorf("connection error: %w", err)})
	return err
}

// Disconnect closes the connection. adbd sends SIGHUP to the process.
func (p *Process) Disconnect() {
	p.finish(&ProcessState{err: errDisconnected})
}

// Resize sets the window size of the PTY (shell v2 only). It returns once the
// request is sent.
func (p *Process) Resize(row, col, xpixel, ypixel int) error {
	if p.v2 == nil {
		return fmt.Errorf("%w: resize requires shell v2", errors.ErrUnsupported)
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()

	ws := shellproto2.WinSize{Row: row, Col: col, XPixel: xpixel, YPixel: ypixel}
	if !p.v2.Write(shellproto2.PacketWindowSizeChange, ws.AppendBinary(nil)) {
		return p.connError()
	}
	return nil
}

// CloseStdin closes stdin on the device (shell v2 only, and not with a PTY).
// It returns once the request is sent.
func (p *Process) CloseStdin() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	if p.v2 == nil {
		return fmt.Errorf("%w: closing stdin requires shell v2", errors.ErrUnsupported)
	}
	if !p.v2.Write(shellproto2.PacketCloseStdin, nil) {
		return p.connError()
	}
	return nil
}

func (p *Process) writeStdin(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	switch {
	case p.stdinClosed:
		return nil
	case p.v2 == nil:
		_, err := p.nc.Write(b)
		return err
	case !p.v2.Write(shellproto2.PacketStdin, b):
		return p.connError()
	}
	return nil
}

// Wait waits for the process to end. It never fails, and may be called more
// than once.
func (p *Process) Wait() *ProcessState {
	<-p.done
	return p.state
}

func (s *ProcessState) String() string {
	switch {
	case s == nil:
		return "<nil>"
	case s.err == errDisconnected:
		return "client disconnected, SIGHUP sent"
	case errors.Is(s.err, net.ErrClosed):
		return "connection closed"
	case s.err != nil:
		return "connection error (" + s.err.Error() + ")"
	case s.legacy:
		return "exited (legacy shell, status unknown)"
	case s.code == -1:
		return "exit status unknown"
	}
	return "exit status " + strconv.Itoa(s.code)
}

// ExitCode returns the exit status, or -1 if it is unknown. The legacy shell
// always reports 0.
func (s *ProcessState) ExitCode() int {
	if s == nil || s.err != nil {
		return -1
	}
	return s.code
}

// Success reports whether the process exited with status 0.
func (s *ProcessState) Success() bool {
	return s != nil && s.err == nil && s.code == 0
}

// Exited reports whether the process exited rather than being disconnected.
func (s *ProcessState) Exited() bool {
	return s != nil && s.err == nil
}

// Err returns the connection error which ended the process, if any.
func (s *ProcessState) Err() error {
	if s == nil {
		return nil
	}
	return s.err
}
