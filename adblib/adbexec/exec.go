// Package adbexec runs commands on a device like [os/exec], using shell v2 if
// the device supports it and falling back to the legacy shell otherwise.
package adbexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pgaskin/go-adbwire/adb"
	"github.com/pgaskin/go-adbwire/adb/adbproto/shellproto2"
	"github.com/pgaskin/go-adbwire/internal/android"
)

// Quote quotes arguments for the shell.
func Quote(args ...string) string {
	return android.QuoteShell(args...)
}

// Cmd is a command to run on a device, like [os/exec.Cmd].
type Cmd struct {
	Server adb.Dialer

	// Command is run with `sh -c`. An empty command starts an interactive
	// shell, which is only useful with a PTY.
	Command string

	// PTY allocates a TTY on the device. Stdin can't be closed and stderr is
	// merged into stdout.
	PTY bool

	// Term is the TERM for the PTY ("dumb" if empty). Shell v2 only.
	Term string

	// Legacy uses the legacy shell even if the device supports shell v2.
	Legacy bool

	// Stdin is copied to the command until it returns an error, then stdin is
	// closed on the device (shell v2 only). A nil Stdin is closed immediately.
	Stdin io.Reader

	// Stdout and Stderr receive the output. Write errors are ignored, and a
	// blocked write stalls the whole shell connection. Stderr is unused with a
	// PTY or the legacy shell.
	Stdout io.Writer
	Stderr io.Writer

	// Process is set by Start.
	Process *Process

	// ProcessState is set by Wait.
	ProcessState *ProcessState

	ctx  context.Context
	stop func() bool
	tty  *hostTTY
}

// Shell returns a [Cmd] which runs command on server.
func Shell(server adb.Dialer, command string) *Cmd {
	return &Cmd{
		Server:  server,
		Command: command,
	}
}

// ShellContext is like [Shell], but disconnects the process if ctx is done
// before it exits.
func ShellContext(ctx context.Context, server adb.Dialer, command string) *Cmd {
	if ctx == nil {
		panic("nil context")
	}
	cmd := Shell(server, command)
	cmd.ctx = ctx
	return cmd
}

// Command is like [Shell], but quotes the arguments like [os/exec.Command].
func Command(server adb.Dialer, name string, arg ...string) *Cmd {
	return Shell(server, Quote(append([]string{name}, arg...)...))
}

// CommandContext is like [Command] with a context.
func CommandContext(ctx context.Context, server adb.Dialer, name string, arg ...string) *Cmd {
	return ShellContext(ctx, server, Quote(append([]string{name}, arg...)...))
}

// Protocol returns the shell protocol Start will use.
func (c *Cmd) Protocol() adb.ShellProtocol {
	if c.Legacy {
		return adb.ShellLegacy
	}
	return adb.SelectShellProtocol(c.Server)
}

// Service returns the service Start will open.
func (c *Cmd) Service() (string, error) {
	p := c.Protocol()
	if p != adb.ShellV2 {
		return p.Service(c.Command, c.PTY), nil
	}
	svc := shellproto2.Service{
		Term:    c.Term,
		PTY:     c.PTY,
		Command: c.Command,
	}
	if err := svc.Valid(); err != nil {
		return "", err
	}
	return svc.String(), nil
}

// Run is Start followed by Wait.
func (c *Cmd) Run() error {
	if err := c.Start(); err != nil {
		return err
	}
	return c.Wait()
}

// Start opens the shell and starts copying stdio. Since everything runs
// through a shell, a missing command is only reported by the exit status.
func (c *Cmd) Start() error {
	switch {
	case c.Process != nil:
		return errors.New("adbexec: already started")
	case c.Server == nil:
		return errors.New("adbexec: no server provided")
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := c.Service()
	if err != nil {
		return err
	}
	if c.tty != nil {
		if err := c.tty.setup(); err != nil {
			return fmt.Errorf("setup host tty: %w", err)
		}
	}
	conn, err := c.Server.DialADB(ctx, svc)
	if err != nil {
		if c.tty != nil {
			c.tty.cleanup()
		}
		return err
	}
	if c.Protocol() == adb.ShellV2 {
		c.Process = NewProcess(conn, c.Stdin, c.Stdout, c.Stderr)
	} else {
		c.Process = NewLegacyProcess(conn, c.Stdin, c.Stdout)
	}
	if c.tty != nil {
		c.tty.start(c.Process)
	}
	c.stop = context.AfterFunc(ctx, c.Process.Disconnect)
	return nil
}

// Wait waits for the process and returns an [*ExitError] if it didn't exit
// successfully. If it was disconnected by the context, the context's cause is
// returned instead.
func (c *Cmd) Wait() error {
	switch {
	case c.Process == nil:
		return errors.New("adbexec: not started")
	case c.ProcessState != nil:
		return errors.New("adbexec: Wait already called")
	}
	c.ProcessState = c.Process.Wait()
	c.stop()
	if c.tty != nil {
		c.tty.cleanup()
	}
	if c.ctx != nil && !c.ProcessState.Exited() {
		if err := context.Cause(c.ctx); err != nil {
			return err
		}
	}
	if !c.ProcessState.Success() {
		return &ExitError{ProcessState: c.ProcessState}
	}
	return nil
}

// Output runs the command and returns stdout. If Stderr is nil, the start of
// it is saved in the returned [*ExitError].
func (c *Cmd) Output() ([]byte, error) {
	if c.Stdout != nil {
		return nil, errors.New("adbexec: Stdout already set")
	}
	var stdout bytes.Buffer
	c.Stdout = &stdout

	var stderr *headBuffer
	if c.Stderr == nil {
		stderr = &headBuffer{N: 32 << 10}
		c.Stderr = stderr
	}

	err := c.Run()
	var ee *ExitError
	if stderr != nil && errors.As(err, &ee) {
		ee.Stderr = stderr.Bytes()
	}
	return stdout.Bytes(), err
}

// Output runs command with input (if not nil) as stdin and returns stdout.
// With the legacy shell, stderr is mixed in and the exit status is unknown.
func Output(ctx context.Context, srv adb.Dialer, command string, input io.Reader) ([]byte, error) {
	cmd := ShellContext(ctx, srv, command)
	cmd.Stdin = input
	return cmd.Output()
}

// ExitError is returned by [Cmd.Wait] if the process didn't exit successfully.
type ExitError struct {
	*ProcessState

	// Stderr is the start of stderr, if collected by [Cmd.Output].
	Stderr []byte
}

func (e *ExitError) Error() string {
	return e.ProcessState.String()
}

// hostTTY is set up by [Cmd.HostTTY].
type hostTTY struct {
	setup   func() error
	start   func(p *Process)
	cleanup func()
}

// headBuffer keeps the first N bytes written to it.
type headBuffer struct {
	N       int
	buf     []byte
	skipped int64
}

func (w *headBuffer) Write(p []byte) (int, error) {
	n := min(len(p), w.N-len(w.buf))
	w.buf = append(w.buf, p[:n]...)
	w.skipped += int64(len(p) - n)
	return len(p), nil
}

func (w *headBuffer) Bytes() []byte {
	if w.skipped == 0 {
		return w.buf
	}
	return fmt.Appendf(w.buf, "\n... omitting %d bytes ...\n", w.skipped)
}
