//go:build linux

package adbexec

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// HostTTY connects the command to [os.Stdin], which is expected to be a TTY.
// When Start or Run is called, the TTY will be put into raw mode, and when the
// command ends, it will be restored to the previous state. While the command
// is running, SIGWINCH is forwarded as a window size change (shell v2 only).
// The TERM variable is copied from the host environment.
func (c *Cmd) HostTTY() error {
	if c.tty != nil {
		return errors.New("adbexec: tty already set")
	}
	if c.Stdin != nil {
		return errors.New("adbexec: Stdin already set")
	}
	if c.Stdout != nil {
		return errors.New("adbexec: Stdout already set")
	}
	if c.Stderr != nil {
		return errors.New("adbexec: Stderr already set")
	}

	tty := os.Stdin
	fd := int(tty.Fd())
	if _, err := unix.IoctlGetTermios(fd, unix.TCGETS); err != nil {
		return fmt.Errorf("not a tty: %w", err)
	}

	c.PTY = true
	c.Stdin = tty
	c.Stdout = tty
	c.Stderr = tty // unused with a pty
	c.Term = os.Getenv("TERM")

	var (
		restore *unix.Termios
		sigs    = make(chan os.Signal, 1)
	)
	c.tty = &hostTTY{
		setup: func() error {
			termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
			if err != nil {
				return fmt.Errorf("get termios: %w", err)
			}
			old := *termios
			makeRaw(termios)
			if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
				return fmt.Errorf("set termios: %w", err)
			}
			restore = &old
			return nil
		},
		start: func(p *Process) {
			signal.Notify(sigs, unix.SIGWINCH)
			go forwardWinsize(fd, p, sigs)
		},
		cleanup: func() {
			if restore != nil {
				unix.IoctlSetTermios(fd, unix.TCSETS, restore)
			}
			signal.Stop(sigs)
			close(sigs)
		},
	}
	return nil
}

// forwardWinsize sends the window size of fd to p now and on each signal.
func forwardWinsize(fd int, p *Process, sigs <-chan os.Signal) {
	for {
		if ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ); err == nil {
			if err := p.Resize(int(ws.Row), int(ws.Col), int(ws.Xpixel), int(ws.Ypixel)); err != nil {
				return // legacy shell, or disconnected
			}
		}
		if _, ok := <-sigs; !ok {
			return
		}
	}
}

// same as the adb client's raw mode, which is slightly different from
// cfmakeraw
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/client/commandline.cpp;l=277-290;drc=08a96199bf8ce0581c366fc9c725351ee127fd21
func makeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}
