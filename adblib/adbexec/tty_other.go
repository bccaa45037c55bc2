//go:build !linux

package adbexec

import (
	"errors"
	"fmt"
)

// HostTTY is only implemented on Linux.
func (c *Cmd) HostTTY() error {
	return fmt.Errorf("%w: host tty", errors.ErrUnsupported)
}
