// Package adblib provides high-level ADB functionality.
package adblib

import (
	"context"
	"fmt"
	"net"

	"github.com/pgaskin/go-adbwire/adb/adbdevice"
	"github.com/pgaskin/go-adbwire/adb/adbkey"
)

// DefaultPort is the port adbd listens on for wireless debugging when it was
// enabled with `adb tcpip`.
const DefaultPort = "5555"

// Connect connects to adbd over TCP. If addr doesn't include a port,
// [DefaultPort] is used. If cfg is nil or doesn't have any keys, the keys used
// by the adb host tool are used (see [adbkey.FileStore]), and a key is
// generated if there aren't any.
func Connect(ctx context.Context, addr string, cfg *adbdevice.Config) (*adbdevice.Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}

	var c adbdevice.Config
	if cfg != nil {
		c = *cfg
	}
	if c.Keys == nil {
		c.Keys = &adbkey.FileStore{}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	dev, err := adbdevice.Connect(ctx, conn, &c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, err)
	}
	return dev, nil
}
