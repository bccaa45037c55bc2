// Package adbnet makes network connections through a device, and accepts
// connections made by the device to the host.
package adbnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/pgaskin/go-adbwire/adb"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/socket_spec.cpp;l=66-76;drc=d690167dc3a1f78d80f63c532dc7a8e2bb43461c
// https://cs.android.com/android/platform/superproject/main/+/main:system/core/libcutils/socket_local_client_unix.cpp;l=45;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1

// Dialer connects to addresses from the device, like [net.Dialer].
//
// The networks "tcp" and "unix" are supported. "tcp4" and "tcp6" are only
// supported with IP addresses, since the device does the name resolution.
//
// Avoid unix sockets if you can. adbd may hang until the device is rebooted
// if one misbehaves (b/418203510).
type Dialer struct {
	// Server is the device to connect through. It must not be nil.
	Server adb.Dialer

	// Timeout limits how long to wait for the device to open the socket. Zero
	// means no timeout.
	Timeout time.Duration
}

// Dial calls [Dialer.Dial].
func Dial(server adb.Dialer, network, address string) (net.Conn, error) {
	return (&Dialer{Server: server}).Dial(network, address)
}

// Dial is like [net.Dialer.Dial].
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext is like [net.Dialer.DialContext].
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if ctx == nil {
		panic("nil context")
	}
	if d.Server == nil {
		return nil, errors.New("adbnet: no device specified")
	}
	svc, err := Service(network, address)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	conn, err := d.Server.DialADB(ctx, svc)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}
	return conn, nil
}

// Service returns the socket spec for connecting to address from the device.
func Service(network, address string) (string, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return "", err
		}
		if network != "tcp" {
			ip, err := netip.ParseAddr(host)
			if err != nil {
				return "", errors.New("adb can't restrict name resolution to ipv4 or ipv6")
			}
			if ip.Is4() != (network == "tcp4") {
				return "", fmt.Errorf("%s is not a %s address", host, network)
			}
		}
		portnum, err := net.LookupPort(network, port)
		if err != nil {
			return "", err
		}
		if host == "localhost" || host == "" {
			return "tcp:" + strconv.Itoa(portnum), nil
		}
		return "tcp:" + strconv.Itoa(portnum) + ":" + host, nil

	case "unix":
		if name, ok := strings.CutPrefix(address, "@"); ok {
			return "localabstract:" + name, nil // like the stdlib
		}
		return "localfilesystem:" + address, nil

	default:
		return "", net.UnknownNetworkError(network)
	}
}

// ParseService is the inverse of [Service].
func ParseService(svc string) (network, address string, err error) {
	kind, rest, _ := strings.Cut(svc, ":")
	switch kind {
	case "tcp":
		port, host, _ := strings.Cut(rest, ":")
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return "", "", fmt.Errorf("invalid port in %q", svc)
		}
		if host == "" {
			host = "localhost"
		}
		return "tcp", net.JoinHostPort(host, port), nil
	case "localabstract":
		return "unix", "@" + rest, nil
	case "localfilesystem":
		return "unix", rest, nil
	default:
		return "", "", fmt.Errorf("unsupported socket spec %q", svc)
	}
}
