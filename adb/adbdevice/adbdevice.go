// Package adbdevice connects directly to adbd over a transport (usually TCP),
// authenticating and multiplexing services over it.
package adbdevice

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pgaskin/go-adbwire/adb/adbkey"
	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/aproto"
)

var debug *slog.Logger

func init() {
	if v, _ := strconv.ParseBool(os.Getenv("ADBDEVICE_TRACE")); v {
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

var (
	ErrAuthExhausted = errors.New("authentication exhausted")
	ErrOpenFailed    = errors.New("failed to open service")
	ErrSocketClosed  = fmt.Errorf("socket closed: %w", net.ErrClosed)
	ErrDisconnected  = errors.New("disconnected")
)

// Config configures a connection. The zero value is usable, but can only
// connect to devices which don't require authentication.
type Config struct {
	// Keys provides the private keys to authenticate with.
	Keys adbkey.Store

	// Authenticators are tried in order for each A_AUTH token. If nil,
	// [SignatureAuthenticator] then [PublicKeyAuthenticator] is used.
	Authenticators []Authenticator

	// Features are the features to advertise. If nil,
	// [adbproto.DefaultFeatures] is used.
	Features []adbproto.Feature

	// MaxPayloadSize is the maximum payload size to advertise. If zero,
	// [aproto.MaxPayloadSize] is used.
	MaxPayloadSize uint32

	// ReadBufferSize is the amount of unread data buffered per socket before
	// the device is made to wait. If zero, it is four times the negotiated max
	// payload size.
	ReadBufferSize int

	// VerifyTLS, if set, is called with the device certificate after an
	// A_STLS handshake.
	VerifyTLS func(cert *x509.Certificate) error
}

func (c *Config) authenticators() []Authenticator {
	if c.Authenticators != nil {
		return c.Authenticators
	}
	return []Authenticator{SignatureAuthenticator{}, PublicKeyAuthenticator{}}
}

func (c *Config) features() []adbproto.Feature {
	if c.Features != nil {
		return c.Features
	}
	return adbproto.DefaultFeatures
}

func (c *Config) maxPayloadSize() uint32 {
	if c.MaxPayloadSize == 0 || c.MaxPayloadSize > aproto.MaxPayloadSize {
		return aproto.MaxPayloadSize
	}
	return c.MaxPayloadSize
}

// banner returns the host banner for the A_CNXN.
func (c *Config) banner() string {
	var b strings.Builder
	b.WriteString("host::features=")
	for i, f := range c.features() {
		if i != 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(f))
	}
	b.WriteByte(';')
	return b.String()
}

// State is the negotiated connection state.
type State struct {
	ProtocolVersion      uint32
	MaxPayloadSize       uint32
	Checksum             bool
	NullTerminateService bool
	TLS                  bool
	Banner               *aproto.Banner
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.Banner = s.Banner.Clone()
	return s
}
