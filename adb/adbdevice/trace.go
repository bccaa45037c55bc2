package adbdevice

import (
	"context"
	"reflect"

	"github.com/pgaskin/go-adbwire/adb/adbproto/aproto"
)

// ConnTrace is a set of hooks to run at various points in the lifecycle of a
// Conn. Any particular hook may be nil. Functions may be called concurrently
// from different goroutines. They should avoid blocking for extended periods
// of time.
//
// These hooks should not be used for important logic. They are intended for
// debugging and metrics.
type ConnTrace struct {
	// --- Connect

	// AuthResponse is called before a response to an A_AUTH token is sent.
	AuthResponse func(typ uint32)

	// StartTLS is called before the TLS handshake.
	StartTLS func()

	// Connected is called after the device accepts the connection.
	Connected func(state State)

	// --- Conn

	// PacketSent is called when a packet is about to be sent (it won't have
	// the checksum yet).
	PacketSent func(cmd aproto.Command, arg0 uint32, arg1 uint32, data []byte)

	// PacketReceived is called when a packet is received.
	PacketReceived func(pkt aproto.Packet)

	// PacketIgnored is called when a packet is ignored, including ones
	// referencing an unknown socket.
	PacketIgnored func(pkt aproto.Packet)

	// SocketOpen is called when a socket is opened by either side.
	SocketOpen func(local, remote uint32, svc string, incoming bool)

	// SocketOpenFailed is called when the device rejects a service.
	SocketOpenFailed func(local uint32, svc string)

	// SocketClose is called when a socket is removed.
	SocketClose func(local, remote uint32)

	// Disconnected is called once the connection is torn down.
	Disconnected func(err error)
}

type connTraceKey struct{}

func contextConnTrace(ctx context.Context) *ConnTrace {
	if t := ctx.Value(connTraceKey{}); t != nil {
		return t.(*ConnTrace)
	}
	return nil
}

// WithConnTrace returns a new context based on the provided parent ctx. When
// the returned context is passed to Connect, the provided trace hooks will be
// used, in addition to any previous hooks registered with ctx. Any hooks
// defined in the provided trace will be called first.
func WithConnTrace(ctx context.Context, trace *ConnTrace) context.Context {
	if trace == nil {
		panic("nil trace")
	}
	if old := ctx.Value(connTraceKey{}); old != nil {
		composeHooks(trace, old.(*ConnTrace))
	}
	return context.WithValue(ctx, connTraceKey{}, trace)
}

// composeHooks modifies func fields t to call the corresponding ones in next
// afterwards, if defined.
//
// inspired by net/http/httptrace
func composeHooks(t, next any) {
	tv := reflect.ValueOf(t).Elem()
	ov := reflect.ValueOf(next).Elem()
	for i := range tv.NumField() {
		tf := tv.Field(i)
		hookType := tf.Type()
		if hookType.Kind() != reflect.Func {
			continue
		}
		of := ov.Field(i)
		if of.IsNil() {
			continue
		}
		if tf.IsNil() {
			tf.Set(of)
			continue
		}
		tfCopy := reflect.ValueOf(tf.Interface())
		tf.Set(reflect.MakeFunc(hookType, func(args []reflect.Value) []reflect.Value {
			tfCopy.Call(args)
			return of.Call(args)
		}))
	}
}

// tracer calls the hooks, if any. The zero value does nothing.
type tracer struct {
	t *ConnTrace
}

func (r tracer) authResponse(typ uint32) {
	if r.t != nil && r.t.AuthResponse != nil {
		r.t.AuthResponse(typ)
	}
}

func (r tracer) startTLS() {
	if r.t != nil && r.t.StartTLS != nil {
		r.t.StartTLS()
	}
}

func (r tracer) connected(state State) {
	if r.t != nil && r.t.Connected != nil {
		r.t.Connected(state.Clone())
	}
}

func (r tracer) packetSent(cmd aproto.Command, arg0, arg1 uint32, data []byte) {
	if r.t != nil && r.t.PacketSent != nil {
		r.t.PacketSent(cmd, arg0, arg1, data)
	}
}

func (r tracer) packetReceived(pkt aproto.Packet) {
	if r.t != nil && r.t.PacketReceived != nil {
		r.t.PacketReceived(pkt)
	}
}

func (r tracer) packetIgnored(pkt aproto.Packet) {
	if r.t != nil && r.t.PacketIgnored != nil {
		r.t.PacketIgnored(pkt)
	}
}

func (r tracer) socketOpen(local, remote uint32, svc string, incoming bool) {
	if r.t != nil && r.t.SocketOpen != nil {
		r.t.SocketOpen(local, remote, svc, incoming)
	}
}

func (r tracer) socketOpenFailed(local uint32, svc string) {
	if r.t != nil && r.t.SocketOpenFailed != nil {
		r.t.SocketOpenFailed(local, svc)
	}
}

func (r tracer) socketClose(local, remote uint32) {
	if r.t != nil && r.t.SocketClose != nil {
		r.t.SocketClose(local, remote)
	}
}

func (r tracer) disconnected(err error) {
	if r.t != nil && r.t.Disconnected != nil {
		r.t.Disconnected(err)
	}
}
