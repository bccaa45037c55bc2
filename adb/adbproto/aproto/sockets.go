package aproto

import (
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/sockets.cpp;drc=bef3d190db435c27fa76b9ed1b8d732de769ee1b
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/docs/dev/asocket.md;drc=2cbf5915385eb975e1cb07eb4605cd9a4f56f3c7

// SendFunc sends a packet. It must be safe to call concurrently.
type SendFunc func(cmd Command, arg0 uint32, arg1 uint32, data []byte) error

// SocketReader is the receiving half of a socket (i.e., it handles A_WRTE and
// A_CLSE packets and sends A_OKAY ones). It is safe for concurrent use.
//
// Each A_WRTE is acknowledged as soon as it is buffered unless the buffer has
// reached HighWater, in which case the A_OKAY is withheld until Read drains it
// below that. Since the peer cannot send another A_WRTE until it gets the
// A_OKAY, the buffer never holds more than HighWater plus one payload.
type SocketReader struct {
	Local  uint32
	Remote uint32

	HighWater int      // required
	Send      SendFunc // required

	deadline deadline
	closer   closer

	mu     sync.Mutex
	buf    []byte
	eof    bool
	ackOwe bool // an A_OKAY is being withheld
	notify chan struct{}
	eofCh  chan struct{}
}

var _ io.ReadCloser = (*SocketReader)(nil)

func (r *SocketReader) initLocked() {
	if r.Local == 0 || r.Remote == 0 || r.HighWater <= 0 || r.Send == nil {
		panic("socket reader missing required fields")
	}
	if r.notify == nil {
		r.notify = make(chan struct{}, 1)
		r.eofCh = make(chan struct{})
	}
}

// Handle handles a packet. It does not keep references to the packet payload
// after returning, and never blocks other than to send the A_OKAY. It must not
// be called concurrently.
func (r *SocketReader) Handle(pkt Packet) error {
	if pkt.Command != A_WRTE && pkt.Command != A_CLSE {
		return nil
	}
	if r.Local != pkt.Arg1 || (r.Remote != pkt.Arg0 && pkt.Arg0 != 0) {
		return nil
	}

	r.mu.Lock()
	r.initLocked()

	if pkt.Command == A_CLSE {
		if !r.eof {
			r.eof = true
			close(r.eofCh) // wake up all pending and future readers
		}
		r.mu.Unlock()
		return nil
	}

	// drop data after eof or after we stopped reading (our A_CLSE is on its
	// way, so the peer won't need an ack)
	if r.eof || r.closer.IsClosed() {
		r.mu.Unlock()
		return nil
	}

	r.buf = append(r.buf, pkt.Payload...)
	ack := len(r.buf) < r.HighWater
	if !ack {
		r.ackOwe = true
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
	r.mu.Unlock()

	if ack {
		if err := r.Send(A_OKAY, r.Local, r.Remote, nil); err != nil {
			return fmt.Errorf("failed to ack data: %w", err)
		}
	}
	return nil
}

// Read reads data from the stream up to len(b), returning the number of bytes
// read (n > 0). On EOF, it returns (0, io.EOF).
func (r *SocketReader) Read(b []byte) (int, error) {
	r.mu.Lock()
	r.initLocked()

	// check if closed
	if r.closer.IsClosed() {
		r.mu.Unlock()
		return 0, net.ErrClosed
	}

	if len(b) == 0 {
		r.mu.Unlock()
		return 0, nil
	}

	// wait for data to be available
	for len(r.buf) == 0 && !r.eof {
		r.mu.Unlock()
		select {
		case <-r.deadline.Done():
			return 0, os.ErrDeadlineExceeded
		case <-r.closer.Closed():
			return 0, net.ErrClosed
		case <-r.eofCh:
		case <-r.notify:
		}
		r.mu.Lock()
	}

	// handle eof
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return 0, io.EOF
	}

	n := copy(b, r.buf)
	r.buf = r.buf[n:]
	if len(r.buf) == 0 {
		r.buf = r.buf[:0:0] // don't keep a large backing array around
	}

	// release the peer if we were holding back the ack
	ack := r.ackOwe && len(r.buf) < r.HighWater && !r.eof
	if ack {
		r.ackOwe = false
	}

	// wake up another pending reader, if any
	if len(r.buf) != 0 {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()

	if ack {
		if err := r.Send(A_OKAY, r.Local, r.Remote, nil); err != nil {
			return n, fmt.Errorf("failed to ack data: %w", err)
		}
	}
	return n, nil
}

// Buffered returns the number of bytes waiting to be read.
func (r *SocketReader) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// SetDeadline sets the deadline for future and pending Read calls. A zero value
// for t means Read will not time out.
//
// The deadline does not propagate to sending the ACKs; it only affects the time
// to wait for the data to arrive.
func (r *SocketReader) SetDeadline(t time.Time) {
	r.deadline.Set(t)
}

// Close prevents future calls to Read and interrupts any pending ones, causing
// them to return [net.ErrClosed]. It does not have any effect on the peer. It
// will never fail.
//
// It is similar to a TCP shutdown(SHUT_RD).
func (r *SocketReader) Close() error {
	return r.closer.Close(func() error {
		r.mu.Lock()
		r.buf = nil
		r.mu.Unlock()
		return nil
	})
}

// SocketWriter is the sending half of a socket (i.e., it sends A_WRTE/A_CLSE
// packets and receives A_OKAY ones). It is safe for concurrent use, and
// concurrent writes are serialized.
//
// At most one A_WRTE is unacknowledged at any time, even if a Write times out
// waiting for the peer.
type SocketWriter struct {
	Local  uint32
	Remote uint32

	MaxPayload uint32   // required
	Send       SendFunc // required

	deadline deadline
	closer   closer

	wmu sync.Mutex // held for the duration of a Write

	mu      sync.Mutex
	notify  chan struct{}
	pending bool // an A_WRTE has been sent but not acked
}

var _ io.WriteCloser = (*SocketWriter)(nil)

func (w *SocketWriter) initLocked() {
	if w.Local == 0 || w.Remote == 0 || w.MaxPayload == 0 || w.Send == nil {
		panic("socket writer missing required fields")
	}
	if w.notify == nil {
		w.notify = make(chan struct{}, 1)
	}
}

// Handle handles a packet. It must not be called concurrently. It returns true
// if the packet was an A_OKAY for an outstanding A_WRTE.
func (w *SocketWriter) Handle(pkt Packet) bool {
	if pkt.Command != A_OKAY {
		return false
	}
	if w.Local != pkt.Arg1 || w.Remote != pkt.Arg0 {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.initLocked()

	if !w.pending {
		return false
	}
	w.pending = false

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return true
}

// Pending returns true if an A_WRTE is waiting for an A_OKAY.
func (w *SocketWriter) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// wait waits until there is no outstanding A_WRTE.
func (w *SocketWriter) wait() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.initLocked()
	for w.pending {
		w.mu.Unlock()
		select {
		case <-w.deadline.Done():
			w.mu.Lock()
			return os.ErrDeadlineExceeded
		case <-w.closer.Closed():
			w.mu.Lock()
			return net.ErrClosed
		case <-w.notify:
		}
		w.mu.Lock()
	}
	return nil
}

// Write writes data to the stream, split into packets of at most MaxPayload,
// waiting for each one to be acknowledged. It returns the number of bytes
// written to the stream. If err is nil, n == len(b).
func (w *SocketWriter) Write(b []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	if w.closer.IsClosed() {
		return 0, net.ErrClosed
	}

	var total int
	for len(b) != 0 {
		// a previous write may have timed out before the ack arrived
		if err := w.wait(); err != nil {
			return total, err
		}

		n := min(len(b), int(w.MaxPayload))

		w.mu.Lock()
		w.pending = true
		w.mu.Unlock()

		if err := w.Send(A_WRTE, w.Local, w.Remote, b[:n]); err != nil {
			w.mu.Lock()
			w.pending = false
			w.mu.Unlock()
			return total, fmt.Errorf("failed to write data: %w", err)
		}
		b = b[n:]
		total += n

		if err := w.wait(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close closes the stream by sending an A_CLSE if one hasn't already been sent.
// This preempts any pending writes and causes them to return [net.ErrClosed].
// It blocks until the A_CLSE is sent (it does not follow the write deadline).
func (w *SocketWriter) Close() error {
	return w.closer.Close(func() error {
		return w.Send(A_CLSE, w.Local, w.Remote, nil)
	})
}

// Abort is like Close, but doesn't send anything. It is used when the peer has
// already gone away.
func (w *SocketWriter) Abort() {
	w.closer.Close(nil)
}

// IsClosed returns true if Close or Abort was called.
func (w *SocketWriter) IsClosed() bool {
	return w.closer.IsClosed()
}

// SetDeadline sets the deadline for future and pending Write calls. Even if
// write times out, it may return n > 0, indicating that some of the data was
// successfully written. A zero value for t means Write will not time out.
//
// The deadline does not propagate to sending the data; it only affects the time
// to wait for the peer to ack the previous data.
func (w *SocketWriter) SetDeadline(t time.Time) {
	w.deadline.Set(t)
}

// deadline implements stuff needed for deadlines on connection implementations.
// It is safe for concurrent use.
type deadline struct {
	mu      sync.Mutex
	timer   *time.Timer
	notify  chan struct{}
	cancel  chan struct{}
	elapsed bool
}

// Done returns a channel which is closed when the deadline is exceeded.
func (d *deadline) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notify != nil {
		return d.notify
	}
	return d.setLocked(-1) // initialize with an infinite deadline
}

// Set sets the deadline to t. If t is in the past, the deadline is immediate.
// If t iz zero, the deadline is disabled.
func (d *deadline) Set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.IsZero() {
		d.setLocked(-1)
	} else {
		d.setLocked(max(0, time.Until(t)))
	}
}

// SetTimeout sets the deadline to occur after t. If t is negative, the deadline
// is disabled.
func (d *deadline) SetTimeout(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLocked(t)
}

// setLocked sets the deadline to t. If t is negative, there is no deadline. The
// mutex must be held while calling this.
func (d *deadline) setLocked(t time.Duration) <-chan struct{} {
	if d.timer == nil {
		d.timer = time.NewTimer(math.MaxInt64)
	}
	d.timer.Stop()
	if d.notify == nil || d.elapsed {
		if d.cancel != nil {
			close(d.cancel)
		}
		c := make(chan struct{})
		x := make(chan struct{})
		go func() {
			select {
			case <-x:
				return
			case <-d.timer.C:
			}
			d.mu.Lock()
			defer d.mu.Unlock()
			d.elapsed = true
			close(c)
		}()
		d.notify = c
		d.cancel = x
		d.elapsed = false
	}
	if t >= 0 {
		d.timer.Reset(t)
	}
	return d.notify
}

// closer implements stuff needed for closing connection implementations.
type closer struct {
	mu  sync.Mutex
	ch  atomic.Value
	ok  atomic.Bool
	err error
}

// IsClosed returns true if Close has been called.
func (c *closer) IsClosed() bool {
	if c.ok.Load() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ok.Load()
}

// Close calls fn if it hasn't already been called, then saves and returns the
// error.
func (c *closer) Close(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok.Load() {
		return c.err // this isn't racy since we hold the mutex
	}
	x := c.ch.Load()
	if x == nil {
		x = make(chan struct{})
		c.ch.Store(x)
	}
	c.ok.Store(true)
	close(x.(chan struct{}))
	if fn != nil {
		c.err = fn()
	}
	return c.err
}

// Closed returns a channel which is closed when Close is called (just before
// the actual close logic is executed).
func (c *closer) Closed() <-chan struct{} {
	x := c.ch.Load()
	if x != nil { // fast path (this is only safe since we only ever set ch once)
		return x.(chan struct{})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	x = c.ch.Load()
	if x == nil { // check again (we could have missed it before the mutex)
		x = make(chan struct{})
		c.ch.Store(x)
	}
	return x.(chan struct{})
}
