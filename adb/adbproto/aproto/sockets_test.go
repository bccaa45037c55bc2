package aproto

import (
	"bytes"
	"errors"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	Command    Command
	Arg0, Arg1 uint32
	Data       []byte
}

// recorder is a SendFunc which records packets.
type recorder struct {
	mu  sync.Mutex
	pkt []sentPacket
	ch  chan sentPacket
	err error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan sentPacket, 64)}
}

func (r *recorder) Send(cmd Command, arg0, arg1 uint32, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	p := sentPacket{cmd, arg0, arg1, bytes.Clone(data)}
	r.pkt = append(r.pkt, p)
	r.ch <- p
	return nil
}

func (r *recorder) Count(cmd Command) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, p := range r.pkt {
		if p.Command == cmd {
			n++
		}
	}
	return n
}

func (r *recorder) Next(t *testing.T) sentPacket {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(time.Second):
		t.Fatalf("no packet sent")
		panic("unreachable")
	}
}

func (r *recorder) None(t *testing.T) {
	t.Helper()
	select {
	case p := <-r.ch:
		t.Fatalf("unexpected %s packet", p.Command)
	case <-time.After(time.Millisecond * 25):
	}
}

func wrte(local, remote uint32, data string) Packet {
	return NewPacket(A_WRTE, remote, local, []byte(data), false)
}

func TestSocketReader(t *testing.T) {
	t.Run("AckImmediately", func(t *testing.T) {
		rec := newRecorder()
		r := &SocketReader{Local: 1, Remote: 7, HighWater: 16, Send: rec.Send}

		require.NoError(t, r.Handle(wrte(1, 7, "hello")))
		p := rec.Next(t)
		assert.Equal(t, A_OKAY, p.Command)
		assert.Equal(t, uint32(1), p.Arg0)
		assert.Equal(t, uint32(7), p.Arg1)

		buf := make([]byte, 3)
		n, err := r.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "hel", string(buf[:n]))
		n, err = r.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "lo", string(buf[:n]))
		rec.None(t)
	})
	t.Run("Backpressure", func(t *testing.T) {
		rec := newRecorder()
		r := &SocketReader{Local: 1, Remote: 7, HighWater: 8, Send: rec.Send}

		require.NoError(t, r.Handle(wrte(1, 7, "12345")))
		assert.Equal(t, A_OKAY, rec.Next(t).Command)

		// now over the high-water mark, so the ack is withheld
		require.NoError(t, r.Handle(wrte(1, 7, "6789")))
		rec.None(t)
		assert.Equal(t, 9, r.Buffered())

		// still over
		buf := make([]byte, 1)
		_, err := r.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, 8, r.Buffered())
		rec.None(t)

		// drained below, so the ack goes out once
		_, err = r.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, A_OKAY, rec.Next(t).Command)
		_, err = r.Read(buf)
		require.NoError(t, err)
		rec.None(t)
		assert.Equal(t, 2, rec.Count(A_OKAY))
	})
	t.Run("EOF", func(t *testing.T) {
		rec := newRecorder()
		r := &SocketReader{Local: 1, Remote: 7, HighWater: 16, Send: rec.Send}

		require.NoError(t, r.Handle(wrte(1, 7, "abc")))
		require.NoError(t, r.Handle(NewPacket(A_CLSE, 7, 1, nil, false)))

		b, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(b))

		n, err := r.Read(make([]byte, 1))
		assert.Zero(t, n)
		assert.ErrorIs(t, err, io.EOF)
	})
	t.Run("WakesBlockedRead", func(t *testing.T) {
		rec := newRecorder()
		r := &SocketReader{Local: 1, Remote: 7, HighWater: 16, Send: rec.Send}

		done := make(chan error, 1)
		go func() {
			_, err := r.Read(make([]byte, 1))
			done <- err
		}()
		time.Sleep(time.Millisecond * 10)
		require.NoError(t, r.Handle(NewPacket(A_CLSE, 0, 1, nil, false)))
		select {
		case err := <-done:
			assert.ErrorIs(t, err, io.EOF)
		case <-time.After(time.Second):
			t.Fatal("read did not return after close")
		}
	})
	t.Run("IgnoresOtherSockets", func(t *testing.T) {
		rec := newRecorder()
		r := &SocketReader{Local: 1, Remote: 7, HighWater: 16, Send: rec.Send}

		require.NoError(t, r.Handle(wrte(2, 7, "x")))
		require.NoError(t, r.Handle(wrte(1, 8, "x")))
		assert.Zero(t, r.Buffered())
		rec.None(t)
	})
	t.Run("Deadline", func(t *testing.T) {
		rec := newRecorder()
		r := &SocketReader{Local: 1, Remote: 7, HighWater: 16, Send: rec.Send}

		r.SetDeadline(time.Now().Add(time.Millisecond * 10))
		_, err := r.Read(make([]byte, 1))
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

		r.SetDeadline(time.Time{})
		require.NoError(t, r.Handle(wrte(1, 7, "x")))
		n, err := r.Read(make([]byte, 1))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
	t.Run("Close", func(t *testing.T) {
		rec := newRecorder()
		r := &SocketReader{Local: 1, Remote: 7, HighWater: 16, Send: rec.Send}

		require.NoError(t, r.Close())
		require.NoError(t, r.Handle(wrte(1, 7, "x")))
		_, err := r.Read(make([]byte, 1))
		assert.ErrorIs(t, err, net.ErrClosed)
		rec.None(t)
	})
}

func TestSocketWriter(t *testing.T) {
	okay := func(w *SocketWriter) bool {
		return w.Handle(NewPacket(A_OKAY, w.Remote, w.Local, nil, false))
	}
	t.Run("Chunked", func(t *testing.T) {
		rec := newRecorder()
		w := &SocketWriter{Local: 1, Remote: 7, MaxPayload: 4, Send: rec.Send}

		done := make(chan error, 1)
		go func() {
			n, err := w.Write([]byte("0123456789"))
			if err == nil && n != 10 {
				err = errors.New("short write")
			}
			done <- err
		}()

		var got []byte
		for range 3 {
			p := rec.Next(t)
			require.Equal(t, A_WRTE, p.Command)
			assert.Equal(t, uint32(1), p.Arg0)
			assert.Equal(t, uint32(7), p.Arg1)
			assert.LessOrEqual(t, len(p.Data), 4)
			got = append(got, p.Data...)

			// only one in flight
			rec.None(t)
			assert.True(t, w.Pending())
			assert.True(t, okay(w))
		}
		assert.Equal(t, "0123456789", string(got))

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("write did not complete")
		}
		assert.False(t, okay(w), "unexpected ack should be ignored")
	})
	t.Run("Serialized", func(t *testing.T) {
		rec := newRecorder()
		w := &SocketWriter{Local: 1, Remote: 7, MaxPayload: 2, Send: rec.Send}

		var wg sync.WaitGroup
		for _, s := range []string{"aaaa", "bbbb"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Write([]byte(s))
			}()
		}
		var got []byte
		for range 4 {
			p := rec.Next(t)
			got = append(got, p.Data...)
			okay(w)
		}
		wg.Wait()
		assert.Contains(t, []string{"aaaabbbb", "bbbbaaaa"}, string(got))
	})
	t.Run("DeadlineKeepsOneInFlight", func(t *testing.T) {
		rec := newRecorder()
		w := &SocketWriter{Local: 1, Remote: 7, MaxPayload: 4, Send: rec.Send}

		w.SetDeadline(time.Now().Add(time.Millisecond * 10))
		n, err := w.Write([]byte("ab"))
		assert.Equal(t, 2, n)
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
		assert.Equal(t, A_WRTE, rec.Next(t).Command)

		// the next write must not send until the first is acked
		w.SetDeadline(time.Time{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			w.Write([]byte("cd"))
		}()
		rec.None(t)
		okay(w)
		p := rec.Next(t)
		assert.Equal(t, "cd", string(p.Data))
		okay(w)
		<-done
	})
	t.Run("CloseOnce", func(t *testing.T) {
		rec := newRecorder()
		w := &SocketWriter{Local: 1, Remote: 7, MaxPayload: 4, Send: rec.Send}

		done := make(chan error, 1)
		go func() {
			_, err := w.Write([]byte("x"))
			done <- err
		}()
		rec.Next(t)

		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
		assert.ErrorIs(t, <-done, net.ErrClosed)
		assert.Equal(t, 1, rec.Count(A_CLSE))

		_, err := w.Write([]byte("x"))
		assert.ErrorIs(t, err, net.ErrClosed)
	})
	t.Run("Abort", func(t *testing.T) {
		rec := newRecorder()
		w := &SocketWriter{Local: 1, Remote: 7, MaxPayload: 4, Send: rec.Send}
		w.Abort()
		assert.True(t, w.IsClosed())
		require.NoError(t, w.Close())
		assert.Zero(t, rec.Count(A_CLSE))
	})
}

func TestDeadline(t *testing.T) {
	isDone := func(ch <-chan struct{}) bool {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}

	var d deadline
	ch1, ch2 := d.Done(), d.Done()
	assert.False(t, isDone(ch1))
	assert.False(t, isDone(ch2))

	d.SetTimeout(0)
	time.Sleep(time.Millisecond * 25)
	assert.True(t, isDone(ch1), "immediate timeout")
	assert.True(t, isDone(ch2), "immediate timeout")
	assert.True(t, isDone(d.Done()), "new channel after timeout")

	d.SetTimeout(-1)
	ch3 := d.Done()
	assert.False(t, isDone(ch3), "cleared timeout")
	assert.True(t, isDone(ch1), "old channel stays closed")

	d.SetTimeout(time.Millisecond * 200)
	d.SetTimeout(time.Minute)
	time.Sleep(time.Millisecond * 400)
	assert.False(t, isDone(ch3), "extended timeout")

	d.SetTimeout(time.Millisecond * 10)
	time.Sleep(time.Millisecond * 200)
	assert.True(t, isDone(ch3), "reduced timeout")

	d.Set(time.Now().Add(time.Millisecond * 200))
	ch4 := d.Done()
	assert.False(t, isDone(ch4))
	time.Sleep(time.Millisecond * 400)
	assert.True(t, isDone(ch4))
}

func BenchmarkDeadline(b *testing.B) {
	b.Run("Unset", func(b *testing.B) {
		b.ReportAllocs()
		var d deadline
		for b.Loop() {
			select {
			case <-d.Done():
				b.Fatal("done")
			default:
			}
		}
	})
	b.Run("Set", func(b *testing.B) {
		b.ReportAllocs()
		var d deadline
		d.SetTimeout(math.MaxInt64)
		for b.Loop() {
			select {
			case <-d.Done():
				b.Fatal("done")
			default:
			}
		}
	})
	b.Run("Reset", func(b *testing.B) {
		b.ReportAllocs()
		var d deadline
		d.SetTimeout(0)
		<-d.Done()
		for b.Loop() {
			d.SetTimeout(0)
			<-d.Done()
		}
	})
}

func TestCloser(t *testing.T) {
	var c closer
	ch := c.Closed()
	select {
	case <-ch:
		t.Fatal("closed before Close")
	default:
	}

	start := make(chan struct{})
	finish := make(chan error)
	first := make(chan error)
	go func() {
		first <- c.Close(func() error {
			close(start)
			return <-finish
		})
	}()
	<-start
	assert.True(t, c.IsClosed())
	assert.Equal(t, ch, c.Closed())

	second := make(chan error)
	go func() {
		second <- c.Close(func() error {
			t.Error("close func called twice")
			return errors.New("second")
		})
	}()
	finish <- errors.New("first")
	err1, err2 := <-first, <-second
	assert.Same(t, err1, err2)
	assert.EqualError(t, err1, "first")

	select {
	case <-ch:
	default:
		t.Fatal("not closed after Close")
	}
}
