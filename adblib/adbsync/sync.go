// Package adbsync implements a client for the file sync service.
package adbsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pgaskin/go-adbwire/adb"
	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/syncproto"
	"github.com/pgaskin/go-adbwire/internal/bionic"
	"golang.org/x/sync/semaphore"
)

var debug *slog.Logger

func init() {
	if v, _ := strconv.ParseBool(os.Getenv("ADBSYNC_TRACE")); v {
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
	// ErrBroken is matched by the error returned by all operations after the
	// stream became unusable.
	ErrBroken = errors.New("sync connection broken")

	// ErrClosed is returned by operations after Close.
	ErrClosed = fmt.Errorf("sync connection closed: %w", net.ErrClosed)
)

var aLongTimeAgo = time.Unix(1, 0)

// Conn is a connection to the sync service. It is safe for concurrent use, but
// only one operation runs at a time. An operation holds the connection until
// its response has been completely read.
//
// A FAIL from the device is returned as a [syncproto.SyncFail] inside a
// [*fs.PathError], and does not affect the connection (although adbd usually
// ends the service afterwards). Any other error in the middle of a request
// leaves the stream in an unknown state, so the connection is closed and all
// later operations return an error matching [ErrBroken].
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	sem  *semaphore.Weighted
	cc   *CompressionConfig

	stat2     error // nil if supported
	ls2       bool
	sendrecv2 bool
	compress  CompressionMethod
	decomp    CompressionMethod

	mu  sync.Mutex
	err error
}

// Dial opens the sync service on srv.
func Dial(ctx context.Context, srv adb.Dialer, cc *CompressionConfig) (*Conn, error) {
	conn, err := adb.Sync(ctx, srv)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, srv, cc), nil
}

// NewConn wraps conn, which must be connected to the sync service. The
// protocol generation and compression methods are selected from the features
// supported by srv.
func NewConn(conn net.Conn, srv adb.Dialer, cc *CompressionConfig) *Conn {
	c := &Conn{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 8+syncproto.MaxData),
		sem:  semaphore.NewWeighted(1),
		cc:   cc,
	}
	c.stat2 = adb.SupportsFeature(srv, adbproto.FeatureStat2)
	c.ls2 = adb.SupportsFeature(srv, adbproto.FeatureLs2) == nil
	c.sendrecv2 = adb.SupportsFeature(srv, adbproto.FeatureSendRecv2) == nil
	if c.sendrecv2 {
		c.compress, c.decomp = cc.negotiate(srv)
	}
	debug.Debug("sync connected",
		"stat_v2", c.stat2 == nil,
		"ls_v2", c.ls2,
		"sendrecv_v2", c.sendrecv2,
		"compress", c.compress,
		"decompress", c.decomp,
	)
	return c
}

// Err returns the error which made the connection unusable, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// fail marks the connection as broken.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		debug.Warn("sync connection broken", "err", err)
		c.err = fmt.Errorf("%w: %w", ErrBroken, err)
		c.conn.Close()
	}
}

// begin waits for the connection to become available. The returned function
// must be called with the operation's result once the response is consumed,
// and returns the error to report.
func (c *Conn) begin(ctx context.Context) (func(error) error, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := c.Err(); err != nil {
		c.sem.Release(1)
		return nil, err
	}
	if err := context.Cause(ctx); err != nil {
		c.sem.Release(1)
		return nil, err
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		c.conn.SetDeadline(aLongTimeAgo)
	})
	return func(err error) error {
		defer c.sem.Release(1)
		if !stop() {
			<-fired
			if err != nil {
				err = fmt.Errorf("%w (%w)", context.Cause(ctx), err)
			}
			c.conn.SetDeadline(time.Time{})
		}
		if errors.Is(err, adbproto.ErrProtocol) {
			c.fail(err)
		}
		return err
	}, nil
}

// Close sends QUIT and closes the connection. If an operation is in progress,
// it is interrupted instead.
func (c *Conn) Close() error {
	var err error
	if c.sem.TryAcquire(1) {
		defer c.sem.Release(1)
		if c.Err() == nil {
			err = syncproto.WriteQuit(c.conn)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = ErrClosed
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*fs.PathError); ok {
		return err
	}
	return &fs.PathError{Op: op, Path: name, Err: err}
}

// Lstat gets information about a file without following symlinks.
func (c *Conn) Lstat(ctx context.Context, name string) (*syncproto.Entry, error) {
	e, err := c.stat(ctx, name, false)
	return e, pathError("lstat", name, err)
}

// Stat gets information about a file, following symlinks. It requires stat_v2,
// and returns an error matching [errors.ErrUnsupported] otherwise.
func (c *Conn) Stat(ctx context.Context, name string) (*syncproto.Entry, error) {
	if c.stat2 != nil {
		return nil, pathError("stat", name, c.stat2)
	}
	e, err := c.stat(ctx, name, true)
	return e, pathError("stat", name, err)
}

func (c *Conn) stat(ctx context.Context, name string, follow bool) (e *syncproto.Entry, err error) {
	end, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = end(err) }()

	if c.stat2 != nil {
		debug.Debug("stat", "path", name, "id", syncproto.IDStat)
		if err := syncproto.WriteRequest(c.conn, syncproto.IDStat, name); err != nil {
			return nil, err
		}
		st, err := syncproto.ReadResponse[syncproto.Stat1](c.br, syncproto.IDStat)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, adbproto.ProtocolErrorf("unexpected %s in response to %s", syncproto.IDDone, syncproto.IDStat)
		}
		return st.Entry(path.Base(name))
	}

	id := syncproto.IDLstat2
	if follow {
		id = syncproto.IDStat2
	}
	debug.Debug("stat", "path", name, "id", id)
	if err := syncproto.WriteRequest(c.conn, id, name); err != nil {
		return nil, err
	}
	st, err := syncproto.ReadResponse[syncproto.Stat2](c.br, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, adbproto.ProtocolErrorf("unexpected %s in response to %s", syncproto.IDDone, id)
	}
	return st.Entry(path.Base(name))
}

// ReadDir lists a directory, excluding "." and "..". The iterator can only be
// used once, and the error is set after the loop finishes. The connection is
// held for the duration of the loop, so it must not be used from inside it.
// Breaking out of the loop early discards the rest of the listing.
//
// If the device couldn't lstat an entry (v2 only), it is still yielded, but
// only the name is set.
func (c *Conn) ReadDir(ctx context.Context, name string) func(*error) iter.Seq[*syncproto.Entry] {
	return func(errp *error) iter.Seq[*syncproto.Entry] {
		var used bool
		return func(yield func(*syncproto.Entry) bool) {
			if used {
				*errp = pathError("readdir", name, errors.New("iterator already used"))
				return
			}
			used = true
			*errp = pathError("readdir", name, c.readDir(ctx, name, yield))
		}
	}
}

func (c *Conn) readDir(ctx context.Context, name string, yield func(*syncproto.Entry) bool) (err error) {
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { err = end(err) }()

	more := true
	emit := func(e *syncproto.Entry) {
		if more && e.Name != "." && e.Name != ".." {
			more = yield(e)
		}
	}

	if !c.ls2 {
		debug.Debug("list", "path", name, "id", syncproto.IDList)
		if err := syncproto.WriteRequest(c.conn, syncproto.IDList, name); err != nil {
			return err
		}
		for {
			d, err := syncproto.ReadResponse[syncproto.Dent1](c.br, syncproto.IDDent)
			if err != nil || d == nil {
				return err
			}
			n, err := syncproto.ReadName(c.br, d.Namelen)
			if err != nil {
				return err
			}
			emit(d.Entry(n))
		}
	}

	debug.Debug("list", "path", name, "id", syncproto.IDList2)
	if err := syncproto.WriteRequest(c.conn, syncproto.IDList2, name); err != nil {
		return err
	}
	for {
		d, err := syncproto.ReadResponse[syncproto.Dent2](c.br, syncproto.IDDent2)
		if err != nil || d == nil {
			return err
		}
		n, err := syncproto.ReadName(c.br, d.Namelen)
		if err != nil {
			return err
		}
		e, err := d.Entry(n)
		if err != nil {
			debug.Debug("list entry error", "path", name, "name", n, "err", err)
		}
		emit(e)
	}
}

// Recv reads a file in chunks. The iterator can only be used once, and the
// error is set after the loop finishes. Each chunk is only valid until the
// next iteration. The connection is held for the duration of the loop.
// Breaking out of the loop early discards the rest of the file.
func (c *Conn) Recv(ctx context.Context, name string) func(*error) iter.Seq[[]byte] {
	return func(errp *error) iter.Seq[[]byte] {
		var used bool
		return func(yield func([]byte) bool) {
			if used {
				*errp = pathError("recv", name, errors.New("iterator already used"))
				return
			}
			used = true

			rc, err := c.Open(ctx, name)
			if err != nil {
				*errp = err
				return
			}
			defer func() {
				if err := rc.Close(); *errp == nil {
					*errp = err
				}
			}()

			buf := make([]byte, syncproto.MaxData)
			for {
				n, err := rc.Read(buf)
				if n != 0 && !yield(buf[:n]) {
					return
				}
				if err != nil {
					if err != io.EOF {
						*errp = err
					}
					return
				}
			}
		}
	}
}

// Open reads a file. The connection is held until the reader is closed, and
// cancelling ctx before then interrupts it. Errors from the device for the
// file itself (e.g., if it doesn't exist) are returned by Open.
func (c *Conn) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	end, err := c.begin(ctx)
	if err != nil {
		return nil, pathError("open", name, err)
	}

	method := CompressionNone
	if c.sendrecv2 {
		method = c.decomp
		debug.Debug("recv", "path", name, "id", syncproto.IDRecv2, "compression", method)
		err = syncproto.WriteRequest(c.conn, syncproto.IDRecv2, name)
		if err == nil {
			err = syncproto.WriteRequestObject(c.conn, syncproto.IDRecv2, syncproto.Recv2{
				Flags: method.flag(),
			})
		}
	} else {
		debug.Debug("recv", "path", name, "id", syncproto.IDRecv)
		err = syncproto.WriteRequest(c.conn, syncproto.IDRecv, name)
	}
	if err != nil {
		return nil, pathError("open", name, end(err))
	}

	r := &recvReader{
		name: name,
		end:  end,
		data: bufio.NewReaderSize(syncproto.DataReader(c.br), syncproto.MaxData),
	}
	if _, err := r.data.Peek(1); err != nil && err != io.EOF {
		return nil, pathError("open", name, end(err))
	}
	r.r = r.data
	if method != CompressionNone {
		dc, err := c.cc.newReader(method, r.data)
		if err != nil {
			r.Close()
			return nil, pathError("open", name, err)
		}
		r.dc, r.r = dc, dc
	}
	return r, nil
}

type recvReader struct {
	name   string
	end    func(error) error
	data   *bufio.Reader
	dc     io.ReadCloser
	r      io.Reader
	closed bool
}

func (r *recvReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, pathError("read", r.name, fs.ErrClosed)
	}
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		err = pathError("read", r.name, err)
	}
	return n, err
}

// Close discards the rest of the file and releases the connection.
func (r *recvReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.dc != nil {
		r.dc.Close()
	}
	_, err := io.Copy(io.Discard, r.data)
	if errors.Is(err, syncproto.ErrSync) {
		err = nil // already returned by Open or Read
	}
	return pathError("close", r.name, r.end(err))
}

// Send writes a file. The mode is converted to a Linux st_mode (with S_IFREG
// if no type bits are set), and mtime is truncated to seconds. If r fails, the
// connection is closed since the transfer can't be aborted.
func (c *Conn) Send(ctx context.Context, name string, r io.Reader, mode fs.FileMode, mtime time.Time) (err error) {
	end, err := c.begin(ctx)
	if err != nil {
		return pathError("send", name, err)
	}
	defer func() { err = pathError("send", name, end(err)) }()

	dw := syncproto.DataWriter(c.conn, uint32(mtime.Unix()))
	w := dw

	method := CompressionNone
	if c.sendrecv2 {
		method = c.compress
		if method != CompressionNone {
			cw, err := c.cc.newWriter(method, dw)
			if err != nil {
				return err
			}
			w = cw
		}
		debug.Debug("send", "path", name, "id", syncproto.IDSend2, "mode", mode, "compression", method)
		if err := syncproto.WriteRequest(c.conn, syncproto.IDSend2, name); err != nil {
			return err
		}
		if err := syncproto.WriteRequestObject(c.conn, syncproto.IDSend2, syncproto.Send2{
			Mode:  bionic.Mode(mode),
			Flags: method.flag(),
		}); err != nil {
			return err
		}
	} else {
		debug.Debug("send", "path", name, "id", syncproto.IDSend, "mode", mode)
		if err := syncproto.WriteRequest(c.conn, syncproto.IDSend, name+","+strconv.FormatUint(uint64(bionic.Mode(mode)), 10)); err != nil {
			return err
		}
	}

	if _, err := io.Copy(w, r); err != nil {
		c.fail(err)
		return err
	}
	if w != dw {
		if err := w.Close(); err != nil {
			c.fail(err)
			return err
		}
	}
	if err := dw.Close(); err != nil {
		return err
	}
	return syncproto.ReadOkay(c.br)
}
