package adbsync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pgaskin/go-adbwire/adb"
	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/syncproto"
)

// Client shares a sync connection, dialing a new one when required. It is safe
// for concurrent use, but operations are serialized.
type Client struct {
	Server adb.Dialer

	// CompressionConfig contains options for compression and decompression.
	CompressionConfig *CompressionConfig

	mu   sync.Mutex
	conn *Conn
}

func (c *Client) get(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.Err() == nil {
		return c.conn, nil
	}
	conn, err := Dial(ctx, c.Server, c.CompressionConfig)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// release retires conn if err means adbd has probably ended the service.
func (c *Client) release(conn *Conn, err error) {
	var sf syncproto.SyncFail
	if errors.As(err, &sf) {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

// SupportsStat returns nil if [Client.Stat] is supported.
func (c *Client) SupportsStat() error {
	return adb.SupportsFeature(c.Server, adbproto.FeatureStat2)
}

// Close closes the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Lstat is like [Conn.Lstat].
func (c *Client) Lstat(ctx context.Context, name string) (*syncproto.Entry, error) {
	conn, err := c.get(ctx)
	if err != nil {
		return nil, pathError("lstat", name, err)
	}
	e, err := conn.Lstat(ctx, name)
	c.release(conn, err)
	return e, err
}

// Stat is like [Conn.Stat].
func (c *Client) Stat(ctx context.Context, name string) (*syncproto.Entry, error) {
	if err := c.SupportsStat(); err != nil {
		return nil, pathError("stat", name, err)
	}
	conn, err := c.get(ctx)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	e, err := conn.Stat(ctx, name)
	c.release(conn, err)
	return e, err
}

// ReadDir lists a directory, sorted by name.
func (c *Client) ReadDir(ctx context.Context, name string) ([]*syncproto.Entry, error) {
	conn, err := c.get(ctx)
	if err != nil {
		return nil, pathError("readdir", name, err)
	}
	var es []*syncproto.Entry
	for e := range conn.ReadDir(ctx, name)(&err) {
		es = append(es, e)
	}
	c.release(conn, err)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(es, func(a, b *syncproto.Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return es, nil
}

// Open is like [Conn.Open], but uses a new connection so other operations
// (including opening other files) can be done while the file is open.
func (c *Client) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	conn, err := Dial(ctx, c.Server, c.CompressionConfig)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	rc, err := conn.Open(ctx, name)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &clientReader{rc, conn}, nil
}

type clientReader struct {
	io.ReadCloser
	conn *Conn
}

func (r *clientReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadFile reads a whole file.
func (c *Client) ReadFile(ctx context.Context, name string) ([]byte, error) {
	rc, err := c.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Send is like [Conn.Send].
func (c *Client) Send(ctx context.Context, name string, r io.Reader, mode fs.FileMode, mtime time.Time) error {
	conn, err := c.get(ctx)
	if err != nil {
		return pathError("send", name, err)
	}
	err = conn.Send(ctx, name, r, mode, mtime)
	c.release(conn, err)
	return err
}

// WriteFile writes a file with the current time.
func (c *Client) WriteFile(ctx context.Context, name string, data []byte, mode fs.FileMode) error {
	return c.Send(ctx, name, bytes.NewReader(data), mode, time.Now())
}
