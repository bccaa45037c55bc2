package adbsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"net"
	"path"
	"slices"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/syncproto"
	"github.com/pgaskin/go-adbwire/internal/bionic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice serves the sync service from memory.
type fakeDevice struct {
	features features

	mu    sync.Mutex
	files map[string]*fakeFile
	dials int
}

type fakeFile struct {
	mode  uint32
	data  []byte
	mtime int64
}

func newFakeDevice(f features) *fakeDevice {
	return &fakeDevice{
		features: f,
		files: map[string]*fakeFile{
			"/":                 {mode: bionic.S_IFDIR | 0o755},
			"/sdcard":           {mode: bionic.S_IFDIR | 0o771, mtime: 1700000000},
			"/sdcard/a.txt":     {mode: bionic.S_IFREG | 0o660, data: []byte("aaa\n"), mtime: 1700000001},
			"/sdcard/Music":     {mode: bionic.S_IFDIR | 0o771, mtime: 1700000002},
			"/sdcard/Music/b.m": {mode: bionic.S_IFREG | 0o660, data: bytes.Repeat([]byte{'b'}, 100000), mtime: 1700000003},
		},
	}
}

func (d *fakeDevice) DialADB(ctx context.Context, svc string) (net.Conn, error) {
	if svc != "sync:" {
		return nil, fmt.Errorf("unexpected service %q", svc)
	}
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	a, b := net.Pipe()
	go d.serve(b)
	return a, nil
}

func (d *fakeDevice) SupportsFeature(f adbproto.Feature) bool {
	return d.features.SupportsFeature(f)
}

func (d *fakeDevice) lookup(p string) (fakeFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[p]
	if !ok {
		return fakeFile{}, false
	}
	return *f, true
}

func (d *fakeDevice) stat2(p string) syncproto.Stat2 {
	f, ok := d.lookup(p)
	if !ok {
		return syncproto.Stat2{Error: uint32(adbproto.ENOENT)}
	}
	return syncproto.Stat2{
		Mode:  f.mode,
		Nlink: 1,
		Size:  uint64(len(f.data)),
		Atime: f.mtime,
		Mtime: f.mtime,
		Ctime: f.mtime,
	}
}

// serve handles requests like adbd, ending the service after a failure.
func (d *fakeDevice) serve(conn net.Conn) {
	defer conn.Close()
	for {
		id, p, err := readRequest(conn)
		if err != nil {
			return
		}
		switch id {
		case syncproto.IDStat2, syncproto.IDLstat2:
			err = writeResponse(conn, id, d.stat2(p))

		case syncproto.IDList2:
			names := []string{".", ".."}
			d.mu.Lock()
			for _, k := range slices.Sorted(maps.Keys(d.files)) {
				if k != "/" && path.Dir(k) == p {
					names = append(names, path.Base(k))
				}
			}
			d.mu.Unlock()
			for _, name := range names {
				st := d.stat2(path.Join(p, name))
				if err = writeResponse(conn, syncproto.IDDent2, syncproto.Dent2{
					Mode:    st.Mode,
					Nlink:   st.Nlink,
					Size:    st.Size,
					Atime:   st.Atime,
					Mtime:   st.Mtime,
					Ctime:   st.Ctime,
					Namelen: uint32(len(name)),
				}, []byte(name)); err != nil {
					return
				}
			}
			err = writeResponse(conn, syncproto.IDDone, syncproto.Dent2{})

		case syncproto.IDRecv2:
			var r syncproto.Recv2
			if err := readObject(conn, syncproto.IDRecv2, &r); err != nil {
				return
			}
			f, ok := d.lookup(p)
			if !ok || f.mode&bionic.S_IFMT != bionic.S_IFREG {
				writeFail(conn, "open failed: No such file or directory")
				return
			}
			err = writeData(conn, f.data, syncproto.MaxData)

		case syncproto.IDSend2:
			var s syncproto.Send2
			if err := readObject(conn, syncproto.IDSend2, &s); err != nil {
				return
			}
			var (
				data  []byte
				mtime uint32
			)
			if _, data, mtime, err = readData(conn); err != nil {
				return
			}
			if _, ok := d.lookup(path.Dir(p)); !ok {
				writeFail(conn, "couldn't create file: No such file or directory")
				return
			}
			d.mu.Lock()
			d.files[p] = &fakeFile{mode: s.Mode, data: data, mtime: int64(mtime)}
			d.mu.Unlock()
			err = writeResponse(conn, syncproto.IDOkay, syncproto.Status{})

		case syncproto.IDQuit:
			return

		default:
			writeFail(conn, "unknown command")
			return
		}
		if err != nil {
			return
		}
	}
}

func TestClient(t *testing.T) {
	dev := newFakeDevice(featuresV2)
	c := &Client{
		Server: dev,
		CompressionConfig: &CompressionConfig{
			Compress:   []CompressionMethod{},
			Decompress: []CompressionMethod{},
		},
	}
	defer c.Close()
	ctx := t.Context()

	e, err := c.Stat(ctx, "/sdcard/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Size)

	es, err := c.ReadDir(ctx, "/sdcard")
	require.NoError(t, err)
	var names []string
	for _, e := range es {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Music", "a.txt"}, names)

	// shares the connection
	dev.mu.Lock()
	assert.Equal(t, 1, dev.dials)
	dev.mu.Unlock()

	b, err := c.ReadFile(ctx, "/sdcard/Music/b.m")
	require.NoError(t, err)
	assert.Len(t, b, 100000)

	require.NoError(t, c.WriteFile(ctx, "/sdcard/new.txt", []byte("new\n"), 0o644))
	b, err = c.ReadFile(ctx, "/sdcard/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(b))

	_, err = c.ReadFile(ctx, "/sdcard/missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = c.Lstat(ctx, "/sdcard/missing")
	require.ErrorIs(t, err, fs.ErrNotExist)

	// adbd ends the service after a failure, so the client must redial
	dev.mu.Lock()
	dials := dev.dials
	dev.mu.Unlock()
	err = c.WriteFile(ctx, "/nonexistent/new.txt", []byte("new\n"), 0o644)
	require.ErrorIs(t, err, syncproto.ErrSync)
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = c.Lstat(ctx, "/sdcard")
	require.NoError(t, err)
	dev.mu.Lock()
	assert.Equal(t, dials+1, dev.dials)
	dev.mu.Unlock()
}

func TestClientOpenConcurrent(t *testing.T) {
	c := &Client{Server: newFakeDevice(featuresV2)}
	defer c.Close()

	r1, err := c.Open(t.Context(), "/sdcard/a.txt")
	require.NoError(t, err)
	defer r1.Close()

	// a second file and other operations mustn't wait for the first file
	r2, err := c.Open(t.Context(), "/sdcard/Music/b.m")
	require.NoError(t, err)
	defer r2.Close()
	_, err = c.Lstat(t.Context(), "/sdcard")
	require.NoError(t, err)

	b, err := io.ReadAll(r1)
	require.NoError(t, err)
	assert.Equal(t, "aaa\n", string(b))
	n, err := io.Copy(io.Discard, r2)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), n)
}

func TestFS(t *testing.T) {
	c := &Client{Server: newFakeDevice(featuresV2)}
	defer c.Close()
	fsys := c.FS()

	require.NoError(t, fstest.TestFS(fsys, "sdcard/a.txt", "sdcard/Music/b.m"))

	fi, err := fs.Stat(fsys, "sdcard/Music")
	require.NoError(t, err)
	assert.Equal(t, "Music", fi.Name())
	assert.True(t, fi.IsDir())
	assert.Equal(t, time.Unix(1700000002, 0), fi.ModTime())
	assert.IsType(t, (*syncproto.Entry)(nil), fi.Sys())

	_, err = fs.ReadFile(fsys, "sdcard/missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
	var pe *fs.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "sdcard/missing", pe.Path)

	_, err = fsys.Open("../etc")
	require.ErrorIs(t, err, fs.ErrInvalid)

	f, err := fsys.Open("sdcard")
	require.NoError(t, err)
	_, err = f.Read(make([]byte, 1))
	require.ErrorIs(t, err, adbproto.EISDIR)
	require.NoError(t, f.Close())
}
