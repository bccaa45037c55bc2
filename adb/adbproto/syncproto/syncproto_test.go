package syncproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/internal/bionic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(id ID, obj any, extra []byte) []byte {
	b, err := binary.Append(id[:], binary.LittleEndian, obj)
	if err != nil {
		panic(err)
	}
	return append(b, extra...)
}

func fail(msg string) []byte {
	return response(IDFail, Status{Msglen: uint32(len(msg))}, []byte(msg))
}

func TestWriteRequest(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteRequest(&b, IDList2, "/sdcard"))
	assert.Equal(t, []byte("LIS2\x07\x00\x00\x00/sdcard"), b.Bytes())

	b.Reset()
	require.NoError(t, WriteRequestObject(&b, IDSend2, Send2{Mode: 0o100644, Flags: FlagZstd}))
	assert.Equal(t, []byte("SND2\xa4\x81\x00\x00\x04\x00\x00\x00"), b.Bytes())

	b.Reset()
	require.NoError(t, WriteQuit(&b))
	assert.Equal(t, []byte("QUIT\x00\x00\x00\x00"), b.Bytes())

	assert.Error(t, WriteRequest(&b, IDStat, strings.Repeat("a", MaxPath+1)))
}

func TestReadResponse(t *testing.T) {
	t.Run("Object", func(t *testing.T) {
		r := bytes.NewReader(response(IDStat, Stat1{Mode: bionic.S_IFREG | 0644, Size: 5, Mtime: 100}, nil))
		st, err := ReadResponse[Stat1](r, IDStat)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, uint32(5), st.Size)
	})
	t.Run("Done", func(t *testing.T) {
		r := bytes.NewReader(response(IDDone, Dent2{}, nil))
		st, err := ReadResponse[Dent2](r, IDDent2)
		require.NoError(t, err)
		assert.Nil(t, st)
		assert.Zero(t, r.Len(), "the whole done struct should be consumed")
	})
	t.Run("Fail", func(t *testing.T) {
		r := bytes.NewReader(fail("stat failed: No such file or directory"))
		_, err := ReadResponse[Stat2](r, IDLstat2)
		assert.ErrorIs(t, err, ErrSync)
		assert.ErrorIs(t, err, adbproto.ENOENT)
		assert.ErrorIs(t, err, fs.ErrNotExist)
		assert.NotErrorIs(t, err, fs.ErrPermission)
		assert.EqualError(t, err, "stat failed: No such file or directory")
	})
	t.Run("Unexpected", func(t *testing.T) {
		r := bytes.NewReader(response(IDData, Data{}, nil))
		_, err := ReadResponse[Stat2](r, IDLstat2)
		assert.ErrorIs(t, err, adbproto.ErrProtocol)
		assert.NotErrorIs(t, err, ErrSync)
	})
	t.Run("Truncated", func(t *testing.T) {
		_, err := ReadResponse[Stat2](bytes.NewReader([]byte("STA2\x00")), IDStat2)
		assert.ErrorIs(t, err, adbproto.ErrProtocol)
	})
}

func TestReadOkay(t *testing.T) {
	assert.NoError(t, ReadOkay(bytes.NewReader(response(IDOkay, Status{}, nil))))
	assert.ErrorIs(t, ReadOkay(bytes.NewReader(fail("nope"))), ErrSync)
	assert.ErrorIs(t, ReadOkay(bytes.NewReader(response(IDOkay, Status{Msglen: 1}, []byte("x")))), adbproto.ErrProtocol)
	assert.ErrorIs(t, ReadOkay(bytes.NewReader(response(IDDone, Status{}, nil))), adbproto.ErrProtocol)
}

func TestDataWriter(t *testing.T) {
	var b bytes.Buffer
	w := DataWriter(&b, 1234)
	n, err := io.Copy(w, bytes.NewReader(bytes.Repeat([]byte{'x'}, 150*1024)))
	require.NoError(t, err)
	assert.Equal(t, int64(150*1024), n)
	require.NoError(t, w.Close())

	var sizes []uint32
	r := bytes.NewReader(b.Bytes())
	for {
		id, err := ReadID(r)
		require.NoError(t, err)
		var d Data
		require.NoError(t, binary.Read(r, binary.LittleEndian, &d))
		if id == IDDone {
			assert.Equal(t, uint32(1234), d.Size, "done carries the mtime")
			break
		}
		require.Equal(t, IDData, id)
		sizes = append(sizes, d.Size)
		_, err = r.Seek(int64(d.Size), io.SeekCurrent)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint32{64 * 1024, 64 * 1024, 22 * 1024}, sizes)
	assert.Zero(t, r.Len())

	_, err = w.Write([]byte("x"))
	assert.Error(t, err, "write after close")
}

func TestDataWriterEmpty(t *testing.T) {
	var b bytes.Buffer
	w := DataWriter(&b, 7)
	require.NoError(t, w.Close())
	assert.Equal(t, []byte("DONE\x07\x00\x00\x00"), b.Bytes())
}

func TestDataReader(t *testing.T) {
	var b bytes.Buffer
	w := DataWriter(&b, 0)
	data := bytes.Repeat([]byte("0123456789abcdef"), 10000)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	b.Write(response(IDOkay, Status{}, nil)) // shouldn't be consumed

	r := bytes.NewReader(b.Bytes())
	got, err := io.ReadAll(DataReader(r))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 8, r.Len())

	t.Run("Fail", func(t *testing.T) {
		var b bytes.Buffer
		b.Write(response(IDData, Data{Size: 3}, []byte("abc")))
		b.Write(fail("read failed: Permission denied"))
		got, err := io.ReadAll(DataReader(&b))
		assert.Equal(t, "abc", string(got))
		assert.ErrorIs(t, err, fs.ErrPermission)
		var sf SyncFail
		assert.True(t, errors.As(err, &sf))
	})
	t.Run("TooLarge", func(t *testing.T) {
		r := bytes.NewReader(response(IDData, Data{Size: MaxData + 1}, nil))
		_, err := io.ReadAll(DataReader(r))
		assert.ErrorIs(t, err, adbproto.ErrProtocol)
	})
}

func TestEntry(t *testing.T) {
	t.Run("Stat1", func(t *testing.T) {
		e, err := (&Stat1{Mode: bionic.S_IFREG | 0644, Size: 0xFFFFFFF0, Mtime: 1700000000}).Entry("f")
		require.NoError(t, err)
		assert.Equal(t, uint64(0xFFFFFFF0), e.Size, "v1 sizes are unsigned")
		assert.Equal(t, time.Unix(1700000000, 0), e.Mtime)
		assert.False(t, e.Extended)
		assert.True(t, e.IsRegular())
		assert.Equal(t, fs.FileMode(0644), e.Permission())
		assert.Equal(t, fs.FileMode(0), e.Type())

		_, err = (&Stat1{}).Entry("missing")
		assert.ErrorIs(t, err, fs.ErrNotExist)
		assert.ErrorIs(t, err, ErrSync)
	})
	t.Run("Stat2", func(t *testing.T) {
		e, err := (&Stat2{Mode: bionic.S_IFDIR | 0771, Size: 1 << 40, Uid: 1000, Gid: 9997, Nlink: 3, Ino: 42, Atime: 1, Mtime: 2, Ctime: 3}).Entry("d")
		require.NoError(t, err)
		assert.True(t, e.Extended)
		assert.True(t, e.IsDir())
		assert.Equal(t, fs.ModeDir, e.Type())
		assert.Equal(t, uint64(1<<40), e.Size)
		assert.Equal(t, uint32(1000), e.Uid)
		assert.Equal(t, uint32(9997), e.Gid)
		assert.Equal(t, time.Unix(1, 0), e.Atime)
		assert.Equal(t, time.Unix(3, 0), e.Ctime)

		_, err = (&Stat2{Error: uint32(adbproto.EACCES)}).Entry("x")
		assert.ErrorIs(t, err, fs.ErrPermission)
		assert.ErrorIs(t, err, adbproto.EACCES)
		assert.ErrorIs(t, err, ErrSync)
	})
	t.Run("Dent", func(t *testing.T) {
		e := (&Dent1{Mode: bionic.S_IFLNK | 0777, Size: 10, Mtime: 5}).Entry("link")
		assert.Equal(t, "link", e.Name)
		assert.True(t, e.IsSymlink())

		e, err := (&Dent2{Mode: bionic.S_IFREG | 0600, Size: 7, Uid: 2000}).Entry("file")
		require.NoError(t, err)
		assert.Equal(t, "file", e.Name)
		assert.Equal(t, uint32(2000), e.Uid)
		assert.Equal(t, uint64(7), e.Size)

		e, err = (&Dent2{Error: uint32(adbproto.EACCES)}).Entry("secret")
		assert.ErrorIs(t, err, adbproto.EACCES)
		assert.Equal(t, "secret", e.Name)
	})
}
