package syncproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/pgaskin/go-adbwire/adb/adbproto"
)

// WriteRequest writes a request with a path.
func WriteRequest(w io.Writer, id ID, path string) error {
	if len(path) > MaxPath {
		return fmt.Errorf("%s request: path too long (%d > %d)", id, len(path), MaxPath)
	}
	req := make([]byte, 8, 8+len(path))
	copy(req[0:4], id[:])
	binary.LittleEndian.PutUint32(req[4:8], uint32(len(path)))
	req = append(req, path...)
	if _, err := w.Write(req); err != nil {
		return adbproto.ProtocolErrorf("write %s request: %w", id, err)
	}
	return nil
}

// WriteRequestObject writes a request with a fixed-size struct.
func WriteRequestObject(w io.Writer, id ID, obj any) error {
	req, err := binary.Append(id[:], binary.LittleEndian, obj)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", id, err)
	}
	if _, err := w.Write(req); err != nil {
		return adbproto.ProtocolErrorf("write %s request: %w", id, err)
	}
	return nil
}

// WriteQuit tells adbd to end the sync service.
func WriteQuit(w io.Writer) error {
	return WriteRequestObject(w, IDQuit, Data{})
}

// ReadID reads a response ID.
func ReadID(r io.Reader) (ID, error) {
	var id ID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, adbproto.ProtocolErrorf("read sync response id: %w", err)
	}
	return id, nil
}

// ReadFail reads the rest of a FAIL response, returning a [SyncFail], or an
// [adbproto.ErrProtocol] if it couldn't be read.
func ReadFail(r io.Reader) error {
	var st Status
	if err := binary.Read(r, binary.LittleEndian, &st); err != nil {
		return adbproto.ProtocolErrorf("read sync fail response: %w", err)
	}
	if st.Msglen > maxFail {
		return adbproto.ProtocolErrorf("read sync fail response: message too long (%d)", st.Msglen)
	}
	msg := make([]byte, st.Msglen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return adbproto.ProtocolErrorf("read sync fail response: %w", err)
	}
	return SyncFail(msg)
}

// ReadOkay reads an OKAY or FAIL response.
func ReadOkay(r io.Reader) error {
	id, err := ReadID(r)
	if err != nil {
		return err
	}
	switch id {
	case IDFail:
		return ReadFail(r)
	case IDOkay:
		var st Status
		if err := binary.Read(r, binary.LittleEndian, &st); err != nil {
			return adbproto.ProtocolErrorf("read sync okay response: %w", err)
		}
		if st.Msglen != 0 {
			return adbproto.ProtocolErrorf("read sync okay response: message length must be zero, got %d", st.Msglen)
		}
		return nil
	}
	return adbproto.ProtocolErrorf("unexpected sync response id %q (expected %s)", id, IDOkay)
}

// ReadResponse reads a response with the specified ID, a FAIL, or a DONE with
// the same size. On DONE, nil is returned.
func ReadResponse[T any](r io.Reader, id ID) (*T, error) {
	got, err := ReadID(r)
	if err != nil {
		return nil, err
	}
	if got == IDFail {
		return nil, ReadFail(r)
	}
	if got != id && got != IDDone {
		return nil, adbproto.ProtocolErrorf("unexpected sync response id %q (expected %s)", got, id)
	}
	var obj T
	if err := binary.Read(r, binary.LittleEndian, &obj); err != nil {
		return nil, adbproto.ProtocolErrorf("read sync %s response: %w", got, err)
	}
	if got == IDDone {
		return nil, nil
	}
	return &obj, nil
}

// ReadName reads the name following a DENT.
func ReadName(r io.Reader, n uint32) (string, error) {
	if n > MaxPath {
		return "", adbproto.ProtocolErrorf("read sync dent name: too long (%d)", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", adbproto.ProtocolErrorf("read sync dent name: %w", err)
	}
	return string(b), nil
}

// ReadData reads the next DATA chunk into buf, growing it if required. At DONE,
// it returns done=true.
func ReadData(r io.Reader, buf []byte) (chunk []byte, done bool, err error) {
	d, err := ReadResponse[Data](r, IDData)
	if err != nil {
		return nil, false, err
	}
	if d == nil {
		return nil, true, nil
	}
	if d.Size > MaxData {
		return nil, false, adbproto.ProtocolErrorf("read sync data: chunk too large (%d)", d.Size)
	}
	buf = slices.Grow(buf[:0], int(d.Size))[:d.Size]
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, adbproto.ProtocolErrorf("read sync data: %w", err)
	}
	return buf, false, nil
}

// DataReader returns a reader which reads DATA chunks from r until DONE. It
// returns [io.EOF] after successfully reading everything, or a sticky error
// otherwise. The reader is not safe for concurrent usage.
func DataReader(r io.Reader) io.Reader {
	return &dataReader{r: r}
}

type dataReader struct {
	r   io.Reader
	buf []byte
	rem []byte
	err error
}

func (d *dataReader) Read(p []byte) (int, error) {
	for len(d.rem) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		chunk, done, err := ReadData(d.r, d.buf)
		if err != nil {
			d.err = err
			continue
		}
		if done {
			d.err = io.EOF
			continue
		}
		d.buf, d.rem = chunk, chunk
	}
	n := copy(p, d.rem)
	d.rem = d.rem[n:]
	return n, nil
}

// DataWriter returns a writer which sends DATA chunks of [MaxData] bytes to w,
// and a DONE with the mtime on Close. Close does not close w, and does not read
// the OKAY. The writer is not safe for concurrent usage.
func DataWriter(w io.Writer, mtime uint32) io.WriteCloser {
	return &dataWriter{w: w, mtime: mtime}
}

type dataWriter struct {
	w     io.Writer
	mtime uint32
	buf   []byte // header + pending data
	err   error
}

func (d *dataWriter) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.buf == nil {
		d.buf = make([]byte, 8, 8+MaxData)
	}
	var total int
	for len(p) != 0 {
		n := min(len(p), 8+MaxData-len(d.buf))
		d.buf = append(d.buf, p[:n]...)
		p = p[n:]
		total += n
		if len(d.buf) == 8+MaxData {
			if err := d.flush(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (d *dataWriter) flush() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) <= 8 {
		return nil
	}
	copy(d.buf[0:4], IDData[:])
	binary.LittleEndian.PutUint32(d.buf[4:8], uint32(len(d.buf)-8))
	if _, err := d.w.Write(d.buf); err != nil {
		d.err = adbproto.ProtocolErrorf("write sync data: %w", err)
		return d.err
	}
	d.buf = d.buf[:8]
	return nil
}

func (d *dataWriter) Close() error {
	if err := d.flush(); err != nil {
		return err
	}
	if err := WriteRequestObject(d.w, IDDone, Data{Size: d.mtime}); err != nil {
		d.err = err
		return err
	}
	d.err = fmt.Errorf("sync data writer closed")
	return nil
}
