// Package syncproto implements the wire format of the sync protocol, which is
// run on a "sync:" socket.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/file_sync_protocol.h;drc=61197364367c9e404c7da6900658f1b16c42d0da
package syncproto

import (
	"errors"

	"github.com/pgaskin/go-adbwire/adb/adbproto"
)

// ID is a request or response ID.
type ID [4]byte

// Request and response IDs. The v2 variants require the named feature.
var (
	IDStat   = ID{'S', 'T', 'A', 'T'} // lstat
	IDStat2  = ID{'S', 'T', 'A', '2'} // stat_v2
	IDLstat2 = ID{'L', 'S', 'T', '2'} // stat_v2
	IDList   = ID{'L', 'I', 'S', 'T'}
	IDList2  = ID{'L', 'I', 'S', '2'} // ls_v2
	IDDent   = ID{'D', 'E', 'N', 'T'}
	IDDent2  = ID{'D', 'N', 'T', '2'} // ls_v2
	IDSend   = ID{'S', 'E', 'N', 'D'}
	IDSend2  = ID{'S', 'N', 'D', '2'} // sendrecv_v2
	IDRecv   = ID{'R', 'E', 'C', 'V'}
	IDRecv2  = ID{'R', 'C', 'V', '2'} // sendrecv_v2
	IDDone   = ID{'D', 'O', 'N', 'E'} // end of a sequence of DENT/DATA
	IDData   = ID{'D', 'A', 'T', 'A'}
	IDOkay   = ID{'O', 'K', 'A', 'Y'}
	IDFail   = ID{'F', 'A', 'I', 'L'}
	IDQuit   = ID{'Q', 'U', 'I', 'T'}
)

func (id ID) String() string {
	return string(id[:])
}

const (
	// MaxData is the largest DATA chunk adbd will accept or send.
	MaxData = 64 * 1024

	// MaxPath is the longest path adbd will accept.
	MaxPath = 1024

	// maxFail limits the size of FAIL messages we're willing to read.
	maxFail = 64 * 1024
)

// Stat1 follows IDStat.
type Stat1 struct {
	Mode  uint32
	Size  uint32
	Mtime uint32
}

// Stat2 follows IDStat2 and IDLstat2.
type Stat2 struct {
	Error uint32
	Dev   uint64
	Ino   uint64
	Mode  uint32
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime int64
	Mtime int64
	Ctime int64
}

// Dent1 follows IDDent, and is followed by Namelen bytes of the name. A
// trailing IDDone has the same size.
type Dent1 struct {
	Mode    uint32
	Size    uint32
	Mtime   uint32
	Namelen uint32
}

// Dent2 follows IDDent2, and is followed by Namelen bytes of the name. A
// trailing IDDone has the same size.
type Dent2 struct {
	Error   uint32
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Size    uint64
	Atime   int64
	Mtime   int64
	Ctime   int64
	Namelen uint32
}

// Flags for Send2 and Recv2.
const (
	FlagNone   uint32 = 0
	FlagBrotli uint32 = 1          // sendrecv_v2_brotli
	FlagLZ4    uint32 = 2          // sendrecv_v2_lz4
	FlagZstd   uint32 = 4          // sendrecv_v2_zstd
	FlagDryRun uint32 = 0x80000000 // sendrecv_v2_dry_run_send
)

// Send2 is a second request after IDSend2 with the path. With IDSend, the path
// is followed by a comma and the decimal mode instead.
type Send2 struct {
	Mode  uint32
	Flags uint32
}

// Recv2 is a second request after IDRecv2 with the path. IDRecv only has the
// path.
type Recv2 struct {
	Flags uint32
}

// Data follows IDData and IDDone (with Size set to zero or the mtime), and is
// followed by Size bytes of data for IDData.
type Data struct {
	Size uint32
}

// Status follows IDOkay and IDFail, and is followed by Msglen bytes of the
// error message for IDFail.
type Status struct {
	Msglen uint32
}

// ErrSync is matched by errors reported by the device through the sync
// protocol, i.e., [SyncFail] and [StatError].
var ErrSync = errors.New("sync failure")

// SyncFail is the message of a FAIL response. It matches [ErrSync], and
// [adbproto.Errno] values (and the io/fs errors they match) if the message ends
// with a strerror string.
type SyncFail string

func (s SyncFail) Error() string {
	return string(s)
}

func (s SyncFail) Is(target error) bool {
	if target == ErrSync {
		return true
	}
	errno := adbproto.ErrnoFromMessage(string(s))
	if errno == 0 {
		return false
	}
	if t, ok := target.(adbproto.Errno); ok {
		return errno == t
	}
	return errno.Is(target)
}

// StatError is the error code from a v2 stat or dent.
type StatError struct {
	Errno adbproto.Errno
}

func (e *StatError) Error() string {
	return e.Errno.Error()
}

func (e *StatError) Is(target error) bool {
	return target == ErrSync
}

func (e *StatError) Unwrap() error {
	return e.Errno
}
