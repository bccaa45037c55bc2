package syncproto

import (
	"io/fs"
	"time"

	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/internal/bionic"
)

// Entry is a file, as returned by a stat or directory listing in either
// protocol version.
type Entry struct {
	Name  string
	Mode  uint32 // Linux st_mode
	Size  uint64
	Mtime time.Time

	// Only set if Extended is true.
	Extended bool
	Uid      uint32
	Gid      uint32
	Atime    time.Time
	Ctime    time.Time
	Dev      uint64
	Ino      uint64
	Nlink    uint32
}

// FileMode converts Mode.
func (e *Entry) FileMode() fs.FileMode {
	return bionic.FileMode(e.Mode)
}

// Type returns the type bits of the mode.
func (e *Entry) Type() fs.FileMode {
	return e.FileMode().Type()
}

// Permission returns the permission bits of the mode.
func (e *Entry) Permission() fs.FileMode {
	return e.FileMode().Perm()
}

// IsDir checks whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Mode&bionic.S_IFMT == bionic.S_IFDIR
}

// IsSymlink checks whether the entry is a symbolic link.
func (e *Entry) IsSymlink() bool {
	return e.Mode&bionic.S_IFMT == bionic.S_IFLNK
}

// IsRegular checks whether the entry is a regular file.
func (e *Entry) IsRegular() bool {
	return e.Mode&bionic.S_IFMT == bionic.S_IFREG
}

// v1 sizes are the low 32 bits of st_size, so they're zero-extended rather
// than sign-extended.
func v1Entry(name string, mode, size, mtime uint32) *Entry {
	return &Entry{
		Name:  name,
		Mode:  mode,
		Size:  uint64(size),
		Mtime: time.Unix(int64(mtime), 0),
	}
}

func v2Entry(name string, st *Stat2) *Entry {
	return &Entry{
		Name:     name,
		Mode:     st.Mode,
		Size:     st.Size,
		Mtime:    time.Unix(st.Mtime, 0),
		Extended: true,
		Uid:      st.Uid,
		Gid:      st.Gid,
		Atime:    time.Unix(st.Atime, 0),
		Ctime:    time.Unix(st.Ctime, 0),
		Dev:      st.Dev,
		Ino:      st.Ino,
		Nlink:    st.Nlink,
	}
}

// Entry converts a v1 lstat response. adbd returns all zeros if lstat failed,
// which is reported as ENOENT since the actual error isn't sent.
func (s *Stat1) Entry(name string) (*Entry, error) {
	if s.Mode == 0 && s.Size == 0 && s.Mtime == 0 {
		return nil, &StatError{Errno: adbproto.ENOENT}
	}
	return v1Entry(name, s.Mode, s.Size, s.Mtime), nil
}

// Entry converts a v2 stat response.
func (s *Stat2) Entry(name string) (*Entry, error) {
	if s.Error != 0 {
		return nil, &StatError{Errno: adbproto.Errno(s.Error)}
	}
	return v2Entry(name, s), nil
}

// Entry converts a v1 dent.
func (d *Dent1) Entry(name string) *Entry {
	return v1Entry(name, d.Mode, d.Size, d.Mtime)
}

// Entry converts a v2 dent. If the device couldn't lstat the file, only the
// name is set and the error is returned with it.
func (d *Dent2) Entry(name string) (*Entry, error) {
	if d.Error != 0 {
		return &Entry{Name: name}, &StatError{Errno: adbproto.Errno(d.Error)}
	}
	return v2Entry(name, &Stat2{
		Dev:   d.Dev,
		Ino:   d.Ino,
		Mode:  d.Mode,
		Nlink: d.Nlink,
		Uid:   d.Uid,
		Gid:   d.Gid,
		Size:  d.Size,
		Atime: d.Atime,
		Mtime: d.Mtime,
		Ctime: d.Ctime,
	}), nil
}
