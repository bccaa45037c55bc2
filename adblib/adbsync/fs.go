package adbsync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"time"

	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/syncproto"
)

type fsImpl struct {
	c *Client
}

var (
	_ fs.FS          = (*fsImpl)(nil)
	_ fs.StatFS      = (*fsImpl)(nil)
	_ fs.ReadDirFS   = (*fsImpl)(nil)
	_ fs.ReadFileFS  = (*fsImpl)(nil)
	_ fs.File        = (*fsFileImpl)(nil)
	_ fs.ReadDirFile = (*fsFileImpl)(nil)
	_ fs.FileInfo    = fileInfo{}
)

// FS returns an [io/fs.FS] rooted at the device's "/".
func (c *Client) FS() fs.FS {
	return &fsImpl{c}
}

// FileInfo converts e. Sys returns e.
func FileInfo(e *syncproto.Entry) fs.FileInfo {
	return fileInfo{e}
}

type fileInfo struct {
	e *syncproto.Entry
}

func (fi fileInfo) Name() string       { return fi.e.Name }
func (fi fileInfo) Size() int64        { return int64(fi.e.Size) }
func (fi fileInfo) Mode() fs.FileMode  { return fi.e.FileMode() }
func (fi fileInfo) ModTime() time.Time { return fi.e.Mtime }
func (fi fileInfo) IsDir() bool        { return fi.e.IsDir() }
func (fi fileInfo) Sys() any           { return fi.e }

func (f *fsImpl) transform(op, name string) (string, error) {
	if name == "." {
		return "/", nil
	}
	if !fs.ValidPath(name) {
		return "", &fs.PathError{
			Op:   op,
			Path: name,
			Err:  fs.ErrInvalid,
		}
	}
	return "/" + name, nil
}

// rename replaces the device path in err with the fs one.
func rename(err error, name string) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		pe.Path = name
	}
	return err
}

// stat stats the device path p, naming it after the fs path name.
func (f *fsImpl) stat(name, p string) (fs.FileInfo, error) {
	var (
		e   *syncproto.Entry
		err error
	)
	if f.c.SupportsStat() == nil {
		e, err = f.c.Stat(context.Background(), p)
	} else {
		e, err = f.c.Lstat(context.Background(), p)
	}
	if err != nil {
		return nil, err
	}
	e.Name = path.Base(name)
	return FileInfo(e), nil
}

func (f *fsImpl) Stat(name string) (fs.FileInfo, error) {
	p, err := f.transform("stat", name)
	if err != nil {
		return nil, err
	}
	fi, err := f.stat(name, p)
	if err != nil {
		return nil, rename(err, name)
	}
	return fi, nil
}

func (f *fsImpl) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := f.transform("readdir", name)
	if err != nil {
		return nil, err
	}
	es, err := f.c.ReadDir(context.Background(), p)
	if err != nil {
		return nil, rename(err, name)
	}
	de := make([]fs.DirEntry, len(es))
	for i, e := range es {
		de[i] = fs.FileInfoToDirEntry(FileInfo(e))
	}
	return de, nil
}

func (f *fsImpl) ReadFile(name string) ([]byte, error) {
	p, err := f.transform("open", name)
	if err != nil {
		return nil, err
	}
	b, err := f.c.ReadFile(context.Background(), p)
	if err != nil {
		return nil, rename(err, name)
	}
	return b, nil
}

type fsFileImpl struct {
	name string
	fs   *fsImpl
	fi   fs.FileInfo
	fm   fs.FileMode
	fr   io.ReadCloser
	de   []fs.DirEntry
}

func (f *fsImpl) Open(name string) (fs.File, error) {
	p, err := f.transform("open", name)
	if err != nil {
		return nil, err
	}
	ff := &fsFileImpl{
		name: name,
		fs:   f,
	}
	// Open follows symlinks (see golang.org/issue/45470), but without stat_v2
	// we only have lstat, so a symlink is only an error for the operations
	// which need to know what it points to.
	ff.fi, err = f.stat(name, p)
	if err != nil {
		return nil, rename(err, name)
	}
	ff.fm = ff.fi.Mode()
	if ff.fm&fs.ModeDir == 0 {
		ff.fr, err = f.c.Open(context.Background(), p)
		if err != nil && ff.fm&fs.ModeSymlink != 0 {
			// adbd fails to read a directory as a file, and this can only be
			// a symlink to one without stat_v2
			ff.fr, err = io.NopCloser(bytes.NewReader(nil)), nil
		}
		if err != nil {
			return nil, rename(err, name)
		}
	}
	return ff, nil
}

func (f *fsFileImpl) Stat() (fs.FileInfo, error) {
	if f.fm&fs.ModeSymlink != 0 {
		return nil, &fs.PathError{
			Op:   "stat",
			Path: f.name,
			Err:  f.fs.c.SupportsStat(),
		}
	}
	return f.fi, nil
}

func (f *fsFileImpl) Read(p []byte) (int, error) {
	if f.fm&fs.ModeDir != 0 {
		return 0, &fs.PathError{
			Op:   "read",
			Path: f.name,
			Err:  adbproto.EISDIR,
		}
	}
	n, err := f.fr.Read(p)
	if err != nil && err != io.EOF {
		err = rename(err, f.name)
	}
	return n, err
}

func (f *fsFileImpl) ReadDir(n int) ([]fs.DirEntry, error) {
	if f.fm&(fs.ModeDir|fs.ModeSymlink) == 0 { // see the comment in Open about the symlink case
		return nil, &fs.PathError{
			Op:   "readdir",
			Path: f.name,
			Err:  adbproto.ENOTDIR,
		}
	}
	if f.de == nil {
		de, err := f.fs.ReadDir(f.name)
		if err != nil {
			return nil, err
		}
		if de == nil {
			de = []fs.DirEntry{}
		}
		f.de = de
	}
	if n <= 0 {
		de := f.de
		f.de = f.de[len(f.de):]
		return de, nil
	}
	if len(f.de) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(f.de))
	de := f.de[:n]
	f.de = f.de[n:]
	return de, nil
}

func (f *fsFileImpl) Close() error {
	if f.fr == nil {
		return nil
	}
	return f.fr.Close()
}
