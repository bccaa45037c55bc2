// Package bionic contains Android libc definitions.
package bionic

import "io/fs"

// Linux stat constants.
const (
	S_BLKSIZE = 0x200
	S_IEXEC   = 0x40
	S_IFBLK   = 0x6000
	S_IFCHR   = 0x2000
	S_IFDIR   = 0x4000
	S_IFIFO   = 0x1000
	S_IFLNK   = 0xa000
	S_IFMT    = 0xf000
	S_IFREG   = 0x8000
	S_IFSOCK  = 0xc000
	S_IREAD   = 0x100
	S_IRGRP   = 0x20
	S_IROTH   = 0x4
	S_IRUSR   = 0x100
	S_IRWXG   = 0x38
	S_IRWXO   = 0x7
	S_IRWXU   = 0x1c0
	S_ISGID   = 0x400
	S_ISUID   = 0x800
	S_ISVTX   = 0x200
	S_IWGRP   = 0x10
	S_IWOTH   = 0x2
	S_IWRITE  = 0x80
	S_IWUSR   = 0x80
	S_IXGRP   = 0x8
	S_IXOTH   = 0x1
	S_IXUSR   = 0x40
)

// FileMode converts a Linux st_mode into an [io/fs.FileMode].
func FileMode(mode uint32) fs.FileMode {
	m := fs.FileMode(mode & 0777)
	switch mode & S_IFMT {
	case S_IFBLK:
		m |= fs.ModeDevice
	case S_IFCHR:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case S_IFDIR:
		m |= fs.ModeDir
	case S_IFIFO:
		m |= fs.ModeNamedPipe
	case S_IFLNK:
		m |= fs.ModeSymlink
	case S_IFSOCK:
		m |= fs.ModeSocket
	case S_IFREG:
	default:
		m |= fs.ModeIrregular
	}
	if mode&S_ISGID != 0 {
		m |= fs.ModeSetgid
	}
	if mode&S_ISUID != 0 {
		m |= fs.ModeSetuid
	}
	if mode&S_ISVTX != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// Mode is the inverse of [FileMode]. Irregular files become regular ones.
func Mode(m fs.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m&fs.ModeDir != 0:
		mode |= S_IFDIR
	case m&fs.ModeSymlink != 0:
		mode |= S_IFLNK
	case m&fs.ModeNamedPipe != 0:
		mode |= S_IFIFO
	case m&fs.ModeSocket != 0:
		mode |= S_IFSOCK
	case m&fs.ModeCharDevice != 0:
		mode |= S_IFCHR
	case m&fs.ModeDevice != 0:
		mode |= S_IFBLK
	default:
		mode |= S_IFREG
	}
	if m&fs.ModeSetgid != 0 {
		mode |= S_ISGID
	}
	if m&fs.ModeSetuid != 0 {
		mode |= S_ISUID
	}
	if m&fs.ModeSticky != 0 {
		mode |= S_ISVTX
	}
	return mode
}
