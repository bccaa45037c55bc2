package adbproto

import (
	"io/fs"
	"strconv"
	"strings"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/sysdeps/errno.cpp;drc=af6fae67a49070ca75c26ceed5759576eb4d3573

// Errno is a Linux errno value as sent over the wire by adbd (e.g., in a
// STA2/LST2 response, or as the strerror suffix of a sync FAIL message).
type Errno uint32

const (
	EACCES       Errno = 13
	EEXIST       Errno = 17
	EFAULT       Errno = 14
	EFBIG        Errno = 27
	EINTR        Errno = 4
	EINVAL       Errno = 22
	EIO          Errno = 5
	EISDIR       Errno = 21
	ELOOP        Errno = 40
	EMFILE       Errno = 24
	ENAMETOOLONG Errno = 36
	ENFILE       Errno = 23
	ENOENT       Errno = 2
	ENOMEM       Errno = 12
	ENOSPC       Errno = 28
	ENOTDIR      Errno = 20
	EOVERFLOW    Errno = 75
	EPERM        Errno = 1
	EROFS        Errno = 30
	ETXTBSY      Errno = 26
)

// bionic strerror
var errnoString = map[Errno]string{
	EACCES:       "Permission denied",
	EEXIST:       "File exists",
	EFAULT:       "Bad address",
	EFBIG:        "File too large",
	EINTR:        "Interrupted system call",
	EINVAL:       "Invalid argument",
	EIO:          "I/O error",
	EISDIR:       "Is a directory",
	ELOOP:        "Too many symbolic links encountered",
	EMFILE:       "Too many open files",
	ENAMETOOLONG: "File name too long",
	ENFILE:       "File table overflow",
	ENOENT:       "No such file or directory",
	ENOMEM:       "Out of memory",
	ENOSPC:       "No space left on device",
	ENOTDIR:      "Not a directory",
	EOVERFLOW:    "Value too large for defined data type",
	EPERM:        "Operation not permitted",
	EROFS:        "Read-only file system",
	ETXTBSY:      "Text file busy",
}

func (e Errno) Error() string {
	if s, ok := errnoString[e]; ok {
		return s
	}
	return "errno " + strconv.FormatUint(uint64(e), 10)
}

func (e Errno) Is(target error) bool {
	switch target {
	case fs.ErrInvalid:
		return e == EINVAL
	case fs.ErrPermission:
		return e == EACCES || e == EPERM
	case fs.ErrExist:
		return e == EEXIST
	case fs.ErrNotExist:
		return e == ENOENT
	}
	return false
}

// ErrnoFromMessage recognizes the strerror suffix adbd appends to most failure
// messages ("<reason>: <strerror>"). It returns zero if there isn't one.
func ErrnoFromMessage(msg string) Errno {
	msg = strings.TrimSpace(msg)
	for e, s := range errnoString {
		if msg == s || strings.HasSuffix(msg, ": "+s) {
			return e
		}
	}
	return 0
}
