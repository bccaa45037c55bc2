package bionic

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileMode(t *testing.T) {
	for _, tc := range []struct {
		Mode     uint32
		FileMode fs.FileMode
	}{
		{S_IFREG | 0644, 0644},
		{S_IFDIR | 0755, fs.ModeDir | 0755},
		{S_IFLNK | 0777, fs.ModeSymlink | 0777},
		{S_IFCHR | 0666, fs.ModeDevice | fs.ModeCharDevice | 0666},
		{S_IFBLK | 0600, fs.ModeDevice | 0600},
		{S_IFIFO | 0600, fs.ModeNamedPipe | 0600},
		{S_IFSOCK | 0700, fs.ModeSocket | 0700},
		{S_IFDIR | S_ISVTX | 0777, fs.ModeDir | fs.ModeSticky | 0777},
		{S_IFREG | S_ISUID | S_ISGID | 0755, fs.ModeSetuid | fs.ModeSetgid | 0755},
	} {
		assert.Equal(t, tc.FileMode, FileMode(tc.Mode), "%o", tc.Mode)
		assert.Equal(t, tc.Mode, Mode(tc.FileMode), "%s", tc.FileMode)
	}
	assert.Equal(t, fs.ModeIrregular|0644, FileMode(0644))
}
