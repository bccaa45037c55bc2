package android

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteShell(t *testing.T) {
	for _, tc := range []struct {
		Args []string
		Exp  string
	}{
		{nil, ""},
		{[]string{""}, "''"},
		{[]string{"ls", "-l", "/sdcard/DCIM"}, "ls -l /sdcard/DCIM"},
		{[]string{"echo", "hello world"}, "echo 'hello world'"},
		{[]string{"echo", "it's"}, `echo 'it'\''s'`},
		{[]string{"echo", "$HOME", "`id`", "a;b"}, "echo '$HOME' '`id`' 'a;b'"},
		{[]string{"~", "a~b"}, "'~' a~b"},
		{[]string{"name=value", "a,b:c"}, "name=value a,b:c"},
		{[]string{"*.txt", "x\ny"}, "'*.txt' 'x\ny'"},
		{[]string{"ünïcode"}, "'ünïcode'"},
	} {
		assert.Equal(t, tc.Exp, QuoteShell(tc.Args...), "%q", tc.Args)
	}
}
