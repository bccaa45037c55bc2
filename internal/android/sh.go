// Package android contains helpers for interacting with Android userspace.
package android

import "strings"

// https://cs.android.com/android/platform/superproject/main/+/main:external/mksh/src/lex.c;drc=2e46594a0b7f5014d1a6751020dabe80e576c954

// QuoteShell quotes the provided arguments for /system/bin/sh (mksh or toybox
// sh). Words made only of characters which are never special are left alone,
// and everything else is single-quoted.
func QuoteShell(arg ...string) string {
	var b strings.Builder
	for i, a := range arg {
		if i != 0 {
			b.WriteByte(' ')
		}
		quote(&b, a)
	}
	return b.String()
}

// tilde is only expanded at the start of a word
func quote(b *strings.Builder, word string) {
	if word != "" && !strings.HasPrefix(word, "~") && strings.IndexFunc(word, unsafeRune) == -1 {
		b.WriteString(word)
		return
	}
	b.WriteByte('\'')
	for {
		i := strings.IndexByte(word, '\'')
		if i == -1 {
			break
		}
		// single quotes can't be escaped inside single quotes
		b.WriteString(word[:i])
		b.WriteString(`'\''`)
		word = word[i+1:]
	}
	b.WriteString(word)
	b.WriteByte('\'')
}

func unsafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("@%+=:,./_-~", r):
		return false
	}
	return true
}
