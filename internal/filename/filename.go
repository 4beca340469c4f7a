// Package filename turns arbitrary strings into names that are safe to create
// on common filesystems.
package filename

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMaxLength is the per-component limit of most filesystems, in bytes.
	DefaultMaxLength = 255

	fallback = "download"
)

// Sanitize replaces characters that are illegal on common filesystems with '_',
// trims surrounding whitespace and dots and bounds the result to maxLength bytes.
// The extension (text after the last '.') is kept intact whenever it fits.
// A maxLength <= 0 selects DefaultMaxLength.
func Sanitize(name string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	name = strings.Map(replaceIllegal, name)
	name = strings.TrimFunc(name, func(r rune) bool {
		return r == '.' || unicode.IsSpace(r)
	})

	if name == "" {
		name = fallback
	}

	stem, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		stem, ext = name[:i], name[i:]
	}

	if len(stem)+len(ext) > maxLength && maxLength >= len(ext) {
		stem = truncate(stem, maxLength-len(ext))
	}

	if name = truncate(stem+ext, maxLength); name == "" {
		return truncate(fallback, maxLength)
	}

	return name
}

// FromURL returns the last path segment of rawURL without its query string.
// The result is not sanitized and may be empty.
func FromURL(rawURL string) string {
	name := rawURL
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}

	return name
}

func replaceIllegal(r rune) rune {
	switch {
	case r < 0x20:
		return '_'
	case strings.ContainsRune(`<>:"/\|?*`, r):
		return '_'
	}

	return r
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n]
}
