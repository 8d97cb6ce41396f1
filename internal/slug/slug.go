// Package slug normalizes vendor identifiers into cache-safe keys.
package slug

import (
	gosimple "github.com/gosimple/slug"
)

func init() {
	// Vendor identifiers mix dots, spaces and unicode; underscores keep the
	// keys readable next to service/variable names.
	gosimple.CustomSub = map[string]string{".": "_"}
}

// Make returns the cache key form of a vendor identifier.
func Make(id string) string {
	s := gosimple.Make(id)
	return replaceDashes(s)
}

// Join slugifies each part and joins them with a single underscore.
func Join(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "_"
		}
		out += Make(p)
	}
	return out
}

func replaceDashes(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] == '-' {
			b[i] = '_'
		}
	}
	return string(b)
}
