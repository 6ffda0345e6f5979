package version

import "strings"

// Key identifies an updatable module: stripped name plus floor version.
// Micro releases of the same release line collapse into one key.
type Key string

// StripQualifiers removes manifest directives such as ";singleton:=true"
// from a module name.
func StripQualifiers(name string) string {
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

// KeyOf computes the update key for name at v.
func KeyOf(name string, v Version) Key {
	return Key(StripQualifiers(name) + "|" + v.Floor().String())
}

// CoreKey is the key of a core module, which is identified by name alone.
func CoreKey(name string) Key {
	return Key(StripQualifiers(name))
}

// Name returns the name part of the key.
func (k Key) Name() string {
	s := string(k)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return s[:i]
	}
	return s
}
