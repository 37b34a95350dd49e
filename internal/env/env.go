// Package env expands ${NAME} references in configuration values so
// secrets can stay out of the config file.
package env

import (
	"os"
	"strings"
)

// Lookup resolves one variable name.
type Lookup func(name string) (string, bool)

// OS resolves names from the process environment.
func OS(name string) (string, bool) { return os.LookupEnv(name) }

// Map resolves names from a fixed set. Useful in tests.
func Map(m map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

// Expand replaces every ${NAME} in s. Unset names expand to the empty
// string. A bare $ is kept as is, so DSN passwords may contain it.
// Unterminated references are left untouched.
func Expand(s string, lookup Lookup) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := lookup(name); ok && name != "" {
			b.WriteString(v)
		}
		s = s[i+3+j:]
	}
}

// Missing lists the referenced names lookup cannot resolve, in order of
// first appearance.
func Missing(s string, lookup Lookup) []string {
	var out []string
	seen := map[string]bool{}
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			return out
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			return out
		}
		name := s[i+2 : i+2+j]
		if _, ok := lookup(name); !ok && name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
		s = s[i+3+j:]
	}
}
