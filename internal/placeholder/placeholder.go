// Package placeholder expands $name references in scenario strings.
//
// Both "$name" and "${name}" forms are recognised; "$$" yields a literal
// dollar sign. Names are letters, digits and underscores.
package placeholder

import (
	"sort"
	"strings"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
)

// Lookup resolves a placeholder name.
type Lookup func(name string) (string, bool)

// FromMaps returns a Lookup reading the given maps in order.
func FromMaps(maps ...map[string]string) Lookup {
	return func(name string) (string, bool) {
		for _, m := range maps {
			if v, ok := m[name]; ok {
				return v, true
			}
		}
		return "", false
	}
}

// Expand replaces every placeholder in s. An unknown name is an
// UnresolvedReference error.
func Expand(s string, lookup Lookup) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}
	var b strings.Builder
	var err error
	scan(s, func(lit string) {
		b.WriteString(lit)
	}, func(name string) {
		if err != nil {
			return
		}
		v, ok := lookup(name)
		if !ok {
			err = cerrors.UnresolvedReference("$" + name)
			return
		}
		b.WriteString(v)
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// Names returns the distinct placeholder names used in s, sorted.
func Names(s string) []string {
	seen := map[string]bool{}
	scan(s, func(string) {}, func(name string) { seen[name] = true })
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ExpandAny walks maps, slices and strings, expanding every string it finds.
// Other values are returned unchanged.
func ExpandAny(v any, lookup Lookup) (any, error) {
	switch t := v.(type) {
	case string:
		return Expand(t, lookup)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			e, err := ExpandAny(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			e, err := ExpandAny(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	}
	return v, nil
}

// NamesAny collects placeholder names from every string reachable in v.
func NamesAny(v any, into map[string]bool) {
	switch t := v.(type) {
	case string:
		for _, n := range Names(t) {
			into[n] = true
		}
	case map[string]any:
		for _, item := range t {
			NamesAny(item, into)
		}
	case []any:
		for _, item := range t {
			NamesAny(item, into)
		}
	}
}

func scan(s string, literal func(string), ref func(string)) {
	for i := 0; i < len(s); {
		if s[i] != '$' {
			j := strings.IndexByte(s[i:], '$')
			if j < 0 {
				literal(s[i:])
				return
			}
			literal(s[i : i+j])
			i += j
			continue
		}
		// s[i] == '$'
		if i+1 < len(s) && s[i+1] == '$' {
			literal("$")
			i += 2
			continue
		}
		if i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end > 0 && isName(s[i+2:i+2+end]) {
				ref(s[i+2 : i+2+end])
				i += end + 3
				continue
			}
			literal("$")
			i++
			continue
		}
		j := i + 1
		for j < len(s) && isNameByte(s[j]) {
			j++
		}
		if j == i+1 {
			literal("$")
			i++
			continue
		}
		ref(s[i+1 : j])
		i = j
	}
}

func isName(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isNameByte(s[i]) {
			return false
		}
	}
	return s != ""
}

func isNameByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
