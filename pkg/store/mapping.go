package store

import (
	"sort"
	"strings"
)

// Mapping is a solution mapping: variable name (with its '?' prefix) to a
// lexical term.
type Mapping map[string]string

// Clone creates a copy of the mapping
func (m Mapping) Clone() Mapping {
	clone := make(Mapping, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Merge returns a new mapping holding the bindings of m and other.
// Bindings of other win on shared keys.
func (m Mapping) Merge(other Mapping) Mapping {
	merged := make(Mapping, len(m)+len(other))
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Compatible reports whether every variable bound in both mappings has the
// same value.
func (m Mapping) Compatible(other Mapping) bool {
	for k, v := range m {
		if ov, ok := other[k]; ok && ov != v {
			return false
		}
	}
	return true
}

// Project keeps only the given variables. A nil list keeps everything.
func (m Mapping) Project(vars []string) Mapping {
	if vars == nil {
		return m
	}
	projected := make(Mapping, len(vars))
	for _, v := range vars {
		if value, ok := m[v]; ok {
			projected[v] = value
		}
	}
	return projected
}

// Keys returns the bound variables in sorted order
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key returns a stable string form of the mapping, used to compare
// multisets of solutions.
func (m Mapping) Key() string {
	var b strings.Builder
	for i, k := range m.Keys() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}
