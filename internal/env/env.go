package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the traced target.
type Env struct {
	Var  Var      // configured variables (K->V)
	drop []string // prefixes removed from the base
	env  Var      // base, copied verbatim
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromList uses kvs ("K=V") as the base environment.
func (e *Env) FromList(kvs []string) {
	e.env = parse(kvs)
}

// Set sets a configured variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Drop hides base variables whose key starts with prefix.
func (e *Env) Drop(prefix string) {
	e.drop = append(e.drop, prefix)
}

// Merge composes the final environment list applying order:
// base = FromList (the OS environment when unset), minus dropped prefixes
// then apply configured e.Var overrides
// then apply extra (slice of "K=V") overrides
// Only configured and extra values get ${VAR} expansion. A reference resolves
// once against the unexpanded overrides and the base, so the result does not
// depend on evaluation order. Unknown references stay as written. The result
// is sorted by key.
func (e *Env) Merge(extra []string) []string {
	if e.env == nil {
		e.FromList(os.Environ())
	}
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		if e.dropped(k) {
			continue
		}
		m[k] = v
	}
	over := make(Var, len(e.Var)+len(extra))
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		over[k] = v
	}
	for k, v := range parse(extra) {
		over[k] = v
	}
	expanded := make(Var, len(over))
	for k, v := range over {
		expanded[k] = expand(v, func(name string) (string, bool) {
			// a self reference extends the base value
			if ov, ok := over[name]; ok && name != k {
				return ov, true
			}
			bv, ok := m[name]
			return bv, ok
		})
	}
	for k, v := range expanded {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func (e *Env) dropped(k string) bool {
	for _, p := range e.drop {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand replaces ${NAME} references in a single left to right pass.
func expand(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := lookup(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
