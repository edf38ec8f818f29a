package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

type Var map[string]string

// Env composes the environment handed to children. It is immutable: With*
// methods return modified copies so one value can be shared by all instance
// loops without locking.
type Env struct {
	global Var
	base   Var // nil means "no inherited environment"
}

func New() *Env {
	return &Env{global: make(Var)}
}

// FromOS returns a copy that inherits the supervisor's own environment.
func (e *Env) FromOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	c := e.clone()
	c.base = base
	return c
}

// WithSet returns a copy with the global variable k set to v.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.global[k] = v
	}
	return c
}

// WithPairs applies a list of "KEY=VALUE" entries as global overrides.
// Malformed entries are skipped.
func (e *Env) WithPairs(kvs []string) *Env {
	c := e.clone()
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			c.global[k] = v
		}
	}
	return c
}

// Merge composes the final environment for one child:
// inherited base, then globals, then perProc ("K=V") overrides.
// ${VAR} references are expanded against the composed map (one pass, no
// recursion). The result is sorted so children see a stable order.
func (e *Env) Merge(perProc []string) []string {
	m := make(Var, len(e.base)+len(e.global)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for _, kv := range perProc {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// LoadFiles reads dotenv files in order and returns their pairs as
// "KEY=VALUE" entries; later files override earlier ones.
func LoadFiles(paths ...string) ([]string, error) {
	m := make(Var)
	for _, p := range paths {
		f, err := os.Open(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		pairs, err := gotenv.StrictParse(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// Valid reports whether kv is a well formed "KEY=VALUE" entry.
func Valid(kv string) bool {
	_, _, ok := split(kv)
	return ok
}

func (e *Env) clone() *Env {
	c := &Env{global: make(Var, len(e.global))}
	for k, v := range e.global {
		c.global[k] = v
	}
	if e.base != nil {
		c.base = make(Var, len(e.base))
		for k, v := range e.base {
			c.base[k] = v
		}
	}
	return c
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func expand(s string, m Var) string {
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
		k := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[k]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
