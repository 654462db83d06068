package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Vars map[string]string

// Env composes the environment handed to stages and servers.
// Layering, lowest first: OS environment (when enabled), env files in
// order, global KEY=VALUE entries, then per-command entries.
type Env struct {
	useOS bool
	base  Vars
	vars  Vars
}

func New(useOS bool) *Env {
	return &Env{useOS: useOS, vars: make(Vars)}
}

// FromConfig builds an Env from the top-level env, env_files and use_os_env settings.
func FromConfig(useOS bool, files []string, global []string) (*Env, error) {
	e := New(useOS)
	for _, p := range files {
		m, err := LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range m {
			e.vars[k] = v
		}
	}
	for k, v := range parse(global) {
		e.vars[k] = v
	}
	return e, nil
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

func (e *Env) osBase() Vars {
	if e.base != nil {
		return e.base
	}
	e.base = make(Vars)
	if e.useOS {
		for k, v := range parse(os.Environ()) {
			e.base[k] = v
		}
	}
	return e.base
}

// Merge returns the sorted KEY=VALUE list for a command with the given
// per-command entries applied last. ${VAR} references are expanded once
// against the composed map; unknown references expand to empty.
func (e *Env) Merge(perCmd []string) []string {
	m := make(Vars)
	for k, v := range e.osBase() {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(perCmd) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

func parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// LoadFile parses a .env file with KEY=VALUE lines. Blank lines and lines
// starting with # are ignored, an optional "export " prefix is stripped and
// matching surrounding quotes are removed from values.
func LoadFile(path string) (Vars, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(Vars)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		m[k] = v
	}
	return m, nil
}
