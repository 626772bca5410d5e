package env

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// Env holds supervisor-wide variables layered over the host environment.
// Slots receive Merge(extra) as their launch environment.
type Env struct {
	mu   sync.RWMutex
	vars map[string]string
	base map[string]string
}

func New() *Env {
	return &Env{vars: make(map[string]string)}
}

// FromList builds an Env from "KEY=VALUE" entries; malformed entries are
// skipped.
func FromList(kvs []string) *Env {
	e := New()
	e.SetAll(kvs)
	return e
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.mu.Lock()
	e.vars[k] = v
	e.mu.Unlock()
}

func (e *Env) SetAll(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.Set(k, v)
		}
	}
}

func (e *Env) Unset(k string) {
	e.mu.Lock()
	delete(e.vars, k)
	e.mu.Unlock()
}

// List returns the supervisor-wide variables as sorted "KEY=VALUE" entries.
func (e *Env) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return toList(e.vars)
}

func (e *Env) hostBase() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.base == nil {
		e.base = make(map[string]string)
		for _, kv := range os.Environ() {
			if k, v, ok := split(kv); ok {
				e.base[k] = v
			}
		}
	}
	return e.base
}

// Merge composes host environment, then supervisor variables, then extra.
// ${VAR} and $VAR references are expanded once against the composed set;
// unknown references expand to "".
func (e *Env) Merge(extra []string) []string {
	base := e.hostBase()
	m := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		m[k] = v
	}
	e.mu.RLock()
	for k, v := range e.vars {
		m[k] = v
	}
	e.mu.RUnlock()
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	expanded := make(map[string]string, len(m))
	for k, v := range m {
		expanded[k] = os.Expand(v, func(name string) string { return m[name] })
	}
	return toList(expanded)
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

func toList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
