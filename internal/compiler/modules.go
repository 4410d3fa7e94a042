package compiler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
)

// Modules is the import allow-list shared by every compiled script: a set
// of tengo stdlib modules plus source modules installed at runtime.
type Modules struct {
	mu      sync.RWMutex
	builtin []string
	sources map[string][]byte
}

// NewModules creates an allow-list of the named stdlib modules. Unknown
// names are rejected.
func NewModules(allowed []string) (*Modules, error) {
	m := &Modules{sources: make(map[string][]byte)}
	for _, name := range allowed {
		if src, ok := stdlib.SourceModules[name]; ok {
			m.sources[name] = []byte(src)
			continue
		}
		if _, ok := stdlib.BuiltinModules[name]; !ok {
			return nil, fmt.Errorf("unknown stdlib module %q", name)
		}
		m.builtin = append(m.builtin, name)
	}
	return m, nil
}

// AddSource installs a source module importable by name. It replaces an
// earlier module of the same name.
func (m *Modules) AddSource(name string, src []byte) error {
	_, builtin := stdlib.BuiltinModules[name]
	_, source := stdlib.SourceModules[name]
	if builtin || source {
		return fmt.Errorf("module %q shadows a stdlib module", name)
	}
	m.mu.Lock()
	m.sources[name] = append([]byte(nil), src...)
	m.mu.Unlock()
	return nil
}

// Names lists every importable module.
func (m *Modules) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := append([]string(nil), m.builtin...)
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map builds the tengo module map used by the compiler.
func (m *Modules) Map() *tengo.ModuleMap {
	modules := tengo.NewModuleMap()
	if m == nil {
		return modules
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.builtin {
		modules.AddBuiltinModule(name, stdlib.BuiltinModules[name])
	}
	for name, src := range m.sources {
		modules.AddSourceModule(name, src)
	}
	return modules
}
