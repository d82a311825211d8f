package model

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/starford/dyad/internal/apperr"
)

// Registry holds the registered model definitions. It is populated at
// startup by the composition root and read concurrently afterwards.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and stores def. Registering a name again replaces the
// earlier definition; two different models may not share a namespace.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("model: nil definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := def.Namespace()
	for name, other := range r.defs {
		if name != def.Name && other.Namespace() == ns {
			return fmt.Errorf("model %q: namespace %q is already used by %q", def.Name, ns, name)
		}
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", apperr.ErrUnknownModel, name, strings.Join(r.Names(), ", "))
	}
	return def, nil
}

// Namespace maps a class name to its document namespace. Unknown classes
// use their lowercased name.
func (r *Registry) Namespace(class string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.defs[class]; ok {
		return def.Namespace()
	}
	for name, def := range r.defs {
		if strings.EqualFold(name, class) {
			return def.Namespace()
		}
	}
	return strings.ToLower(class)
}

// ByNamespace returns the definition stored under a document namespace.
func (r *Registry) ByNamespace(ns string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.defs {
		if def.Namespace() == ns {
			return def, true
		}
	}
	return nil, false
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// All returns every definition sorted by name.
func (r *Registry) All() []*Definition {
	names := r.Names()
	out := make([]*Definition, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if def, ok := r.defs[name]; ok {
			out = append(out, def)
		}
	}
	return out
}
