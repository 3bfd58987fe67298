// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registered pairs a plugin with the config discovery attached to it.
type Registered struct {
	Plugin Plugin
	Config map[string]any
}

// Registry is an ordered collection of plugins keyed by name. Read-mostly;
// registration is serialized, readers proceed concurrently.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registered
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registered)}
}

// Register adds a plugin with its config. Duplicate names are rejected.
func (r *Registry) Register(p Plugin, config map[string]any) error {
	name := p.Metadata().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return errors.Wrap(ErrDuplicatePlugin, name)
	}
	r.entries[name] = Registered{Plugin: p, Config: config}
	return nil
}

// Get returns the registered plugin by name.
func (r *Registry) Get(name string) (Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// All returns members sorted by (order, name).
func (r *Registry) All() []Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registered, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].Plugin.Metadata(), out[j].Plugin.Metadata()
		if mi.Order != mj.Order {
			return mi.Order < mj.Order
		}
		return mi.Name < mj.Name
	})
	return out
}

// Len reports the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
