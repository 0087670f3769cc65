// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry loads and validates agent manifests and exposes agent
// capability and permission metadata to the rest of the coordinator.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/odalpeth/cadre/pkg/errors"
)

// Registry holds the validated agent descriptors for one coordinator
// process. Descriptors are immutable once registered.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Descriptor
	nextSeq int
	health  map[string]HealthResult
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor),
		health: make(map[string]HealthResult),
	}
}

// Register validates the manifest and adds its descriptor. Re-registration
// of an existing name fails with CONFIG_ERROR; use Replace to override.
func (r *Registry) Register(m *Manifest) (*Descriptor, error) {
	return r.register(m, false)
}

// Replace registers the manifest, overriding any existing descriptor with
// the same name.
func (r *Registry) Replace(m *Manifest) (*Descriptor, error) {
	return r.register(m, true)
}

func (r *Registry) register(m *Manifest, replace bool) (*Descriptor, error) {
	if m == nil {
		return nil, errors.New(errors.CodeConfig, "manifest is nil", nil)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.byName[m.Name]
	if exists && !replace {
		return nil, errors.New(errors.CodeConfig,
			fmt.Sprintf("agent %q is already registered", m.Name), nil)
	}

	seq := r.nextSeq
	if exists {
		// A replacement keeps its original position in tie-breaks.
		seq = existing.seq
	} else {
		r.nextSeq++
	}

	desc := m.descriptor(seq)
	r.byName[m.Name] = desc
	return desc, nil
}

// Lookup returns the descriptor for name, or NOT_FOUND.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byName[name]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			fmt.Sprintf("agent %q is not registered", name), nil)
	}
	return desc, nil
}

// FindByCapability returns all descriptors carrying the tag, ordered by
// priority tier (high first), ties broken by registration order.
func (r *Registry) FindByCapability(tag string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, desc := range r.byName {
		if desc.HasCapability(tag) {
			out = append(out, desc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// List returns every descriptor in registration order.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.byName))
	for _, desc := range r.byName {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// LoadDir discovers and registers every *.yaml / *.yml manifest in dir.
// The first invalid manifest aborts the load: a coordinator must not start
// with a partially validated agent set.
func (r *Registry) LoadDir(dir string) ([]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.New(errors.CodeConfig, "cannot read agents dir", err).
			WithContext("dir", dir)
	}

	var loaded []*Descriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.New(errors.CodeConfig, "cannot read manifest", err).
				WithContext("path", path)
		}
		manifest, err := ParseManifest(data)
		if err != nil {
			return nil, errors.AsCadreError(err).WithContext("path", path)
		}
		desc, err := r.Register(manifest)
		if err != nil {
			return nil, errors.AsCadreError(err).WithContext("path", path)
		}
		loaded = append(loaded, desc)
	}
	return loaded, nil
}
