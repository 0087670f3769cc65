// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/odalpeth/cadre/pkg/errors"
)

// Manager holds validated workflow definitions keyed by name. Registering a
// name again stores a new version; lookups resolve to the latest unless a
// version is pinned.
type Manager struct {
	mu       sync.RWMutex
	versions map[string][]*Definition
}

// NewManager creates an empty workflow manager.
func NewManager() *Manager {
	return &Manager{versions: make(map[string][]*Definition)}
}

// Register validates and stores a definition. An empty Version is stamped
// with the next sequential version ("v1", "v2", ...).
func (m *Manager) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if def.Version == "" {
		def.Version = fmt.Sprintf("v%d", len(m.versions[def.Name])+1)
	}
	for _, existing := range m.versions[def.Name] {
		if existing.Version == def.Version {
			return errors.New(errors.CodeConfig,
				fmt.Sprintf("workflow %q version %s already registered", def.Name, def.Version), nil)
		}
	}
	m.versions[def.Name] = append(m.versions[def.Name], def)
	return nil
}

// Lookup returns the latest registered version of the named workflow.
func (m *Manager) Lookup(name string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.versions[name]
	if len(versions) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			fmt.Sprintf("workflow %q is not registered", name), nil)
	}
	return versions[len(versions)-1], nil
}

// LookupVersion returns a specific registered version of the named workflow.
func (m *Manager) LookupVersion(name, version string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, def := range m.versions[name] {
		if def.Version == version {
			return def, nil
		}
	}
	return nil, errors.New(errors.CodeNotFound,
		fmt.Sprintf("workflow %q version %s is not registered", name, version), nil)
}

// List returns the latest version of every workflow, sorted by name.
func (m *Manager) List() []*Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Definition, 0, len(m.versions))
	for _, versions := range m.versions {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadDir registers every definition file under dir.
func (m *Manager) LoadDir(dir string) error {
	defs, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := m.Register(def); err != nil {
			return err
		}
	}
	return nil
}
