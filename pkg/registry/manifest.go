// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odalpeth/cadre/pkg/errors"
)

// Priority orders agents for capability lookup, dispatch tie-breaks, and
// write-conflict resolution.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the manifest spelling of the priority tier.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a manifest value onto a tier. Empty means normal.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, errors.New(errors.CodeConfig,
			fmt.Sprintf("invalid priority %q (want high, normal, or low)", value), nil)
	}
}

// PermissionManifest declares an agent's file-system scope as path globs.
// Deny rules take precedence over allow rules; a path matched by no allow
// rule is denied.
type PermissionManifest struct {
	AllowRead    []string `yaml:"allow_read"`
	AllowWrite   []string `yaml:"allow_write"`
	AllowExecute []string `yaml:"allow_execute"`
	Deny         []string `yaml:"deny"`
}

// Manifest is the on-disk agent configuration.
type Manifest struct {
	Name           string             `yaml:"name"`
	Description    string             `yaml:"description"`
	Capabilities   []string           `yaml:"capabilities"`
	Priority       string             `yaml:"priority"`
	Permissions    PermissionManifest `yaml:"permissions"`
	TimeoutSeconds int                `yaml:"timeout_seconds"`
	MaxOperations  int                `yaml:"max_operations"`
}

// ParseManifest decodes and validates a single YAML agent manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.New(errors.CodeConfig, "invalid manifest YAML", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New(errors.CodeConfig, "manifest missing required field: name", nil)
	}
	if len(m.Capabilities) == 0 {
		return errors.New(errors.CodeConfig, "manifest missing required field: capabilities", nil).
			WithContext("agent", m.Name)
	}
	for _, capability := range m.Capabilities {
		if strings.TrimSpace(capability) == "" {
			return errors.New(errors.CodeConfig, "capability tags must be non-empty", nil).
				WithContext("agent", m.Name)
		}
	}
	if m.Permissions.isEmptyDeclaration() {
		return errors.New(errors.CodeConfig, "manifest missing required field: permissions", nil).
			WithContext("agent", m.Name)
	}
	if _, err := ParsePriority(m.Priority); err != nil {
		return errors.AsCadreError(err).WithContext("agent", m.Name)
	}
	if m.TimeoutSeconds < 0 {
		return errors.New(errors.CodeConfig, "timeout_seconds must be >= 0", nil).
			WithContext("agent", m.Name)
	}
	return nil
}

// isEmptyDeclaration reports whether the permissions block was omitted
// entirely. An explicit empty allow list is valid and fails closed.
func (p PermissionManifest) isEmptyDeclaration() bool {
	return p.AllowRead == nil && p.AllowWrite == nil && p.AllowExecute == nil && p.Deny == nil
}

// Descriptor is the validated, immutable in-memory identity of an agent.
type Descriptor struct {
	Name          string
	Description   string
	Capabilities  []string
	Priority      Priority
	Permissions   PermissionManifest
	Timeout       time.Duration
	MaxOperations int

	// seq records registration order for deterministic tie-breaking.
	seq int
}

// HasCapability reports whether the descriptor carries the given tag.
func (d *Descriptor) HasCapability(tag string) bool {
	for _, capability := range d.Capabilities {
		if capability == tag {
			return true
		}
	}
	return false
}

func (m *Manifest) descriptor(seq int) *Descriptor {
	priority, _ := ParsePriority(m.Priority)
	return &Descriptor{
		Name:          m.Name,
		Description:   m.Description,
		Capabilities:  append([]string(nil), m.Capabilities...),
		Priority:      priority,
		Permissions: PermissionManifest{
			AllowRead:    append([]string(nil), m.Permissions.AllowRead...),
			AllowWrite:   append([]string(nil), m.Permissions.AllowWrite...),
			AllowExecute: append([]string(nil), m.Permissions.AllowExecute...),
			Deny:         append([]string(nil), m.Permissions.Deny...),
		},
		Timeout:       time.Duration(m.TimeoutSeconds) * time.Second,
		MaxOperations: m.MaxOperations,
		seq:           seq,
	}
}
