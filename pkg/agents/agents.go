// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package agents binds agent names to executable actions. The set of kinds
// is closed: dispatch is a registry keyed by string, validated exhaustively
// at startup against the agent registry, never reflection.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/odalpeth/cadre/pkg/errors"
	"github.com/odalpeth/cadre/pkg/registry"
	"github.com/odalpeth/cadre/pkg/sandbox"
)

// Builtin agent kinds.
const (
	KindCodeQuality       = "code-quality"
	KindDocumentation     = "documentation"
	KindResumeProcessing  = "resume-processing"
	KindContentGeneration = "content-generation"
	KindMaintenance       = "maintenance"
)

// Effect is a file-system side effect an action reports with its result.
// The execution unit checks each reported effect against the agent's
// sandbox session and fails the invocation when any falls outside the
// granted scopes.
type Effect struct {
	Op   sandbox.Operation
	Path string
}

// ActionFunc runs one agent action over bound inputs, returning the result
// payload and the side effects it performed.
type ActionFunc func(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error)

// Set maps agent kind and action name to an ActionFunc.
type Set struct {
	actions map[string]map[string]ActionFunc
}

// NewSet creates an empty action set.
func NewSet() *Set {
	return &Set{actions: make(map[string]map[string]ActionFunc)}
}

// Register binds an action to an agent kind, replacing any previous binding.
func (s *Set) Register(agent, action string, fn ActionFunc) {
	if s.actions[agent] == nil {
		s.actions[agent] = make(map[string]ActionFunc)
	}
	s.actions[agent][action] = fn
}

// Resolve returns the bound action, or NOT_FOUND.
func (s *Set) Resolve(agent, action string) (ActionFunc, error) {
	byAction, ok := s.actions[agent]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			fmt.Sprintf("no actions bound for agent %q", agent), nil)
	}
	fn, ok := byAction[action]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			fmt.Sprintf("agent %q has no action %q (has: %s)",
				agent, action, strings.Join(s.Actions(agent), ", ")), nil)
	}
	return fn, nil
}

// Actions lists the action names bound for an agent, sorted.
func (s *Set) Actions(agent string) []string {
	byAction := s.actions[agent]
	out := make([]string, 0, len(byAction))
	for name := range byAction {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Verify checks, at startup, that every agent in the registry has at least
// one bound action. A registered manifest naming an unbound kind is a
// configuration error, caught before any workflow runs.
func (s *Set) Verify(reg *registry.Registry) error {
	for _, desc := range reg.List() {
		if len(s.actions[desc.Name]) == 0 {
			return errors.New(errors.CodeConfig,
				fmt.Sprintf("agent %q is registered but has no bound actions", desc.Name), nil).
				WithContext("agent", desc.Name)
		}
	}
	return nil
}
