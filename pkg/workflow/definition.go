// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow defines and validates workflow definitions: DAGs of
// steps referencing registered agents.
package workflow

import (
	"fmt"
	"strings"

	"github.com/odalpeth/cadre/pkg/errors"
	"github.com/odalpeth/cadre/pkg/guard"
)

// RetrySpec is a step's declared retry budget. Count is the number of
// retries after the first attempt.
type RetrySpec struct {
	Count          int `json:"count" yaml:"count"`
	BackoffSeconds int `json:"backoff_seconds" yaml:"backoff_seconds"`
}

// Step is one unit of a workflow: an agent action with dependencies, an
// optional guard condition over shared context, and an output key.
type Step struct {
	ID        string         `json:"id" yaml:"id"`
	Agent     string         `json:"agent" yaml:"agent"`
	Action    string         `json:"action" yaml:"action"`
	Inputs    map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Guard     string         `json:"guard,omitempty" yaml:"guard,omitempty"`
	OutputKey string         `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	Required  *bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Retry     *RetrySpec     `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// IsRequired reports whether the step's failure fails the whole workflow.
// Steps are required unless the definition says otherwise.
func (s *Step) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// Definition is a named DAG of steps.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Step returns the step with the given id, or nil.
func (d *Definition) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Validate checks the definition is executable: unique step ids, resolvable
// dependencies, an acyclic dependency graph, and guards that only reference
// context keys produced by topological ancestors.
func (d *Definition) Validate() error {
	if d == nil {
		return errors.New(errors.CodeConfig, "workflow definition is nil", nil)
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New(errors.CodeConfig, "workflow missing required field: name", nil)
	}
	if len(d.Steps) == 0 {
		return errors.New(errors.CodeConfig, "workflow has no steps", nil).
			WithContext("workflow", d.Name)
	}

	index := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return d.configErr(fmt.Sprintf("step %d missing id", i))
		}
		if _, dup := index[step.ID]; dup {
			return d.configErr(fmt.Sprintf("duplicate step id %q", step.ID))
		}
		index[step.ID] = i
		if strings.TrimSpace(step.Agent) == "" {
			return d.configErr(fmt.Sprintf("step %q missing agent", step.ID))
		}
		if strings.TrimSpace(step.Action) == "" {
			return d.configErr(fmt.Sprintf("step %q missing action", step.ID))
		}
		if step.Retry != nil && (step.Retry.Count < 0 || step.Retry.BackoffSeconds < 0) {
			return d.configErr(fmt.Sprintf("step %q has a negative retry budget", step.ID))
		}
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return d.configErr(fmt.Sprintf("step %q depends on itself", step.ID))
			}
			if _, ok := index[dep]; !ok {
				return d.configErr(fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
		}
	}

	depth, err := d.depths(index)
	if err != nil {
		return err
	}

	// A guard may only read keys produced by topological ancestors.
	ancestors := d.ancestorSets(index)
	for _, step := range d.Steps {
		key := guard.ReferencedKey(step.Guard)
		if key == "" {
			continue
		}
		if !producedByAncestor(d, ancestors[step.ID], key) {
			return d.configErr(fmt.Sprintf(
				"step %q guard references %q, which no ancestor step produces", step.ID, key))
		}
	}
	_ = depth
	return nil
}

// Waves computes the wave decomposition: wave k holds the steps whose
// longest dependency chain has length k. Every step's dependencies live in
// strictly earlier waves. Step order within a wave follows declaration order.
func (d *Definition) Waves() ([][]*Step, error) {
	index := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		index[step.ID] = i
	}
	depth, err := d.depths(index)
	if err != nil {
		return nil, err
	}

	maxDepth := 0
	for _, dd := range depth {
		if dd > maxDepth {
			maxDepth = dd
		}
	}
	waves := make([][]*Step, maxDepth+1)
	for i := range d.Steps {
		step := &d.Steps[i]
		waves[depth[step.ID]] = append(waves[depth[step.ID]], step)
	}
	return waves, nil
}

// depths runs Kahn's algorithm, returning each step's wave depth or a
// CONFIG_ERROR naming the cycle members.
func (d *Definition) depths(index map[string]int) (map[string]int, error) {
	indegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var queue []string
	for _, step := range d.Steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	depth := make(map[string]int, len(d.Steps))
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			if depth[id]+1 > depth[next] {
				depth[next] = depth[id] + 1
			}
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(d.Steps) {
		var cycle []string
		for id, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		return nil, d.configErr(fmt.Sprintf("dependency cycle involving steps %v", cycle))
	}
	return depth, nil
}

// ancestorSets returns, per step, the set of transitive dependency ids.
func (d *Definition) ancestorSets(index map[string]int) map[string]map[string]bool {
	memo := make(map[string]map[string]bool, len(d.Steps))
	var visit func(id string) map[string]bool
	visit = func(id string) map[string]bool {
		if set, ok := memo[id]; ok {
			return set
		}
		set := make(map[string]bool)
		memo[id] = set
		step := &d.Steps[index[id]]
		for _, dep := range step.DependsOn {
			set[dep] = true
			for anc := range visit(dep) {
				set[anc] = true
			}
		}
		return set
	}
	for _, step := range d.Steps {
		visit(step.ID)
	}
	return memo
}

func producedByAncestor(d *Definition, ancestors map[string]bool, key string) bool {
	for id := range ancestors {
		step := d.Step(id)
		if step != nil && step.OutputKey == key {
			return true
		}
	}
	return false
}

func (d *Definition) configErr(msg string) error {
	return errors.New(errors.CodeConfig, msg, nil).WithContext("workflow", d.Name)
}
