// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub is the coordination hub: the single writer of the shared
// execution context, the arbiter of same-wave write conflicts, and the
// aggregator of per-step outcomes into a workflow result.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/odalpeth/cadre/pkg/audit"
	"github.com/odalpeth/cadre/pkg/errors"
	"github.com/odalpeth/cadre/pkg/executor"
	"github.com/odalpeth/cadre/pkg/registry"
	"github.com/odalpeth/cadre/pkg/sandbox"
	"github.com/odalpeth/cadre/pkg/workflow"
)

// StepOutcome is the terminal record of one step within a run.
type StepOutcome struct {
	StepID   string           `json:"step_id"`
	Agent    string           `json:"agent"`
	Action   string           `json:"action"`
	Status   executor.Status  `json:"status"`
	ErrKind  errors.ErrorCode `json:"err_kind,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Duration time.Duration    `json:"duration"`
	Attempts int              `json:"attempts"`
}

// Result is the aggregate outcome of a workflow run. It enumerates every
// step's terminal state: nothing finishes silently.
type Result struct {
	RunID    string         `json:"run_id"`
	Workflow string         `json:"workflow"`
	State    string         `json:"state"`
	Steps    []StepOutcome  `json:"steps"`
	Context  map[string]any `json:"context"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
}

// Hub owns the shared execution context for one run. Agents never touch the
// context directly; the engine publishes step outputs through the hub, which
// serializes writes and audits each publication.
type Hub struct {
	mu       sync.Mutex
	runID    string
	workflow string
	values   map[string]any
	outcomes []StepOutcome
	audit    audit.Store
	logger   *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// New creates the hub for a single run, seeded with the caller's initial
// context values.
func New(runID, workflowName string, seed map[string]any, store audit.Store, opts ...Option) *Hub {
	values := make(map[string]any, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	h := &Hub{
		runID:    runID,
		workflow: workflowName,
		values:   values,
		audit:    store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish stores a step's output under its declared key. Failed and skipped
// steps never publish: their keys stay entirely absent from the context.
func (h *Hub) Publish(ctx context.Context, stepID, key string, value any) {
	if key == "" {
		return
	}
	h.mu.Lock()
	h.values[key] = value
	h.mu.Unlock()

	h.record(ctx, audit.Entry{
		StepID:  stepID,
		Actor:   audit.CoordinatorActor,
		Action:  audit.ActionContextPublished,
		Outcome: "recorded",
		Detail:  key,
	})
}

// Snapshot returns a copy of the context as of the call. The engine takes
// one snapshot per wave boundary so every step in a wave evaluates guards
// and binds inputs against the same consistent view.
func (h *Hub) Snapshot() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]any, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// Lookup returns the context value for key.
func (h *Hub) Lookup(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.values[key]
	return v, ok
}

// RecordOutcome appends a step's terminal record.
func (h *Hub) RecordOutcome(outcome StepOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes = append(h.outcomes, outcome)
}

// Aggregate closes the run into a Result, sorted by step id for stable
// reporting.
func (h *Hub) Aggregate(state string, started time.Time) *Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	steps := append([]StepOutcome(nil), h.outcomes...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })

	values := make(map[string]any, len(h.values))
	for k, v := range h.values {
		values[k] = v
	}
	return &Result{
		RunID:    h.runID,
		Workflow: h.workflow,
		State:    state,
		Steps:    steps,
		Context:  values,
		Started:  started,
		Finished: time.Now().UTC(),
	}
}

// Candidate pairs a dispatchable step with its agent descriptor for
// conflict arbitration.
type Candidate struct {
	Step *workflow.Step
	Desc *registry.Descriptor
}

// ResolveConflicts arbitrates write contention inside one wave. Two
// candidates conflict when their agents' allow_write scopes overlap: both
// could legally write the same path in the same wave. The higher priority
// tier wins; ties go to the step declared first. Losers are rejected with
// RESOURCE_CONFLICT before dispatch, and each resolution is audited.
func (h *Hub) ResolveConflicts(ctx context.Context, candidates []Candidate) ([]Candidate, map[string]*errors.CadreError) {
	rejected := make(map[string]*errors.CadreError)

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if rejected[a.Step.ID] != nil || rejected[b.Step.ID] != nil {
				continue
			}
			if !writeScopesOverlap(a.Desc.Permissions.AllowWrite, b.Desc.Permissions.AllowWrite) {
				continue
			}

			winner, loser := a, b
			if b.Desc.Priority > a.Desc.Priority {
				winner, loser = b, a
			}
			rejected[loser.Step.ID] = errors.New(errors.CodeResourceConflict,
				fmt.Sprintf("step %q lost write arbitration to step %q", loser.Step.ID, winner.Step.ID), nil).
				WithContext("winner", winner.Step.ID).
				WithContext("winner_agent", winner.Desc.Name)

			h.record(ctx, audit.Entry{
				StepID:  loser.Step.ID,
				Actor:   audit.CoordinatorActor,
				Action:  audit.ActionConflictResolved,
				Outcome: "rejected",
				Detail: fmt.Sprintf("winner=%s(%s) loser=%s(%s)",
					winner.Step.ID, winner.Desc.Priority, loser.Step.ID, loser.Desc.Priority),
			})
			h.logger.Warn("write conflict resolved",
				"winner", winner.Step.ID, "loser", loser.Step.ID,
				"winner_priority", winner.Desc.Priority.String(),
				"loser_priority", loser.Desc.Priority.String())
		}
	}

	allowed := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if rejected[c.Step.ID] == nil {
			allowed = append(allowed, c)
		}
	}
	return allowed, rejected
}

func writeScopesOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if sandbox.PatternsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

func (h *Hub) record(ctx context.Context, entry audit.Entry) {
	if h.audit == nil {
		return
	}
	entry.RunID = h.runID
	entry.Workflow = h.workflow
	if err := h.audit.Record(ctx, entry); err != nil {
		h.logger.Error("audit record failed", "error", err)
	}
}
