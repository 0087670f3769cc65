// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit provides the append-only record of permission checks, agent
// invocations, and coordination decisions for a workflow run.
package audit

import (
	"context"
	"sync"
	"time"
)

// Well-known audit actions recorded by the coordinator.
const (
	ActionSessionOpened     = "session_opened"
	ActionSessionClosed     = "session_closed"
	ActionPermissionChecked = "permission_checked"
	ActionAgentInvoked      = "agent_invoked"
	ActionStepStarted       = "step_started"
	ActionStepCompleted     = "step_completed"
	ActionStepFailed        = "step_failed"
	ActionStepSkipped       = "step_skipped"
	ActionConflictResolved  = "conflict_resolved"
	ActionContextPublished  = "context_published"
	ActionWorkflowStarted   = "workflow_started"
	ActionWorkflowFinished  = "workflow_finished"
)

// CoordinatorActor identifies entries written by the engine or hub rather
// than by an agent.
const CoordinatorActor = "coordinator"

// Entry is a single append-only audit record. Entries are never mutated or
// deleted during a run.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Workflow  string    `json:"workflow,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Decision  string    `json:"decision,omitempty"` // allow or deny on permission checks
	Detail    string    `json:"detail,omitempty"`
}

// Filter limits audit queries.
type Filter struct {
	RunID  string
	Actor  string
	Action string
	StepID string
	Limit  int
}

// Store persists audit entries.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// MemoryStore keeps audit entries in memory. Used for tests and single-shot
// CLI invocations that do not need a durable trail.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore returns an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends an audit entry.
func (s *MemoryStore) Record(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, normalize(entry))
	return nil
}

// List returns filtered audit entries in record order.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if !filter.matches(entry) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (f Filter) matches(entry Entry) bool {
	if f.RunID != "" && entry.RunID != f.RunID {
		return false
	}
	if f.Actor != "" && entry.Actor != f.Actor {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.StepID != "" && entry.StepID != f.StepID {
		return false
	}
	return true
}

func normalize(entry Entry) Entry {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	} else {
		entry.Timestamp = entry.Timestamp.UTC()
	}
	return entry
}
