// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor is the execution unit: it runs a single agent action
// under a sandbox session, a time bound, and panic isolation, and records
// every invocation in the audit log.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odalpeth/cadre/pkg/agents"
	"github.com/odalpeth/cadre/pkg/audit"
	"github.com/odalpeth/cadre/pkg/errors"
	"github.com/odalpeth/cadre/pkg/registry"
	"github.com/odalpeth/cadre/pkg/resilience"
	"github.com/odalpeth/cadre/pkg/sandbox"
)

// Status is the terminal state of one invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Scope carries the run coordinates an invocation is audited under.
type Scope struct {
	RunID    string
	Workflow string
	StepID   string
}

// Result is the outcome of one agent invocation.
type Result struct {
	Status   Status
	Payload  map[string]any
	ErrKind  errors.ErrorCode
	Reason   string
	Duration time.Duration
	Effects  []agents.Effect
}

// Failed reports whether the invocation ended in failure.
func (r *Result) Failed() bool { return r.Status == StatusFailure }

// Unit invokes agent actions. One Unit serves all agents of a coordinator.
type Unit struct {
	set            *agents.Set
	box            *sandbox.Sandbox
	audit          audit.Store
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// Option configures a Unit.
type Option func(*Unit)

// WithLogger sets the unit logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Unit) { u.logger = logger }
}

// WithDefaultTimeout bounds invocations whose descriptor declares no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(u *Unit) { u.defaultTimeout = d }
}

// New creates an execution unit over the given action set and sandbox.
func New(set *agents.Set, box *sandbox.Sandbox, auditStore audit.Store, opts ...Option) *Unit {
	u := &Unit{
		set:    set,
		box:    box,
		audit:  auditStore,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type invocationOutput struct {
	payload map[string]any
	effects []agents.Effect
}

// Invoke runs one agent action inside the given session. The session is
// closed before Invoke returns, success or not: capability tokens live
// exactly as long as the invocation. Each call records one agent_invoked
// audit entry, so retried steps leave one entry per attempt.
func (u *Unit) Invoke(ctx context.Context, scope Scope, desc *registry.Descriptor,
	action string, inputs map[string]any, session *sandbox.Session) *Result {

	start := time.Now()
	defer u.box.CloseSession(ctx, session)

	fn, err := u.set.Resolve(desc.Name, action)
	if err != nil {
		return u.finish(ctx, scope, desc, action, &Result{
			Status:   StatusFailure,
			ErrKind:  errors.CodeOf(err),
			Reason:   err.Error(),
			Duration: time.Since(start),
		})
	}

	timeout := desc.Timeout
	if timeout == 0 {
		timeout = u.defaultTimeout
	}

	value, err := resilience.WithTimeoutResult(ctx, timeout, func(ctx context.Context) (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New(errors.CodeAgentInternal,
					fmt.Sprintf("agent %q panicked in %q: %v", desc.Name, action, r), nil)
			}
		}()
		payload, effects, err := fn(ctx, inputs)
		if err != nil {
			return nil, err
		}
		return invocationOutput{payload: payload, effects: effects}, nil
	})
	if err != nil {
		code := errors.CodeOf(err)
		if code == errors.CodeInternal {
			// Plain action errors count as agent faults, not coordinator bugs.
			code = errors.CodeAgentInternal
		}
		return u.finish(ctx, scope, desc, action, &Result{
			Status:   StatusFailure,
			ErrKind:  code,
			Reason:   err.Error(),
			Duration: time.Since(start),
		})
	}

	out := value.(invocationOutput)
	for _, effect := range out.effects {
		if err := u.box.Check(ctx, session, effect.Op, effect.Path); err != nil {
			return u.finish(ctx, scope, desc, action, &Result{
				Status:   StatusFailure,
				ErrKind:  errors.CodeOf(err),
				Reason:   err.Error(),
				Duration: time.Since(start),
				Effects:  out.effects,
			})
		}
	}

	return u.finish(ctx, scope, desc, action, &Result{
		Status:   StatusSuccess,
		Payload:  out.payload,
		Duration: time.Since(start),
		Effects:  out.effects,
	})
}

func (u *Unit) finish(ctx context.Context, scope Scope, desc *registry.Descriptor,
	action string, result *Result) *Result {

	outcome := string(result.Status)
	detail := action
	if result.Reason != "" {
		detail = fmt.Sprintf("%s: %s", action, result.Reason)
	}
	if u.audit != nil {
		if err := u.audit.Record(ctx, audit.Entry{
			RunID:    scope.RunID,
			Workflow: scope.Workflow,
			StepID:   scope.StepID,
			Actor:    desc.Name,
			Action:   audit.ActionAgentInvoked,
			Outcome:  outcome,
			Detail:   detail,
		}); err != nil {
			u.logger.Error("audit record failed", "error", err)
		}
	}

	if result.Failed() {
		u.logger.Warn("agent invocation failed",
			"agent", desc.Name, "action", action, "kind", string(result.ErrKind),
			"duration", result.Duration, "reason", result.Reason)
	} else {
		u.logger.Debug("agent invocation finished",
			"agent", desc.Name, "action", action, "duration", result.Duration)
	}
	return result
}
