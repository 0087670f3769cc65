// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs workflow definitions as wave-ordered DAG executions:
// guard evaluation and conflict arbitration at wave planning, bounded
// concurrent dispatch inside a wave, retry with backoff for transient
// faults, and a full audit trail for every run.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odalpeth/cadre/pkg/agents"
	"github.com/odalpeth/cadre/pkg/audit"
	"github.com/odalpeth/cadre/pkg/errors"
	"github.com/odalpeth/cadre/pkg/executor"
	"github.com/odalpeth/cadre/pkg/guard"
	"github.com/odalpeth/cadre/pkg/hub"
	"github.com/odalpeth/cadre/pkg/registry"
	"github.com/odalpeth/cadre/pkg/resilience"
	"github.com/odalpeth/cadre/pkg/sandbox"
	"github.com/odalpeth/cadre/pkg/telemetry"
	"github.com/odalpeth/cadre/pkg/workflow"
)

// State is the lifecycle phase of a workflow run.
type State string

const (
	StatePending   State = "Pending"
	StatePlanning  State = "Planning"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// DefaultMaxConcurrent bounds parallel step dispatch within a wave.
const DefaultMaxConcurrent = 5

// Engine coordinates workflow runs over a fixed registry and action set.
type Engine struct {
	registry       *registry.Registry
	set            *agents.Set
	box            *sandbox.Sandbox
	unit           *executor.Unit
	audit          audit.Store
	logger         *slog.Logger
	metrics        *telemetry.CoordinationMetrics
	tracer         trace.Tracer
	maxConcurrent  int
	defaultTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxConcurrent bounds parallel dispatch within a wave.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithDefaultTimeout bounds invocations whose manifest declares no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithMetrics attaches coordination metrics.
func WithMetrics(m *telemetry.CoordinationMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine over the given registry and action set. The engine
// owns its sandbox and execution unit; all three share one audit store.
func New(reg *registry.Registry, set *agents.Set, store audit.Store, opts ...Option) *Engine {
	e := &Engine{
		registry:       reg,
		set:            set,
		audit:          store,
		logger:         slog.Default(),
		tracer:         otel.Tracer("cadre/engine"),
		maxConcurrent:  DefaultMaxConcurrent,
		defaultTimeout: 300 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.box = sandbox.New(store, sandbox.WithLogger(e.logger))
	e.unit = executor.New(set, e.box, store,
		executor.WithLogger(e.logger),
		executor.WithDefaultTimeout(e.defaultTimeout))
	return e
}

// Verify checks at startup that every registered agent has bound actions.
func (e *Engine) Verify() error {
	return e.set.Verify(e.registry)
}

// Run executes the workflow to a terminal state. The returned result
// enumerates every step's outcome; the error is non-nil only for planning
// failures (invalid definition), never for step-level failures.
func (e *Engine) Run(ctx context.Context, def *workflow.Definition, seed map[string]any) (*hub.Result, error) {
	runID := uuid.NewString()
	started := time.Now().UTC()

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow", def.Name),
		attribute.String("run_id", runID),
	))
	defer span.End()

	state := StatePlanning
	if err := def.Validate(); err != nil {
		return nil, err
	}
	waves, err := def.Waves()
	if err != nil {
		return nil, err
	}

	h := hub.New(runID, def.Name, seed, e.audit, hub.WithLogger(e.logger))
	e.record(ctx, audit.Entry{
		RunID:    runID,
		Workflow: def.Name,
		Actor:    audit.CoordinatorActor,
		Action:   audit.ActionWorkflowStarted,
		Outcome:  string(state),
		Detail:   fmt.Sprintf("%d steps in %d waves", len(def.Steps), len(waves)),
	})
	e.logger.Info("workflow started",
		"workflow", def.Name, "run_id", runID, "steps", len(def.Steps), "waves", len(waves))

	state = StateRunning
	terminal := make(map[string]hub.StepOutcome, len(def.Steps))
	halted := false
	cancelled := false

	for waveIdx, wave := range waves {
		if ctx.Err() != nil {
			cancelled = true
		}
		if halted || cancelled {
			reason := "workflow halted by earlier required failure"
			if cancelled {
				reason = "workflow cancelled"
			}
			for _, step := range wave {
				e.skipStep(ctx, runID, def.Name, h, terminal, step, reason)
			}
			continue
		}

		waveStart := time.Now()
		e.runWave(ctx, runID, def, waveIdx, wave, h, terminal)
		e.metrics.RecordWave(ctx, def.Name, waveIdx, time.Since(waveStart))

		for _, step := range wave {
			out := terminal[step.ID]
			if out.Status == executor.StatusFailure && step.IsRequired() {
				halted = true
			}
		}
		if ctx.Err() != nil {
			cancelled = true
		}
	}

	switch {
	case cancelled:
		state = StateCancelled
	case halted:
		state = StateFailed
	default:
		state = StateCompleted
	}

	e.record(ctx, audit.Entry{
		RunID:    runID,
		Workflow: def.Name,
		Actor:    audit.CoordinatorActor,
		Action:   audit.ActionWorkflowFinished,
		Outcome:  string(state),
	})
	e.logger.Info("workflow finished",
		"workflow", def.Name, "run_id", runID, "state", string(state),
		"duration", time.Since(started))

	span.SetAttributes(attribute.String("state", string(state)))
	return h.Aggregate(string(state), started), nil
}

// RunAgent invokes a single agent action outside any workflow. It opens and
// closes a sandbox session around the invocation and reports agent health,
// exactly as a one-step run would.
func (e *Engine) RunAgent(ctx context.Context, agentName, action string, inputs map[string]any) (*executor.Result, error) {
	desc, err := e.registry.Lookup(agentName)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	session := e.box.OpenSession(ctx, desc)
	result := e.unit.Invoke(ctx, executor.Scope{RunID: runID}, desc, action, inputs, session)
	if result.Failed() {
		e.reportHealth(agentName, result.ErrKind)
	} else {
		e.registry.ReportHealth(agentName, registry.HealthHealthy, "")
	}
	e.metrics.RecordStep(ctx, agentName, string(result.Status))
	return result, nil
}

// runWave plans and dispatches one wave: guard and dependency gating and
// write arbitration against the wave-boundary snapshot, then bounded
// concurrent execution in priority order.
func (e *Engine) runWave(ctx context.Context, runID string, def *workflow.Definition, waveIdx int,
	wave []*workflow.Step, h *hub.Hub, terminal map[string]hub.StepOutcome) {

	wfName := def.Name
	ctx, span := e.tracer.Start(ctx, "workflow.wave", trace.WithAttributes(
		attribute.Int("wave", waveIdx),
		attribute.Int("steps", len(wave)),
	))
	defer span.End()

	snapshot := h.Snapshot()

	var candidates []hub.Candidate
	inputsByStep := make(map[string]map[string]any, len(wave))
	for _, step := range wave {
		if reason := dependencyGate(def, step, terminal); reason != "" {
			e.skipStep(ctx, runID, wfName, h, terminal, step, reason)
			continue
		}
		if !guard.Evaluate(step.Guard, snapshot) {
			e.skipStep(ctx, runID, wfName, h, terminal, step,
				fmt.Sprintf("guard %q evaluated false", step.Guard))
			continue
		}
		bound, missing := bindInputs(step.Inputs, snapshot)
		if missing != "" {
			e.skipStep(ctx, runID, wfName, h, terminal, step,
				fmt.Sprintf("input references absent context key %q", missing))
			continue
		}

		desc, err := e.registry.Lookup(step.Agent)
		if err != nil {
			e.failStep(ctx, runID, wfName, h, terminal, step, hub.StepOutcome{
				ErrKind: errors.CodeOf(err),
				Reason:  err.Error(),
			})
			continue
		}
		inputsByStep[step.ID] = bound
		candidates = append(candidates, hub.Candidate{Step: step, Desc: desc})
	}

	allowed, rejected := h.ResolveConflicts(ctx, candidates)
	for _, c := range candidates {
		cerr := rejected[c.Step.ID]
		if cerr == nil {
			continue
		}
		e.metrics.RecordConflict(ctx, strings.Join(c.Desc.Permissions.AllowWrite, ","))
		e.failStep(ctx, runID, wfName, h, terminal, c.Step, hub.StepOutcome{
			ErrKind: cerr.Code,
			Reason:  cerr.Error(),
		})
	}

	// Dispatch in priority order; declaration order breaks ties because the
	// sort is stable over the wave's declared sequence.
	sort.SliceStable(allowed, func(i, j int) bool {
		return allowed[i].Desc.Priority > allowed[j].Desc.Priority
	})

	sem := make(chan struct{}, e.maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, cand := range allowed {
		sem <- struct{}{}
		wg.Add(1)
		go func(c hub.Candidate) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := e.runStep(ctx, runID, wfName, c, inputsByStep[c.Step.ID], h)
			mu.Lock()
			terminal[c.Step.ID] = outcome
			mu.Unlock()
		}(cand)
	}
	wg.Wait()
}

// runStep executes one step to its terminal outcome, retrying transient
// faults within the step's declared budget. Each attempt runs under a fresh
// sandbox session and leaves its own agent_invoked audit entry.
func (e *Engine) runStep(ctx context.Context, runID, wfName string,
	c hub.Candidate, inputs map[string]any, h *hub.Hub) hub.StepOutcome {

	step := c.Step
	e.record(ctx, audit.Entry{
		RunID:    runID,
		Workflow: wfName,
		StepID:   step.ID,
		Actor:    audit.CoordinatorActor,
		Action:   audit.ActionStepStarted,
		Outcome:  "dispatched",
		Detail:   fmt.Sprintf("%s.%s priority=%s", step.Agent, step.Action, c.Desc.Priority),
	})

	cfg := resilience.RetryConfig{MaxAttempts: 1, IsRecoverable: errors.IsRecoverable}
	if step.Retry != nil {
		cfg = resilience.FromBudget(step.Retry.Count, step.Retry.BackoffSeconds)
	}

	start := time.Now()
	attempts := 0
	var result *executor.Result
	err := cfg.Do(ctx, func() error {
		attempts++
		session := e.box.OpenSession(ctx, c.Desc)
		result = e.unit.Invoke(ctx,
			executor.Scope{RunID: runID, Workflow: wfName, StepID: step.ID},
			c.Desc, step.Action, inputs, session)
		if result.Failed() {
			return errors.New(result.ErrKind, result.Reason, nil)
		}
		return nil
	})
	duration := time.Since(start)

	if err != nil {
		kind := errors.CodeOf(err)
		outcome := hub.StepOutcome{
			StepID:   step.ID,
			Agent:    step.Agent,
			Action:   step.Action,
			Status:   executor.StatusFailure,
			ErrKind:  kind,
			Reason:   err.Error(),
			Duration: duration,
			Attempts: attempts,
		}
		h.RecordOutcome(outcome)
		e.record(ctx, audit.Entry{
			RunID:    runID,
			Workflow: wfName,
			StepID:   step.ID,
			Actor:    step.Agent,
			Action:   audit.ActionStepFailed,
			Outcome:  string(kind),
			Detail:   fmt.Sprintf("after %d attempt(s): %s", attempts, err.Error()),
		})
		e.reportHealth(step.Agent, kind)
		e.metrics.RecordStep(ctx, step.Agent, string(executor.StatusFailure))
		if kind == errors.CodePermission {
			e.metrics.RecordDenial(ctx, step.Agent, step.Action)
		}
		return outcome
	}

	// Only successful steps publish; failed and skipped steps leave their
	// output keys entirely absent.
	h.Publish(ctx, step.ID, step.OutputKey, result.Payload)
	outcome := hub.StepOutcome{
		StepID:   step.ID,
		Agent:    step.Agent,
		Action:   step.Action,
		Status:   executor.StatusSuccess,
		Duration: duration,
		Attempts: attempts,
	}
	h.RecordOutcome(outcome)
	e.record(ctx, audit.Entry{
		RunID:    runID,
		Workflow: wfName,
		StepID:   step.ID,
		Actor:    step.Agent,
		Action:   audit.ActionStepCompleted,
		Outcome:  "success",
		Detail:   fmt.Sprintf("attempts=%d", attempts),
	})
	e.registry.ReportHealth(step.Agent, registry.HealthHealthy, "")
	e.metrics.RecordStep(ctx, step.Agent, string(executor.StatusSuccess))
	return outcome
}

func (e *Engine) skipStep(ctx context.Context, runID, wfName string, h *hub.Hub,
	terminal map[string]hub.StepOutcome, step *workflow.Step, reason string) {

	outcome := hub.StepOutcome{
		StepID: step.ID,
		Agent:  step.Agent,
		Action: step.Action,
		Status: executor.StatusSkipped,
		Reason: reason,
	}
	terminal[step.ID] = outcome
	h.RecordOutcome(outcome)
	e.record(ctx, audit.Entry{
		RunID:    runID,
		Workflow: wfName,
		StepID:   step.ID,
		Actor:    audit.CoordinatorActor,
		Action:   audit.ActionStepSkipped,
		Outcome:  "skipped",
		Detail:   reason,
	})
	e.metrics.RecordStep(ctx, step.Agent, string(executor.StatusSkipped))
}

func (e *Engine) failStep(ctx context.Context, runID, wfName string, h *hub.Hub,
	terminal map[string]hub.StepOutcome, step *workflow.Step, partial hub.StepOutcome) {

	partial.StepID = step.ID
	partial.Agent = step.Agent
	partial.Action = step.Action
	partial.Status = executor.StatusFailure
	terminal[step.ID] = partial
	h.RecordOutcome(partial)
	e.record(ctx, audit.Entry{
		RunID:    runID,
		Workflow: wfName,
		StepID:   step.ID,
		Actor:    audit.CoordinatorActor,
		Action:   audit.ActionStepFailed,
		Outcome:  string(partial.ErrKind),
		Detail:   partial.Reason,
	})
	e.metrics.RecordStep(ctx, step.Agent, string(executor.StatusFailure))
}

func (e *Engine) reportHealth(agent string, kind errors.ErrorCode) {
	switch kind {
	case errors.CodeTimeout:
		e.registry.ReportHealth(agent, registry.HealthUnhealthy, string(kind))
	default:
		e.registry.ReportHealth(agent, registry.HealthDegraded, string(kind))
	}
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Error("audit record failed", "error", err)
	}
}

// dependencyGate returns a skip reason when a dependency blocks the step.
// Only a failed required dependency blocks; skipped and failed non-required
// dependencies count as satisfied-but-absent, and steps that actually need
// their output fall out later through guard evaluation or input binding
// against the missing key.
func dependencyGate(def *workflow.Definition, step *workflow.Step, terminal map[string]hub.StepOutcome) string {
	for _, dep := range step.DependsOn {
		out, ok := terminal[dep]
		if !ok {
			return fmt.Sprintf("dependency %q has no recorded outcome", dep)
		}
		if out.Status == executor.StatusFailure && def.Step(dep).IsRequired() {
			return fmt.Sprintf("required dependency %q failed", dep)
		}
	}
	return ""
}

// bindInputs resolves "${key}" input references against the wave snapshot.
// The second return names the first unresolvable reference, which skips the
// step rather than failing it.
func bindInputs(inputs map[string]any, snapshot map[string]any) (map[string]any, string) {
	if len(inputs) == 0 {
		return nil, ""
	}
	out := make(map[string]any, len(inputs))
	for name, value := range inputs {
		ref, isRef := refKey(value)
		if !isRef {
			out[name] = value
			continue
		}
		resolved, found := lookupPath(snapshot, ref)
		if !found {
			return nil, ref
		}
		out[name] = resolved
	}
	return out, ""
}

func refKey(value any) (string, bool) {
	s, ok := value.(string)
	if !ok {
		return "", false
	}
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") || len(s) < 4 {
		return "", false
	}
	return s[2 : len(s)-1], true
}

func lookupPath(snapshot map[string]any, key string) (any, bool) {
	var current any = snapshot
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
