package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odalpeth/cadre/pkg/agents"
	"github.com/odalpeth/cadre/pkg/audit"
	"github.com/odalpeth/cadre/pkg/errors"
	"github.com/odalpeth/cadre/pkg/executor"
	"github.com/odalpeth/cadre/pkg/hub"
	"github.com/odalpeth/cadre/pkg/registry"
	"github.com/odalpeth/cadre/pkg/sandbox"
	"github.com/odalpeth/cadre/pkg/workflow"
)

type harness struct {
	reg   *registry.Registry
	set   *agents.Set
	store *audit.MemoryStore
}

func newHarness() *harness {
	return &harness{
		reg:   registry.New(),
		set:   agents.NewSet(),
		store: audit.NewMemoryStore(),
	}
}

func (h *harness) agent(t *testing.T, name, priority string, perms registry.PermissionManifest) {
	t.Helper()
	if _, err := h.reg.Register(&registry.Manifest{
		Name:         name,
		Description:  "test agent",
		Capabilities: []string{"testing"},
		Priority:     priority,
		Permissions:  perms,
	}); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func (h *harness) engine(opts ...Option) *Engine {
	return New(h.reg, h.set, h.store, opts...)
}

func readOnly() registry.PermissionManifest {
	return registry.PermissionManifest{AllowRead: []string{"**"}}
}

func outcomeOf(t *testing.T, result *hub.Result, stepID string) hub.StepOutcome {
	t.Helper()
	for _, s := range result.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	t.Fatalf("step %q missing from result: %+v", stepID, result.Steps)
	return hub.StepOutcome{}
}

func succeed(payload map[string]any) agents.ActionFunc {
	return func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		return payload, nil, nil
	}
}

func TestTwoWaveWorkflowCompletes(t *testing.T) {
	h := newHarness()
	h.agent(t, "code-quality-agent", "normal", readOnly())
	h.agent(t, "documentation-agent", "normal", readOnly())
	h.set.Register("code-quality-agent", "analyze", succeed(map[string]any{"quality_score": 85}))
	h.set.Register("documentation-agent", "update", succeed(map[string]any{"docs_updated": true}))

	def := &workflow.Definition{
		Name: "code-quality-check",
		Steps: []workflow.Step{
			{ID: "A", Agent: "code-quality-agent", Action: "analyze", OutputKey: "scan"},
			{ID: "B", Agent: "documentation-agent", Action: "update", DependsOn: []string{"A"}},
		},
	}
	result, err := h.engine().Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != string(StateCompleted) {
		t.Fatalf("state = %s", result.State)
	}
	if outcomeOf(t, result, "A").Status != executor.StatusSuccess ||
		outcomeOf(t, result, "B").Status != executor.StatusSuccess {
		t.Fatalf("steps did not succeed: %+v", result.Steps)
	}
	if _, ok := result.Context["scan"]; !ok {
		t.Fatal("output key not published")
	}

	entries, _ := h.store.List(context.Background(), audit.Filter{Actor: audit.CoordinatorActor})
	if entries[0].Action != audit.ActionWorkflowStarted ||
		entries[len(entries)-1].Action != audit.ActionWorkflowFinished {
		t.Fatalf("run not bracketed in audit log: %+v", entries)
	}
}

func TestSameWaveWriteConflict(t *testing.T) {
	h := newHarness()
	h.agent(t, "high-writer", "high", registry.PermissionManifest{AllowWrite: []string{"report.md"}})
	h.agent(t, "normal-writer", "normal", registry.PermissionManifest{AllowWrite: []string{"report.md"}})
	h.set.Register("high-writer", "write", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		return map[string]any{"wrote": "report.md"}, []agents.Effect{{Op: sandbox.OpWrite, Path: "report.md"}}, nil
	})
	h.set.Register("normal-writer", "write", succeed(nil))

	def := &workflow.Definition{
		Name: "conflicting",
		Steps: []workflow.Step{
			{ID: "A", Agent: "high-writer", Action: "write", Required: boolPtr(false)},
			{ID: "B", Agent: "normal-writer", Action: "write", Required: boolPtr(false)},
		},
	}
	result, err := h.engine().Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if out := outcomeOf(t, result, "A"); out.Status != executor.StatusSuccess {
		t.Fatalf("winner failed: %+v", out)
	}
	out := outcomeOf(t, result, "B")
	if out.Status != executor.StatusFailure || out.ErrKind != errors.CodeResourceConflict {
		t.Fatalf("loser outcome = %+v", out)
	}

	// The loser must never have been dispatched.
	invoked, _ := h.store.List(context.Background(), audit.Filter{
		Action: audit.ActionAgentInvoked, Actor: "normal-writer",
	})
	if len(invoked) != 0 {
		t.Fatalf("conflicted step was invoked: %+v", invoked)
	}
}

func TestGuardOnAbsentKeySkips(t *testing.T) {
	h := newHarness()
	h.agent(t, "scanner", "normal", readOnly())
	h.agent(t, "reporter", "normal", readOnly())
	h.set.Register("scanner", "scan", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		return nil, nil, errors.New(errors.CodePermission, "scan denied", nil)
	})
	h.set.Register("reporter", "report", succeed(nil))

	def := &workflow.Definition{
		Name: "guarded",
		Steps: []workflow.Step{
			{ID: "scan", Agent: "scanner", Action: "scan", OutputKey: "security_score", Required: boolPtr(false)},
			{ID: "report", Agent: "reporter", Action: "report", DependsOn: []string{"scan"},
				Guard: "security_score > 80"},
		},
	}
	result, err := h.engine().Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != string(StateCompleted) {
		t.Fatalf("state = %s", result.State)
	}
	out := outcomeOf(t, result, "report")
	if out.Status != executor.StatusSkipped {
		t.Fatalf("guarded step = %+v", out)
	}
	if _, ok := result.Context["security_score"]; ok {
		t.Fatal("failed step must not publish its output key")
	}
}

func TestTimeoutRetriesExhaustBudget(t *testing.T) {
	h := newHarness()
	h.agent(t, "sleeper", "normal", readOnly())
	h.set.Register("sleeper", "sleep", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		select {
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	})

	def := &workflow.Definition{
		Name: "timing-out",
		Steps: []workflow.Step{
			{ID: "S", Agent: "sleeper", Action: "sleep",
				Retry: &workflow.RetrySpec{Count: 2, BackoffSeconds: 0}},
		},
	}
	result, err := h.engine(WithDefaultTimeout(30 * time.Millisecond)).Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != string(StateFailed) {
		t.Fatalf("state = %s", result.State)
	}
	out := outcomeOf(t, result, "S")
	if out.Status != executor.StatusFailure || out.ErrKind != errors.CodeTimeout || out.Attempts != 3 {
		t.Fatalf("outcome = %+v", out)
	}

	invoked, _ := h.store.List(context.Background(), audit.Filter{Action: audit.ActionAgentInvoked})
	if len(invoked) != 3 {
		t.Fatalf("expected 3 invocations in audit log, got %d", len(invoked))
	}
}

func TestPermissionViolationNeverRetried(t *testing.T) {
	h := newHarness()
	h.agent(t, "writer", "normal", registry.PermissionManifest{AllowWrite: []string{"reports/**"}})
	h.set.Register("writer", "write", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		return map[string]any{}, []agents.Effect{{Op: sandbox.OpWrite, Path: "secrets/.env"}}, nil
	})

	def := &workflow.Definition{
		Name: "denied",
		Steps: []workflow.Step{
			{ID: "W", Agent: "writer", Action: "write",
				Retry: &workflow.RetrySpec{Count: 3, BackoffSeconds: 0}},
		},
	}
	result, err := h.engine().Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := outcomeOf(t, result, "W")
	if out.ErrKind != errors.CodePermission || out.Attempts != 1 {
		t.Fatalf("denial retried: %+v", out)
	}
}

func TestCyclicDefinitionNeverRuns(t *testing.T) {
	h := newHarness()
	h.agent(t, "worker", "normal", readOnly())
	h.set.Register("worker", "run", succeed(nil))

	def := &workflow.Definition{
		Name: "cyclic",
		Steps: []workflow.Step{
			{ID: "a", Agent: "worker", Action: "run", DependsOn: []string{"b"}},
			{ID: "b", Agent: "worker", Action: "run", DependsOn: []string{"a"}},
		},
	}
	_, err := h.engine().Run(context.Background(), def, nil)
	if !errors.IsCode(err, errors.CodeConfig) {
		t.Fatalf("expected CONFIG_ERROR, got %v", err)
	}

	started, _ := h.store.List(context.Background(), audit.Filter{Action: audit.ActionWorkflowStarted})
	if len(started) != 0 {
		t.Fatal("cyclic workflow must never reach Running")
	}
}

func TestNonRequiredFailureDependentsProceed(t *testing.T) {
	h := newHarness()
	h.agent(t, "worker", "normal", readOnly())
	h.set.Register("worker", "fail", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		return nil, nil, errors.New(errors.CodePermission, "denied", nil)
	})
	h.set.Register("worker", "run", succeed(nil))

	// Dependents that never reference a's output run anyway: a non-required
	// failure counts as satisfied-but-absent.
	def := &workflow.Definition{
		Name: "cascade",
		Steps: []workflow.Step{
			{ID: "a", Agent: "worker", Action: "fail", Required: boolPtr(false)},
			{ID: "b", Agent: "worker", Action: "run", DependsOn: []string{"a"}},
			{ID: "c", Agent: "worker", Action: "run", DependsOn: []string{"b"}},
		},
	}
	result, err := h.engine().Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != string(StateCompleted) {
		t.Fatalf("non-required failure must not fail the run: %s", result.State)
	}
	if outcomeOf(t, result, "b").Status != executor.StatusSuccess ||
		outcomeOf(t, result, "c").Status != executor.StatusSuccess {
		t.Fatalf("dependents of a non-required failure must proceed: %+v", result.Steps)
	}
}

func TestAbsentOutputSkipsOnlyExplicitConsumers(t *testing.T) {
	h := newHarness()
	h.agent(t, "worker", "normal", readOnly())
	h.set.Register("worker", "fail", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		return nil, nil, errors.New(errors.CodePermission, "denied", nil)
	})
	h.set.Register("worker", "run", succeed(nil))

	def := &workflow.Definition{
		Name: "absent-output",
		Steps: []workflow.Step{
			{ID: "a", Agent: "worker", Action: "fail", OutputKey: "data", Required: boolPtr(false)},
			{ID: "consumer", Agent: "worker", Action: "run", DependsOn: []string{"a"},
				Inputs: map[string]any{"payload": "${data}"}},
			{ID: "bystander", Agent: "worker", Action: "run", DependsOn: []string{"a"}},
			{ID: "downstream", Agent: "worker", Action: "run", DependsOn: []string{"consumer"}},
		},
	}
	result, err := h.engine().Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out := outcomeOf(t, result, "consumer"); out.Status != executor.StatusSkipped {
		t.Fatalf("binding an absent key must skip: %+v", out)
	}
	if out := outcomeOf(t, result, "bystander"); out.Status != executor.StatusSuccess {
		t.Fatalf("step without output references must run: %+v", out)
	}
	// A skipped dependency is satisfied-but-absent for its own dependents too.
	if out := outcomeOf(t, result, "downstream"); out.Status != executor.StatusSuccess {
		t.Fatalf("dependent of a skipped step must run: %+v", out)
	}
}

func TestRequiredFailureHaltsLaterWaves(t *testing.T) {
	h := newHarness()
	h.agent(t, "worker", "normal", readOnly())
	h.set.Register("worker", "fail", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		return nil, nil, errors.New(errors.CodePermission, "denied", nil)
	})
	h.set.Register("worker", "run", succeed(nil))

	def := &workflow.Definition{
		Name: "halting",
		Steps: []workflow.Step{
			{ID: "a", Agent: "worker", Action: "fail"},
			{ID: "b", Agent: "worker", Action: "run", DependsOn: []string{"a"}},
		},
	}
	result, err := h.engine().Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != string(StateFailed) {
		t.Fatalf("state = %s", result.State)
	}
	if outcomeOf(t, result, "b").Status != executor.StatusSkipped {
		t.Fatalf("later wave ran after required failure: %+v", result.Steps)
	}
}

func TestWaveConsistencyNoLookAhead(t *testing.T) {
	h := newHarness()
	h.agent(t, "worker", "normal", readOnly())
	h.set.Register("worker", "emit", succeed(map[string]any{"value": 1}))
	h.set.Register("worker", "consume", succeed(nil))

	// Both steps share wave 0: the sibling must not observe the key the
	// first step publishes in the same wave.
	def := &workflow.Definition{
		Name: "same-wave",
		Steps: []workflow.Step{
			{ID: "emit", Agent: "worker", Action: "emit", OutputKey: "shared"},
			{ID: "peek", Agent: "worker", Action: "consume",
				Inputs: map[string]any{"data": "${shared}"}, Required: boolPtr(false)},
		},
	}
	result, err := h.engine().Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcomeOf(t, result, "peek").Status != executor.StatusSkipped {
		t.Fatalf("same-wave output leaked: %+v", result.Steps)
	}
}

func TestInputBinding(t *testing.T) {
	h := newHarness()
	h.agent(t, "producer", "normal", readOnly())
	h.agent(t, "consumer", "normal", readOnly())
	h.set.Register("producer", "emit", succeed(map[string]any{"quality_score": 85}))

	var seen atomic.Value
	h.set.Register("consumer", "check", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		seen.Store(inputs["scan"])
		return nil, nil, nil
	})

	def := &workflow.Definition{
		Name: "binding",
		Steps: []workflow.Step{
			{ID: "p", Agent: "producer", Action: "emit", OutputKey: "scan"},
			{ID: "c", Agent: "consumer", Action: "check", DependsOn: []string{"p"},
				Inputs: map[string]any{"scan": "${scan}", "literal": "fixed"}},
		},
	}
	if _, err := h.engine().Run(context.Background(), def, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	payload, ok := seen.Load().(map[string]any)
	if !ok || payload["quality_score"] != 85 {
		t.Fatalf("input not bound from context: %v", seen.Load())
	}
}

func TestMaxConcurrencyBound(t *testing.T) {
	h := newHarness()
	h.agent(t, "worker", "normal", readOnly())

	var active, peak int32
	h.set.Register("worker", "run", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		now := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil, nil
	})

	steps := make([]workflow.Step, 6)
	for i := range steps {
		steps[i] = workflow.Step{ID: string(rune('a' + i)), Agent: "worker", Action: "run"}
	}
	def := &workflow.Definition{Name: "wide", Steps: steps}

	if _, err := h.engine(WithMaxConcurrent(2)).Run(context.Background(), def, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("concurrency bound violated: peak %d", got)
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	h := newHarness()
	h.agent(t, "low-agent", "low", readOnly())
	h.agent(t, "high-agent", "high", readOnly())

	var order []string
	done := make(chan string, 2)
	record := func(name string) agents.ActionFunc {
		return func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
			done <- name
			return nil, nil, nil
		}
	}
	h.set.Register("low-agent", "run", record("low"))
	h.set.Register("high-agent", "run", record("high"))

	def := &workflow.Definition{
		Name: "ordered",
		Steps: []workflow.Step{
			{ID: "l", Agent: "low-agent", Action: "run"},
			{ID: "h", Agent: "high-agent", Action: "run"},
		},
	}
	if _, err := h.engine(WithMaxConcurrent(1)).Run(context.Background(), def, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	close(done)
	for name := range done {
		order = append(order, name)
	}
	if len(order) != 2 || order[0] != "high" {
		t.Fatalf("high priority not dispatched first: %v", order)
	}
}

func TestIdempotentRerun(t *testing.T) {
	h := newHarness()
	h.agent(t, "worker", "normal", readOnly())
	h.set.Register("worker", "run", succeed(map[string]any{"ok": true}))
	h.set.Register("worker", "fail", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		return nil, nil, errors.New(errors.CodePermission, "denied", nil)
	})

	def := &workflow.Definition{
		Name: "stable",
		Steps: []workflow.Step{
			{ID: "a", Agent: "worker", Action: "run", OutputKey: "a"},
			{ID: "b", Agent: "worker", Action: "fail", Required: boolPtr(false)},
			{ID: "c", Agent: "worker", Action: "run", DependsOn: []string{"a"}},
		},
	}
	eng := h.engine()

	first, err := eng.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := eng.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.State != second.State {
		t.Fatalf("states differ: %s vs %s", first.State, second.State)
	}
	for _, s := range first.Steps {
		other := outcomeOf(t, second, s.StepID)
		if s.Status != other.Status || s.ErrKind != other.ErrKind {
			t.Fatalf("step %s diverged: %+v vs %+v", s.StepID, s, other)
		}
	}
}

func TestCancellationStopsNewWaves(t *testing.T) {
	h := newHarness()
	h.agent(t, "worker", "normal", readOnly())
	ctx, cancel := context.WithCancel(context.Background())
	h.set.Register("worker", "run", func(ctx context.Context, inputs map[string]any) (map[string]any, []agents.Effect, error) {
		cancel()
		return nil, nil, nil
	})

	def := &workflow.Definition{
		Name: "cancelled",
		Steps: []workflow.Step{
			{ID: "a", Agent: "worker", Action: "run"},
			{ID: "b", Agent: "worker", Action: "run", DependsOn: []string{"a"}},
		},
	}
	result, err := h.engine().Run(ctx, def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != string(StateCancelled) {
		t.Fatalf("state = %s", result.State)
	}
	if outcomeOf(t, result, "b").Status != executor.StatusSkipped {
		t.Fatalf("wave dispatched after cancellation: %+v", result.Steps)
	}
}

func TestRunAgent(t *testing.T) {
	h := newHarness()
	h.agent(t, "worker", "normal", readOnly())
	h.set.Register("worker", "run", succeed(map[string]any{"ok": true}))

	eng := h.engine()
	result, err := eng.RunAgent(context.Background(), "worker", "run", nil)
	if err != nil {
		t.Fatalf("run agent: %v", err)
	}
	if result.Status != executor.StatusSuccess {
		t.Fatalf("result = %+v", result)
	}

	health, err := h.reg.Health("worker")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != registry.HealthHealthy {
		t.Fatalf("health = %+v", health)
	}

	if _, err := eng.RunAgent(context.Background(), "ghost", "run", nil); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }
