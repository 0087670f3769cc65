package agents

import (
	"context"
	"testing"

	"github.com/odalpeth/cadre/pkg/errors"
	"github.com/odalpeth/cadre/pkg/registry"
	"github.com/odalpeth/cadre/pkg/sandbox"
)

func TestDefaultSetResolves(t *testing.T) {
	s := DefaultSet()
	cases := []struct{ agent, action string }{
		{KindCodeQuality, "analyze"},
		{KindCodeQuality, "lint"},
		{KindDocumentation, "update"},
		{KindDocumentation, "validate"},
		{KindResumeProcessing, "validate"},
		{KindResumeProcessing, "extract"},
		{KindContentGeneration, "bio"},
		{KindContentGeneration, "summarize"},
		{KindMaintenance, "cleanup"},
		{KindMaintenance, "metrics"},
	}
	for _, tc := range cases {
		if _, err := s.Resolve(tc.agent, tc.action); err != nil {
			t.Fatalf("Resolve(%s, %s): %v", tc.agent, tc.action, err)
		}
	}
}

func TestResolveUnknown(t *testing.T) {
	s := DefaultSet()
	if _, err := s.Resolve("ghost-agent", "run"); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for unknown agent, got %v", err)
	}
	if _, err := s.Resolve(KindCodeQuality, "fly"); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for unknown action, got %v", err)
	}
}

func TestAnalyzePayloadShape(t *testing.T) {
	fn, err := DefaultSet().Resolve(KindCodeQuality, "analyze")
	if err != nil {
		t.Fatal(err)
	}
	payload, effects, err := fn(context.Background(), map[string]any{"target": "src"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if payload["quality_score"] != 85 {
		t.Fatalf("quality_score = %v", payload["quality_score"])
	}
	if len(effects) != 1 || effects[0].Op != sandbox.OpRead || effects[0].Path != "src" {
		t.Fatalf("unexpected effects: %+v", effects)
	}
}

func TestDocumentationUpdateDeclaresWrite(t *testing.T) {
	fn, err := DefaultSet().Resolve(KindDocumentation, "update")
	if err != nil {
		t.Fatal(err)
	}
	payload, effects, err := fn(context.Background(), map[string]any{"target": "docs/guide.md"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if payload["docs_updated"] != true {
		t.Fatalf("docs_updated = %v", payload["docs_updated"])
	}
	var sawWrite bool
	for _, e := range effects {
		if e.Op == sandbox.OpWrite && e.Path == "docs/guide.md" {
			sawWrite = true
		}
	}
	if !sawWrite {
		t.Fatalf("write effect missing: %+v", effects)
	}
}

func TestVerify(t *testing.T) {
	reg := registry.New()
	if _, err := reg.Register(&registry.Manifest{
		Name:         KindCodeQuality,
		Description:  "static analysis",
		Capabilities: []string{"analysis"},
		Permissions:  registry.PermissionManifest{AllowRead: []string{"**"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := DefaultSet().Verify(reg); err != nil {
		t.Fatalf("verify should pass: %v", err)
	}

	if _, err := reg.Register(&registry.Manifest{
		Name:         "ghost-agent",
		Description:  "has no actions",
		Capabilities: []string{"haunting"},
		Permissions:  registry.PermissionManifest{AllowRead: []string{"**"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := DefaultSet().Verify(reg); !errors.IsCode(err, errors.CodeConfig) {
		t.Fatalf("expected CONFIG_ERROR for unbound agent, got %v", err)
	}
}
