package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odalpeth/cadre/pkg/errors"
)

func manifest(name, priority string, caps ...string) *Manifest {
	return &Manifest{
		Name:         name,
		Capabilities: caps,
		Priority:     priority,
		Permissions: PermissionManifest{
			AllowRead: []string{"docs/**"},
		},
	}
}

func TestParseManifest(t *testing.T) {
	payload := []byte(`
name: code-quality-agent
description: Static analysis over project sources
capabilities: [code-analysis, linting]
priority: high
permissions:
  allow_read: ["**/*.go", "**/*.md"]
  allow_write: ["reports/*.md"]
  deny: [".git/**", "secrets/**"]
timeout_seconds: 120
max_operations: 40
`)
	m, err := ParseManifest(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Name != "code-quality-agent" {
		t.Fatalf("unexpected name: %s", m.Name)
	}
	if len(m.Capabilities) != 2 {
		t.Fatalf("unexpected capabilities: %v", m.Capabilities)
	}
	if m.TimeoutSeconds != 120 || m.MaxOperations != 40 {
		t.Fatalf("unexpected limits: %d %d", m.TimeoutSeconds, m.MaxOperations)
	}

	desc := m.descriptor(0)
	if desc.Priority != PriorityHigh {
		t.Fatalf("unexpected priority: %v", desc.Priority)
	}
	if desc.Timeout != 2*time.Minute {
		t.Fatalf("unexpected timeout: %v", desc.Timeout)
	}
}

func TestParseManifestRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"missing name", "capabilities: [x]\npermissions:\n  allow_read: []\n"},
		{"missing capabilities", "name: a\npermissions:\n  allow_read: []\n"},
		{"missing permissions", "name: a\ncapabilities: [x]\n"},
		{"bad priority", "name: a\ncapabilities: [x]\npriority: urgent\npermissions:\n  allow_read: []\n"},
		{"negative timeout", "name: a\ncapabilities: [x]\ntimeout_seconds: -1\npermissions:\n  allow_read: []\n"},
	}
	for _, tc := range cases {
		if _, err := ParseManifest([]byte(tc.payload)); !errors.IsCode(err, errors.CodeConfig) {
			t.Fatalf("%s: expected CONFIG_ERROR, got %v", tc.name, err)
		}
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	if _, err := r.Register(manifest("dup", "normal", "x")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	second := manifest("dup", "high", "y")
	if _, err := r.Register(second); !errors.IsCode(err, errors.CodeConfig) {
		t.Fatalf("expected CONFIG_ERROR, got %v", err)
	}

	// The registry retains the first registration.
	desc, err := r.Lookup("dup")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if desc.Priority != PriorityNormal || !desc.HasCapability("x") {
		t.Fatalf("first registration not retained: %+v", desc)
	}

	// Replace overrides explicitly.
	if _, err := r.Replace(second); err != nil {
		t.Fatalf("replace: %v", err)
	}
	desc, _ = r.Lookup("dup")
	if desc.Priority != PriorityHigh {
		t.Fatal("replace did not take effect")
	}
}

func TestLookupNotFound(t *testing.T) {
	r := New()
	if _, err := r.Lookup("ghost"); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestFindByCapabilityOrdering(t *testing.T) {
	r := New()
	for _, m := range []*Manifest{
		manifest("low-first", "low", "scan"),
		manifest("normal-a", "normal", "scan"),
		manifest("high-late", "high", "scan"),
		manifest("normal-b", "normal", "scan"),
		manifest("unrelated", "high", "render"),
	} {
		if _, err := r.Register(m); err != nil {
			t.Fatalf("register %s: %v", m.Name, err)
		}
	}

	got := r.FindByCapability("scan")
	want := []string{"high-late", "normal-a", "normal-b", "low-first"}
	if len(got) != len(want) {
		t.Fatalf("expected %d descriptors, got %d", len(want), len(got))
	}
	for i, desc := range got {
		if desc.Name != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, desc.Name, want[i])
		}
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeManifest := func(file, name string) {
		payload := "name: " + name + "\ncapabilities: [docs]\npermissions:\n  allow_read: [\"docs/**\"]\n"
		if err := os.WriteFile(filepath.Join(dir, file), []byte(payload), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	writeManifest("a.yaml", "agent-a")
	writeManifest("b.yml", "agent-b")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	r := New()
	loaded, err := r.LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(loaded))
	}
	if _, err := r.Lookup("agent-b"); err != nil {
		t.Fatalf("agent-b missing: %v", err)
	}
}

func TestLoadDirInvalidManifestAborts(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: only-name\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	r := New()
	if _, err := r.LoadDir(dir); !errors.IsCode(err, errors.CodeConfig) {
		t.Fatalf("expected CONFIG_ERROR, got %v", err)
	}
}

func TestHealthTracking(t *testing.T) {
	r := New()
	if _, err := r.Register(manifest("a", "normal", "x")); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := r.Health("a")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if result.Status != HealthUnknown {
		t.Fatalf("expected UNKNOWN before first invocation, got %s", result.Status)
	}

	r.ReportHealth("a", HealthUnhealthy, "invocation timed out")
	result, _ = r.Health("a")
	if result.Status != HealthUnhealthy || result.LastCheck.IsZero() {
		t.Fatalf("unexpected health: %+v", result)
	}

	if _, err := r.Health("ghost"); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
