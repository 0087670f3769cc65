// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/odalpeth/cadre/pkg/sandbox"
)

// DefaultSet returns the builtin agent kinds with their standard actions
// bound. Callers may layer extra bindings on top before verification.
func DefaultSet() *Set {
	s := NewSet()

	s.Register(KindCodeQuality, "analyze", codeQualityAnalyze)
	s.Register(KindCodeQuality, "lint", codeQualityLint)

	s.Register(KindDocumentation, "update", documentationUpdate)
	s.Register(KindDocumentation, "validate", documentationValidate)

	s.Register(KindResumeProcessing, "validate", resumeValidate)
	s.Register(KindResumeProcessing, "extract", resumeExtract)

	s.Register(KindContentGeneration, "bio", contentBio)
	s.Register(KindContentGeneration, "summarize", contentSummarize)

	s.Register(KindMaintenance, "cleanup", maintenanceCleanup)
	s.Register(KindMaintenance, "metrics", maintenanceMetrics)

	return s
}

// target extracts the conventional "target" input, defaulting when absent.
func target(inputs map[string]any, fallback string) string {
	if v, ok := inputs["target"].(string); ok && v != "" {
		return v
	}
	return fallback
}

func codeQualityAnalyze(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	t := target(inputs, ".")
	payload := map[string]any{
		"quality_score": 85,
		"issues_found":  3,
		"recommendations": []any{
			"Add more comments",
			"Reduce complexity",
		},
		"target": t,
	}
	return payload, []Effect{{Op: sandbox.OpRead, Path: t}}, nil
}

func codeQualityLint(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	t := target(inputs, ".")
	return map[string]any{
		"lint_clean": true,
		"warnings":   0,
		"target":     t,
	}, []Effect{{Op: sandbox.OpRead, Path: t}}, nil
}

func documentationUpdate(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	t := target(inputs, "README.md")
	return map[string]any{
		"docs_updated":  true,
		"files_touched": 1,
		"target":        t,
	}, []Effect{{Op: sandbox.OpRead, Path: t}, {Op: sandbox.OpWrite, Path: t}}, nil
}

func documentationValidate(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	t := target(inputs, "README.md")
	return map[string]any{
		"structure_valid": true,
		"issues":          []any{},
		"target":          t,
	}, []Effect{{Op: sandbox.OpRead, Path: t}}, nil
}

func resumeValidate(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	t := target(inputs, "cv/resume.md")
	return map[string]any{
		"structure_valid":  true,
		"sections_present": []any{"summary", "experience", "skills", "education"},
		"target":           t,
	}, []Effect{{Op: sandbox.OpRead, Path: t}}, nil
}

func resumeExtract(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	t := target(inputs, "cv/resume.md")
	return map[string]any{
		"fields": map[string]any{
			"name":   "",
			"email":  "",
			"skills": []any{},
		},
		"target": t,
	}, []Effect{{Op: sandbox.OpRead, Path: t}}, nil
}

func contentBio(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	source := target(inputs, "cv/resume.md")
	out, _ := inputs["output"].(string)
	if out == "" {
		out = "bio.md"
	}
	return map[string]any{
		"generated": true,
		"source":    source,
		"output":    out,
	}, []Effect{{Op: sandbox.OpRead, Path: source}, {Op: sandbox.OpWrite, Path: out}}, nil
}

func contentSummarize(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	source := target(inputs, ".")
	text, _ := inputs["text"].(string)
	return map[string]any{
		"summary":    fmt.Sprintf("summary of %s", source),
		"word_count": len(strings.Fields(text)),
	}, []Effect{{Op: sandbox.OpRead, Path: source}}, nil
}

func maintenanceCleanup(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	t := target(inputs, ".")
	return map[string]any{
		"removed": 0,
		"target":  t,
	}, []Effect{{Op: sandbox.OpRead, Path: t}, {Op: sandbox.OpWrite, Path: t}}, nil
}

func maintenanceMetrics(ctx context.Context, inputs map[string]any) (map[string]any, []Effect, error) {
	t := target(inputs, ".")
	return map[string]any{
		"loc":        0,
		"functions":  0,
		"complexity": 0,
		"target":     t,
	}, []Effect{{Op: sandbox.OpRead, Path: t}}, nil
}
