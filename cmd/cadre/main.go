// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the cadre CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/odalpeth/cadre/pkg/agents"
	"github.com/odalpeth/cadre/pkg/audit"
	"github.com/odalpeth/cadre/pkg/config"
	"github.com/odalpeth/cadre/pkg/engine"
	"github.com/odalpeth/cadre/pkg/registry"
	"github.com/odalpeth/cadre/pkg/telemetry"
	"github.com/odalpeth/cadre/pkg/workflow"
)

const version = "dev"

type globalFlags struct {
	ConfigPath string
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		NewConfigError(err, global.ConfigPath).PrintError(global.JSON)
		os.Exit(1)
	}

	slog.SetDefault(telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format))

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitWithConfig("cadre", version, telemetry.Config{
			Exporter:     cfg.Telemetry.Exporter,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		})
		if err != nil {
			fatal(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	store, cleanup, err := openAuditStore(cfg.Audit)
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	app := &application{
		cfg:   cfg,
		flags: global,
		store: store,
	}

	switch args[0] {
	case "agents":
		app.runAgents(ctx, args[1:])
	case "run-agent":
		app.runAgent(ctx, args[1:])
	case "run-workflow":
		app.runWorkflow(ctx, args[1:])
	case "status":
		app.runStatus(ctx, args[1:])
	case "validate":
		app.runValidate(ctx, args[1:])
	case "audit":
		app.runAudit(ctx, args[1:])
	case "watch":
		app.runWatch(ctx, args[1:])
	case "version":
		fmt.Println(version)
	case "help":
		printUsage()
	default:
		fatal(fmt.Errorf("unknown command %q", args[0]))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --config")
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func openAuditStore(cfg config.AuditConfig) (audit.Store, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return audit.NewMemoryStore(), func() {}, nil
	case "jsonl":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, err
		}
		store, err := audit.NewJSONLStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, err
		}
		store, err := audit.OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q (want memory, jsonl, or sqlite)", cfg.Backend)
	}
}

type application struct {
	cfg   *config.Config
	flags globalFlags
	store audit.Store
}

// buildEngine assembles the registry, action set, and engine from config.
// Agent manifests load from the configured directory; when the directory is
// absent the builtin kinds register with their default scopes.
func (app *application) buildEngine() (*engine.Engine, *registry.Registry, error) {
	reg := registry.New()
	if _, err := os.Stat(app.cfg.Agents.Dir); err == nil {
		if _, err := reg.LoadDir(app.cfg.Agents.Dir); err != nil {
			return nil, nil, err
		}
	} else {
		for _, m := range defaultManifests() {
			if _, err := reg.Register(m); err != nil {
				return nil, nil, err
			}
		}
	}

	set := agents.DefaultSet()
	metrics, err := telemetry.NewCoordinationMetrics()
	if err != nil {
		return nil, nil, err
	}

	eng := engine.New(reg, set, app.store,
		engine.WithMaxConcurrent(app.cfg.Engine.MaxConcurrent),
		engine.WithDefaultTimeout(time.Duration(app.cfg.Engine.DefaultTimeoutSeconds)*time.Second),
		engine.WithMetrics(metrics),
	)
	if err := eng.Verify(); err != nil {
		return nil, nil, err
	}
	return eng, reg, nil
}

func (app *application) runAgents(_ context.Context, args []string) {
	if len(args) == 0 || args[0] != "list" {
		fatal(fmt.Errorf("usage: cadre agents list"))
	}
	_, reg, err := app.buildEngine()
	if err != nil {
		fatal(err)
	}

	descriptors := reg.List()
	if app.flags.JSON {
		out := make([]map[string]any, 0, len(descriptors))
		for _, d := range descriptors {
			out = append(out, map[string]any{
				"name":         d.Name,
				"description":  d.Description,
				"capabilities": d.Capabilities,
				"priority":     d.Priority.String(),
			})
		}
		printJSON(out)
		return
	}

	writer := newTabWriter()
	writeRow(writer, "NAME", "PRIORITY", "CAPABILITIES", "DESCRIPTION")
	for _, d := range descriptors {
		writeRow(writer, d.Name, d.Priority.String(), strings.Join(d.Capabilities, ","), d.Description)
	}
	_ = writer.Flush()
}

func (app *application) runAgent(ctx context.Context, args []string) {
	positional, inputs, err := splitInputs(args)
	if err != nil {
		fatal(err)
	}
	if len(positional) < 2 {
		fatal(fmt.Errorf("usage: cadre run-agent <agent> <action> [target] [--set key=value]"))
	}
	if len(positional) > 2 {
		inputs["target"] = positional[2]
	}

	eng, _, err := app.buildEngine()
	if err != nil {
		fatal(err)
	}
	result, err := eng.RunAgent(ctx, positional[0], positional[1], inputs)
	if err != nil {
		NewNotFoundError("agent", positional[0]).PrintError(app.flags.JSON)
		os.Exit(1)
	}

	if app.flags.JSON {
		printJSON(map[string]any{
			"agent":    positional[0],
			"action":   positional[1],
			"status":   result.Status,
			"err_kind": result.ErrKind,
			"reason":   result.Reason,
			"duration": result.Duration.String(),
			"payload":  result.Payload,
		})
	} else {
		fmt.Printf("%s.%s: %s (%.2fs)\n", positional[0], positional[1], result.Status, result.Duration.Seconds())
		if result.Reason != "" {
			fmt.Printf("  reason: %s\n", result.Reason)
		}
		for _, key := range sortedKeys(result.Payload) {
			fmt.Printf("  %s: %v\n", key, result.Payload[key])
		}
	}
	if result.Failed() {
		os.Exit(1)
	}
}

func (app *application) runWorkflow(ctx context.Context, args []string) {
	positional, inputs, err := splitInputs(args)
	if err != nil {
		fatal(err)
	}
	if len(positional) != 1 {
		fatal(fmt.Errorf("usage: cadre run-workflow <file-or-name> [--set key=value]"))
	}

	def, err := app.resolveWorkflow(positional[0])
	if err != nil {
		fatal(err)
	}
	eng, _, err := app.buildEngine()
	if err != nil {
		fatal(err)
	}

	seed := make(map[string]any, len(inputs))
	for k, v := range inputs {
		seed[k] = v
	}
	result, err := eng.Run(ctx, def, seed)
	if err != nil {
		fatal(err)
	}

	if app.flags.JSON {
		printJSON(result)
	} else {
		fmt.Printf("workflow %s: %s (run %s)\n", result.Workflow, result.State, result.RunID)
		writer := newTabWriter()
		writeRow(writer, "STEP", "AGENT", "STATUS", "KIND", "ATTEMPTS", "REASON")
		for _, s := range result.Steps {
			writeRow(writer, s.StepID, s.Agent, string(s.Status), string(s.ErrKind),
				fmt.Sprintf("%d", s.Attempts), s.Reason)
		}
		_ = writer.Flush()
	}
	if result.State != string(engine.StateCompleted) {
		os.Exit(1)
	}
}

// resolveWorkflow treats arguments with a workflow file extension as paths
// and everything else as a name in the configured workflows directory.
func (app *application) resolveWorkflow(ref string) (*workflow.Definition, error) {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".yaml", ".yml", ".json":
		return workflow.LoadFile(ref)
	}
	manager := workflow.NewManager()
	if err := manager.LoadDir(app.cfg.Workflows.Dir); err != nil {
		return nil, err
	}
	return manager.Lookup(ref)
}

func (app *application) runStatus(_ context.Context, args []string) {
	_, reg, err := app.buildEngine()
	if err != nil {
		fatal(err)
	}

	var results []registry.HealthResult
	if len(args) > 0 {
		health, err := reg.Health(args[0])
		if err != nil {
			NewNotFoundError("agent", args[0]).PrintError(app.flags.JSON)
			os.Exit(1)
		}
		results = append(results, health)
	} else {
		for _, d := range reg.List() {
			health, _ := reg.Health(d.Name)
			results = append(results, health)
		}
	}

	if app.flags.JSON {
		printJSON(results)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "AGENT", "STATUS", "LAST_CHECK", "MESSAGE")
	for _, h := range results {
		lastCheck := "-"
		if !h.LastCheck.IsZero() {
			lastCheck = h.LastCheck.Format(time.RFC3339)
		}
		writeRow(writer, h.Agent, string(h.Status), lastCheck, h.Message)
	}
	_ = writer.Flush()
}

func (app *application) runValidate(_ context.Context, args []string) {
	if len(args) > 0 {
		// Validate a single workflow file.
		def, err := workflow.LoadFile(args[0])
		if err != nil {
			NewValidationError(err, args[0]).PrintError(app.flags.JSON)
			os.Exit(1)
		}
		waves, _ := def.Waves()
		if app.flags.JSON {
			printJSON(map[string]any{"workflow": def.Name, "steps": len(def.Steps), "waves": len(waves), "valid": true})
		} else {
			fmt.Printf("%s: ok (%d steps, %d waves)\n", def.Name, len(def.Steps), len(waves))
		}
		return
	}

	if _, _, err := app.buildEngine(); err != nil {
		NewValidationError(err, app.cfg.Agents.Dir).PrintError(app.flags.JSON)
		os.Exit(1)
	}
	count := 0
	if _, err := os.Stat(app.cfg.Workflows.Dir); err == nil {
		defs, err := workflow.LoadDir(app.cfg.Workflows.Dir)
		if err != nil {
			NewValidationError(err, app.cfg.Workflows.Dir).PrintError(app.flags.JSON)
			os.Exit(1)
		}
		count = len(defs)
	}
	if app.flags.JSON {
		printJSON(map[string]any{"valid": true, "workflows": count})
	} else {
		fmt.Printf("ok: agents and %d workflow(s) valid\n", count)
	}
}

func (app *application) runAudit(ctx context.Context, args []string) {
	if len(args) == 0 || (args[0] != "list" && args[0] != "report") {
		fatal(fmt.Errorf("usage: cadre audit <list|report> [--run <id>] [--actor <name>] [--action <name>] [--limit N]"))
	}

	filter := audit.Filter{}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--run":
			i++
			filter.RunID = argValue(rest, i, "--run")
		case "--actor":
			i++
			filter.Actor = argValue(rest, i, "--actor")
		case "--action":
			i++
			filter.Action = argValue(rest, i, "--action")
		case "--limit":
			i++
			if _, err := fmt.Sscan(argValue(rest, i, "--limit"), &filter.Limit); err != nil {
				fatal(fmt.Errorf("invalid --limit: %w", err))
			}
		default:
			fatal(fmt.Errorf("unknown audit flag %q", rest[i]))
		}
	}

	entries, err := app.store.List(ctx, filter)
	if err != nil {
		fatal(err)
	}

	if args[0] == "report" {
		summary := audit.Summarize(entries)
		if app.flags.JSON {
			printJSON(summary)
			return
		}
		fmt.Printf("entries: %d\n", summary.Total)
		fmt.Printf("invocations: %d\n", summary.Invocations)
		fmt.Printf("permission checks: %d (%d denied)\n", summary.PermissionChecks, summary.Denials)
		fmt.Printf("conflicts resolved: %d\n", summary.Conflicts)
		for _, target := range summary.DeniedTargets {
			fmt.Printf("  denied: %s\n", target)
		}
		return
	}

	if app.flags.JSON {
		printJSON(entries)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "TIMESTAMP", "ACTOR", "ACTION", "OUTCOME", "STEP", "DETAIL")
	for _, e := range entries {
		writeRow(writer, e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.Outcome, e.StepID, e.Detail)
	}
	_ = writer.Flush()
}

// defaultManifests covers the builtin agent kinds when no manifest directory
// is configured. Scopes mirror each kind's working set; nothing may touch
// version control internals or environment files.
func defaultManifests() []*registry.Manifest {
	deny := []string{".git/**", "**/.env", "**/secrets/**"}
	return []*registry.Manifest{
		{
			Name:         agents.KindCodeQuality,
			Description:  "static analysis and lint checks",
			Capabilities: []string{"analysis", "lint"},
			Priority:     "high",
			Permissions:  registry.PermissionManifest{AllowRead: []string{"**"}, Deny: deny},
		},
		{
			Name:         agents.KindDocumentation,
			Description:  "documentation updates and structure validation",
			Capabilities: []string{"docs"},
			Permissions: registry.PermissionManifest{
				AllowRead:  []string{"**"},
				AllowWrite: []string{"docs/**", "README.md"},
				Deny:       deny,
			},
		},
		{
			Name:         agents.KindResumeProcessing,
			Description:  "resume validation and field extraction",
			Capabilities: []string{"resume"},
			Permissions: registry.PermissionManifest{
				AllowRead:  []string{"cv/**"},
				AllowWrite: []string{"cv/**"},
				Deny:       deny,
			},
		},
		{
			Name:         agents.KindContentGeneration,
			Description:  "bios, summaries, and derived content",
			Capabilities: []string{"content"},
			Permissions: registry.PermissionManifest{
				AllowRead:  []string{"**"},
				AllowWrite: []string{"*.md", "content/**"},
				Deny:       deny,
			},
		},
		{
			Name:         agents.KindMaintenance,
			Description:  "cleanup and project metrics",
			Capabilities: []string{"maintenance"},
			Priority:     "low",
			Permissions: registry.PermissionManifest{
				AllowRead:  []string{"**"},
				AllowWrite: []string{"tmp/**"},
				Deny:       deny,
			},
		},
	}
}

func splitInputs(args []string) ([]string, map[string]any, error) {
	var positional []string
	inputs := make(map[string]any)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--set":
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("missing value for --set")
			}
			i++
			key, value, ok := strings.Cut(args[i], "=")
			if !ok {
				return nil, nil, fmt.Errorf("invalid --set %q (want key=value)", args[i])
			}
			inputs[key] = value
		case strings.HasPrefix(arg, "--set="):
			key, value, ok := strings.Cut(strings.TrimPrefix(arg, "--set="), "=")
			if !ok {
				return nil, nil, fmt.Errorf("invalid --set %q (want key=value)", arg)
			}
			inputs[key] = value
		case strings.HasPrefix(arg, "-"):
			return nil, nil, fmt.Errorf("unknown flag %q", arg)
		default:
			positional = append(positional, arg)
		}
	}
	return positional, inputs, nil
}

func argValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fatal(fmt.Errorf("missing value for %s", flag))
	}
	return args[i]
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(payload))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func printUsage() {
	fmt.Println(`cadre - multi-agent workflow coordinator

Usage:
  cadre [global flags] <command> [args]

Global flags:
  --config <path>      Path to cadre.yaml
  --json               JSON output

Commands:
  agents list
  run-agent <agent> <action> [target] [--set key=value]
  run-workflow <file-or-name> [--set key=value]
  status [<agent>]
  validate [<workflow-file>]
  audit <list|report> [--run <id>] [--actor <name>] [--action <name>] [--limit N]
  watch [--interval <dur>]
  version`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
