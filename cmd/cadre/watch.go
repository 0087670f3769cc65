// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/odalpeth/cadre/pkg/config"
	"github.com/odalpeth/cadre/pkg/workflow"
)

// runWatch keeps the coordinator configuration under observation and
// re-validates agents and workflows whenever it changes. Useful while
// iterating on manifest and workflow files.
func (app *application) runWatch(ctx context.Context, args []string) {
	interval := time.Second
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--interval":
			i++
			value, err := time.ParseDuration(argValue(args, i, "--interval"))
			if err != nil {
				fatal(fmt.Errorf("invalid --interval: %w", err))
			}
			interval = value
		default:
			fatal(fmt.Errorf("unknown watch flag %q", args[i]))
		}
	}

	var paths []string
	if app.flags.ConfigPath != "" {
		paths = append(paths, app.flags.ConfigPath)
	}
	watcher, err := config.NewWatcher(paths, config.WithWatchInterval(interval))
	if err != nil {
		NewConfigError(err, app.flags.ConfigPath).PrintError(app.flags.JSON)
		os.Exit(1)
	}

	live := config.NewReloadable(watcher.Config())
	watcher.OnChange(func(cfg *config.Config) {
		live.Update(cfg)
		app.cfg = cfg
		app.revalidate()
	})
	watcher.Start(ctx)
	defer watcher.Stop()

	app.revalidate()
	fmt.Printf("watching configuration (interval %s); press Ctrl-C to stop\n", interval)
	<-ctx.Done()
}

func (app *application) revalidate() {
	if _, _, err := app.buildEngine(); err != nil {
		fmt.Printf("%s agents: %v\n", time.Now().Format(time.TimeOnly), err)
		return
	}
	count := 0
	if _, err := os.Stat(app.cfg.Workflows.Dir); err == nil {
		defs, err := workflow.LoadDir(app.cfg.Workflows.Dir)
		if err != nil {
			fmt.Printf("%s workflows: %v\n", time.Now().Format(time.TimeOnly), err)
			return
		}
		count = len(defs)
	}
	fmt.Printf("%s ok: agents and %d workflow(s) valid\n", time.Now().Format(time.TimeOnly), count)
}
