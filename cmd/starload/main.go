//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of StarLoad.
//
// StarLoad is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// StarLoad is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with StarLoad. If not, see https://www.gnu.org/licenses/.

// Command starload runs the Sparkify star-schema load DAG against Redshift or
// a local SQLite warehouse.
//
//	starload run [-config file] [-at 2018-11-01T21:00:00Z]
//	starload serve [-config file]
//	starload plan [-config file] [-json] [-check-sources]
//	starload create-tables [-config file]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"github.com/aaronlmathis/starload/api"
	"github.com/aaronlmathis/starload/config"
	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/dag/tasks"
	"github.com/aaronlmathis/starload/internal/ctxlog"
	"github.com/aaronlmathis/starload/pipeline"
	"github.com/aaronlmathis/starload/scheduler"
)

const usage = `usage: starload <command> [flags]

commands:
  run            execute one run of the DAG and exit
  serve          run the DAG on its schedule and serve the HTTP API
  plan           print the DAG structure or its JSON declaration
  create-tables  create the staging, fact and dimension tables
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCmd(ctx, args)
	case "serve":
		err = serveCmd(ctx, args)
	case "plan":
		err = planCmd(ctx, args, os.Stdout)
	case "create-tables":
		err = createTablesCmd(ctx, args)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "starload %s: %v\n", os.Args[1], err)
		}
		os.Exit(1)
	}
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", os.Getenv("STARLOAD_CONFIG"), "path to the JSON configuration file")
	fs.StringVar(&f.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "override logging.format (text, json)")
}

// setup loads the configuration and installs the process logger.
func (f *commonFlags) setup(ctx context.Context) (context.Context, *app, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return ctx, nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}

	logger, err := ctxlog.New(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return ctx, nil, err
	}
	slog.SetDefault(logger)
	ctx = ctxlog.WithLogger(ctx, logger)

	a, err := newApp(cfg, logger)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, a, nil
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	at := fs.String("at", "", "scheduled time of the run (RFC 3339); defaults to the current hour")
	if err := fs.Parse(args); err != nil {
		return err
	}

	scheduledFor := time.Now().UTC().Truncate(time.Hour)
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("invalid -at: %w", err)
		}
		scheduledFor = t
	}

	ctx, a, err := common.setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	executor, err := a.executor(ctx)
	if err != nil {
		return err
	}
	svc, err := scheduler.New(a.dag, executor)
	if err != nil {
		return err
	}
	snap, err := svc.RunNow(ctx, scheduledFor)
	if err != nil {
		return err
	}
	for _, t := range snap.Tasks {
		a.logger.Info("task result", "task", t.TaskID, "state", string(t.State), "attempts", t.Attempts, "rows", t.RowCounts)
	}
	if snap.Status != dag.RunSucceeded {
		return fmt.Errorf("run %s %s", snap.ID, snap.Status)
	}
	a.logger.Info("run succeeded", "run_id", snap.ID, "duration", snap.EndTime.Sub(snap.StartTime))
	return nil
}

func serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, a, err := common.setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	executor, err := a.executor(ctx)
	if err != nil {
		return err
	}
	svc, err := scheduler.New(a.dag, executor)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	hlog.SetOutput(os.Stderr)
	if a.cfg.Logging.Level == "debug" {
		hlog.SetLevel(hlog.LevelDebug)
	} else {
		hlog.SetLevel(hlog.LevelInfo)
	}

	opts := []api.Option{api.WithAddr(a.cfg.API.Addr)}
	if a.runs != nil {
		opts = append(opts, api.WithHistory(a.runs))
	}
	srv := api.NewServer(svc, opts...)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		}
	}()

	a.logger.Info("serving", "addr", a.cfg.API.Addr, "dag_id", a.dag.ID())
	srv.Spin()

	a.logger.Info("waiting for the active run to finish")
	return svc.Stop()
}

func planCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	asJSON := fs.Bool("json", false, "print the JSON declaration instead of the structure")
	checkSources := fs.Bool("check-sources", false, "list the objects under each stage task's source prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, a, err := common.setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if *asJSON {
		decl, err := a.dag.Declare()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(decl); err != nil {
			return err
		}
		for _, problem := range a.dag.ValidateDAGStructure() {
			a.logger.Warn("dag structure", "error", problem)
		}
	} else {
		if err := a.dag.PrintDAGStructure(out); err != nil {
			return err
		}
		printDAGSummary(out, a.dag)
	}

	if *checkSources {
		return checkStageSources(ctx, a, out)
	}
	return nil
}

// printDAGSummary writes the structure metrics and any structural warnings.
func printDAGSummary(out io.Writer, d *dag.DAG) {
	metrics := d.Metrics()
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(out, "Metrics:")
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %v\n", k, metrics[k])
	}

	if problems := d.ValidateDAGStructure(); len(problems) > 0 {
		fmt.Fprintln(out, "Warnings:")
		for _, problem := range problems {
			fmt.Fprintf(out, "  %v\n", problem)
		}
	}
}

// checkStageSources fails when a stage task's prefix holds no objects.
func checkStageSources(ctx context.Context, a *app, out io.Writer) error {
	store, err := a.objectStore(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range a.dag.TasksByKind(tasks.KindStage) {
		task, _ := a.dag.Task(id)
		params, ok := task.Params().(tasks.StageParams)
		if !ok {
			continue
		}
		objects, err := store.List(ctx, params.Source.Bucket, params.Source.Prefix)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		var size int64
		for _, o := range objects {
			size += o.Size
		}
		fmt.Fprintf(out, "%s: %d objects (%d bytes) under %s\n", id, len(objects), size, params.Source.URI())
		if len(objects) == 0 {
			errs = append(errs, fmt.Errorf("%s: no objects under %s", id, params.Source.URI()))
		}
	}
	return errors.Join(errs...)
}

func createTablesCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-tables", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, a, err := common.setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dialect, err := pipeline.DialectFor(a.cfg.Warehouse.Driver)
	if err != nil {
		return err
	}
	registry, err := a.warehouse(ctx)
	if err != nil {
		return err
	}
	session, err := registry.Acquire(ctx, a.cfg.Warehouse.ConnID)
	if err != nil {
		return err
	}
	defer session.Close()

	for i, stmt := range pipeline.CreateTableStatements(dialect) {
		if err := session.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating %s: %w", pipeline.TableNames()[i], err)
		}
	}
	a.logger.Info("tables created", "tables", pipeline.TableNames())
	return nil
}
