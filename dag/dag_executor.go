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

// dag_executor.go - Reference DAG executor with level-grouped parallelism
package dag

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/dag/tasks"
	"github.com/aaronlmathis/starload/internal/ctxlog"
)

// DAGExecutor runs a DAG in-process. Tasks of one level run concurrently;
// each task gets its own warehouse session and is retried a fixed number of
// times with a fixed delay. A failed task skips everything downstream of it.
type DAGExecutor struct {
	registry   core.ConnectionRegistry
	maxWorkers int
	observers  []RunObserver
}

// DAGExecutorOption configures a DAGExecutor
type DAGExecutorOption func(*DAGExecutor)

// WithMaxWorkers sets the maximum number of concurrent workers
func WithMaxWorkers(workers int) DAGExecutorOption {
	return func(de *DAGExecutor) {
		if workers > 0 {
			de.maxWorkers = workers
		}
	}
}

// WithObservers registers observers notified of run and task transitions
func WithObservers(observers ...RunObserver) DAGExecutorOption {
	return func(de *DAGExecutor) {
		for _, o := range observers {
			if o != nil {
				de.observers = append(de.observers, o)
			}
		}
	}
}

// NewDAGExecutor creates an executor acquiring sessions from registry.
func NewDAGExecutor(registry core.ConnectionRegistry, opts ...DAGExecutorOption) *DAGExecutor {
	de := &DAGExecutor{
		registry:   registry,
		maxWorkers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(de)
	}
	return de
}

// Execute creates a run of d scheduled now and runs it to completion.
func (de *DAGExecutor) Execute(ctx context.Context, d *DAG) (RunSnapshot, error) {
	run, err := NewRun(d, time.Now())
	if err != nil {
		return RunSnapshot{}, fmt.Errorf("topological sort failed: %w", err)
	}
	return de.ExecuteRun(ctx, run)
}

// ExecuteRun drives an existing run to completion. The returned error joins
// the failures of every failed task, or is the context error if the run was
// cancelled.
func (de *DAGExecutor) ExecuteRun(ctx context.Context, run *Run) (RunSnapshot, error) {
	d := run.DAG()
	levels, err := d.Levels()
	if err != nil {
		return RunSnapshot{}, fmt.Errorf("topological sort failed: %w", err)
	}

	logger := ctxlog.FromContext(ctx).With("dag_id", d.id, "run_id", run.ID())
	ctx = ctxlog.WithLogger(ctx, logger)
	n := &notifier{observers: de.observers}

	logger.Info("run started", "tasks", d.TaskCount(), "levels", len(levels))
	n.runStarted(ctx, run.Snapshot())

	failures := make(map[string]error)
	var mu sync.Mutex

	for levelIdx, level := range levels {
		if ctx.Err() != nil {
			break
		}

		de.executeLevel(ctx, run, n, level, func(taskID string, err error) {
			mu.Lock()
			failures[taskID] = err
			mu.Unlock()
		})
		logger.Debug("level completed", "level", levelIdx, "tasks", len(level))
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		for _, id := range run.order {
			if run.State(id) == TaskPending {
				changed, _ := run.Skip(id)
				n.taskChanged(ctx, run, changed...)
			}
		}
	}

	snap := run.Finish()
	n.runFinished(ctx, snap)
	logger.Info("run finished", "status", string(snap.Status), "duration", snap.EndTime.Sub(snap.StartTime))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return snap, ctxErr
	}

	var errs []error
	for _, id := range run.order {
		if err, ok := failures[id]; ok {
			errs = append(errs, err)
		}
	}
	return snap, errors.Join(errs...)
}

// executeLevel executes all tasks in a level concurrently
func (de *DAGExecutor) executeLevel(ctx context.Context, run *Run, n *notifier, taskIDs []string, onFailure func(string, error)) {
	maxWorkers := de.maxWorkers
	if p := run.DAG().metadata.MaxParallelism; p > 0 && p < maxWorkers {
		maxWorkers = p
	}
	if len(taskIDs) < maxWorkers {
		maxWorkers = len(taskIDs)
	}

	taskChan := make(chan string, len(taskIDs))
	var wg sync.WaitGroup

	for i := 0; i < maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for taskID := range taskChan {
				if err := de.executeTaskWithRetry(ctx, run, n, taskID); err != nil {
					onFailure(taskID, err)
				}
			}
		}()
	}

	for _, taskID := range taskIDs {
		taskChan <- taskID
	}
	close(taskChan)
	wg.Wait()
}

// executeTaskWithRetry executes a single task with retry logic
func (de *DAGExecutor) executeTaskWithRetry(ctx context.Context, run *Run, n *notifier, taskID string) error {
	if run.State(taskID) != TaskPending {
		// skipped by an upstream failure
		return nil
	}
	if !run.Ready(taskID) {
		changed, err := run.Skip(taskID)
		n.taskChanged(ctx, run, changed...)
		return err
	}

	d := run.DAG()
	task := d.tasks[taskID]
	retry := d.retryConfig(task)
	logger := ctxlog.FromContext(ctx).With("task", taskID)
	taskCtx := ctxlog.WithLogger(ctx, logger)

	var lastErr error
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		state, err := run.Start(taskID)
		if err != nil {
			return err
		}
		n.taskChanged(ctx, run, state)

		result, err := de.attempt(taskCtx, d, task)
		if err == nil {
			state, err := run.Succeed(taskID, result.RowCounts)
			if err != nil {
				return err
			}
			n.taskChanged(ctx, run, state)
			logger.Info("task succeeded", "attempt", attempt+1, "duration", result.Duration())
			return nil
		}

		lastErr = err
		if errors.Is(err, core.ErrConfiguration) {
			// retrying cannot fix a malformed task
			break
		}
		if attempt < retry.MaxRetries {
			logger.Warn("task attempt failed, retrying", "attempt", attempt+1, "delay", retry.Delay, "error", err)
			timer := time.NewTimer(retry.Delay)
			select {
			case <-timer.C:
				continue
			case <-ctx.Done():
				timer.Stop()
				lastErr = errors.Join(lastErr, ctx.Err())
			}
		}
		break
	}

	logger.Error("task failed", "error", lastErr)
	changed, err := run.Fail(taskID, lastErr)
	if err != nil {
		return err
	}
	n.taskChanged(ctx, run, changed...)
	return lastErr
}

// attempt acquires a session, runs the task once and releases the session.
func (de *DAGExecutor) attempt(ctx context.Context, d *DAG, task *tasks.Task) (tasks.TaskResult, error) {
	if timeout := d.timeout(task); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if len(task.Params().Statements()) == 0 {
		return task.Execute(ctx, nil)
	}

	if de.registry == nil {
		return tasks.TaskResult{}, &core.TaskError{
			Kind:  core.ErrConnectionFailure,
			Task:  task.ID(),
			Table: task.Params().TargetTable(),
			Err:   errors.New("no connection registry configured"),
		}
	}

	session, err := de.registry.Acquire(ctx, task.ConnID())
	if err != nil {
		return tasks.TaskResult{}, &core.TaskError{
			Kind:  core.ErrConnectionFailure,
			Task:  task.ID(),
			Table: task.Params().TargetTable(),
			Err:   err,
		}
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			ctxlog.FromContext(ctx).Warn("closing warehouse session", "error", cerr)
		}
	}()

	return task.Execute(ctx, session)
}

// notifier serialises observer calls for one run. Observers still see
// transitions made after the run context is cancelled.
type notifier struct {
	mu        sync.Mutex
	observers []RunObserver
}

func (n *notifier) runStarted(ctx context.Context, snap RunSnapshot) {
	ctx = context.WithoutCancel(ctx)
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range n.observers {
		o.RunStarted(ctx, snap)
	}
}

func (n *notifier) taskChanged(ctx context.Context, run *Run, changed ...TaskRun) {
	ctx = context.WithoutCancel(ctx)
	if len(n.observers) == 0 || len(changed) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	snap := run.Snapshot()
	for _, t := range changed {
		for _, o := range n.observers {
			o.TaskStateChanged(ctx, snap, t)
		}
	}
}

func (n *notifier) runFinished(ctx context.Context, snap RunSnapshot) {
	ctx = context.WithoutCancel(ctx)
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range n.observers {
		o.RunFinished(ctx, snap)
	}
}
