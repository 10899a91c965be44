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

// run.go - Per-run task state, kept apart from the immutable DAG
package dag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is the runtime execution state of a task within one run.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
)

// IsTerminal reports whether the state is final.
func (s TaskState) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// TaskRun is the state of one task in one run.
type TaskRun struct {
	TaskID    string
	State     TaskState
	Attempts  int
	StartTime time.Time
	EndTime   time.Time
	RowCounts map[string]int64
	Error     string
}

// RunObserver is notified of run lifecycle changes. Calls for one run are
// serialised; implementations must not block for long.
type RunObserver interface {
	RunStarted(ctx context.Context, run RunSnapshot)
	TaskStateChanged(ctx context.Context, run RunSnapshot, task TaskRun)
	RunFinished(ctx context.Context, run RunSnapshot)
}

// RunSnapshot is a point-in-time copy of a run.
type RunSnapshot struct {
	ID           string
	DAGID        string
	ScheduledFor time.Time
	Status       RunStatus
	StartTime    time.Time
	EndTime      time.Time
	Tasks        []TaskRun // in execution order
}

// Task returns the state of one task in the snapshot.
func (s RunSnapshot) Task(taskID string) (TaskRun, bool) {
	for _, t := range s.Tasks {
		if t.TaskID == taskID {
			return t, true
		}
	}
	return TaskRun{}, false
}

// Run is one execution instance of a DAG. It owns its task states and never
// mutates the DAG.
type Run struct {
	mu           sync.Mutex
	id           string
	dag          *DAG
	order        []string
	scheduledFor time.Time
	status       RunStatus
	startTime    time.Time
	endTime      time.Time
	tasks        map[string]*TaskRun
}

// NewRun creates a run of d with every task pending.
func NewRun(d *DAG, scheduledFor time.Time) (*Run, error) {
	order, err := d.ExecutionOrder()
	if err != nil {
		return nil, err
	}
	r := &Run{
		id:           uuid.NewString(),
		dag:          d,
		order:        order,
		scheduledFor: scheduledFor.UTC(),
		status:       RunRunning,
		startTime:    time.Now().UTC(),
		tasks:        make(map[string]*TaskRun, len(order)),
	}
	for _, id := range order {
		r.tasks[id] = &TaskRun{TaskID: id, State: TaskPending}
	}
	return r, nil
}

func (r *Run) ID() string { return r.id }
func (r *Run) DAG() *DAG  { return r.dag }

// State returns the current state of a task.
func (r *Run) State(taskID string) TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[taskID]; ok {
		return t.State
	}
	return ""
}

// Snapshot returns a copy of the run.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() RunSnapshot {
	snap := RunSnapshot{
		ID:           r.id,
		DAGID:        r.dag.id,
		ScheduledFor: r.scheduledFor,
		Status:       r.status,
		StartTime:    r.startTime,
		EndTime:      r.endTime,
		Tasks:        make([]TaskRun, 0, len(r.order)),
	}
	for _, id := range r.order {
		snap.Tasks = append(snap.Tasks, copyTaskRun(r.tasks[id]))
	}
	return snap
}

func copyTaskRun(t *TaskRun) TaskRun {
	c := *t
	if t.RowCounts != nil {
		c.RowCounts = make(map[string]int64, len(t.RowCounts))
		for k, v := range t.RowCounts {
			c.RowCounts[k] = v
		}
	}
	return c
}

// Ready reports whether every upstream task has succeeded.
func (r *Run) Ready(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range r.dag.dependencies[taskID] {
		if r.tasks[dep].State != TaskSucceeded {
			return false
		}
	}
	return true
}

// Start moves a pending task to running and counts an attempt. A running
// task may be started again for a retry.
func (r *Run) Start(taskID string) (TaskRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookup(taskID)
	if err != nil {
		return TaskRun{}, err
	}
	if t.State != TaskPending && t.State != TaskRunning {
		return TaskRun{}, fmt.Errorf("cannot start task %s from state %s", taskID, t.State)
	}
	if t.State == TaskPending {
		t.StartTime = time.Now().UTC()
	}
	t.State = TaskRunning
	t.Attempts++
	return copyTaskRun(t), nil
}

// Succeed marks a running task succeeded.
func (r *Run) Succeed(taskID string, rowCounts map[string]int64) (TaskRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookup(taskID)
	if err != nil {
		return TaskRun{}, err
	}
	if t.State != TaskRunning {
		return TaskRun{}, fmt.Errorf("cannot complete task %s from state %s", taskID, t.State)
	}
	t.State = TaskSucceeded
	t.EndTime = time.Now().UTC()
	t.Error = ""
	if len(rowCounts) > 0 {
		t.RowCounts = rowCounts
	}
	return copyTaskRun(t), nil
}

// Fail marks a running task failed and every pending task downstream of it
// skipped. It returns the failed task followed by the skipped ones.
func (r *Run) Fail(taskID string, cause error) ([]TaskRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookup(taskID)
	if err != nil {
		return nil, err
	}
	if t.State != TaskRunning {
		return nil, fmt.Errorf("cannot fail task %s from state %s", taskID, t.State)
	}
	t.State = TaskFailed
	t.EndTime = time.Now().UTC()
	if cause != nil {
		t.Error = cause.Error()
	}

	changed := []TaskRun{copyTaskRun(t)}
	return append(changed, r.skipDownstreamLocked(taskID)...), nil
}

// Skip marks a pending task and everything downstream of it skipped.
func (r *Run) Skip(taskID string) ([]TaskRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookup(taskID)
	if err != nil {
		return nil, err
	}
	if t.State != TaskPending {
		return nil, fmt.Errorf("cannot skip task %s from state %s", taskID, t.State)
	}
	t.State = TaskSkipped
	changed := []TaskRun{copyTaskRun(t)}
	return append(changed, r.skipDownstreamLocked(taskID)...), nil
}

// skipDownstreamLocked walks the DAG in execution order so the result is deterministic.
func (r *Run) skipDownstreamLocked(taskID string) []TaskRun {
	affected := map[string]bool{taskID: true}
	var changed []TaskRun
	for _, id := range r.order {
		for _, dep := range r.dag.dependencies[id] {
			if !affected[dep] {
				continue
			}
			affected[id] = true
			if t := r.tasks[id]; t.State == TaskPending {
				t.State = TaskSkipped
				changed = append(changed, copyTaskRun(t))
			}
			break
		}
	}
	return changed
}

// Finish sets the run outcome: succeeded only if every task succeeded.
func (r *Run) Finish() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = RunSucceeded
	for _, t := range r.tasks {
		if t.State != TaskSucceeded {
			r.status = RunFailed
			break
		}
	}
	r.endTime = time.Now().UTC()
	return r.snapshotLocked()
}

func (r *Run) lookup(taskID string) (*TaskRun, error) {
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return t, nil
}
