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

package dag

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aaronlmathis/starload/dag/tasks"
)

// ID returns the DAG's unique identifier
func (d *DAG) ID() string {
	return d.id
}

// Name returns the DAG's name
func (d *DAG) Name() string {
	return d.name
}

// Metadata returns the DAG's metadata
func (d *DAG) Metadata() DAGMetadata {
	md := d.metadata
	if md.DefaultRetries != nil {
		rc := *md.DefaultRetries
		md.DefaultRetries = &rc
	}
	return md
}

// Task returns a task by id.
func (d *DAG) Task(taskID string) (*tasks.Task, bool) {
	t, ok := d.tasks[taskID]
	return t, ok
}

// TaskIDs returns task ids in the order they were added.
func (d *DAG) TaskIDs() []string {
	return append([]string(nil), d.order...)
}

// TaskCount returns the total number of tasks
func (d *DAG) TaskCount() int {
	return len(d.tasks)
}

// HasTask checks if a task exists in the DAG
func (d *DAG) HasTask(taskID string) bool {
	_, exists := d.tasks[taskID]
	return exists
}

// TasksByKind returns the ids of tasks of one kind, in insertion order.
func (d *DAG) TasksByKind(kind tasks.TaskKind) []string {
	var ids []string
	for _, id := range d.order {
		if d.tasks[id].Kind() == kind {
			ids = append(ids, id)
		}
	}
	return ids
}

// Upstream returns the ids a task depends on.
func (d *DAG) Upstream(taskID string) []string {
	return append([]string{}, d.dependencies[taskID]...)
}

// Downstream returns the ids that depend on a task, in insertion order.
func (d *DAG) Downstream(taskID string) []string {
	downstream := []string{}
	for _, id := range d.order {
		for _, dep := range d.dependencies[id] {
			if dep == taskID {
				downstream = append(downstream, id)
				break
			}
		}
	}
	return downstream
}

// EntryTasks returns the tasks with no upstream dependency.
func (d *DAG) EntryTasks() []string {
	var ids []string
	for _, id := range d.order {
		if len(d.dependencies[id]) == 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// ExitTasks returns the tasks nothing depends on.
func (d *DAG) ExitTasks() []string {
	var ids []string
	for _, id := range d.order {
		if len(d.Downstream(id)) == 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// ExecutionOrder returns tasks in topological order. Ties are broken by
// insertion order so the result is stable across calls.
func (d *DAG) ExecutionOrder() ([]string, error) {
	return d.topologicalSort()
}

// Levels groups tasks so that every task's dependencies sit in an earlier
// level. Tasks in one level may run concurrently.
func (d *DAG) Levels() ([][]string, error) {
	sorted, err := d.topologicalSort()
	if err != nil {
		return nil, err
	}
	return d.groupTasksByLevel(sorted), nil
}

func (d *DAG) groupTasksByLevel(sortedTasks []string) [][]string {
	taskLevel := make(map[string]int)
	maxLevel := 0

	for _, taskID := range sortedTasks {
		level := 0
		for _, dep := range d.dependencies[taskID] {
			if taskLevel[dep]+1 > level {
				level = taskLevel[dep] + 1
			}
		}
		taskLevel[taskID] = level
		if level > maxLevel {
			maxLevel = level
		}
	}

	result := make([][]string, maxLevel+1)
	for _, taskID := range sortedTasks {
		level := taskLevel[taskID]
		result[level] = append(result[level], taskID)
	}
	return result
}

// topologicalSort performs Kahn's algorithm for topological sorting
func (d *DAG) topologicalSort() ([]string, error) {
	position := make(map[string]int, len(d.order))
	for i, id := range d.order {
		position[id] = i
	}

	inDegree := make(map[string]int, len(d.tasks))
	for _, taskID := range d.order {
		inDegree[taskID] = len(d.dependencies[taskID])
	}

	var queue []string
	for _, taskID := range d.order {
		if inDegree[taskID] == 0 {
			queue = append(queue, taskID)
		}
	}

	result := make([]string, 0, len(d.tasks))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		var ready []string
		for _, taskID := range d.Downstream(current) {
			inDegree[taskID]--
			if inDegree[taskID] == 0 {
				ready = append(ready, taskID)
			}
		}
		queue = append(queue, ready...)
		sort.SliceStable(queue, func(i, j int) bool { return position[queue[i]] < position[queue[j]] })
	}

	if len(result) != len(d.tasks) {
		return nil, cycleError(d.findCycle())
	}
	return result, nil
}

// findCycle returns one cycle as a path of task ids, or nil.
func (d *DAG) findCycle() []string {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(d.tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		stack = append(stack, id)
		for _, dep := range d.dependencies[id] {
			switch state[dep] {
			case inStack:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						break
					}
				}
				return true
			case unvisited:
				if _, ok := d.tasks[dep]; ok && visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range d.order {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// ValidateDAGStructure performs comprehensive DAG validation and returns
// every problem found.
func (d *DAG) ValidateDAGStructure() []error {
	var errs []error

	for _, taskID := range d.order {
		for _, dep := range d.dependencies[taskID] {
			if !d.HasTask(dep) {
				errs = append(errs, invalidf("task %s depends on non-existent task %s", taskID, dep))
			}
		}
	}

	// orphaned tasks (no dependencies and no dependents)
	if len(d.tasks) > 1 {
		for _, taskID := range d.order {
			if len(d.dependencies[taskID]) == 0 && len(d.Downstream(taskID)) == 0 {
				errs = append(errs, invalidf("task %s appears to be orphaned (no connections)", taskID))
			}
		}
	}

	if cycle := d.findCycle(); cycle != nil {
		errs = append(errs, cycleError(cycle))
	}

	for _, taskID := range d.order {
		if err := d.tasks[taskID].Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// Declarations returns one declaration per task in execution order.
func (d *DAG) Declarations() ([]tasks.Declaration, error) {
	order, err := d.ExecutionOrder()
	if err != nil {
		return nil, err
	}
	decls := make([]tasks.Declaration, 0, len(order))
	for _, id := range order {
		decls = append(decls, d.declareTask(id))
	}
	return decls, nil
}

// Declare describes the whole DAG for registration with an external scheduler.
func (d *DAG) Declare() (Declaration, error) {
	decls, err := d.Declarations()
	if err != nil {
		return Declaration{}, err
	}

	decl := Declaration{
		ID:          d.id,
		Name:        d.name,
		Description: d.metadata.Description,
		Schedule:    d.metadata.Schedule,
		Tasks:       decls,
		Edges:       [][2]string{},
	}
	if !d.metadata.StartDate.IsZero() {
		start := d.metadata.StartDate.UTC()
		decl.StartDate = &start
	}
	if !d.metadata.EndDate.IsZero() {
		end := d.metadata.EndDate.UTC()
		decl.EndDate = &end
	}
	for _, task := range decls {
		for _, up := range task.Upstream {
			decl.Edges = append(decl.Edges, [2]string{up, task.ID})
		}
	}
	return decl, nil
}

// declareTask fills in the retry policy and timeout the executor applies.
func (d *DAG) declareTask(id string) tasks.Declaration {
	task := d.tasks[id]
	decl := task.Declaration()
	rc := d.retryConfig(task)
	decl.Retries = rc.MaxRetries
	decl.RetryDelay = rc.Delay
	decl.Timeout = d.timeout(task)
	return decl
}

// retryConfig returns the effective retry policy for a task.
func (d *DAG) retryConfig(task *tasks.Task) tasks.RetryConfig {
	if rc := task.Metadata().RetryConfig; rc != nil {
		return *rc
	}
	if d.metadata.DefaultRetries != nil {
		return *d.metadata.DefaultRetries
	}
	return tasks.RetryConfig{}
}

// timeout returns the effective timeout for a task.
func (d *DAG) timeout(task *tasks.Task) time.Duration {
	if t := task.Metadata().Timeout; t > 0 {
		return t
	}
	return d.metadata.DefaultTimeout
}

// PrintDAGStructure writes a human-readable DAG structure to w.
func (d *DAG) PrintDAGStructure(w io.Writer) error {
	order, err := d.ExecutionOrder()
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "DAG: %s (%s)", d.name, d.id)
	if d.metadata.Description != "" {
		fmt.Fprintf(&b, " - %s", d.metadata.Description)
	}
	b.WriteString("\nConfiguration:\n")
	if d.metadata.Schedule != "" {
		fmt.Fprintf(&b, "  Schedule: %s\n", d.metadata.Schedule)
	}
	fmt.Fprintf(&b, "  Max Parallelism: %d\n", d.metadata.MaxParallelism)
	fmt.Fprintf(&b, "  Default Timeout: %v\n", d.metadata.DefaultTimeout)
	fmt.Fprintf(&b, "  Tasks: %d\n", len(d.tasks))

	b.WriteString("Structure:\n")
	for _, id := range order {
		task := d.tasks[id]
		md := task.Metadata()
		fmt.Fprintf(&b, "  %s [%s]\n", id, md.Kind)
		if table := task.Params().TargetTable(); table != "" {
			fmt.Fprintf(&b, "    Table: %s\n", table)
		}
		if md.Description != "" {
			fmt.Fprintf(&b, "    Description: %s\n", md.Description)
		}
		if deps := d.dependencies[id]; len(deps) > 0 {
			fmt.Fprintf(&b, "    <- depends on: %s\n", strings.Join(deps, ", "))
		}
		if downstream := d.Downstream(id); len(downstream) > 0 {
			fmt.Fprintf(&b, "    -> triggers: %s\n", strings.Join(downstream, ", "))
		}
		if rc := d.retryConfig(task); rc.MaxRetries > 0 {
			fmt.Fprintf(&b, "    Retries: %d (delay %v)\n", rc.MaxRetries, rc.Delay)
		}
	}

	_, err = io.WriteString(w, b.String())
	return err
}

// Metrics returns summary figures about the DAG structure.
func (d *DAG) Metrics() map[string]interface{} {
	levels, err := d.Levels()
	depth := 0
	if err == nil {
		depth = len(levels)
	}
	return map[string]interface{}{
		"dag_id":               d.id,
		"dag_name":             d.name,
		"total_tasks":          len(d.tasks),
		"stage_tasks":          len(d.TasksByKind(tasks.KindStage)),
		"load_fact_tasks":      len(d.TasksByKind(tasks.KindLoadFact)),
		"load_dimension_tasks": len(d.TasksByKind(tasks.KindLoadDimension)),
		"quality_check_tasks":  len(d.TasksByKind(tasks.KindQualityCheck)),
		"max_depth":            depth,
		"has_cycles":           err != nil,
	}
}
