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

// dag_builder.go - Fluent API for DAG construction
package dag

import (
	"errors"
	"strings"
	"time"

	"github.com/aaronlmathis/starload/dag/tasks"
)

// DAGBuilder provides a fluent API for constructing DAGs. Problems are
// collected while adding tasks and reported together by Build.
type DAGBuilder struct {
	dag  *DAG
	errs []error
}

// NewDAG creates a new DAG builder
func NewDAG(id, name string) *DAGBuilder {
	return &DAGBuilder{
		dag: &DAG{
			id:           id,
			name:         name,
			tasks:        make(map[string]*tasks.Task),
			dependencies: make(map[string][]string),
			metadata: DAGMetadata{
				MaxParallelism: 4,
				DefaultTimeout: 30 * time.Minute,
			},
		},
	}
}

// AddTask adds a prepared task to the DAG
func (db *DAGBuilder) AddTask(task *tasks.Task) *DAGBuilder {
	if task == nil {
		db.errs = append(db.errs, invalidf("nil task"))
		return db
	}
	id := task.ID()
	if _, exists := db.dag.tasks[id]; exists {
		db.errs = append(db.errs, invalidf("duplicate task id %s", id))
		return db
	}
	db.dag.tasks[id] = task
	db.dag.order = append(db.dag.order, id)
	db.dag.dependencies[id] = task.Dependencies()
	return db
}

// AddNoOpTask adds an entry or exit marker to the DAG
func (db *DAGBuilder) AddNoOpTask(id string, dependencies []string, opts ...tasks.TaskOption) *DAGBuilder {
	return db.AddTask(tasks.NewTask(id, tasks.NoOp(), dependencies, opts...))
}

// AddStageTask adds a bulk copy into a staging table to the DAG
func (db *DAGBuilder) AddStageTask(id string, params tasks.StageParams, dependencies []string, opts ...tasks.TaskOption) *DAGBuilder {
	return db.AddTask(tasks.NewTask(id, params, dependencies, opts...))
}

// AddLoadFactTask adds a fact table load to the DAG
func (db *DAGBuilder) AddLoadFactTask(id, table, query string, dependencies []string, opts ...tasks.TaskOption) *DAGBuilder {
	return db.AddTask(tasks.NewTask(id, tasks.FactLoad(table, query), dependencies, opts...))
}

// AddLoadDimensionTask adds a dimension table load to the DAG
func (db *DAGBuilder) AddLoadDimensionTask(id, table, query string, dependencies []string, opts ...tasks.TaskOption) *DAGBuilder {
	return db.AddTask(tasks.NewTask(id, tasks.DimensionLoad(table, query), dependencies, opts...))
}

// AddLoadTask adds a fact or dimension load with explicit params to the DAG
func (db *DAGBuilder) AddLoadTask(id string, params tasks.LoadParams, dependencies []string, opts ...tasks.TaskOption) *DAGBuilder {
	return db.AddTask(tasks.NewTask(id, params, dependencies, opts...))
}

// AddQualityCheckTask adds a quality gate to the DAG
func (db *DAGBuilder) AddQualityCheckTask(id string, params tasks.QualityParams, dependencies []string, opts ...tasks.TaskOption) *DAGBuilder {
	return db.AddTask(tasks.NewTask(id, params, dependencies, opts...))
}

// WithDescription sets the DAG description
func (db *DAGBuilder) WithDescription(description string) *DAGBuilder {
	db.dag.metadata.Description = description
	return db
}

// WithSchedule sets the cron expression an external scheduler should use
func (db *DAGBuilder) WithSchedule(cron string) *DAGBuilder {
	db.dag.metadata.Schedule = strings.TrimSpace(cron)
	return db
}

// WithWindow bounds scheduled runs. A zero end leaves the window open.
func (db *DAGBuilder) WithWindow(start, end time.Time) *DAGBuilder {
	db.dag.metadata.StartDate = start
	db.dag.metadata.EndDate = end
	return db
}

// WithOwner sets the DAG owner
func (db *DAGBuilder) WithOwner(owner string) *DAGBuilder {
	db.dag.metadata.Owner = owner
	return db
}

// WithMaxParallelism sets the maximum number of concurrent tasks
func (db *DAGBuilder) WithMaxParallelism(max int) *DAGBuilder {
	db.dag.metadata.MaxParallelism = max
	return db
}

// WithDefaultTimeout sets the default timeout for all tasks
func (db *DAGBuilder) WithDefaultTimeout(timeout time.Duration) *DAGBuilder {
	db.dag.metadata.DefaultTimeout = timeout
	return db
}

// WithDefaultRetries sets the retry policy for tasks that do not set their own
func (db *DAGBuilder) WithDefaultRetries(maxRetries int, delay time.Duration) *DAGBuilder {
	db.dag.metadata.DefaultRetries = &tasks.RetryConfig{MaxRetries: maxRetries, Delay: delay}
	return db
}

// validateDAG checks ids, metadata, task parameters, missing dependencies and cycles
func (db *DAGBuilder) validateDAG() error {
	d := db.dag
	errs := append([]error(nil), db.errs...)

	if strings.TrimSpace(d.id) == "" {
		errs = append(errs, invalidf("dag id is required"))
	}
	if len(d.tasks) == 0 {
		errs = append(errs, invalidf("dag %s has no tasks", d.id))
	}
	if d.metadata.MaxParallelism < 1 {
		errs = append(errs, invalidf("max parallelism must be at least 1"))
	}
	if d.metadata.DefaultTimeout < 0 {
		errs = append(errs, invalidf("default timeout cannot be negative"))
	}
	if rc := d.metadata.DefaultRetries; rc != nil && (rc.MaxRetries < 0 || rc.Delay < 0) {
		errs = append(errs, invalidf("default retry settings cannot be negative"))
	}
	if !d.metadata.EndDate.IsZero() && d.metadata.EndDate.Before(d.metadata.StartDate) {
		errs = append(errs, invalidf("end date %s is before start date %s",
			d.metadata.EndDate.Format(time.RFC3339), d.metadata.StartDate.Format(time.RFC3339)))
	}

	missing := false
	for _, taskID := range d.order {
		seen := make(map[string]bool)
		for _, dep := range d.dependencies[taskID] {
			if dep == taskID {
				errs = append(errs, cycleError([]string{taskID, taskID}))
				continue
			}
			if seen[dep] {
				errs = append(errs, invalidf("task %s lists dependency %s twice", taskID, dep))
			}
			seen[dep] = true
			if !d.HasTask(dep) {
				missing = true
				errs = append(errs, invalidf("task %s depends on non-existent task %s", taskID, dep))
			}
		}
		if err := d.tasks[taskID].Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if !missing {
		if cycle := d.findCycle(); cycle != nil && len(cycle) > 2 {
			errs = append(errs, cycleError(cycle))
		}
	}

	return errors.Join(errs...)
}

// Build validates and returns the constructed DAG
func (db *DAGBuilder) Build() (*DAG, error) {
	if err := db.validateDAG(); err != nil {
		return nil, err
	}
	return db.dag, nil
}
