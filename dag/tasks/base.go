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

// base.go - Task type, parameter variants and execution lifecycle
package tasks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/internal/ctxlog"
	"github.com/aaronlmathis/starload/validators"
)

// TaskKind represents the kind of task
type TaskKind string

const (
	KindStage         TaskKind = "stage"
	KindLoadFact      TaskKind = "load_fact"
	KindLoadDimension TaskKind = "load_dimension"
	KindQualityCheck  TaskKind = "quality_check"
	KindNoOp          TaskKind = "no_op"
)

// DefaultConnID is the connection id used when a task does not name one.
const DefaultConnID = "redshift"

// Params is the kind-specific parameter bundle of a task. Statements is a
// pure function of the parameters: the ordered SQL the task runs.
type Params interface {
	Kind() TaskKind
	// TargetTable is the table the task writes, or "" for tasks that only read.
	TargetTable() string
	Validate() error
	Statements() []core.Statement
}

// strategist is implemented by params with several independent checks.
type strategist interface {
	Strategy() core.ErrorStrategy
}

// redactor is implemented by params carrying secrets that must not appear in declarations.
type redactor interface {
	Redacted() Params
}

// RetryConfig is the "retry N times" policy an executor applies to a task.
// Tasks never retry on their own.
type RetryConfig struct {
	MaxRetries int
	Delay      time.Duration
}

// TaskMetadata holds descriptive metadata about a task
type TaskMetadata struct {
	Name        string
	Description string
	Kind        TaskKind
	RetryConfig *RetryConfig
	Timeout     time.Duration
	Tags        []string
	Owner       string
}

// TaskResult holds execution result metadata
type TaskResult struct {
	StartTime     time.Time
	EndTime       time.Time
	StatementsRun int
	RowCounts     map[string]int64
}

// Duration returns how long the task ran.
func (r TaskResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Task is a SQL-templated unit of work in a DAG. It is immutable once constructed.
type Task struct {
	id           string
	connID       string
	dependencies []string
	params       Params
	metadata     TaskMetadata
}

// TaskOption is a functional option for configuring tasks
type TaskOption func(*Task)

// WithRetries sets the retry configuration for a task
func WithRetries(maxRetries int, delay time.Duration) TaskOption {
	return func(t *Task) {
		t.metadata.RetryConfig = &RetryConfig{MaxRetries: maxRetries, Delay: delay}
	}
}

// WithTimeout sets the timeout for a task
func WithTimeout(timeout time.Duration) TaskOption {
	return func(t *Task) {
		t.metadata.Timeout = timeout
	}
}

// WithDescription sets the description for a task
func WithDescription(description string) TaskOption {
	return func(t *Task) {
		t.metadata.Description = description
	}
}

// WithTags adds tags to a task
func WithTags(tags ...string) TaskOption {
	return func(t *Task) {
		t.metadata.Tags = append(t.metadata.Tags, tags...)
	}
}

// WithOwner sets the owner for a task
func WithOwner(owner string) TaskOption {
	return func(t *Task) {
		t.metadata.Owner = owner
	}
}

// WithConnID sets the warehouse connection id the task runs against
func WithConnID(connID string) TaskOption {
	return func(t *Task) {
		t.connID = connID
	}
}

// NewTask creates a task. dependencies are the ids of its upstream tasks.
func NewTask(id string, params Params, dependencies []string, options ...TaskOption) *Task {
	task := &Task{
		id:           id,
		connID:       DefaultConnID,
		dependencies: append([]string(nil), dependencies...),
		params:       params,
	}
	if params != nil {
		task.metadata = TaskMetadata{Name: id, Kind: params.Kind()}
	}

	for _, opt := range options {
		opt(task)
	}

	return task
}

func (t *Task) ID() string     { return t.id }
func (t *Task) ConnID() string { return t.connID }
func (t *Task) Params() Params { return t.params }
func (t *Task) Kind() TaskKind { return t.metadata.Kind }

// Dependencies returns a copy of the upstream task ids.
func (t *Task) Dependencies() []string {
	return append([]string(nil), t.dependencies...)
}

// Metadata returns a copy of the task metadata.
func (t *Task) Metadata() TaskMetadata {
	md := t.metadata
	md.Tags = append([]string(nil), t.metadata.Tags...)
	if t.metadata.RetryConfig != nil {
		rc := *t.metadata.RetryConfig
		md.RetryConfig = &rc
	}
	return md
}

// Validate checks the task identity and its parameters.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.id) == "" {
		return core.ConfigErrorf("task id is required")
	}
	if t.params == nil {
		return core.ConfigErrorf("task %s has no parameters", t.id)
	}
	if t.params.Kind() != KindNoOp && strings.TrimSpace(t.connID) == "" {
		return core.ConfigErrorf("task %s has no connection id", t.id)
	}
	if t.metadata.Timeout < 0 {
		return core.ConfigErrorf("task %s has a negative timeout", t.id)
	}
	if rc := t.metadata.RetryConfig; rc != nil && (rc.MaxRetries < 0 || rc.Delay < 0) {
		return core.ConfigErrorf("task %s has a negative retry setting", t.id)
	}
	if err := t.params.Validate(); err != nil {
		return core.ConfigErrorf("task %s: %v", t.id, err)
	}
	return nil
}

// Execute runs the task's statements in order against client. It fails fast on
// the first statement error; there is no partial success.
func (t *Task) Execute(ctx context.Context, client core.WarehouseClient) (result TaskResult, err error) {
	result = TaskResult{StartTime: time.Now(), RowCounts: make(map[string]int64)}
	defer func() { result.EndTime = time.Now() }()

	if err := t.Validate(); err != nil {
		return result, t.fail(core.ErrConfiguration, t.targetTable(), err)
	}

	table := t.params.TargetTable()
	logger := ctxlog.FromContext(ctx).With("task", t.id, "kind", string(t.params.Kind()))
	if table != "" {
		logger.Info("task running for table", "table", table)
	}

	statements := t.params.Statements()
	if len(statements) > 0 && client == nil {
		return result, t.fail(core.ErrConnectionFailure, table, errors.New("no warehouse client"))
	}

	strategy := core.FailFast
	if s, ok := t.params.(strategist); ok {
		strategy = s.Strategy()
	}

	var failedTables []string
	var failures []error
	for _, stmt := range statements {
		if err := ctx.Err(); err != nil {
			return result, t.fail(core.KindOf(err), table, err)
		}

		if check := stmt.RowCount; check != nil {
			count, err := client.QueryRowCount(ctx, stmt.SQL)
			if err != nil {
				return result, t.fail(core.KindOf(err), check.Table, err)
			}
			result.StatementsRun++
			result.RowCounts[check.Table] = count

			if err := validators.Evaluate(check.Table, count, check.Predicate); err != nil {
				logger.Warn("data quality check failed", "table", check.Table, "rows", count)
				if strategy == core.FailFast {
					return result, t.fail(core.ErrEmptyTable, check.Table, err)
				}
				failedTables = append(failedTables, check.Table)
				failures = append(failures, err)
				continue
			}
			logger.Info("data quality check passed", "table", check.Table, "rows", count)
			continue
		}

		logger.Info(stmt.Label, "table", table)
		logger.Debug("executing statement", "sql", stmt.SQL)
		if err := client.Exec(ctx, stmt.SQL); err != nil {
			return result, t.fail(core.KindOf(err), table, err)
		}
		result.StatementsRun++
	}

	if len(failures) > 0 {
		return result, t.fail(core.ErrEmptyTable, strings.Join(failedTables, ", "), errors.Join(failures...))
	}

	return result, nil
}

func (t *Task) fail(kind error, table string, err error) error {
	return &core.TaskError{Kind: kind, Task: t.id, Table: table, Err: err}
}

func (t *Task) targetTable() string {
	if t.params == nil {
		return ""
	}
	return t.params.TargetTable()
}

// Declaration is the scheduler-facing description of a task.
type Declaration struct {
	ID          string        `json:"id"`
	Kind        TaskKind      `json:"kind"`
	ConnID      string        `json:"conn_id,omitempty"`
	Upstream    []string      `json:"upstream"`
	Description string        `json:"description,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Retries     int           `json:"retries"`
	RetryDelay  time.Duration `json:"retry_delay_ns"`
	Timeout     time.Duration `json:"timeout_ns,omitempty"`
	Params      Params        `json:"params"`
	Statements  []string      `json:"statements"`
}

// Declaration describes the task for registration with an external scheduler.
// Secrets in parameters are redacted.
func (t *Task) Declaration() Declaration {
	params := t.params
	if r, ok := params.(redactor); ok {
		params = r.Redacted()
	}

	decl := Declaration{
		ID:          t.id,
		Kind:        t.metadata.Kind,
		Upstream:    append([]string{}, t.dependencies...),
		Description: t.metadata.Description,
		Tags:        append([]string(nil), t.metadata.Tags...),
		Timeout:     t.metadata.Timeout,
		Params:      params,
		Statements:  []string{},
	}
	if decl.Kind != KindNoOp {
		decl.ConnID = t.connID
	}
	if rc := t.metadata.RetryConfig; rc != nil {
		decl.Retries = rc.MaxRetries
		decl.RetryDelay = rc.Delay
	}
	if params != nil {
		for _, stmt := range params.Statements() {
			decl.Statements = append(decl.Statements, stmt.SQL)
		}
	}
	return decl
}
