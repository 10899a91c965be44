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

package core

import (
	"errors"
	"fmt"
	"strings"
)

// Package core defines the error handling types for the StarLoad library.
//
// This file contains the error kinds surfaced by task operators, the error
// structs that carry them, and the failure strategies used by multi-check tasks.

// Error kinds. Every failure reported by an operator or a warehouse client
// matches exactly one of these with errors.Is.
var (
	// ErrConnectionFailure means the warehouse could not be reached.
	ErrConnectionFailure = errors.New("connection failure")
	// ErrStatementFailure means a statement reached the warehouse and was rejected.
	ErrStatementFailure = errors.New("statement failure")
	// ErrEmptyTable means a quality check observed zero or otherwise invalid rows.
	ErrEmptyTable = errors.New("empty table failure")
	// ErrConfiguration means a required parameter is missing or malformed.
	ErrConfiguration = errors.New("configuration error")
)

// ErrorStrategy defines how a task with several independent checks reacts to a failing check.
type ErrorStrategy int

const (
	// FailFast stops at the first failing check.
	FailFast ErrorStrategy = iota
	// CollectErrors runs every check and reports all failures together.
	CollectErrors
)

// String returns the configuration name of the strategy.
func (s ErrorStrategy) String() string {
	switch s {
	case FailFast:
		return "fail_fast"
	case CollectErrors:
		return "collect_errors"
	default:
		return fmt.Sprintf("ErrorStrategy(%d)", int(s))
	}
}

// ParseErrorStrategy maps a configuration name to an ErrorStrategy.
// The empty string selects FailFast.
func ParseErrorStrategy(name string) (ErrorStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fail_fast":
		return FailFast, nil
	case "collect_errors":
		return CollectErrors, nil
	default:
		return FailFast, fmt.Errorf("%w: unknown error strategy %q", ErrConfiguration, name)
	}
}

// WarehouseError is returned by WarehouseClient implementations.
// Kind is ErrConnectionFailure or ErrStatementFailure.
type WarehouseError struct {
	Kind      error
	Statement string
	Err       error
}

// Error returns the error string for WarehouseError.
func (e *WarehouseError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind and the driver error.
func (e *WarehouseError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// TaskError is the failure reported by a task operator. It names the task,
// the target table and the underlying cause.
type TaskError struct {
	Kind  error
	Task  string
	Table string
	Err   error
}

// Error returns the error string for TaskError.
// The kind is omitted when the cause already names it.
func (e *TaskError) Error() string {
	cause := fmt.Sprintf("%v: %v", e.Kind, e.Err)
	if errors.Is(e.Err, e.Kind) {
		cause = e.Err.Error()
	}
	if e.Table == "" {
		return fmt.Sprintf("task %s: %s", e.Task, cause)
	}
	return fmt.Sprintf("task %s (table %s): %s", e.Task, e.Table, cause)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *TaskError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindOf returns the error kind carried by err, defaulting to ErrStatementFailure
// for errors that did not come from a classified source.
func KindOf(err error) error {
	for _, kind := range []error{ErrConnectionFailure, ErrStatementFailure, ErrEmptyTable, ErrConfiguration} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrStatementFailure
}

// ConfigErrorf builds an ErrConfiguration error.
func ConfigErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
