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
	"context"
	"regexp"
	"strings"
)

// Package core defines the core types for the StarLoad library.
//
// This file contains the statement model shared by every task kind and SQL
// literal helpers used when rendering statements.

// Statement is one SQL statement a task executes, in order.
// When RowCount is set the statement is a count query evaluated by the check
// instead of being executed for its side effects.
type Statement struct {
	Label    string // short description for logs (e.g. "truncate", "copy")
	SQL      string
	RowCount *RowCountCheck
}

// RowCountCheck attaches a table and predicate to a count statement.
type RowCountCheck struct {
	Table     string
	Predicate RowCountPredicate
}

// RowCountPredicate decides whether an observed row count is acceptable.
type RowCountPredicate interface {
	Holds(count int64) bool
	String() string
}

// ClientFunc adapts a function pair to WarehouseClient. Useful for tests and wrappers.
type ClientFunc struct {
	ExecFn  func(ctx context.Context, statement string) error
	CountFn func(ctx context.Context, query string) (int64, error)
}

// Exec implements WarehouseClient.
func (f ClientFunc) Exec(ctx context.Context, statement string) error {
	return f.ExecFn(ctx, statement)
}

// QueryRowCount implements WarehouseClient.
func (f ClientFunc) QueryRowCount(ctx context.Context, query string) (int64, error) {
	return f.CountFn(ctx, query)
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

// ValidTableName reports whether name is a plain or schema-qualified identifier.
// Table names are interpolated into SQL, so anything else is rejected.
func ValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
