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
)

// Package core defines the core interfaces for the StarLoad library.
//
// StarLoad describes a DAG of warehouse-loading steps with truncate-and-reload
// idempotence and a data-quality gate, runnable by any scheduler.
//
// This file contains the warehouse collaborator interfaces that task operators run against.

// WarehouseClient executes statements against the warehouse.
// Implementations classify failures as *WarehouseError.
type WarehouseClient interface {
	// Exec runs a statement that returns no rows (TRUNCATE, COPY, INSERT ... SELECT).
	Exec(ctx context.Context, statement string) error
	// QueryRowCount runs a query returning a single integer (SELECT COUNT(*) ...).
	QueryRowCount(ctx context.Context, query string) (int64, error)
}

// Session is a WarehouseClient bound to one connection for the duration of a task.
type Session interface {
	WarehouseClient
	// Close releases the connection back to its owner.
	Close() error
}

// ConnectionRegistry hands out warehouse sessions by connection id.
// The scheduler (or the reference executor) owns the registry; tasks only see a WarehouseClient.
type ConnectionRegistry interface {
	// Acquire returns a session for connID. The caller must Close it.
	Acquire(ctx context.Context, connID string) (Session, error)
}
