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

// Package warehousetest provides an in-memory warehouse for tests.
//
// Memory understands the four statement shapes task operators render
// (TRUNCATE, COPY, INSERT ... SELECT and SELECT COUNT(*)), records every
// statement it receives and can be told to fail on chosen statements.
package warehousetest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aaronlmathis/starload/core"
)

// Row is one table row keyed by column name.
type Row map[string]any

// QueryFunc produces the rows of a transformation query. read returns a copy
// of a table's current rows.
type QueryFunc func(read func(table string) []Row) []Row

var (
	truncatePattern = regexp.MustCompile(`(?is)^\s*TRUNCATE\s+TABLE\s+(\S+)\s*$`)
	copyPattern     = regexp.MustCompile(`(?is)^\s*COPY\s+(\S+)\s+FROM\s+'([^']*)'`)
	insertPattern   = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+(\S+)\s+(.*)$`)
	countPattern    = regexp.MustCompile(`(?is)^\s*SELECT\s+COUNT\(\*\)\s+FROM\s+(\S+)\s*$`)
)

type failure struct {
	fragment string
	err      error
}

// Memory is a goroutine-safe fake warehouse. It also acts as a
// core.ConnectionRegistry handing out sessions over itself.
type Memory struct {
	mu         sync.Mutex
	tables     map[string][]Row
	sources    map[string][]Row
	queries    map[string]QueryFunc
	failures   []failure
	down       map[string]error
	statements []string
	acquired   int
	released   int
}

// NewMemory returns an empty warehouse.
func NewMemory() *Memory {
	return &Memory{
		tables:  make(map[string][]Row),
		sources: make(map[string][]Row),
		queries: make(map[string]QueryFunc),
		down:    make(map[string]error),
	}
}

// AddSource registers rows stored under an object storage URI. A COPY from a
// prefix loads every source whose URI starts with it.
func (m *Memory) AddSource(uri string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[uri] = append(m.sources[uri], rows...)
}

// Define registers the result of a transformation query.
func (m *Memory) Define(query string, fn QueryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[normalize(query)] = fn
}

// DefineRows registers a transformation query returning fixed rows.
func (m *Memory) DefineRows(query string, rows ...Row) {
	m.Define(query, func(func(string) []Row) []Row { return rows })
}

// Seed appends rows to a table directly.
func (m *Memory) Seed(table string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], cloneRows(rows)...)
}

// FailOn makes every statement containing fragment fail with err. A nil err
// becomes a statement failure.
func (m *Memory) FailOn(fragment string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, failure{fragment: fragment, err: err})
}

// Disconnect makes Acquire fail for connID.
func (m *Memory) Disconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[connID] = errors.New("connection refused")
}

// Rows returns a copy of a table's rows.
func (m *Memory) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRows(m.tables[table])
}

// Count returns the number of rows in table.
func (m *Memory) Count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Statements returns every statement received, in order.
func (m *Memory) Statements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statements...)
}

// Sessions reports how many sessions were acquired and released.
func (m *Memory) Sessions() (acquired, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

// Exec implements core.WarehouseClient.
func (m *Memory) Exec(ctx context.Context, statement string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.statements = append(m.statements, statement)
	if err := m.injected(statement); err != nil {
		return err
	}

	if match := truncatePattern.FindStringSubmatch(statement); match != nil {
		delete(m.tables, match[1])
		return nil
	}
	if match := copyPattern.FindStringSubmatch(statement); match != nil {
		var loaded []Row
		for uri, rows := range m.sources {
			if strings.HasPrefix(uri, match[2]) {
				loaded = append(loaded, rows...)
			}
		}
		if len(loaded) == 0 {
			return rejected(statement, fmt.Errorf("no objects found under %s", match[2]))
		}
		m.tables[match[1]] = append(m.tables[match[1]], cloneRows(loaded)...)
		return nil
	}
	if match := insertPattern.FindStringSubmatch(statement); match != nil {
		fn, ok := m.queries[normalize(match[2])]
		if !ok {
			return rejected(statement, errors.New("undefined transformation query"))
		}
		rows := fn(m.read)
		m.tables[match[1]] = append(m.tables[match[1]], cloneRows(rows)...)
		return nil
	}
	return rejected(statement, errors.New("syntax error"))
}

// QueryRowCount implements core.WarehouseClient.
func (m *Memory) QueryRowCount(ctx context.Context, query string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.statements = append(m.statements, query)
	if err := m.injected(query); err != nil {
		return 0, err
	}

	match := countPattern.FindStringSubmatch(query)
	if match == nil {
		return 0, rejected(query, errors.New("unsupported count query"))
	}
	return int64(len(m.tables[match[1]])), nil
}

// Acquire implements core.ConnectionRegistry.
func (m *Memory) Acquire(ctx context.Context, connID string) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.down[connID]; ok {
		return nil, &core.WarehouseError{Kind: core.ErrConnectionFailure, Err: err}
	}
	m.acquired++
	return &session{Memory: m}, nil
}

type session struct {
	*Memory
	once sync.Once
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	})
	return nil
}

// read is called with m.mu held.
func (m *Memory) read(table string) []Row {
	return cloneRows(m.tables[table])
}

// injected is called with m.mu held.
func (m *Memory) injected(statement string) error {
	for _, f := range m.failures {
		if !strings.Contains(statement, f.fragment) {
			continue
		}
		if f.err == nil {
			return rejected(statement, errors.New("injected failure"))
		}
		var werr *core.WarehouseError
		if errors.As(f.err, &werr) {
			return f.err
		}
		return rejected(statement, f.err)
	}
	return nil
}

func rejected(statement string, err error) error {
	return &core.WarehouseError{Kind: core.ErrStatementFailure, Statement: statement, Err: err}
}

func normalize(query string) string {
	return strings.Join(strings.Fields(strings.TrimRight(strings.TrimSpace(query), ";")), " ")
}

func cloneRows(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		c := make(Row, len(r))
		for k, v := range r {
			c[k] = v
		}
		out = append(out, c)
	}
	return out
}
