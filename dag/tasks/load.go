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

// load.go - Fact and dimension loads from a transformation query
package tasks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aaronlmathis/starload/core"
)

// LoadParams configure a fact or dimension load. With TruncateBeforeLoad the
// table is cleared first, which makes repeated runs converge to the same
// contents. Without it the insert is additive.
type LoadParams struct {
	kind               TaskKind
	Table              string `json:"table"`
	Query              string `json:"query"`
	TruncateBeforeLoad bool   `json:"truncate_before_load"`
}

// FactLoad returns params that reload a fact table from query.
func FactLoad(table, query string) LoadParams {
	return LoadParams{kind: KindLoadFact, Table: table, Query: query, TruncateBeforeLoad: true}
}

// DimensionLoad returns params that reload a dimension table from query.
func DimensionLoad(table, query string) LoadParams {
	return LoadParams{kind: KindLoadDimension, Table: table, Query: query, TruncateBeforeLoad: true}
}

// WithTruncate sets the truncate flag.
func (p LoadParams) WithTruncate(truncate bool) LoadParams {
	p.TruncateBeforeLoad = truncate
	return p
}

// Append disables truncation. Only safe when the query itself skips rows
// already present in the table.
func (p LoadParams) Append() LoadParams {
	return p.WithTruncate(false)
}

func (p LoadParams) Kind() TaskKind {
	if p.kind == "" {
		return KindLoadDimension
	}
	return p.kind
}

func (p LoadParams) TargetTable() string { return p.Table }

// Validate checks the table name and that the query is a row-producing select.
func (p LoadParams) Validate() error {
	if !core.ValidTableName(p.Table) {
		return fmt.Errorf("invalid target table name %q", p.Table)
	}
	q := p.query()
	if q == "" {
		return errors.New("transformation query is required")
	}
	head := strings.ToUpper(q)
	if !strings.HasPrefix(head, "SELECT") && !strings.HasPrefix(head, "WITH") && !strings.HasPrefix(head, "(") {
		return fmt.Errorf("transformation query for %s must be a SELECT", p.Table)
	}
	return nil
}

// Statements renders the optional TRUNCATE and the INSERT ... SELECT.
func (p LoadParams) Statements() []core.Statement {
	var stmts []core.Statement
	if p.TruncateBeforeLoad {
		stmts = append(stmts, core.Statement{Label: "truncating table", SQL: "TRUNCATE TABLE " + p.Table})
	}
	return append(stmts, core.Statement{
		Label: "loading table",
		SQL:   "INSERT INTO " + p.Table + "\n" + p.query(),
	})
}

func (p LoadParams) query() string {
	return strings.TrimRight(strings.TrimSpace(p.Query), "; \n\t")
}

