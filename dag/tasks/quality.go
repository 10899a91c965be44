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

// quality.go - Row count quality gate over loaded tables
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/validators"
)

// QualityCheck pairs a table with the predicate its row count must satisfy.
// A nil predicate means non-empty.
type QualityCheck struct {
	Table     string
	Predicate core.RowCountPredicate
}

func (c QualityCheck) predicate() core.RowCountPredicate {
	if c.Predicate == nil {
		return validators.NonEmpty()
	}
	return c.Predicate
}

// MarshalJSON renders the predicate by its description.
func (c QualityCheck) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Table  string `json:"table"`
		Expect string `json:"expect"`
	}{c.Table, c.predicate().String()})
}

// QualityParams configure the quality gate. Checks run in order; with
// core.FailFast the gate stops at the first failing table.
type QualityParams struct {
	Checks    []QualityCheck
	OnFailure core.ErrorStrategy
}

// QualityGate returns params requiring every table to be non-empty.
func QualityGate(tables ...string) QualityParams {
	p := QualityParams{}
	for _, t := range tables {
		p = p.WithCheck(t, validators.NonEmpty())
	}
	return p
}

// WithCheck appends a check.
func (p QualityParams) WithCheck(table string, predicate core.RowCountPredicate) QualityParams {
	p.Checks = append(append([]QualityCheck(nil), p.Checks...), QualityCheck{Table: table, Predicate: predicate})
	return p
}

// CollectAll makes the gate check every table and report all failures.
func (p QualityParams) CollectAll() QualityParams {
	p.OnFailure = core.CollectErrors
	return p
}

func (p QualityParams) Kind() TaskKind               { return KindQualityCheck }
func (p QualityParams) TargetTable() string          { return "" }
func (p QualityParams) Strategy() core.ErrorStrategy { return p.OnFailure }

// Tables returns the checked tables in order.
func (p QualityParams) Tables() []string {
	tables := make([]string, 0, len(p.Checks))
	for _, c := range p.Checks {
		tables = append(tables, c.Table)
	}
	return tables
}

// Validate requires at least one check and valid table names.
func (p QualityParams) Validate() error {
	if len(p.Checks) == 0 {
		return errors.New("quality gate has no tables to check")
	}
	for _, c := range p.Checks {
		if !core.ValidTableName(c.Table) {
			return fmt.Errorf("invalid quality check table name %q", c.Table)
		}
	}
	switch p.OnFailure {
	case core.FailFast, core.CollectErrors:
	default:
		return fmt.Errorf("unknown failure strategy %v", p.OnFailure)
	}
	return nil
}

// Statements renders one row-count query per check.
func (p QualityParams) Statements() []core.Statement {
	stmts := make([]core.Statement, 0, len(p.Checks))
	for _, c := range p.Checks {
		stmts = append(stmts, core.Statement{
			Label:    "checking row count",
			SQL:      "SELECT COUNT(*) FROM " + c.Table,
			RowCount: &core.RowCountCheck{Table: c.Table, Predicate: c.predicate()},
		})
	}
	return stmts
}

// MarshalJSON renders the strategy by name.
func (p QualityParams) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Checks   []QualityCheck `json:"checks"`
		Strategy string         `json:"strategy"`
	}{p.Checks, p.OnFailure.String()})
}
