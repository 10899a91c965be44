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

// validators.go - Row count predicates for data quality checks
package validators

import (
	"fmt"

	"github.com/aaronlmathis/starload/core"
)

// RowCountValidator implements core.RowCountPredicate with record count bounds.
// MaxRows of 0 means unlimited.
type RowCountValidator struct {
	MinRows int64 // Minimum number of rows required
	MaxRows int64 // Maximum number of rows allowed (0 = unlimited)
}

// Holds reports whether count is inside the configured bounds.
func (v RowCountValidator) Holds(count int64) bool {
	if count < v.MinRows {
		return false
	}
	if v.MaxRows > 0 && count > v.MaxRows {
		return false
	}
	return true
}

// String describes the expected count.
func (v RowCountValidator) String() string {
	switch {
	case v.MaxRows > 0 && v.MinRows == v.MaxRows:
		return fmt.Sprintf("exactly %d rows", v.MinRows)
	case v.MaxRows > 0:
		return fmt.Sprintf("between %d and %d rows", v.MinRows, v.MaxRows)
	case v.MinRows == 1:
		return "at least one row"
	default:
		return fmt.Sprintf("at least %d rows", v.MinRows)
	}
}

// NonEmpty requires a row count greater than zero.
func NonEmpty() core.RowCountPredicate {
	return RowCountValidator{MinRows: 1}
}

// MinRows requires at least n rows.
func MinRows(n int64) core.RowCountPredicate {
	return RowCountValidator{MinRows: n}
}

// RowRange requires between min and max rows inclusive.
func RowRange(min, max int64) core.RowCountPredicate {
	return RowCountValidator{MinRows: min, MaxRows: max}
}

// ExactRows requires exactly n rows. ExactRows(0) is expressed as an
// explicit predicate since a zero MaxRows means unlimited.
func ExactRows(n int64) core.RowCountPredicate {
	if n == 0 {
		return PredicateFunc("exactly 0 rows", func(count int64) bool { return count == 0 })
	}
	return RowCountValidator{MinRows: n, MaxRows: n}
}

// funcPredicate adapts a function to core.RowCountPredicate.
type funcPredicate struct {
	name string
	fn   func(int64) bool
}

func (p funcPredicate) Holds(count int64) bool { return p.fn(count) }
func (p funcPredicate) String() string         { return p.name }

// PredicateFunc builds a custom predicate. name is used in failure messages.
func PredicateFunc(name string, fn func(count int64) bool) core.RowCountPredicate {
	return funcPredicate{name: name, fn: fn}
}

// Evaluate applies predicate to an observed count for table and returns an
// error describing the mismatch, or nil. Callers attach the error kind.
func Evaluate(table string, count int64, predicate core.RowCountPredicate) error {
	if predicate == nil {
		predicate = NonEmpty()
	}
	if predicate.Holds(count) {
		return nil
	}
	return fmt.Errorf("%s returned %d rows, expected %s", table, count, predicate)
}
