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

// noop.go - Marker tasks with no statements
package tasks

import "github.com/aaronlmathis/starload/core"

// NoOpParams mark the entry and exit of a graph. They run nothing.
type NoOpParams struct{}

// NoOp returns marker params.
func NoOp() NoOpParams { return NoOpParams{} }

func (NoOpParams) Kind() TaskKind               { return KindNoOp }
func (NoOpParams) TargetTable() string          { return "" }
func (NoOpParams) Validate() error              { return nil }
func (NoOpParams) Statements() []core.Statement { return nil }
