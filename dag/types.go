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

package dag

import (
	"time"

	"github.com/aaronlmathis/starload/dag/tasks"
)

// DAG represents a directed acyclic graph of tasks. It is immutable once
// built and may be shared by any number of runs.
type DAG struct {
	id           string
	name         string
	tasks        map[string]*tasks.Task
	order        []string // insertion order, used to break ties deterministically
	dependencies map[string][]string
	metadata     DAGMetadata
}

// DAGMetadata contains DAG-level configuration
type DAGMetadata struct {
	Description    string
	Schedule       string // cron expression, evaluated in UTC
	StartDate      time.Time
	EndDate        time.Time // zero means open-ended
	MaxParallelism int
	DefaultTimeout time.Duration
	DefaultRetries *tasks.RetryConfig
	Owner          string
}

// Declaration is the scheduler-facing description of a whole DAG.
type Declaration struct {
	ID          string              `json:"dag_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Schedule    string              `json:"schedule,omitempty"`
	StartDate   *time.Time          `json:"start_date,omitempty"`
	EndDate     *time.Time          `json:"end_date,omitempty"`
	Catchup     bool                `json:"catchup"`
	Tasks       []tasks.Declaration `json:"tasks"`
	Edges       [][2]string         `json:"edges"`
}
