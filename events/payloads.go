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

package events

import (
	"time"

	"github.com/aaronlmathis/starload/dag"
)

// Type names a run lifecycle event.
type Type string

const (
	RunStarted       Type = "run_started"
	TaskStateChanged Type = "task_state_changed"
	// RunFinished marks the end of a run; downstream consumers treat it as
	// the completion marker.
	RunFinished Type = "run_finished"
)

// TaskPayload describes one task at the time of the event.
type TaskPayload struct {
	TaskID    string           `json:"task_id"`
	State     string           `json:"state"`
	Attempts  int              `json:"attempts"`
	StartTime *time.Time       `json:"start_time,omitempty"`
	EndTime   *time.Time       `json:"end_time,omitempty"`
	RowCounts map[string]int64 `json:"row_counts,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// RunEvent is the message value published for every event.
type RunEvent struct {
	Type         Type          `json:"type"`
	RunID        string        `json:"run_id"`
	DAGID        string        `json:"dag_id"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	Status       string        `json:"status"`
	OccurredAt   time.Time     `json:"occurred_at"`
	Task         *TaskPayload  `json:"task,omitempty"`  // task_state_changed only
	Tasks        []TaskPayload `json:"tasks,omitempty"` // run_finished only
}

func newRunEvent(typ Type, run dag.RunSnapshot, now time.Time) RunEvent {
	return RunEvent{
		Type:         typ,
		RunID:        run.ID,
		DAGID:        run.DAGID,
		ScheduledFor: run.ScheduledFor.UTC(),
		Status:       string(run.Status),
		OccurredAt:   now.UTC(),
	}
}

func taskPayload(t dag.TaskRun) TaskPayload {
	return TaskPayload{
		TaskID:    t.TaskID,
		State:     string(t.State),
		Attempts:  t.Attempts,
		StartTime: optionalTime(t.StartTime),
		EndTime:   optionalTime(t.EndTime),
		RowCounts: t.RowCounts,
		Error:     t.Error,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
