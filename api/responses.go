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

package api

import (
	"time"

	"github.com/aaronlmathis/starload/dag"
)

type TaskRunResponse struct {
	TaskID    string           `json:"task_id"`
	State     string           `json:"state"`
	Attempts  int              `json:"attempts"`
	StartTime *time.Time       `json:"start_time,omitempty"`
	EndTime   *time.Time       `json:"end_time,omitempty"`
	RowCounts map[string]int64 `json:"row_counts,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type RunResponse struct {
	ID           string            `json:"run_id"`
	DAGID        string            `json:"dag_id"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	Status       string            `json:"status"`
	StartTime    *time.Time        `json:"start_time,omitempty"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Tasks        []TaskRunResponse `json:"tasks"`
}

func newRunResponse(snap dag.RunSnapshot) RunResponse {
	resp := RunResponse{
		ID:           snap.ID,
		DAGID:        snap.DAGID,
		ScheduledFor: snap.ScheduledFor.UTC(),
		Status:       string(snap.Status),
		StartTime:    timePtr(snap.StartTime),
		EndTime:      timePtr(snap.EndTime),
		Tasks:        make([]TaskRunResponse, 0, len(snap.Tasks)),
	}
	for _, t := range snap.Tasks {
		resp.Tasks = append(resp.Tasks, TaskRunResponse{
			TaskID:    t.TaskID,
			State:     string(t.State),
			Attempts:  t.Attempts,
			StartTime: timePtr(t.StartTime),
			EndTime:   timePtr(t.EndTime),
			RowCounts: t.RowCounts,
			Error:     t.Error,
		})
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
