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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/runstore"
	"github.com/aaronlmathis/starload/scheduler"
)

type fakeRunner struct {
	d          *dag.DAG
	triggerID  string
	triggerErr error
	active     *dag.RunSnapshot
	last       *dag.RunSnapshot
}

func (f *fakeRunner) DAG() *dag.DAG { return f.d }

func (f *fakeRunner) Trigger(ctx context.Context) (string, error) {
	return f.triggerID, f.triggerErr
}

func (f *fakeRunner) Active() (dag.RunSnapshot, bool) {
	if f.active == nil {
		return dag.RunSnapshot{}, false
	}
	return *f.active, true
}

func (f *fakeRunner) Last() (dag.RunSnapshot, bool) {
	if f.last == nil {
		return dag.RunSnapshot{}, false
	}
	return *f.last, true
}

func newFakeRunner(t *testing.T) *fakeRunner {
	t.Helper()
	d, err := dag.NewDAG("sparkify", "Sparkify").
		WithSchedule("0 * * * *").
		AddNoOpTask("begin", nil).
		AddNoOpTask("stop", []string{"begin"}).
		Build()
	require.NoError(t, err)
	return &fakeRunner{d: d}
}

func snapshot(id string, status dag.RunStatus, start time.Time) dag.RunSnapshot {
	return dag.RunSnapshot{
		ID:           id,
		DAGID:        "sparkify",
		ScheduledFor: start.Truncate(time.Hour),
		Status:       status,
		StartTime:    start,
		Tasks: []dag.TaskRun{
			{TaskID: "begin", State: dag.TaskSucceeded, Attempts: 1, StartTime: start, EndTime: start.Add(time.Second)},
			{TaskID: "stop", State: dag.TaskPending},
		},
	}
}

func setupTestRouter(runner Runner, opts ...Option) *route.Engine {
	hlog.SetLevel(hlog.LevelFatal)
	opts = append([]Option{WithAddr("127.0.0.1:0"), WithExitWaitTime(0)}, opts...)
	return NewServer(runner, opts...).Engine()
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestPing(t *testing.T) {
	router := setupTestRouter(newFakeRunner(t))

	resp := ut.PerformRequest(router, "GET", "/ping", nil).Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.JSONEq(t, `{"message":"pong"}`, string(resp.Body()))
}

func TestGetDAG(t *testing.T) {
	router := setupTestRouter(newFakeRunner(t))

	resp := ut.PerformRequest(router, "GET", "/dag", nil).Result()
	require.Equal(t, http.StatusOK, resp.StatusCode())

	decl := decode[struct {
		ID       string `json:"dag_id"`
		Schedule string `json:"schedule"`
		Tasks    []struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"tasks"`
		Edges [][2]string `json:"edges"`
	}](t, resp.Body())
	assert.Equal(t, "sparkify", decl.ID)
	assert.Equal(t, "0 * * * *", decl.Schedule)
	require.Len(t, decl.Tasks, 2)
	assert.Equal(t, "begin", decl.Tasks[0].ID)
	assert.Equal(t, [][2]string{{"begin", "stop"}}, decl.Edges)
}

func TestTriggerRun(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"accepted", "run-1", nil, http.StatusAccepted, `{"run_id":"run-1"}`},
		{"in progress", "", fmt.Errorf("%w: run-0", scheduler.ErrRunInProgress), http.StatusConflict, `{"error":"a run is already in progress: run-0"}`},
		{"stopped", "", scheduler.ErrStopped, http.StatusServiceUnavailable, `{"error":"scheduler is stopped"}`},
		{"failure", "", fmt.Errorf("boom"), http.StatusInternalServerError, `{"error":"Error triggering run: boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner(t)
			runner.triggerID, runner.triggerErr = tt.id, tt.err
			router := setupTestRouter(runner)

			resp := ut.PerformRequest(router, "POST", "/runs", nil).Result()
			assert.Equal(t, tt.wantStatus, resp.StatusCode())
			assert.JSONEq(t, tt.wantBody, string(resp.Body()))
		})
	}
}

func TestListRuns_WithoutHistory(t *testing.T) {
	now := time.Date(2018, 11, 1, 21, 5, 0, 0, time.UTC)
	runner := newFakeRunner(t)
	active := snapshot("run-2", dag.RunRunning, now)
	last := snapshot("run-1", dag.RunFailed, now.Add(-time.Hour))
	runner.active, runner.last = &active, &last
	router := setupTestRouter(runner)

	resp := ut.PerformRequest(router, "GET", "/runs", nil).Result()
	require.Equal(t, http.StatusOK, resp.StatusCode())
	body := decode[struct {
		Runs []RunResponse `json:"runs"`
	}](t, resp.Body())
	require.Len(t, body.Runs, 2)
	assert.Equal(t, "run-2", body.Runs[0].ID)
	assert.Equal(t, "running", body.Runs[0].Status)
	assert.Equal(t, "run-1", body.Runs[1].ID)
	assert.Equal(t, "succeeded", body.Runs[1].Tasks[0].State)
	assert.Nil(t, body.Runs[1].Tasks[1].StartTime)

	resp = ut.PerformRequest(router, "GET", "/runs?limit=1", nil).Result()
	body = decode[struct {
		Runs []RunResponse `json:"runs"`
	}](t, resp.Body())
	require.Len(t, body.Runs, 1)

	for _, bad := range []string{"0", "-3", "ten"} {
		resp = ut.PerformRequest(router, "GET", "/runs?limit="+bad, nil).Result()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode(), bad)
	}

	resp = ut.PerformRequest(router, "GET", "/runs/run-1", nil).Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "run-1", decode[RunResponse](t, resp.Body()).ID)

	resp = ut.PerformRequest(router, "GET", "/runs/missing", nil).Result()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())
}

func TestRuns_WithHistory(t *testing.T) {
	store, err := runstore.Open("sqlite", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Date(2018, 11, 1, 21, 5, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		snap := snapshot(fmt.Sprintf("run-%d", i), dag.RunSucceeded, now.Add(time.Duration(i)*time.Hour))
		snap.EndTime = snap.StartTime.Add(time.Minute)
		require.NoError(t, store.Save(ctx, snap))
	}

	runner := newFakeRunner(t)
	active := snapshot("run-2", dag.RunRunning, now.Add(2*time.Hour))
	runner.active = &active
	router := setupTestRouter(runner, WithHistory(store))

	resp := ut.PerformRequest(router, "GET", "/runs?limit=2", nil).Result()
	require.Equal(t, http.StatusOK, resp.StatusCode())
	body := decode[struct {
		Runs []RunResponse `json:"runs"`
	}](t, resp.Body())
	require.Len(t, body.Runs, 2)
	assert.Equal(t, "run-2", body.Runs[0].ID)
	assert.Equal(t, "running", body.Runs[0].Status, "active run overrides the stored copy")
	assert.Equal(t, "run-1", body.Runs[1].ID)
	assert.Equal(t, "succeeded", body.Runs[1].Status)

	resp = ut.PerformRequest(router, "GET", "/runs/run-0", nil).Result()
	require.Equal(t, http.StatusOK, resp.StatusCode())
	run := decode[RunResponse](t, resp.Body())
	assert.Equal(t, "sparkify", run.DAGID)
	require.NotNil(t, run.EndTime)
	assert.True(t, now.Add(time.Minute).Equal(*run.EndTime), run.EndTime)
	require.Len(t, run.Tasks, 2)

	resp = ut.PerformRequest(router, "GET", "/runs/unknown", nil).Result()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())
	assert.JSONEq(t, `{"error":"Run not found"}`, string(resp.Body()))
}
