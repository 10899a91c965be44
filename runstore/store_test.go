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

package runstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/dag/tasks"
	"github.com/aaronlmathis/starload/warehouse/warehousetest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testDAG(t *testing.T) *dag.DAG {
	t.Helper()
	d, err := dag.NewDAG("users", "Users").
		AddNoOpTask("begin", nil).
		AddLoadDimensionTask("load_users", "public.users", "SELECT 1", []string{"begin"}).
		AddQualityCheckTask("check", tasks.QualityGate("public.users"), []string{"load_users"}).
		Build()
	require.NoError(t, err)
	return d
}

func TestStore_RecordsExecutorRuns(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	wh := warehousetest.NewMemory()
	wh.DefineRows("SELECT 1", warehousetest.Row{"userid": 1}, warehousetest.Row{"userid": 2})

	snap, err := dag.NewDAGExecutor(wh, dag.WithObservers(store)).Execute(ctx, testDAG(t))
	require.NoError(t, err)

	got, err := store.Get(ctx, snap.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(snap, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("stored run mismatch (-executor +store):\n%s", diff)
	}

	check, ok := got.Task("check")
	require.True(t, ok)
	assert.Equal(t, dag.TaskSucceeded, check.State)
	assert.Equal(t, map[string]int64{"public.users": 2}, check.RowCounts)
	assert.Equal(t, []string{"begin", "load_users", "check"}, taskIDs(got))
}

func TestStore_FailedRun(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	wh := warehousetest.NewMemory()
	snap, err := dag.NewDAGExecutor(wh, dag.WithObservers(store)).Execute(ctx, testDAG(t))
	require.Error(t, err)

	got, err := store.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, dag.RunFailed, got.Status)

	load, _ := got.Task("load_users")
	assert.Equal(t, dag.TaskFailed, load.State)
	assert.Contains(t, load.Error, "undefined transformation query")
	check, _ := got.Task("check")
	assert.Equal(t, dag.TaskSkipped, check.State)
}

func TestStore_ListAndGet(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	base := time.Date(2020, 5, 24, 20, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		start := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Save(ctx, dag.RunSnapshot{
			ID:           id,
			DAGID:        "dag",
			ScheduledFor: start,
			Status:       dag.RunRunning,
			StartTime:    start,
			Tasks: []dag.TaskRun{
				{TaskID: "begin", State: dag.TaskPending},
				{TaskID: "stop", State: dag.TaskPending},
			},
		}))
	}

	require.NoError(t, store.SaveTask(ctx, "run-b", 1, dag.TaskRun{
		TaskID:    "stop",
		State:     dag.TaskSucceeded,
		Attempts:  2,
		StartTime: base,
		EndTime:   base.Add(time.Minute),
	}))

	runs, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	b, err := store.Get(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"begin", "stop"}, taskIDs(b))
	stop, _ := b.Task("stop")
	assert.Equal(t, dag.TaskSucceeded, stop.State)
	assert.Equal(t, 2, stop.Attempts)
	assert.True(t, base.Add(time.Minute).Equal(stop.EndTime))
	assert.True(t, b.EndTime.IsZero())

	_, err = store.Get(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunNotFound))
	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "get", serr.Op)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open("postgres", "dsn")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	_, err = Open("mysql", "starload:secret@tcp(127.0.0.1:1)/starload?parseTime=true&timeout=1s")
	assert.Error(t, err)
}

func taskIDs(snap dag.RunSnapshot) []string {
	ids := make([]string, len(snap.Tasks))
	for i, t := range snap.Tasks {
		ids[i] = t.TaskID
	}
	return ids
}
