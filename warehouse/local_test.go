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

package warehouse

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/dag/tasks"
	"github.com/aaronlmathis/starload/storage"
)

const role = "arn:aws:iam::123456789012:role/dwhRole"

const eventsDDL = `CREATE TABLE public.staging_events (
	artist VARCHAR(8),
	auth VARCHAR(32),
	page VARCHAR(32),
	ts BIGINT,
	start_time TIMESTAMP
)`

const eventsJSONPaths = `{"jsonpaths": ["$['artist']", "$['auth']", "$['page']", "$['ts']", "$['ts']"]}`

func localPool(t *testing.T, store storage.ObjectStore) *LocalPool {
	t.Helper()
	pool, err := NewLocalPool(filepath.Join(t.TempDir(), "local.db"), WithLocalStore(store), WithLocalBatchSize(2))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func eventsStore() *storage.MemStore {
	store := storage.NewMemStore()
	store.Put("udacity-dend", "log_json_path.json", []byte(eventsJSONPaths))
	store.Put("udacity-dend", "log_data/2018/11/2018-11-01-events.json", []byte(
		`{"artist":"Des'ree","auth":"Logged In","page":"NextSong","ts":1541105830796,"extra":"dropped"}
{"artist":"","auth":"Logged In","page":"Home","ts":1541106106796}
{"artist":"Sydney Youngblood","auth":"  ","page":"NextSong","ts":1541106352796}`))
	store.Put("udacity-dend", "log_data/2018/11/2018-11-02-events.json", []byte(
		`{"artist":"Tamba Trio","auth":"Logged In","page":"NextSong","ts":1541107053796}`))
	return store
}

func stageEvents(mapping string) *tasks.Task {
	return tasks.NewTask("Stage_events", tasks.StageParams{
		Table:       "public.staging_events",
		Source:      tasks.Source{Bucket: "udacity-dend", Prefix: "log_data"},
		Format:      tasks.JSONFormat(mapping),
		Region:      "us-west-2",
		Credentials: role,
	}, nil)
}

type eventRow struct {
	Artist    *string
	Auth      *string
	Page      string
	Ts        int64
	StartTime *time.Time
}

func TestLocalPool_StageWithJSONPaths(t *testing.T) {
	ctx := context.Background()
	pool := localPool(t, eventsStore())
	require.NoError(t, pool.Exec(ctx, eventsDDL))

	session, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer session.Close()

	// pre-existing rows are replaced
	require.NoError(t, pool.Exec(ctx, "INSERT INTO public.staging_events (page) VALUES ('stale'), ('stale')"))

	task := stageEvents("s3://udacity-dend/log_json_path.json")
	_, err = task.Execute(ctx, session)
	require.NoError(t, err)

	count, err := session.QueryRowCount(ctx, "SELECT COUNT(*) FROM public.staging_events")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	var rows []eventRow
	require.NoError(t, pool.DB().Table("staging_events").Order("ts").Find(&rows).Error)
	require.Len(t, rows, 4)

	require.NotNil(t, rows[0].Artist)
	assert.Equal(t, "Des'ree", *rows[0].Artist)
	assert.Equal(t, int64(1541105830796), rows[0].Ts)
	require.NotNil(t, rows[0].StartTime)
	assert.True(t, time.UnixMilli(1541105830796).Equal(*rows[0].StartTime))

	// empty string and blank are NULL
	assert.Nil(t, rows[1].Artist)
	assert.Nil(t, rows[2].Auth)
	// truncated to VARCHAR(8)
	require.NotNil(t, rows[2].Artist)
	assert.Equal(t, "Sydney Y", *rows[2].Artist)

	// running the stage again leaves the same row count
	_, err = task.Execute(ctx, session)
	require.NoError(t, err)
	count, err = session.QueryRowCount(ctx, "SELECT COUNT(*) FROM public.staging_events")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestLocalPool_StageAutoMapping(t *testing.T) {
	ctx := context.Background()
	pool := localPool(t, eventsStore())
	require.NoError(t, pool.Exec(ctx, eventsDDL))

	_, err := stageEvents("auto").Execute(ctx, pool)
	require.NoError(t, err)

	var rows []eventRow
	require.NoError(t, pool.DB().Table("staging_events").Order("ts").Find(&rows).Error)
	require.Len(t, rows, 4)
	assert.Equal(t, "NextSong", rows[0].Page)
	// start_time has no matching key
	assert.Nil(t, rows[0].StartTime)
}

func TestLocalPool_StageAutoMappingCase(t *testing.T) {
	tests := []struct {
		name    string
		mapping string
		artist  *string
		auth    *string
	}{
		{name: "auto is case sensitive", mapping: tasks.AutoMapping},
		{name: "auto ignorecase", mapping: tasks.AutoIgnoreCaseMapping, artist: strPtr("Des'ree"), auth: strPtr("Logged In")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemStore()
			store.Put("udacity-dend", "log_data/events.json", []byte(
				`{"Artist":"Des'ree","AUTH":"Logged In","page":"NextSong","ts":1541105830796}`))
			pool := localPool(t, store)
			require.NoError(t, pool.Exec(ctx, eventsDDL))

			_, err := stageEvents(tt.mapping).Execute(ctx, pool)
			require.NoError(t, err)

			var rows []eventRow
			require.NoError(t, pool.DB().Table("staging_events").Find(&rows).Error)
			require.Len(t, rows, 1)
			assert.Equal(t, "NextSong", rows[0].Page)
			assert.Equal(t, int64(1541105830796), rows[0].Ts)
			assert.Equal(t, tt.artist, rows[0].Artist)
			assert.Equal(t, tt.auth, rows[0].Auth)
		})
	}
}

func strPtr(s string) *string { return &s }

func TestLocalPool_StageCSV(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	store.Put("udacity-dend", "song_data/songs.csv", []byte("song_id|title|year\nS1|Intro|1999\nS2||\nS3|Long|2001|extra\n"))
	pool := localPool(t, store)
	require.NoError(t, pool.Exec(ctx, "CREATE TABLE staging_songs (song_id VARCHAR(16), title VARCHAR(64), year INTEGER)"))

	task := tasks.NewTask("Stage_songs", tasks.StageParams{
		Table:       "public.staging_songs",
		Source:      tasks.Source{Bucket: "udacity-dend", Prefix: "song_data"},
		Format:      tasks.CSVFormat("|", 1),
		Credentials: role,
	}, nil)
	_, err := task.Execute(ctx, pool)
	require.NoError(t, err)

	count, err := pool.QueryRowCount(ctx, "SELECT COUNT(*) FROM staging_songs")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	nulls, err := pool.QueryRowCount(ctx, "SELECT COUNT(*) FROM staging_songs WHERE title IS NULL AND year IS NULL")
	require.NoError(t, err)
	assert.Equal(t, int64(1), nulls)
}

func TestLocalPool_LoadAndQualityGate(t *testing.T) {
	ctx := context.Background()
	pool := localPool(t, eventsStore())
	require.NoError(t, pool.Exec(ctx, eventsDDL))
	require.NoError(t, pool.Exec(ctx, "CREATE TABLE public.artists (name VARCHAR(64))"))
	require.NoError(t, pool.Exec(ctx, "CREATE TABLE public.empty (name VARCHAR(64))"))

	_, err := stageEvents("auto").Execute(ctx, pool)
	require.NoError(t, err)

	load := tasks.NewTask("Load_artist_dim_table",
		tasks.DimensionLoad("public.artists", "SELECT DISTINCT artist FROM staging_events WHERE artist IS NOT NULL"), nil)
	for i := 0; i < 2; i++ {
		_, err = load.Execute(ctx, pool)
		require.NoError(t, err)
	}
	count, err := pool.QueryRowCount(ctx, "SELECT COUNT(*) FROM public.artists")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	gate := tasks.NewTask("Run_data_quality_checks", tasks.QualityGate("public.staging_events", "public.empty", "public.artists"), nil)
	result, err := gate.Execute(ctx, pool)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrEmptyTable))
	assert.Contains(t, err.Error(), "public.empty")
	assert.Equal(t, map[string]int64{"public.staging_events": 4, "public.empty": 0}, result.RowCounts)
}

func TestLocalPool_CopyFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		store   storage.ObjectStore
		ddl     string
		mapping string
		message string
	}{
		{
			name:    "no objects",
			store:   storage.NewMemStore(),
			ddl:     eventsDDL,
			mapping: "auto",
			message: "no objects found under s3://udacity-dend/log_data",
		},
		{
			name:    "missing table",
			store:   eventsStore(),
			mapping: "auto",
			message: "no such table: staging_events",
		},
		{
			name:    "jsonpaths mismatch",
			store:   eventsStore(),
			ddl:     "CREATE TABLE staging_events (artist TEXT)",
			mapping: "s3://udacity-dend/log_json_path.json",
			message: "number of jsonpaths (5) and columns (1) should match",
		},
		{
			name:    "no object store",
			ddl:     eventsDDL,
			mapping: "auto",
			message: "no object store configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := localPool(t, tt.store)
			if tt.ddl != "" {
				require.NoError(t, pool.Exec(ctx, tt.ddl))
			}

			_, err := stageEvents(tt.mapping).Execute(ctx, pool)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrStatementFailure), "got %v", err)
			assert.Contains(t, err.Error(), tt.message)
			assert.Contains(t, err.Error(), "task Stage_events (table public.staging_events)")
		})
	}
}

func TestLocalPool_Sessions(t *testing.T) {
	pool := localPool(t, nil)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	assert.True(t, errors.Is(err, core.ErrConnectionFailure))

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.SessionsAcquired)
	assert.Equal(t, int64(1), stats.SessionsReleased)

	_, err = NewLocalPool(filepath.Join(t.TempDir(), "x.db"), WithLocalBatchSize(0))
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestCoerce(t *testing.T) {
	spec := &CopySpec{TruncateColumns: true, BlanksAsNull: true, EmptyAsNull: true, EpochMillis: true}
	varchar := localColumn{Name: "name", Type: "VARCHAR(3)"}
	ts := localColumn{Name: "start_time", Type: "TIMESTAMP"}
	num := localColumn{Name: "ts", Type: "BIGINT"}

	v, err := coerce("abcdef", varchar, spec)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	v, err = coerce(map[string]any{"a": int64(1)}, localColumn{Name: "raw", Type: "TEXT"}, spec)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)

	v, err = coerce("1541105830796", ts, spec)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1541105830796).UTC(), v)

	v, err = coerce(int64(1541105830796), num, spec)
	require.NoError(t, err)
	assert.Equal(t, int64(1541105830796), v)

	strict := &CopySpec{}
	_, err = coerce("abcdef", varchar, strict)
	assert.Error(t, err)
	v, err = coerce("", varchar, strict)
	require.NoError(t, err)
	assert.Equal(t, "", v)
}
