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

package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/starload/config"
	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/dag/tasks"
	"github.com/aaronlmathis/starload/storage"
	"github.com/aaronlmathis/starload/warehouse"
	"github.com/aaronlmathis/starload/warehouse/warehousetest"
)

const role = "arn:aws:iam::123456789012:role/dwhRole"

func testConfig(driver string) *config.Config {
	cfg := config.Default()
	cfg.Warehouse.Driver = driver
	cfg.Warehouse.DSN = "postgres://u:p@cluster:5439/dev"
	cfg.Warehouse.IAMRole = role
	cfg.DAG.Retries = 0
	return cfg
}

func TestBuildSparkifyDAG_Structure(t *testing.T) {
	d, err := BuildSparkifyDAG(testConfig("redshift"))
	require.NoError(t, err)

	assert.Equal(t, "dag", d.ID())
	assert.Equal(t, TaskIDs(), d.TaskIDs())
	assert.Empty(t, d.ValidateDAGStructure())

	order, err := d.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, BeginExecution, order[0])
	assert.Equal(t, StopExecution, order[len(order)-1])

	levels, err := d.Levels()
	require.NoError(t, err)
	want := [][]string{
		{BeginExecution},
		{StageEvents, StageSongs},
		{LoadSongplaysFact},
		{LoadUserDimension, LoadSongDimension, LoadArtistDimension, LoadTimeDimension},
		{RunDataQualityChecks},
		{StopExecution},
	}
	if diff := cmp.Diff(want, levels); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{StageEvents, StageSongs}, d.Upstream(LoadSongplaysFact))
	for _, id := range []string{LoadUserDimension, LoadSongDimension, LoadArtistDimension, LoadTimeDimension} {
		assert.Equal(t, []string{LoadSongplaysFact}, d.Upstream(id), id)
	}
	assert.ElementsMatch(t,
		[]string{LoadUserDimension, LoadSongDimension, LoadArtistDimension, LoadTimeDimension},
		d.Upstream(RunDataQualityChecks))
	assert.Equal(t, []string{StageEvents, StageSongs}, d.TasksByKind(tasks.KindStage))
	assert.Len(t, d.TasksByKind(tasks.KindLoadDimension), 4)

	md := d.Metadata()
	assert.Equal(t, "0 * * * *", md.Schedule)
	require.NotNil(t, md.DefaultRetries)
	assert.Zero(t, md.DefaultRetries.MaxRetries)
	assert.Equal(t, 4, md.MaxParallelism)
}

func TestBuildSparkifyDAG_Statements(t *testing.T) {
	d, err := BuildSparkifyDAG(testConfig("redshift"))
	require.NoError(t, err)

	stage, ok := d.Task(StageEvents)
	require.True(t, ok)
	stmts := stage.Params().Statements()
	require.Len(t, stmts, 2)
	assert.Equal(t, "TRUNCATE TABLE public.staging_events", stmts[0].SQL)
	assert.Contains(t, stmts[1].SQL, "FROM 's3://udacity-dend/log_data'")
	assert.Contains(t, stmts[1].SQL, "IAM_ROLE '"+role+"'")
	assert.Contains(t, stmts[1].SQL, "JSON 's3://udacity-dend/log_json_path.json'")
	assert.Contains(t, stmts[1].SQL, "REGION 'us-west-2'")

	songs, _ := d.Task(StageSongs)
	assert.Contains(t, songs.Params().Statements()[1].SQL, "JSON 'auto'")

	fact, _ := d.Task(LoadSongplaysFact)
	stmts = fact.Params().Statements()
	require.Len(t, stmts, 2)
	assert.Equal(t, "TRUNCATE TABLE public.songplays", stmts[0].SQL)
	assert.True(t, strings.HasPrefix(stmts[1].SQL, "INSERT INTO public.songplays\nSELECT"))
	assert.Contains(t, stmts[1].SQL, "md5(")

	gate, _ := d.Task(RunDataQualityChecks)
	stmts = gate.Params().Statements()
	require.Len(t, stmts, 7)
	assert.Equal(t, "SELECT COUNT(*) FROM public.staging_events", stmts[0].SQL)
	assert.Equal(t, "SELECT COUNT(*) FROM public.time", stmts[6].SQL)
}

func TestBuildSparkifyDAG_Options(t *testing.T) {
	cfg := testConfig("local")
	cfg.Load.TruncateDimensions = false
	cfg.Quality.Tables = []string{"public.songplays", "public.users"}
	cfg.Quality.MinRows = map[string]int64{"public.songplays": 100}
	cfg.Quality.Strategy = "collect_errors"
	cfg.Source.Songs.Format = "csv"
	cfg.Source.Songs.Delimiter = "|"
	cfg.Source.Songs.IgnoreHeader = 1

	d, err := BuildSparkifyDAG(cfg)
	require.NoError(t, err)

	dim, _ := d.Task(LoadUserDimension)
	assert.Len(t, dim.Params().Statements(), 1, "append-only dimension load")

	fact, _ := d.Task(LoadSongplaysFact)
	assert.Contains(t, fact.Params().Statements()[1].SQL, "datetime(ts / 1000, 'unixepoch')")

	songs, _ := d.Task(StageSongs)
	copyStmt := songs.Params().Statements()[1].SQL
	assert.Contains(t, copyStmt, "CSV DELIMITER '|'")
	assert.Contains(t, copyStmt, "IGNOREHEADER 1")

	gate, _ := d.Task(RunDataQualityChecks)
	params, ok := gate.Params().(tasks.QualityParams)
	require.True(t, ok)
	assert.Equal(t, core.CollectErrors, params.OnFailure)
	require.Len(t, params.Checks, 2)
	assert.Equal(t, "at least 100 rows", params.Checks[0].Predicate.String())
	assert.Equal(t, "at least one row", params.Checks[1].Predicate.String())
}

func TestBuildSparkifyDAG_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "driver", mutate: func(c *config.Config) { c.Warehouse.Driver = "oracle" }},
		{name: "format", mutate: func(c *config.Config) { c.Source.Events.Format = "avro" }},
		{name: "strategy", mutate: func(c *config.Config) { c.Quality.Strategy = "ignore" }},
		{name: "credentials", mutate: func(c *config.Config) { c.Warehouse.IAMRole = "" }},
		{name: "conn id", mutate: func(c *config.Config) { c.Warehouse.ConnID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("redshift")
			tt.mutate(cfg)
			_, err := BuildSparkifyDAG(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrConfiguration) || errors.Is(err, dag.ErrInvalidGraph), "got %v", err)
		})
	}

	_, err := BuildSparkifyDAG(nil)
	assert.Error(t, err)
}

func TestSparkify_UpstreamFailureSkipsDownstream(t *testing.T) {
	d, err := BuildSparkifyDAG(testConfig("redshift"))
	require.NoError(t, err)

	wh := warehousetest.NewMemory()
	wh.AddSource("s3://udacity-dend/log_data/2018/11/2018-11-01-events.json", warehousetest.Row{"page": "NextSong"})
	wh.FailOn("staging_songs", nil)

	snap, err := dag.NewDAGExecutor(wh).Execute(context.Background(), d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStatementFailure))
	assert.Equal(t, dag.RunFailed, snap.Status)

	states := make(map[string]dag.TaskState)
	for _, task := range snap.Tasks {
		states[task.TaskID] = task.State
	}
	assert.Equal(t, map[string]dag.TaskState{
		BeginExecution:       dag.TaskSucceeded,
		StageEvents:          dag.TaskSucceeded,
		StageSongs:           dag.TaskFailed,
		LoadSongplaysFact:    dag.TaskSkipped,
		LoadUserDimension:    dag.TaskSkipped,
		LoadSongDimension:    dag.TaskSkipped,
		LoadArtistDimension:  dag.TaskSkipped,
		LoadTimeDimension:    dag.TaskSkipped,
		RunDataQualityChecks: dag.TaskSkipped,
		StopExecution:        dag.TaskSkipped,
	}, states)

	assert.Equal(t, 1, wh.Count("public.staging_events"))
	for _, stmt := range wh.Statements() {
		assert.NotContains(t, stmt, "songplays", "no statement may reach a skipped task's table")
	}
}

const eventsJSONPaths = `{"jsonpaths": [
	"$['artist']", "$['auth']", "$['firstName']", "$['gender']", "$['itemInSession']",
	"$['lastName']", "$['length']", "$['level']", "$['location']", "$['method']",
	"$['page']", "$['registration']", "$['sessionId']", "$['song']", "$['status']",
	"$['ts']", "$['userAgent']", "$['userId']"
]}`

const eventsLog = `{"artist":"Des'ree","auth":"Logged In","firstName":"Kaylee","gender":"F","itemInSession":1,"lastName":"Summers","length":246.30812,"level":"free","location":"Phoenix-Mesa-Scottsdale, AZ","method":"PUT","page":"NextSong","registration":1540344794796.0,"sessionId":139,"song":"You Gotta Be","status":200,"ts":1541106106796,"userAgent":"Mozilla/5.0","userId":"8"}
{"artist":null,"auth":"Logged In","firstName":"Kaylee","gender":"F","itemInSession":2,"lastName":"Summers","length":null,"level":"free","location":"Phoenix-Mesa-Scottsdale, AZ","method":"GET","page":"Upgrade","registration":1540344794796.0,"sessionId":139,"song":null,"status":200,"ts":1541106132796,"userAgent":"Mozilla/5.0","userId":"8"}
{"artist":"Mr Oizo","auth":"Logged In","firstName":"Jayden","gender":"M","itemInSession":0,"lastName":"Graves","length":144.03873,"level":"paid","location":"Seattle-Tacoma-Bellevue, WA","method":"PUT","page":"NextSong","registration":1540664184796.0,"sessionId":164,"song":"Flat 55","status":200,"ts":1541107053796,"userAgent":"Mozilla/5.0","userId":"91"}
`

func sparkifyStore() *storage.MemStore {
	store := storage.NewMemStore()
	store.Put("udacity-dend", "log_json_path.json", []byte(eventsJSONPaths))
	store.Put("udacity-dend", "log_data/2018/11/2018-11-01-events.json", []byte(eventsLog))
	store.Put("udacity-dend", "song_data/A/A/A/TRAAAAW128F429D538.json", []byte(
		`{"num_songs":1,"artist_id":"ARMJAGH1187FB546F3","artist_latitude":35.14968,"artist_longitude":-90.04892,"artist_location":"Memphis, TN","artist_name":"Des'ree","song_id":"SOCIWDW12A8C13D406","title":"You Gotta Be","duration":246.30812,"year":1994}`))
	store.Put("udacity-dend", "song_data/A/A/B/TRAABJL12903CDCF1A.json", []byte(
		`{"num_songs":1,"artist_id":"ARKRRTF1187B9984DA","artist_latitude":null,"artist_longitude":null,"artist_location":"","artist_name":"Sonora Santanera","song_id":"SOXVLOJ12AB0189215","title":"Amor De Cabaret","duration":177.47546,"year":0}`))
	return store
}

func TestSparkify_LocalRun(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("local")

	pool, err := warehouse.NewLocalPool(filepath.Join(t.TempDir(), "sparkify.db"), warehouse.WithLocalStore(sparkifyStore()))
	require.NoError(t, err)
	for _, stmt := range CreateTableStatements(SQLite) {
		require.NoError(t, pool.Exec(ctx, stmt))
	}

	reg := warehouse.NewRegistry()
	require.NoError(t, reg.Register(cfg.Warehouse.ConnID, pool))
	t.Cleanup(func() { reg.Close() })

	d, err := BuildSparkifyDAG(cfg)
	require.NoError(t, err)

	// a second run over the same data must leave the same contents
	for i := 0; i < 2; i++ {
		snap, err := dag.NewDAGExecutor(reg).Execute(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, dag.RunSucceeded, snap.Status)

		gate, ok := snap.Task(RunDataQualityChecks)
		require.True(t, ok)
		assert.Equal(t, map[string]int64{
			StagingEventsTable: 3,
			StagingSongsTable:  2,
			SongplaysTable:     2,
			UsersTable:         2,
			ArtistsTable:       2,
			SongsTable:         2,
			TimeTable:          2,
		}, gate.RowCounts)
	}

	matched, err := pool.QueryRowCount(ctx, "SELECT COUNT(*) FROM songplays WHERE songid = 'SOCIWDW12A8C13D406' AND artistid = 'ARMJAGH1187FB546F3'")
	require.NoError(t, err)
	assert.Equal(t, int64(1), matched)

	hours, err := pool.QueryRowCount(ctx, "SELECT hour FROM time WHERE start_time = '2018-11-01 21:01:46'")
	require.NoError(t, err)
	assert.Equal(t, int64(21), hours)
}
