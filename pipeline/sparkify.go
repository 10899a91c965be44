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

// Package pipeline assembles the Sparkify star schema DAG: stage the event
// logs and song metadata, load the songplays fact table, load the four
// dimensions from it and gate the run on row counts.
package pipeline

import (
	"time"

	"github.com/aaronlmathis/starload/config"
	"github.com/aaronlmathis/starload/core"
	"github.com/aaronlmathis/starload/dag"
	"github.com/aaronlmathis/starload/dag/tasks"
	"github.com/aaronlmathis/starload/validators"
)

// Task ids of the Sparkify DAG.
const (
	BeginExecution       = "Begin_execution"
	StageEvents          = "Stage_events"
	StageSongs           = "Stage_songs"
	LoadSongplaysFact    = "Load_songplays_fact_table"
	LoadUserDimension    = "Load_user_dim_table"
	LoadSongDimension    = "Load_song_dim_table"
	LoadArtistDimension  = "Load_artist_dim_table"
	LoadTimeDimension    = "Load_time_dim_table"
	RunDataQualityChecks = "Run_data_quality_checks"
	StopExecution        = "Stop_execution"
)

// BuildSparkifyDAG builds the DAG described by cfg. The transformation
// queries follow the dialect of cfg.Warehouse.Driver.
func BuildSparkifyDAG(cfg *config.Config) (*dag.DAG, error) {
	if cfg == nil {
		return nil, core.ConfigErrorf("nil configuration")
	}
	dialect, err := DialectFor(cfg.Warehouse.Driver)
	if err != nil {
		return nil, core.ConfigErrorf("%v", err)
	}
	queries := SQLQueries(dialect)

	events, err := stageParams(cfg, cfg.Source.Events)
	if err != nil {
		return nil, err
	}
	songs, err := stageParams(cfg, cfg.Source.Songs)
	if err != nil {
		return nil, err
	}
	quality, err := qualityParams(cfg.Quality)
	if err != nil {
		return nil, err
	}

	conn := tasks.WithConnID(cfg.Warehouse.ConnID)
	truncateDims := cfg.Load.TruncateDimensions
	dims := []struct {
		id, table, query string
	}{
		{LoadUserDimension, UsersTable, queries.UserTableInsert},
		{LoadSongDimension, SongsTable, queries.SongTableInsert},
		{LoadArtistDimension, ArtistsTable, queries.ArtistTableInsert},
		{LoadTimeDimension, TimeTable, queries.TimeTableInsert},
	}

	builder := dag.NewDAG(cfg.DAG.ID, cfg.DAG.Name).
		WithDescription(cfg.DAG.Description).
		WithOwner(cfg.DAG.Owner).
		WithSchedule(cfg.DAG.Schedule).
		WithWindow(deref(cfg.DAG.StartDate), deref(cfg.DAG.EndDate)).
		WithMaxParallelism(cfg.DAG.MaxParallelism).
		WithDefaultTimeout(time.Duration(cfg.DAG.Timeout)).
		WithDefaultRetries(cfg.DAG.Retries, time.Duration(cfg.DAG.RetryDelay)).
		AddNoOpTask(BeginExecution, nil).
		AddStageTask(StageEvents, events, []string{BeginExecution}, conn,
			tasks.WithDescription("Copy event logs into "+events.Table),
			tasks.WithTags("stage", "events")).
		AddStageTask(StageSongs, songs, []string{BeginExecution}, conn,
			tasks.WithDescription("Copy song metadata into "+songs.Table),
			tasks.WithTags("stage", "songs")).
		AddLoadTask(LoadSongplaysFact,
			tasks.FactLoad(SongplaysTable, queries.SongplayTableInsert).WithTruncate(cfg.Load.TruncateFact),
			[]string{StageEvents, StageSongs}, conn,
			tasks.WithTags("fact"))

	dimIDs := make([]string, 0, len(dims))
	for _, d := range dims {
		builder.AddLoadTask(d.id,
			tasks.DimensionLoad(d.table, d.query).WithTruncate(truncateDims),
			[]string{LoadSongplaysFact}, conn,
			tasks.WithTags("dimension"))
		dimIDs = append(dimIDs, d.id)
	}

	return builder.
		AddQualityCheckTask(RunDataQualityChecks, quality, dimIDs, conn,
			tasks.WithDescription("Check that every loaded table has rows"),
			tasks.WithTags("quality")).
		AddNoOpTask(StopExecution, []string{RunDataQualityChecks}).
		Build()
}

func stageParams(cfg *config.Config, stage config.StageConfig) (tasks.StageParams, error) {
	var format tasks.RecordFormat
	switch stage.Format {
	case "", "json":
		format = tasks.JSONFormat(stage.Mapping)
	case "csv":
		format = tasks.CSVFormat(stage.Delimiter, stage.IgnoreHeader)
	case "parquet":
		format = tasks.ParquetFormat()
	default:
		return tasks.StageParams{}, core.ConfigErrorf("unsupported stage format %q for %s", stage.Format, stage.Table)
	}

	return tasks.StageParams{
		Table:       stage.Table,
		Source:      tasks.Source{Bucket: cfg.Source.Bucket, Prefix: stage.Prefix},
		Format:      format,
		Region:      cfg.Source.Region,
		Credentials: cfg.Warehouse.IAMRole,
	}, nil
}

// qualityParams checks tables in configured order. Tables with a min_rows
// entry need at least that many rows, the rest need one.
func qualityParams(qc config.QualityConfig) (tasks.QualityParams, error) {
	strategy, err := core.ParseErrorStrategy(qc.Strategy)
	if err != nil {
		return tasks.QualityParams{}, err
	}

	var p tasks.QualityParams
	for _, table := range qc.Tables {
		predicate := validators.NonEmpty()
		if n, ok := qc.MinRows[table]; ok {
			predicate = validators.MinRows(n)
		}
		p = p.WithCheck(table, predicate)
	}
	if strategy == core.CollectErrors {
		p = p.CollectAll()
	}
	return p, nil
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// TaskIDs lists the Sparkify task ids in declaration order.
func TaskIDs() []string {
	return []string{
		BeginExecution, StageEvents, StageSongs, LoadSongplaysFact,
		LoadUserDimension, LoadSongDimension, LoadArtistDimension, LoadTimeDimension,
		RunDataQualityChecks, StopExecution,
	}
}
