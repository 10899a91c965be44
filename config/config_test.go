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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/starload/core"
)

const role = "arn:aws:iam::123456789012:role/dwhRole"

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0 * * * *", cfg.DAG.Schedule)
	assert.Equal(t, 1, cfg.DAG.Retries)
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.DAG.RetryDelay))
	assert.Equal(t, "udacity-dend", cfg.Source.Bucket)
	assert.Equal(t, "log_data", cfg.Source.Events.Prefix)
	assert.Equal(t, "s3://udacity-dend/log_json_path.json", cfg.Source.Events.Mapping)
	assert.Equal(t, "auto", cfg.Source.Songs.Mapping)
	assert.Len(t, cfg.Quality.Tables, 7)
	assert.True(t, cfg.Load.TruncateFact)

	// credentials and the DSN have no defaults
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfiguration))
	assert.Contains(t, err.Error(), "warehouse.dsn is required")
	assert.Contains(t, err.Error(), "warehouse.iam_role is required")

	cfg.ApplyEnv(env(map[string]string{
		"STARLOAD_WAREHOUSE_DSN": "postgres://u:p@cluster:5439/dev",
		"STARLOAD_IAM_ROLE":      role,
	}))
	assert.NoError(t, cfg.Validate())
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"dag": {"retries": 3, "retry_delay": "30s", "end_date": null},
		"warehouse": {"driver": "local", "local_path": "dev.db", "iam_role": "` + role + `"},
		"source": {"local_dir": "./data", "songs": {"table": "public.staging_songs", "prefix": "song_data", "format": "csv", "delimiter": "|", "ignore_header": 1}},
		"load": {"truncate_fact": false},
		"quality": {"tables": ["public.songplays"], "min_rows": {"public.songplays": 10}, "strategy": "collect_errors"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.DAG.Retries)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.DAG.RetryDelay))
	assert.Nil(t, cfg.DAG.EndDate)
	require.NotNil(t, cfg.DAG.StartDate)
	assert.Equal(t, "0 * * * *", cfg.DAG.Schedule)

	assert.Equal(t, "local", cfg.Warehouse.Driver)
	assert.Equal(t, "csv", cfg.Source.Songs.Format)
	assert.Equal(t, 1, cfg.Source.Songs.IgnoreHeader)
	assert.Equal(t, "log_data", cfg.Source.Events.Prefix)

	assert.False(t, cfg.Load.TruncateFact)
	assert.True(t, cfg.Load.TruncateDimensions)
	assert.Equal(t, []string{"public.songplays"}, cfg.Quality.Tables)
	assert.Equal(t, int64(10), cfg.Quality.MinRows["public.songplays"])

	assert.NoError(t, cfg.Validate())
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		message string
	}{
		{name: "unknown key", doc: `{"dag": {"schedul": "x"}}`, message: "/dag"},
		{name: "bad duration", doc: `{"dag": {"retry_delay": "two minutes"}}`, message: "/dag/retry_delay"},
		{name: "negative retries", doc: `{"dag": {"retries": -1}}`, message: "/dag/retries"},
		{name: "bad driver", doc: `{"warehouse": {"driver": "oracle"}}`, message: "/warehouse/driver"},
		{name: "bad table", doc: `{"quality": {"tables": ["drop table;"]}}`, message: "/quality/tables/0"},
		{name: "not json", doc: `{`, message: "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrConfiguration))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Warehouse.DSN = "postgres://u:p@cluster:5439/dev"
		cfg.Warehouse.IAMRole = role
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{
			name: "window",
			mutate: func(c *Config) {
				end := c.DAG.StartDate.Add(-time.Hour)
				c.DAG.EndDate = &end
			},
			message: "is before dag.start_date",
		},
		{
			name:    "stage table",
			mutate:  func(c *Config) { c.Source.Events.Table = "" },
			message: "source.events.table",
		},
		{
			name:    "min rows for unchecked table",
			mutate:  func(c *Config) { c.Quality.MinRows = map[string]int64{"public.other": 1} },
			message: "not in quality.tables",
		},
		{
			name:    "strategy",
			mutate:  func(c *Config) { c.Quality.Strategy = "best_effort" },
			message: "unknown error strategy",
		},
		{
			name:    "run store dsn",
			mutate:  func(c *Config) { c.RunStore.Driver = "mysql" },
			message: "run_store.dsn is required for the mysql driver",
		},
		{
			name:    "topic",
			mutate:  func(c *Config) { c.Events.Brokers = []string{"localhost:9092"}; c.Events.Topic = "" },
			message: "events.topic is required",
		},
		{
			name:    "parallelism",
			mutate:  func(c *Config) { c.DAG.MaxParallelism = 0 },
			message: "dag.max_parallelism",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrConfiguration))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(env(map[string]string{
		"STARLOAD_S3_BUCKET":     "my-bucket",
		"STARLOAD_REGION":        "eu-west-1",
		"STARLOAD_KAFKA_BROKERS": " k1:9092, ,k2:9092",
		"STARLOAD_API_ADDR":      "",
		"STARLOAD_RUNSTORE_DSN":  "runs.db",
	}))

	assert.Equal(t, "my-bucket", cfg.Source.Bucket)
	assert.Equal(t, "eu-west-1", cfg.Source.Region)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.Brokers)
	assert.Equal(t, ":8080", cfg.API.Addr, "empty values do not override")
	assert.Equal(t, "runs.db", cfg.RunStore.DSN)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "starload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"warehouse": {"driver": "local", "local_path": "dev.db", "iam_role": "`+role+`"}
	}`), 0o644))

	t.Setenv("STARLOAD_LOG_LEVEL", "debug")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev.db", cfg.Warehouse.LocalPath)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}
